package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/auth"
	"github.com/codeGROOVE-dev/databar/pkg/display"
	"github.com/codeGROOVE-dev/databar/pkg/icon"
	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
	"github.com/codeGROOVE-dev/databar/pkg/property"
	"github.com/codeGROOVE-dev/databar/pkg/propertystore"
	"github.com/codeGROOVE-dev/databar/pkg/refresh"
	"github.com/codeGROOVE-dev/databar/pkg/settings"
)

type stubTokens struct{ err error }

func (s stubTokens) FreshToken(context.Context) (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "token", TokenType: "Bearer"}, nil
}

type stubClient struct{ counts map[string]int64 }

func (c stubClient) ActiveUsers(_ context.Context, _ *oauth2.Token, propertyID string) (int64, error) {
	n, ok := c.counts[propertyID]
	if !ok {
		return 0, errors.New("unknown property")
	}
	return n, nil
}

type stubCatalog struct {
	err   error
	props []analytics.Property
	calls int
}

func (c *stubCatalog) Load(context.Context, bool) ([]analytics.Property, error) {
	c.calls++
	return c.props, c.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testApp struct {
	*App
	tray   *MockSystray
	kv     *kvstore.Memory
	opened []string
}

func newTestApp(t *testing.T, tokens refresh.TokenProvider, client refresh.AnalyticsClient) *testApp {
	t.Helper()
	logger := discardLogger()
	kv := kvstore.NewMemory()
	store, err := propertystore.New(kv, propertystore.WithLogger(logger))
	if err != nil {
		t.Fatalf("propertystore.New: %v", err)
	}
	sched := refresh.New(store, tokens, client, refresh.Options{Logger: logger})
	t.Cleanup(sched.Close)

	tray := &MockSystray{}
	ta := &testApp{tray: tray, kv: kv}
	ta.App = newApp(tray, store, settings.New(kv, logger), sched, logger)
	ta.showBadge = true
	ta.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ta.openAnalytics = func(_ context.Context, u string) error {
		ta.opened = append(ta.opened, u)
		return nil
	}
	ta.openURL = func(_ context.Context, u string, _ map[string]string) error {
		ta.opened = append(ta.opened, u)
		return nil
	}
	return ta
}

func (ta *testApp) add(t *testing.T, id, name string) property.Configured {
	t.Helper()
	p, err := ta.store.Add(property.Candidate{PropertyID: id, PropertyName: name})
	if err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	ta.scheduler.PropertiesChanged()
	return p
}

func (ta *testApp) refreshNow(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ta.scheduler.RequestRefresh("test")
	if err := ta.scheduler.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestRenderNeedsConfiguration(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.render()

	if want := "⚙️ Configure"; ta.tray.title != want {
		t.Errorf("title = %q, want %q", ta.tray.title, want)
	}
	if !strings.Contains(ta.tray.tooltip, "no properties configured") {
		t.Errorf("tooltip = %q", ta.tray.tooltip)
	}
	if len(ta.tray.icon) == 0 {
		t.Error("expected a badge icon")
	}
}

func TestRenderAfterRefresh(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{counts: map[string]int64{"properties/1": 1234}})
	ta.add(t, "properties/1", "Acme")

	ta.render()
	if want := "📊 " + display.LoadingText + " users"; ta.tray.title != want {
		t.Errorf("title before refresh = %q, want %q", ta.tray.title, want)
	}

	ta.refreshNow(t)
	ta.render()
	if want := "📊 1.2k users"; ta.tray.title != want {
		t.Errorf("title = %q, want %q", ta.tray.title, want)
	}
	if !strings.Contains(ta.tray.tooltip, "Acme: 1,234 active users") {
		t.Errorf("tooltip = %q", ta.tray.tooltip)
	}
}

func TestRenderTokenFailure(t *testing.T) {
	ta := newTestApp(t, stubTokens{err: errors.New("expired")}, stubClient{})
	ta.add(t, "properties/1", "Acme")
	ta.refreshNow(t)
	ta.render()

	if !strings.Contains(ta.tray.title, display.ErrorText) {
		t.Errorf("title = %q, want error text", ta.tray.title)
	}
	if !strings.HasPrefix(ta.tray.title, glyph(property.IconError)) {
		t.Errorf("title = %q, want error glyph", ta.tray.title)
	}
}

func TestRenderUpdatesPropertyItems(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{counts: map[string]int64{"properties/1": 42}})
	ta.add(t, "properties/1", "Acme")
	ta.rebuildMenu(context.Background())

	ta.refreshNow(t)
	ta.render()
	if item := ta.tray.item("📊 Acme: 42"); item == nil {
		t.Errorf("property item not updated, menu = %v", ta.tray.titles())
	}
}

func TestRebuildMenuLayout(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.add(t, "properties/1", "Acme")
	ta.rebuildMenu(context.Background())

	want := []string{
		"📊 Acme: " + display.LoadingText,
		"---",
		"Refresh Now",
		"Refresh Interval",
		"Add Property",
		"Remove Property",
		"---",
		"Check for Updates...",
		"Send Feedback...",
		"---",
		"Quit DataBar",
	}
	if got := ta.tray.titles(); !slices.Equal(got, want) {
		t.Errorf("menu =\n%v\nwant\n%v", got, want)
	}
}

func TestRebuildMenuEmpty(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.rebuildMenu(context.Background())

	none := ta.tray.item("No properties configured")
	if none == nil || !none.disabled {
		t.Fatalf("expected disabled placeholder, menu = %v", ta.tray.titles())
	}
	if rm := ta.tray.item("Remove Property"); rm == nil || !rm.disabled {
		t.Error("Remove Property should be disabled with no properties")
	}
}

func TestIntervalMenu(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.rebuildMenu(context.Background())

	menu := ta.tray.item("Refresh Interval")
	if menu == nil {
		t.Fatal("missing Refresh Interval menu")
	}
	if len(menu.subItems) != len(settings.AllowedIntervals) {
		t.Fatalf("got %d intervals, want %d", len(menu.subItems), len(settings.AllowedIntervals))
	}
	if def := menu.sub("30 seconds"); def == nil || !def.checked {
		t.Error("default interval should be checked")
	}

	menu.sub("5 minutes").click()

	if got := ta.scheduler.Interval(); got != 5*time.Minute {
		t.Errorf("scheduler interval = %v, want 5m", got)
	}
	if got := ta.settings.RefreshInterval(); got != 5*time.Minute {
		t.Errorf("saved interval = %v, want 5m", got)
	}
	if five := ta.tray.item("Refresh Interval").sub("5 minutes"); five == nil || !five.checked {
		t.Error("rebuilt menu should check the new interval")
	}
}

func TestRemovePropertyMenu(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.add(t, "properties/1", "Acme")
	ta.add(t, "properties/2", "Globex")
	ta.rebuildMenu(context.Background())

	ta.tray.item("Remove Property").sub("Acme").click()

	props := ta.store.Properties()
	if len(props) != 1 || props[0].PropertyID != "properties/2" {
		t.Errorf("properties after remove = %+v", props)
	}
}

func TestAddPropertyMenu(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.add(t, "properties/1", "Acme")
	cat := &stubCatalog{props: []analytics.Property{
		{ID: "properties/1", Name: "Acme", AccountName: "Acme Corp"},
		{ID: "properties/2", Name: "Globex", AccountName: "Globex Inc"},
	}}
	ta.catalog = cat
	ta.loadCatalog(context.Background(), false)

	menu := ta.tray.item("Add Property")
	if menu == nil {
		t.Fatal("missing Add Property menu")
	}
	existing := menu.sub("Acme Corp / Acme")
	if existing == nil || !existing.checked || !existing.disabled {
		t.Errorf("configured property should be checked and disabled: %+v", existing)
	}

	menu.sub("Globex Inc / Globex").click()
	props := ta.store.Properties()
	if len(props) != 2 || props[1].AccountDisplayName != "Globex Inc" {
		t.Errorf("properties after add = %+v", props)
	}
}

func TestAddPropertyMenuAtCapacity(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	for i := range property.MaxProperties {
		ta.add(t, "properties/"+string(rune('1'+i)), "Site")
	}
	ta.catalog = &stubCatalog{}
	ta.rebuildMenu(context.Background())

	if menu := ta.tray.item("Add Property"); menu == nil || !menu.disabled {
		t.Error("Add Property should be disabled at capacity")
	}
}

func TestAddPropertyMenuCatalogError(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.catalog = &stubCatalog{err: errors.New("403 forbidden")}
	ta.loadCatalog(context.Background(), false)

	menu := ta.tray.item("Add Property")
	failed := menu.sub("Could not load properties")
	if failed == nil || !failed.disabled {
		t.Errorf("expected disabled error entry, got %+v", menu.subItems)
	}
}

func TestPropertyItemOpensAnalytics(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	p := ta.add(t, "properties/123", "Acme")
	ta.rebuildMenu(context.Background())

	ta.tray.item(propertyItemTitle(p, property.InitialState())).click()

	want := "https://analytics.google.com/analytics/web/#/p123/realtime/overview"
	if len(ta.opened) != 1 || ta.opened[0] != want {
		t.Errorf("opened = %v, want %s", ta.opened, want)
	}
}

func TestQuitMenu(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.rebuildMenu(context.Background())
	ta.tray.item("Quit DataBar").click()
	if !ta.tray.quit {
		t.Error("Quit was not called")
	}
}

func TestBadgeStatus(t *testing.T) {
	tests := []struct {
		in   display.Status
		want icon.Status
	}{
		{display.StatusOK, icon.OK},
		{display.StatusLoading, icon.Loading},
		{display.StatusError, icon.Error},
		{display.StatusConfigure, icon.Configure},
	}
	for _, tt := range tests {
		if got := badgeStatus(tt.in); got != tt.want {
			t.Errorf("badgeStatus(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGlyph(t *testing.T) {
	for _, name := range property.CuratedIcons {
		if glyph(name) == "" {
			t.Errorf("no glyph for curated icon %q", name)
		}
	}
	if got, want := glyph("no.such.icon"), glyph(property.IconDefault); got != want {
		t.Errorf("unknown icon glyph = %q, want %q", got, want)
	}
}

func TestRefreshOnOpen(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		st   property.State
		want bool
	}{
		{"first load", property.Loading(property.InitialState()), false},
		{"has value", property.Succeeded("12", time.Now()), true},
		{"has error", property.Failed(), true},
	}
	for _, tt := range tests {
		snap := refresh.Snapshot{States: map[uuid.UUID]property.State{id: tt.st}}
		if got := refreshOnOpen(snap); got != tt.want {
			t.Errorf("%s: refreshOnOpen = %v, want %v", tt.name, got, tt.want)
		}
	}
	if refreshOnOpen(refresh.Snapshot{}) {
		t.Error("no properties: refreshOnOpen should be false")
	}
}

func TestConfigChangedReloadsProperties(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.add(t, "properties/1", "Acme")

	cli, err := propertystore.New(ta.kv, propertystore.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Add(property.Candidate{PropertyID: "properties/2", PropertyName: "Globex"}); err != nil {
		t.Fatal(err)
	}

	ta.configChanged(context.Background(), propertystore.PropertiesKey)
	ta.rebuildMenu(context.Background())

	if got := len(ta.store.Properties()); got != 2 {
		t.Fatalf("tray sees %d properties, want 2", got)
	}
	if ta.tray.item("Remove Property").sub("Globex") == nil {
		t.Errorf("menu missing property added elsewhere: %v", ta.tray.titles())
	}
}

func TestConfigChangedInterval(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	ta.rebuildMenu(context.Background())

	if err := settings.New(ta.kv, discardLogger()).SetRefreshInterval(10 * time.Minute); err != nil {
		t.Fatal(err)
	}
	ta.configChanged(context.Background(), settings.IntervalKey)

	if got := ta.scheduler.Interval(); got != 10*time.Minute {
		t.Errorf("scheduler interval = %v, want 10m", got)
	}
	if item := ta.tray.item("Refresh Interval").sub("10 minutes"); item == nil || !item.checked {
		t.Error("menu should check the interval set elsewhere")
	}
}

func TestConfigChangedCredentials(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	signedOut := &services{tokens: unavailableTokens{err: errors.New("no token")}, authErr: errors.New("no token")}
	signedIn := &services{tokens: stubTokens{}, catalog: &stubCatalog{}}
	next := signedOut
	sess, err := newSession(context.Background(), func(context.Context) (*services, error) { return next, nil })
	if err != nil {
		t.Fatal(err)
	}
	ta.session = sess

	if _, err := sess.FreshToken(context.Background()); err == nil {
		t.Fatal("expected token error while signed out")
	}
	if _, err := sess.Load(context.Background(), false); !errors.Is(err, errSignedOut) {
		t.Errorf("Load() err = %v, want errSignedOut", err)
	}

	next = signedIn
	ta.configChanged(context.Background(), auth.TokenKey)

	if err := sess.AuthErr(); err != nil {
		t.Errorf("AuthErr() = %v after import", err)
	}
	if _, err := sess.FreshToken(context.Background()); err != nil {
		t.Errorf("FreshToken() after import: %v", err)
	}
}

func TestAddPropertyMenuSignedOut(t *testing.T) {
	ta := newTestApp(t, stubTokens{}, stubClient{})
	sess, err := newSession(context.Background(), func(context.Context) (*services, error) {
		return &services{tokens: unavailableTokens{err: errors.New("no token")}, authErr: errors.New("no token")}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ta.catalog = sess
	ta.loadCatalog(context.Background(), false)

	entry := ta.tray.item("Add Property").sub("Sign in to list properties")
	if entry == nil || !entry.disabled {
		t.Errorf("expected disabled sign-in entry, got %+v", ta.tray.item("Add Property").subItems)
	}
}
