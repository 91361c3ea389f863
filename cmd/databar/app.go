package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/energye/systray"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/databar/cmd/databar/x11tray"
	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/display"
	"github.com/codeGROOVE-dev/databar/pkg/icon"
	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
	"github.com/codeGROOVE-dev/databar/pkg/property"
	"github.com/codeGROOVE-dev/databar/pkg/propertystore"
	"github.com/codeGROOVE-dev/databar/pkg/refresh"
	"github.com/codeGROOVE-dev/databar/pkg/safebrowse"
	"github.com/codeGROOVE-dev/databar/pkg/settings"
)

const feedbackURL = "https://github.com/sammarks/DataBar/issues/new"

// App connects the scheduler and property store to the system tray.
type App struct {
	tray          SystrayInterface
	store         *propertystore.Store
	settings      *settings.Settings
	scheduler     *refresh.Scheduler
	catalog       catalogSource
	session       *session
	config        *kvstore.Watcher
	notifier      *notifier
	updates       *updateChecker
	icons         *icon.Cache
	logger        *slog.Logger
	openAnalytics func(ctx context.Context, rawURL string) error
	openURL       func(ctx context.Context, rawURL string, params map[string]string) error
	now           func() time.Time
	showBadge     bool
	checkUpdates  bool

	mu          sync.Mutex
	propItems   map[uuid.UUID]MenuItem
	candidates  []analytics.Property
	catalogErr  error
	lastTitle   string
	lastTooltip string
}

func newApp(tray SystrayInterface, store *propertystore.Store, prefs *settings.Settings, sched *refresh.Scheduler, logger *slog.Logger) *App {
	return &App{
		tray:          tray,
		store:         store,
		settings:      prefs,
		scheduler:     sched,
		icons:         icon.NewCache(),
		logger:        logger,
		openAnalytics: safebrowse.OpenAnalytics,
		openURL:       safebrowse.OpenWithParams,
		now:           time.Now,
		showBadge:     runtime.GOOS != "darwin",
		propItems:     make(map[uuid.UUID]MenuItem),
	}
}

// onReady runs once the tray exists.
func (app *App) onReady(ctx context.Context) {
	app.logger.Info("[TRAY] System tray ready")

	click := func(menu systray.IMenu) {
		if refreshOnOpen(app.scheduler.Snapshot()) {
			app.scheduler.RequestRefresh("click")
		}
		if menu == nil {
			x11tray.ShowContextMenu()
			return
		}
		if err := menu.ShowMenu(); err != nil {
			app.logger.Warn("[TRAY] Failed to show menu", "error", err)
		}
	}
	app.tray.SetOnClick(click)
	app.tray.SetOnRClick(click)

	app.store.OnChange(func() {
		app.scheduler.PropertiesChanged()
		app.rebuildMenu(ctx)
	})

	app.render()
	app.rebuildMenu(ctx)
	go app.watch(ctx)
	go app.loadCatalog(ctx, false)
	if app.config != nil {
		go app.followConfig(ctx, app.config)
	}
	if app.checkUpdates {
		go app.announceUpdate(ctx)
	}
	app.scheduler.Start()
}

// refreshOnOpen reports whether opening the menu should fetch again. Until
// some property has a value or an error the first load is still running.
func refreshOnOpen(snap refresh.Snapshot) bool {
	for _, st := range snap.States {
		if st.HasValue() || st.HasError {
			return true
		}
	}
	return false
}

// watch re-renders the title after every state change.
func (app *App) watch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			app.logger.Error("[TRAY] Panic in render loop", "panic", r)
			app.tray.SetTitle(glyph(property.IconError) + " " + display.ErrorText)
		}
	}()

	changes, cancel := app.scheduler.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			app.render()
		}
	}
}

// render pushes the current snapshot to the tray title, icon, tooltip and
// per-property menu items.
func (app *App) render() {
	snap := app.scheduler.Snapshot()
	title := display.Derive(snap.Properties, snap.States)
	text := title.Text(glyph)
	tooltip := display.Tooltip(snap.Properties, snap.States, app.now())

	app.mu.Lock()
	titleChanged := text != app.lastTitle
	tooltipChanged := tooltip != app.lastTooltip
	app.lastTitle = text
	app.lastTooltip = tooltip
	for _, p := range snap.Properties {
		if item, ok := app.propItems[p.ID]; ok {
			item.SetTitle(propertyItemTitle(p, snap.States[p.ID]))
		}
	}
	app.mu.Unlock()

	if titleChanged {
		app.logger.Debug("[TRAY] Title changed", "title", text)
		app.tray.SetTitle(text)
		if app.showBadge {
			app.setBadge(title)
		}
	}
	if tooltipChanged {
		app.tray.SetTooltip(tooltip)
	}
	if app.notifier != nil {
		app.notifier.Observe(snap)
	}
}

func (app *App) setBadge(t display.Title) {
	data, err := app.icons.Render(t.Compact(), badgeStatus(t.Status()))
	if err != nil {
		app.logger.Warn("[TRAY] Failed to render badge", "error", err)
		return
	}
	app.tray.SetIcon(data)
}

func badgeStatus(s display.Status) icon.Status {
	switch s {
	case display.StatusLoading:
		return icon.Loading
	case display.StatusError:
		return icon.Error
	case display.StatusConfigure:
		return icon.Configure
	default:
		return icon.OK
	}
}

func propertyItemTitle(p property.Configured, st property.State) string {
	return fmt.Sprintf("%s %s: %s", glyph(p.DisplayIcon), p.EffectiveDisplayName(), display.ValueText(st))
}

// loadCatalog fetches the selectable properties for the Add Property menu.
func (app *App) loadCatalog(ctx context.Context, refresh bool) {
	if app.catalog == nil {
		return
	}
	props, err := app.catalog.Load(ctx, refresh)
	if err != nil {
		app.logger.Warn("[TRAY] Failed to load property catalog", "error", err)
	} else {
		app.logger.Info("[TRAY] Property catalog loaded", "properties", len(props))
	}

	app.mu.Lock()
	app.catalogErr = err
	if err == nil {
		app.candidates = props
	}
	app.mu.Unlock()
	app.rebuildMenu(ctx)
}

// rebuildMenu recreates the whole tray menu.
func (app *App) rebuildMenu(ctx context.Context) {
	snap := app.scheduler.Snapshot()
	props := app.store.Properties()

	app.mu.Lock()
	candidates := slices.Clone(app.candidates)
	catalogErr := app.catalogErr
	app.mu.Unlock()

	app.tray.ResetMenu()
	items := make(map[uuid.UUID]MenuItem, len(props))

	if len(props) == 0 {
		none := app.tray.AddMenuItem("No properties configured", "Add a property below")
		none.Disable()
	}
	for _, p := range props {
		item := app.tray.AddMenuItem(propertyItemTitle(p, snap.States[p.ID]), "Open in Google Analytics")
		items[p.ID] = item
		pid := p.PropertyID
		item.Click(func() { app.openProperty(ctx, pid) })
	}
	app.tray.AddSeparator()

	refreshItem := app.tray.AddMenuItem("Refresh Now", "Fetch active users now")
	refreshItem.Click(func() {
		app.scheduler.RequestRefresh("menu")
		go app.loadCatalog(ctx, true)
	})

	app.addIntervalMenu(ctx)
	app.addPropertyMenu(props, candidates, catalogErr)
	app.removePropertyMenu(props)
	app.tray.AddSeparator()

	updates := app.tray.AddMenuItem("Check for Updates...", "Look for a newer DataBar release")
	updates.Click(func() { go app.checkForUpdates(ctx) })
	feedback := app.tray.AddMenuItem("Send Feedback...", "Report a problem or suggest a feature")
	feedback.Click(func() {
		if err := app.openURL(ctx, feedbackURL, map[string]string{"labels": "feedback"}); err != nil {
			app.logger.Error("[TRAY] Failed to open feedback page", "error", err)
		}
	})
	app.tray.AddSeparator()

	quit := app.tray.AddMenuItem("Quit DataBar", "")
	quit.Click(func() {
		app.logger.Info("[TRAY] Quit requested")
		app.tray.Quit()
	})

	app.mu.Lock()
	app.propItems = items
	app.mu.Unlock()
}

func (app *App) addIntervalMenu(ctx context.Context) {
	current := app.scheduler.Interval()
	menu := app.tray.AddMenuItem("Refresh Interval", "How often active users are fetched")
	for _, d := range settings.AllowedIntervals {
		item := menu.AddSubMenuItem(settings.IntervalLabel(d), "")
		if d == current {
			item.Check()
		}
		item.Click(func() { app.setInterval(ctx, d) })
	}
}

func (app *App) setInterval(ctx context.Context, d time.Duration) {
	if err := app.settings.SetRefreshInterval(d); err != nil {
		app.logger.Error("[TRAY] Failed to save refresh interval", "error", err)
		return
	}
	app.scheduler.SetInterval(d)
	app.rebuildMenu(ctx)
}

func (app *App) addPropertyMenu(props []property.Configured, candidates []analytics.Property, catalogErr error) {
	menu := app.tray.AddMenuItem("Add Property", "Monitor another Google Analytics property")
	switch {
	case len(props) >= property.MaxProperties:
		menu.SetTooltip(fmt.Sprintf("At most %d properties can be shown", property.MaxProperties))
		menu.Disable()
		return
	case errors.Is(catalogErr, errSignedOut):
		menu.AddSubMenuItem("Sign in to list properties", "Run 'databar auth import'").Disable()
		return
	case catalogErr != nil && len(candidates) == 0:
		failed := menu.AddSubMenuItem("Could not load properties", catalogErr.Error())
		failed.Disable()
		return
	case app.catalog == nil:
		menu.AddSubMenuItem("Sign in to list properties", "Run 'databar auth import'").Disable()
		return
	case len(candidates) == 0:
		menu.AddSubMenuItem("Loading...", "").Disable()
		return
	}

	configured := make(map[string]bool, len(props))
	for _, p := range props {
		configured[p.PropertyID] = true
	}
	for _, c := range candidates {
		title := c.Name
		if c.AccountName != "" {
			title = c.AccountName + " / " + c.Name
		}
		item := menu.AddSubMenuItem(title, c.ID)
		if configured[c.ID] {
			item.Check()
			item.Disable()
			continue
		}
		item.Click(func() { app.addProperty(c) })
	}
}

func (app *App) addProperty(c analytics.Property) {
	added, err := app.store.Add(c.Candidate())
	switch {
	case errors.Is(err, property.ErrDuplicate), errors.Is(err, property.ErrAtCapacity):
		app.logger.Info("[TRAY] Property not added", "property_id", c.ID, "reason", err)
	case err != nil:
		app.logger.Error("[TRAY] Failed to add property", "property_id", c.ID, "error", err)
	default:
		app.logger.Info("[TRAY] Property added", "id", added.ID, "property_id", added.PropertyID)
	}
}

func (app *App) removePropertyMenu(props []property.Configured) {
	menu := app.tray.AddMenuItem("Remove Property", "Stop monitoring a property")
	if len(props) == 0 {
		menu.Disable()
		return
	}
	for _, p := range props {
		item := menu.AddSubMenuItem(p.EffectiveDisplayName(), p.PropertyID)
		id := p.ID
		item.Click(func() {
			if _, err := app.store.Remove(id); err != nil {
				app.logger.Error("[TRAY] Failed to remove property", "id", id, "error", err)
			}
		})
	}
}

func (app *App) openProperty(ctx context.Context, propertyID string) {
	u, err := analytics.WebURL(propertyID)
	if err != nil {
		app.logger.Error("[TRAY] Cannot build analytics URL", "property_id", propertyID, "error", err)
		return
	}
	if err := app.openAnalytics(ctx, u); err != nil {
		app.logger.Error("[TRAY] Failed to open analytics", "url", u, "error", err)
	}
}

// announceUpdate notifies only when a newer release exists.
func (app *App) announceUpdate(ctx context.Context) {
	if app.updates == nil || app.notifier == nil {
		return
	}
	rel, err := app.updates.Check(ctx)
	if err != nil {
		app.logger.Debug("[UPDATE] Startup update check skipped", "error", err)
		return
	}
	if rel.Newer {
		app.logger.Info("[UPDATE] Newer release available", "version", rel.Version, "url", rel.URL)
		app.notifier.send("DataBar "+rel.Version+" is available", "Download it from "+rel.URL)
	}
}

func (app *App) checkForUpdates(ctx context.Context) {
	if app.updates == nil || app.notifier == nil {
		return
	}
	rel, err := app.updates.Check(ctx)
	switch {
	case errors.Is(err, errDevBuild):
		app.notifier.send("DataBar", "This is a development build; update checks are disabled.")
	case err != nil:
		app.logger.Warn("[UPDATE] Update check failed", "error", err)
		app.notifier.send("DataBar", "Could not check for updates.")
	case rel.Newer:
		app.logger.Info("[UPDATE] Newer release available", "version", rel.Version, "url", rel.URL)
		app.notifier.send("DataBar "+rel.Version+" is available", "Download it from "+rel.URL)
	default:
		app.notifier.send("DataBar is up to date", "Version "+rel.Version+" is the latest release.")
	}
}
