package propertystore

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
	"github.com/codeGROOVE-dev/databar/pkg/property"
)

func newStore(t *testing.T, kv kvstore.Store) *Store {
	t.Helper()
	if kv == nil {
		kv = kvstore.NewMemory()
	}
	s, err := New(kv)
	require.NoError(t, err)
	return s
}

func candidate(id string) property.Candidate {
	return property.Candidate{PropertyID: id, PropertyName: "Property " + id}
}

func addAll(t *testing.T, s *Store, ids ...string) []property.Configured {
	t.Helper()
	out := make([]property.Configured, 0, len(ids))
	for _, id := range ids {
		p, err := s.Add(candidate(id))
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func propertyIDs(props []property.Configured) []string {
	ids := make([]string, len(props))
	for i, p := range props {
		ids[i] = p.PropertyID
	}
	return ids
}

func assertDenseOrder(t *testing.T, props []property.Configured) {
	t.Helper()
	for i, p := range props {
		assert.Equal(t, i, p.Order, "property %s", p.PropertyID)
	}
}

func TestAddAssignsOrderAndIcon(t *testing.T) {
	s := newStore(t, nil)

	p, err := s.Add(property.Candidate{PropertyID: "properties/1", PropertyName: "Acme Android", AccountDisplayName: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, 0, p.Order)
	assert.Equal(t, property.IconMobile, p.DisplayIcon)
	assert.Equal(t, "Acme", p.AccountDisplayName)
	assert.NotEqual(t, uuid.Nil, p.ID)

	p2, err := s.Add(property.Candidate{PropertyID: "properties/2", PropertyName: "Acme Store"})
	require.NoError(t, err)
	assert.Equal(t, 1, p2.Order)
	assert.Equal(t, property.IconCommerce, p2.DisplayIcon)
}

func TestAddRejectsSixth(t *testing.T) {
	s := newStore(t, nil)
	addAll(t, s, "p1", "p2", "p3", "p4", "p5")
	before := s.Properties()

	_, err := s.Add(candidate("p6"))
	require.ErrorIs(t, err, property.ErrAtCapacity)
	assert.Equal(t, before, s.Properties())
}

func TestAddRejectsDuplicate(t *testing.T) {
	s := newStore(t, nil)
	addAll(t, s, "p1")

	_, err := s.Add(candidate("p1"))
	require.ErrorIs(t, err, property.ErrDuplicate)
	assert.Equal(t, 1, s.Len())
}

func TestAddRejectsInvalid(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.Add(property.Candidate{PropertyName: "no id"})
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestMoveToFront(t *testing.T) {
	s := newStore(t, nil)
	ps := addAll(t, s, "P1", "P2", "P3")

	require.NoError(t, s.Move(ps[2].ID, ps[0].ID))

	got := s.Properties()
	assert.Equal(t, []string{"P3", "P1", "P2"}, propertyIDs(got))
	assertDenseOrder(t, got)
}

func TestMoveToBack(t *testing.T) {
	s := newStore(t, nil)
	ps := addAll(t, s, "P1", "P2", "P3")

	require.NoError(t, s.Move(ps[0].ID, ps[2].ID))
	assert.Equal(t, []string{"P2", "P3", "P1"}, propertyIDs(s.Properties()))
}

func TestMoveNoOpAndMissing(t *testing.T) {
	s := newStore(t, nil)
	ps := addAll(t, s, "P1", "P2")

	calls := 0
	s.OnChange(func() { calls++ })

	require.NoError(t, s.Move(ps[0].ID, ps[0].ID))
	require.ErrorIs(t, s.Move(uuid.New(), ps[0].ID), property.ErrNotFound)
	require.ErrorIs(t, s.Move(ps[0].ID, uuid.New()), property.ErrNotFound)

	assert.Equal(t, []string{"P1", "P2"}, propertyIDs(s.Properties()))
	assert.Zero(t, calls, "no-op moves must not signal a change")
}

func TestRemoveRenumbers(t *testing.T) {
	s := newStore(t, nil)
	ps := addAll(t, s, "a", "b", "c", "d")

	n, err := s.Remove(ps[0].ID, ps[2].ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := s.Properties()
	assert.Equal(t, []string{"b", "d"}, propertyIDs(got))
	assertDenseOrder(t, got)

	n, err = s.Remove(uuid.New())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateOnlyTouchesAppearance(t *testing.T) {
	s := newStore(t, nil)
	ps := addAll(t, s, "a", "b")

	updated, err := s.Update(ps[1].ID, func(a *property.Appearance) {
		a.DisplayIcon = "star.fill"
		a.DisplayLabel = "web"
		a.CustomDisplayName = " Marketing "
	})
	require.NoError(t, err)

	assert.Equal(t, ps[1].ID, updated.ID)
	assert.Equal(t, "b", updated.PropertyID)
	assert.Equal(t, ps[1].PropertyName, updated.PropertyName)
	assert.Equal(t, 1, updated.Order)
	assert.Equal(t, "star.fill", updated.DisplayIcon)
	assert.Equal(t, "WEB", updated.DisplayLabel)
	assert.Equal(t, "Marketing", updated.EffectiveDisplayName())

	got, ok := s.Get(ps[1].ID)
	require.True(t, ok)
	assert.Equal(t, updated, got)
}

func TestUpdateValidation(t *testing.T) {
	s := newStore(t, nil)
	ps := addAll(t, s, "a")

	_, err := s.Update(ps[0].ID, func(a *property.Appearance) { a.DisplayLabel = "TOOLONG" })
	require.Error(t, err)
	got, _ := s.Get(ps[0].ID)
	assert.Empty(t, got.DisplayLabel, "rejected edit must not be applied")

	_, err = s.Update(uuid.New(), func(*property.Appearance) {})
	require.ErrorIs(t, err, property.ErrNotFound)
}

func TestPersistenceRoundTrip(t *testing.T) {
	kv := kvstore.NewMemory()
	s := newStore(t, kv)
	ps := addAll(t, s, "a", "b", "c")
	require.NoError(t, s.Move(ps[2].ID, ps[0].ID))

	reloaded := newStore(t, kv)
	assert.Equal(t, s.Properties(), reloaded.Properties())

	raw, ok, err := kv.Get(PropertiesKey)
	require.NoError(t, err)
	require.True(t, ok)
	var doc []map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc, 3)
	assert.Equal(t, "c", doc[0]["propertyId"])
	assert.Contains(t, doc[0], "displayIcon")
}

func TestLoadRepairsDocument(t *testing.T) {
	kv := kvstore.NewMemory()
	doc := `[
		{"id":"6f1c1a9e-0000-4000-8000-000000000002","propertyId":"b","propertyName":"B","displayIcon":"globe","order":7},
		{"id":"6f1c1a9e-0000-4000-8000-000000000001","propertyId":"a","propertyName":"A","displayIcon":"globe","order":3},
		{"id":"6f1c1a9e-0000-4000-8000-000000000003","propertyId":"a","propertyName":"dup","displayIcon":"globe","order":9}
	]`
	require.NoError(t, kv.Set(PropertiesKey, []byte(doc)))

	s := newStore(t, kv)
	got := s.Properties()
	assert.Equal(t, []string{"a", "b"}, propertyIDs(got))
	assertDenseOrder(t, got)
}

func TestLoadCorruptDocumentFallsBackToLegacy(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(PropertiesKey, []byte("{not json")))
	require.NoError(t, kv.Set(LegacyKey, []byte("properties/77")))

	s := newStore(t, kv)
	assert.Equal(t, []string{"properties/77"}, propertyIDs(s.Properties()))
}

func TestLegacyMigration(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(LegacyKey, []byte("propA")))

	s := newStore(t, kv)
	got := s.Properties()
	require.Len(t, got, 1)
	assert.Equal(t, "propA", got[0].PropertyID)
	assert.Equal(t, MigratedPropertyName, got[0].PropertyName)
	assert.Equal(t, 0, got[0].Order)

	_, ok, err := kv.Get(LegacyKey)
	require.NoError(t, err)
	assert.False(t, ok, "legacy key must be deleted")

	// A second construction must not migrate again or duplicate.
	again := newStore(t, kv)
	assert.Equal(t, got, again.Properties())
}

func TestLegacyMigrationJSONString(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(LegacyKey, []byte(`"properties/5"`)))
	s := newStore(t, kv)
	assert.Equal(t, []string{"properties/5"}, propertyIDs(s.Properties()))
}

func TestLegacyMigrationNeverMerges(t *testing.T) {
	kv := kvstore.NewMemory()
	first := newStore(t, kv)
	addAll(t, first, "existing")
	require.NoError(t, kv.Set(LegacyKey, []byte("propA")))

	s := newStore(t, kv)
	assert.Equal(t, []string{"existing"}, propertyIDs(s.Properties()))
}

func TestLegacyMigrationEmptyValue(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(LegacyKey, []byte("")))

	s := newStore(t, kv)
	assert.Zero(t, s.Len())
	_, ok, _ := kv.Get(LegacyKey) //nolint:errcheck // memory store never fails
	assert.False(t, ok)
}

func TestChangeListener(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(LegacyKey, []byte("propA")))

	s := newStore(t, kv)
	assert.True(t, s.Initialized())

	calls := 0
	s.OnChange(func() {
		calls++
		// Listeners run without the store lock held.
		_ = s.Properties()
	})

	ps := addAll(t, s, "b")
	_, err := s.Update(ps[0].ID, func(a *property.Appearance) { a.DisplayLabel = "B" })
	require.NoError(t, err)
	_, err = s.Remove(ps[0].ID)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
}

type failingStore struct {
	*kvstore.Memory
	fail bool
}

func (f *failingStore) Set(key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Set(key, value)
}

func (f *failingStore) Update(key string, fn func([]byte, bool) ([]byte, error)) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Update(key, fn)
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	kv := &failingStore{Memory: kvstore.NewMemory()}
	s := newStore(t, kv)
	ps := addAll(t, s, "a", "b")

	calls := 0
	s.OnChange(func() { calls++ })
	kv.fail = true

	_, err := s.Add(candidate("c"))
	require.Error(t, err)
	_, err = s.Remove(ps[0].ID)
	require.Error(t, err)
	require.Error(t, s.Move(ps[1].ID, ps[0].ID))

	assert.Equal(t, []string{"a", "b"}, propertyIDs(s.Properties()))
	assert.Zero(t, calls)
}

// TestRandomMutationsKeepDenseOrder applies random add/remove/move sequences
// and checks the ordering invariant after every step.
func TestRandomMutationsKeepDenseOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2)) //nolint:gosec // deterministic test input

	for round := range 20 {
		kv := kvstore.NewMemory()
		s := newStore(t, kv)
		next := 0

		for step := range 60 {
			props := s.Properties()
			switch op := rng.IntN(3); {
			case op == 0 || len(props) < 2:
				_, err := s.Add(candidate(fmt.Sprintf("r%d-%d", round, next)))
				next++
				if len(props) >= property.MaxProperties {
					require.ErrorIs(t, err, property.ErrAtCapacity)
				} else {
					require.NoError(t, err)
				}
			case op == 1:
				victim := props[rng.IntN(len(props))]
				_, err := s.Remove(victim.ID)
				require.NoError(t, err)
			default:
				a, b := props[rng.IntN(len(props))], props[rng.IntN(len(props))]
				require.NoError(t, s.Move(a.ID, b.ID))
			}

			got := s.Properties()
			assert.LessOrEqual(t, len(got), property.MaxProperties)
			seen := map[int]bool{}
			for i, p := range got {
				require.Equal(t, i, p.Order, "round %d step %d", round, step)
				require.False(t, seen[p.Order])
				seen[p.Order] = true
			}
		}

		// The persisted document matches memory.
		reloaded := newStore(t, kv)
		require.Equal(t, s.Properties(), reloaded.Properties())
	}
}

func TestIDGenerator(t *testing.T) {
	want := uuid.MustParse("6f1c6b2e-5d1a-4c8e-9b6a-2a7d3f0e9c41")
	s, err := New(kvstore.NewMemory(), WithIDGenerator(func() uuid.UUID { return want }))
	require.NoError(t, err)

	p, err := s.Add(candidate("properties/1"))
	require.NoError(t, err)
	assert.Equal(t, want, p.ID)
	assert.True(t, s.Contains(want))
}

// TestTwoProcessesKeepEachOthersWrites models the tray and the CLI holding
// separate stores on one config directory.
func TestTwoProcessesKeepEachOthersWrites(t *testing.T) {
	dir := t.TempDir()
	open := func() *Store {
		kv, err := kvstore.NewFile(dir)
		require.NoError(t, err)
		return newStore(t, kv)
	}

	tray := open()
	acme, err := tray.Add(candidate("properties/1"))
	require.NoError(t, err)

	cli := open()
	_, err = cli.Add(candidate("properties/2"))
	require.NoError(t, err)

	// The tray has not reloaded yet; its edit must not drop the CLI's add.
	_, err = tray.Update(acme.ID, func(a *property.Appearance) { a.DisplayLabel = "ac" })
	require.NoError(t, err)
	assert.Equal(t, []string{"properties/1", "properties/2"}, propertyIDs(tray.Properties()))

	persisted := open()
	assert.Equal(t, []string{"properties/1", "properties/2"}, propertyIDs(persisted.Properties()))
	assert.Equal(t, "AC", persisted.Properties()[0].DisplayLabel)

	// Duplicate and capacity checks see the other process's entries.
	_, err = tray.Add(candidate("properties/2"))
	require.ErrorIs(t, err, property.ErrDuplicate)
	_, err = cli.Remove(acme.ID)
	require.NoError(t, err)
	_, err = tray.Add(candidate("properties/3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"properties/2", "properties/3"}, propertyIDs(open().Properties()))
}

func TestReload(t *testing.T) {
	kv := kvstore.NewMemory()
	tray := newStore(t, kv)
	calls := 0
	tray.OnChange(func() { calls++ })

	changed, err := tray.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, calls)

	cli := newStore(t, kv)
	_, err = cli.Add(candidate("properties/9"))
	require.NoError(t, err)

	changed, err = tray.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"properties/9"}, propertyIDs(tray.Properties()))
}
