// Package propertystore persists the ordered list of monitored properties.
//
// The whole list is written under a single key after every mutation, so a
// write either replaces the full document or leaves the previous one intact.
// On first load an empty list is seeded from the single-property record used
// by earlier versions.
package propertystore

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
	"github.com/codeGROOVE-dev/databar/pkg/property"
)

// Storage keys.
const (
	PropertiesKey = "configuredProperties"
	LegacyKey     = "selectedPropertyId"
)

// MigratedPropertyName is the placeholder name given to a migrated legacy property.
const MigratedPropertyName = "Migrated Property"

// Store owns the configured properties. It is safe for concurrent use.
type Store struct {
	kv          kvstore.Store
	logger      *slog.Logger
	newID       func() uuid.UUID
	props       []property.Configured
	listeners   []func()
	mu          sync.RWMutex
	initialized bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator overrides how local identifiers are generated.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(s *Store) { s.newID = fn }
}

// New loads the store from kv, migrating the legacy record if needed.
func New(kv kvstore.Store, opts ...Option) (*Store, error) {
	s := &Store{
		kv:     kv,
		logger: slog.Default(),
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}

	props, err := s.load()
	if err != nil {
		return nil, err
	}
	s.props = props

	if len(s.props) == 0 {
		if err := s.migrateLegacy(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info("[STORE] Loaded properties", "count", len(s.props))
	return s, nil
}

// load reads the persisted document.
func (s *Store) load() ([]property.Configured, error) {
	data, ok, err := s.kv.Get(PropertiesKey)
	if err != nil {
		return nil, fmt.Errorf("load properties: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return s.parse(data), nil
}

// parse decodes and repairs a persisted document. A corrupt document is
// treated as empty so that the app can still start.
func (s *Store) parse(data []byte) []property.Configured {
	if len(data) == 0 {
		return nil
	}
	var props []property.Configured
	if err := json.Unmarshal(data, &props); err != nil {
		s.logger.Error("[STORE] Discarding unreadable property list", "error", err)
		return nil
	}

	sort.SliceStable(props, func(i, j int) bool { return props[i].Order < props[j].Order })

	// Repair documents written by hand or by buggy versions.
	seen := make(map[string]bool, len(props))
	out := props[:0]
	for _, p := range props {
		if p.PropertyID == "" || seen[p.PropertyID] {
			s.logger.Warn("[STORE] Dropping invalid or duplicate property", "property_id", p.PropertyID)
			continue
		}
		seen[p.PropertyID] = true
		if p.ID == uuid.Nil {
			p.ID = s.newID()
		}
		out = append(out, p)
	}
	if len(out) > property.MaxProperties {
		s.logger.Warn("[STORE] Truncating property list", "count", len(out), "max", property.MaxProperties)
		out = out[:property.MaxProperties]
	}
	renumber(out)
	return out
}

// migrateLegacy converts the single selected property of earlier versions.
// It only runs when no new-format list exists and deletes the legacy key.
func (s *Store) migrateLegacy() error {
	data, ok, err := s.kv.Get(LegacyKey)
	if err != nil {
		return fmt.Errorf("read legacy property: %w", err)
	}
	if !ok {
		return nil
	}

	legacyID := legacyValue(data)
	if legacyID == "" {
		// Empty legacy value, nothing to migrate.
		if err := s.kv.Remove(LegacyKey); err != nil {
			s.logger.Warn("[STORE] Failed to remove empty legacy key", "error", err)
		}
		return nil
	}

	migrated := []property.Configured{{
		ID:           s.newID(),
		PropertyID:   legacyID,
		PropertyName: MigratedPropertyName,
		DisplayIcon:  property.DefaultIcon(MigratedPropertyName),
		Order:        0,
	}}
	if err := s.save(migrated); err != nil {
		return fmt.Errorf("save migrated property: %w", err)
	}
	if err := s.kv.Remove(LegacyKey); err != nil {
		return fmt.Errorf("remove legacy property: %w", err)
	}
	s.props = migrated
	s.logger.Info("[STORE] Migrated legacy property", "property_id", legacyID)
	return nil
}

// legacyValue accepts the legacy record either as a bare string or as a JSON string.
func legacyValue(data []byte) string {
	var v string
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

func encode(props []property.Configured) ([]byte, error) {
	if props == nil {
		props = []property.Configured{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}
	return data, nil
}

func (s *Store) save(props []property.Configured) error {
	data, err := encode(props)
	if err != nil {
		return err
	}
	if err := s.kv.Set(PropertiesKey, data); err != nil {
		return fmt.Errorf("save properties: %w", err)
	}
	return nil
}

// OnChange registers fn to be called after every successful mutation.
// Listeners run on the mutating goroutine, after the store lock is released.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify() {
	s.mu.RLock()
	if !s.initialized {
		s.mu.RUnlock()
		return
	}
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// errUnchanged tells mutate that the edit produced no change to write.
var errUnchanged = errors.New("unchanged")

// mutate applies edit to the list as currently persisted, not to s.props,
// and writes the result while kvstore holds its lock. Another process may
// have written since the last read; its changes are kept. On success the
// result becomes current. Must be called with s.mu held.
func (s *Store) mutate(edit func(cur []property.Configured) ([]property.Configured, error)) ([]property.Configured, error) {
	var next []property.Configured
	err := s.kv.Update(PropertiesKey, func(data []byte, ok bool) ([]byte, error) {
		cur := s.props
		if ok {
			cur = s.parse(data)
		}
		out, err := edit(slices.Clone(cur))
		if err != nil {
			return nil, err
		}
		renumber(out)
		next = out
		return encode(out)
	})
	if err != nil {
		return nil, err
	}
	s.props = next
	return next, nil
}

// Reload re-reads the persisted list so writes made by other processes
// become visible. Listeners run only if the list changed.
func (s *Store) Reload() (bool, error) {
	props, err := s.load()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	changed := !slices.Equal(props, s.props)
	if changed {
		s.props = props
	}
	s.mu.Unlock()

	if changed {
		s.logger.Info("[STORE] Reloaded properties written elsewhere", "count", len(props))
		s.notify()
	}
	return changed, nil
}

// Properties returns a copy of the properties in display order.
func (s *Store) Properties() []property.Configured {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.props)
}

// Len returns the number of configured properties.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.props)
}

// Get returns the property with the given local identifier.
func (s *Store) Get(id uuid.UUID) (property.Configured, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.props[i], true
	}
	return property.Configured{}, false
}

// Contains reports whether a property with the given local identifier exists.
func (s *Store) Contains(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index(id) >= 0
}

// Initialized reports whether the initial load has completed.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Store) index(id uuid.UUID) int {
	return indexOf(s.props, id)
}

func indexOf(props []property.Configured, id uuid.UUID) int {
	return slices.IndexFunc(props, func(p property.Configured) bool { return p.ID == id })
}

// Add appends a new property chosen from the backend list.
func (s *Store) Add(c property.Candidate) (property.Configured, error) {
	if err := c.Validate(); err != nil {
		return property.Configured{}, err
	}

	name := c.PropertyName
	if name == "" {
		name = c.PropertyID
	}
	p := property.Configured{
		PropertyID:         c.PropertyID,
		PropertyName:       name,
		AccountDisplayName: c.AccountDisplayName,
		DisplayIcon:        property.DefaultIcon(name),
	}

	s.mu.Lock()
	next, err := s.mutate(func(cur []property.Configured) ([]property.Configured, error) {
		if len(cur) >= property.MaxProperties {
			return nil, property.ErrAtCapacity
		}
		if slices.ContainsFunc(cur, func(e property.Configured) bool { return e.PropertyID == c.PropertyID }) {
			return nil, fmt.Errorf("%w: %s", property.ErrDuplicate, c.PropertyID)
		}
		p.ID = s.newID()
		return append(cur, p), nil
	})
	s.mu.Unlock()
	if err != nil {
		return property.Configured{}, err
	}
	p = next[len(next)-1]

	s.logger.Info("[STORE] Added property", "property_id", p.PropertyID, "name", p.PropertyName, "icon", p.DisplayIcon)
	s.notify()
	return p, nil
}

// Remove deletes the properties with the given local identifiers and
// returns how many were removed.
func (s *Store) Remove(ids ...uuid.UUID) (int, error) {
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	removed := 0
	s.mu.Lock()
	_, err := s.mutate(func(cur []property.Configured) ([]property.Configured, error) {
		next := slices.DeleteFunc(cur, func(p property.Configured) bool { return drop[p.ID] })
		removed = len(cur) - len(next)
		if removed == 0 {
			return nil, errUnchanged
		}
		return next, nil
	})
	s.mu.Unlock()
	if errors.Is(err, errUnchanged) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	s.logger.Info("[STORE] Removed properties", "count", removed)
	s.notify()
	return removed, nil
}

// Move places source at target's current position, shifting the entries in
// between. Moving a property onto itself does nothing.
func (s *Store) Move(source, target uuid.UUID) error {
	var moved property.Configured
	var from, to int

	s.mu.Lock()
	_, err := s.mutate(func(cur []property.Configured) ([]property.Configured, error) {
		from, to = indexOf(cur, source), indexOf(cur, target)
		if from < 0 || to < 0 {
			return nil, property.ErrNotFound
		}
		if from == to {
			return nil, errUnchanged
		}
		moved = cur[from]
		next := slices.Delete(cur, from, from+1)
		return slices.Insert(next, to, moved), nil
	})
	s.mu.Unlock()
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("[STORE] Moved property", "property_id", moved.PropertyID, "from", from, "to", to)
	s.notify()
	return nil
}

// Update applies fn to the editable fields of a property.
func (s *Store) Update(id uuid.UUID, fn func(*property.Appearance)) (property.Configured, error) {
	s.mu.Lock()
	next, err := s.mutate(func(cur []property.Configured) ([]property.Configured, error) {
		i := indexOf(cur, id)
		if i < 0 {
			return nil, property.ErrNotFound
		}
		a := cur[i].Appearance()
		fn(&a)
		a.Normalize()
		if err := a.Validate(); err != nil {
			return nil, err
		}
		cur[i] = cur[i].WithAppearance(a)
		return cur, nil
	})
	s.mu.Unlock()
	if err != nil {
		return property.Configured{}, err
	}
	updated := next[indexOf(next, id)]

	s.logger.Info("[STORE] Updated property", "property_id", updated.PropertyID)
	s.notify()
	return updated, nil
}

// renumber assigns dense order values matching slice position.
func renumber(props []property.Configured) {
	for i := range props {
		props[i].Order = i
	}
}
