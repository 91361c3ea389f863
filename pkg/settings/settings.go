// Package settings stores DataBar's user preferences.
package settings

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
)

// IntervalKey is the storage key for the refresh interval in seconds.
const IntervalKey = "intervalSeconds"

// DefaultInterval is used when no interval has been chosen.
const DefaultInterval = 30 * time.Second

// AllowedIntervals are the refresh intervals offered to the user.
var AllowedIntervals = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
}

// Settings reads and writes preferences through a key-value store.
type Settings struct {
	kv     kvstore.Store
	logger *slog.Logger
}

// New returns settings backed by kv.
func New(kv kvstore.Store, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{kv: kv, logger: logger}
}

// RefreshInterval returns the stored interval, or DefaultInterval if none
// is stored or the stored value is not one of AllowedIntervals.
func (s *Settings) RefreshInterval() time.Duration {
	data, ok, err := s.kv.Get(IntervalKey)
	if err != nil {
		s.logger.Warn("[SETTINGS] Failed to read refresh interval, using default", "error", err)
		return DefaultInterval
	}
	if !ok {
		return DefaultInterval
	}

	secs, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		s.logger.Warn("[SETTINGS] Ignoring malformed refresh interval", "value", string(data), "error", err)
		return DefaultInterval
	}
	d := time.Duration(secs) * time.Second
	if !Allowed(d) {
		s.logger.Warn("[SETTINGS] Ignoring unsupported refresh interval", "seconds", secs)
		return DefaultInterval
	}
	return d
}

// SetRefreshInterval stores d, which must be one of AllowedIntervals.
func (s *Settings) SetRefreshInterval(d time.Duration) error {
	if !Allowed(d) {
		return fmt.Errorf("unsupported refresh interval %v", d)
	}
	secs := int(d / time.Second)
	if err := s.kv.Set(IntervalKey, []byte(strconv.Itoa(secs))); err != nil {
		return fmt.Errorf("save refresh interval: %w", err)
	}
	s.logger.Info("[SETTINGS] Saved refresh interval", "seconds", secs)
	return nil
}

// Allowed reports whether d is a selectable interval.
func Allowed(d time.Duration) bool {
	return slices.Contains(AllowedIntervals, d)
}

// IntervalLabel renders an interval for menus, e.g. "30 seconds" or "5 minutes".
func IntervalLabel(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	m := int(d / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
