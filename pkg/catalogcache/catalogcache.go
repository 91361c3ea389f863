// Package catalogcache caches the Analytics property catalog on disk with a TTL.
package catalogcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultTTL is how long a listed catalog stays fresh.
const DefaultTTL = time.Hour

// Entry is a cached item with metadata.
type Entry[T any] struct {
	Data     T         `json:"data"`
	CachedAt time.Time `json:"cached_at"`
}

// Manager reads and writes cache files in one directory.
type Manager struct {
	now      func() time.Time
	cacheDir string
}

// NewManager creates a cache manager rooted at cacheDir.
func NewManager(cacheDir string) *Manager {
	return &Manager{cacheDir: cacheDir, now: time.Now}
}

// Key derives a short stable file name from parts.
func Key(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])[:16]
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.cacheDir, key+".json")
}

// Get decodes the entry for key into dst if it is younger than ttl.
// A miss is not an error.
func Get[T any](m *Manager, key string, ttl time.Duration, dst *T) (bool, error) {
	p := m.path(key)
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read cache file: %w", err)
	}

	var e Entry[T]
	if err := json.Unmarshal(b, &e); err != nil {
		// Corrupted cache file - try to remove it
		if removeErr := os.Remove(p); removeErr != nil {
			slog.Debug("[CACHE] Failed to remove corrupted cache file", "path", p, "error", removeErr)
		}
		return false, fmt.Errorf("unmarshal cache: %w", err)
	}

	if m.now().Sub(e.CachedAt) >= ttl {
		return false, nil
	}
	*dst = e.Data
	return true, nil
}

// Put stores data under key.
func Put[T any](m *Manager, key string, data T) error {
	b, err := json.Marshal(Entry[T]{Data: data, CachedAt: m.now()})
	if err != nil {
		return fmt.Errorf("marshal cache data: %w", err)
	}
	if err := os.MkdirAll(m.cacheDir, 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(m.path(key), b, 0o600); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key, if any.
func (m *Manager) Invalidate(key string) error {
	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}

// CleanupOldFiles removes cache files not modified within maxAge.
func (m *Manager) CleanupOldFiles(maxAge time.Duration) (cleaned int, errs int) {
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("[CACHE] Failed to read cache directory for cleanup", "error", err)
			return 0, 1
		}
		return 0, 0
	}

	now := m.now()
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs++
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(filepath.Join(m.cacheDir, e.Name())); err != nil {
				errs++
			} else {
				cleaned++
			}
		}
	}
	return cleaned, errs
}
