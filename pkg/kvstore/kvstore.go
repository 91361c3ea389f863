// Package kvstore provides the durable key-value storage behind DataBar's configuration.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName  = ".lock"
	lockRetry     = 25 * time.Millisecond
	lockTimeout   = 5 * time.Second
	fileExtension = ".json"
)

// Store is a byte-oriented key-value store. Set replaces the whole value.
//
// Update is a read-modify-write under the store lock: fn receives the value
// currently persisted (ok is false when the key is missing) and returns the
// replacement. If fn returns an error nothing is written.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Update(key string, fn func(cur []byte, ok bool) ([]byte, error)) error
	Remove(key string) error
}

// DefaultDir returns the configuration directory for the given application name.
func DefaultDir(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(configDir, appName), nil
}

// File stores each key in its own file within a directory. Writers in
// different processes are serialized with an advisory file lock.
type File struct {
	lock *flock.Flock
	dir  string
	mu   sync.Mutex
}

// NewFile creates a file-backed store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &File{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// Path returns the file path for a key.
func (f *File) Path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, key+fileExtension), nil
}

// Get returns the stored value. The boolean is false when the key doesn't exist.
func (f *File) Get(key string) ([]byte, bool, error) {
	path, err := f.Path(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

// Set atomically replaces the value stored under key.
func (f *File) Set(key string, value []byte) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}
	return f.withLock(func() error { return f.write(path, key, value) })
}

// Update implements Store. The file lock is held from the read until the
// replacement is renamed into place, so writers in other processes cannot
// interleave.
func (f *File) Update(key string, fn func(cur []byte, ok bool) ([]byte, error)) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}
	return f.withLock(func() error {
		cur, err := os.ReadFile(path)
		ok := err == nil
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", key, err)
		}
		next, err := fn(cur, ok)
		if err != nil {
			return err
		}
		return f.write(path, key, next)
	})
}

// write replaces path via a synced temp file. Callers hold the lock.
func (f *File) write(path, key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Only present if the rename didn't happen.
		_ = os.Remove(tmpName) //nolint:errcheck // best effort cleanup
	}()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close() //nolint:errcheck // sync error takes precedence
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

// Remove deletes a key. Removing a missing key is not an error.
func (f *File) Remove(key string) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}

	return f.withLock(func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		return nil
	})
}

func (f *File) withLock(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := f.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return errors.New("acquire store lock: timed out")
	}
	defer func() {
		_ = f.lock.Unlock() //nolint:errcheck // lock is released when the process exits anyway
	}()

	return fn()
}

// validKey restricts keys to characters that are safe as file names.
func validKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if key[0] == '.' {
		return fmt.Errorf("key %q cannot start with a dot", key)
	}
	for _, r := range key {
		ok := (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.'
		if !ok {
			return fmt.Errorf("key %q contains invalid character %q", key, r)
		}
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements Store.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

// Update implements Store.
func (m *Memory) Update(key string, fn func(cur []byte, ok bool) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	next, err := fn(slices.Clone(cur), ok)
	if err != nil {
		return err
	}
	m.data[key] = slices.Clone(next)
	return nil
}

// Remove implements Store.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
