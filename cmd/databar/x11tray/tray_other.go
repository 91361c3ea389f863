//go:build !linux && !freebsd && !openbsd && !netbsd && !dragonfly && !solaris && !illumos && !aix

package x11tray

import "context"

// HealthCheck always succeeds; the OS provides the tray.
func HealthCheck() error { return nil }

// ProxyProcess is unused on this platform.
type ProxyProcess struct{}

// Stop does nothing.
func (*ProxyProcess) Stop() error { return nil }

// EnsureTray always succeeds.
func EnsureTray(context.Context) (*ProxyProcess, error) {
	return nil, nil //nolint:nilnil // no proxy needed
}

// ShowContextMenu does nothing; the systray library shows menus natively.
func ShowContextMenu() {}
