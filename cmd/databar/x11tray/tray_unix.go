//go:build linux || freebsd || openbsd || netbsd || dragonfly || solaris || illumos || aix

// Package x11tray makes sure a StatusNotifierItem tray host exists on Unix
// desktops, starting the snixembed proxy for legacy X11 trays when needed.
package x11tray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	watcherService = "org.kde.StatusNotifierWatcher"
	itemInterface  = "org.kde.StatusNotifierItem"
	proxySettle    = 500 * time.Millisecond
)

func sessionNames() ([]string, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to D-Bus session bus: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("[X11TRAY] Failed to close DBus connection", "error", err)
		}
	}()

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("failed to query D-Bus services: %w", err)
	}
	return names, nil
}

// HealthCheck returns nil when a StatusNotifierWatcher is registered.
func HealthCheck() error {
	names, err := sessionNames()
	if err != nil {
		return err
	}
	if !slices.Contains(names, watcherService) {
		return fmt.Errorf("no system tray found: %s service not available", watcherService)
	}
	return nil
}

// ProxyProcess is a running snixembed.
type ProxyProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// Stop terminates the proxy.
func (p *ProxyProcess) Stop() error {
	if p == nil {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// EnsureTray returns nil, nil when a native tray host exists. Otherwise it
// starts snixembed; the caller must Stop the returned proxy on exit.
func EnsureTray(ctx context.Context) (*ProxyProcess, error) {
	if err := HealthCheck(); err == nil {
		return nil, nil //nolint:nilnil // no proxy needed
	}
	slog.Warn("[X11TRAY] No native system tray found, starting snixembed")

	path, err := exec.LookPath("snixembed")
	if err != nil {
		return nil, errors.New("system tray unavailable: install snixembed (e.g. 'apt install snixembed')")
	}

	proxyCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(proxyCtx, path)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start snixembed: %w", err)
	}
	proxy := &ProxyProcess{cmd: cmd, cancel: cancel}

	// snixembed needs a moment to claim its bus name.
	time.Sleep(proxySettle)
	if err := HealthCheck(); err != nil {
		if stopErr := proxy.Stop(); stopErr != nil {
			slog.Debug("[X11TRAY] Failed to stop proxy", "error", stopErr)
		}
		return nil, fmt.Errorf("snixembed started but system tray still unavailable: %w", err)
	}
	slog.Info("[X11TRAY] snixembed proxy running", "path", path)
	return proxy, nil
}

// ShowContextMenu asks our StatusNotifierItem to open its menu. Unix click
// handlers receive a nil menu, so the menu has to be requested over D-Bus.
func ShowContextMenu() {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		slog.Warn("[X11TRAY] Failed to connect to session bus", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("[X11TRAY] Failed to close DBus connection", "error", err)
		}
	}()

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		slog.Warn("[X11TRAY] Failed to list DBus names", "error", err)
		return
	}
	prefix := fmt.Sprintf("%s-%d-", itemInterface, os.Getpid())
	i := slices.IndexFunc(names, func(n string) bool { return strings.HasPrefix(n, prefix) })
	if i < 0 {
		slog.Warn("[X11TRAY] StatusNotifierItem service not found", "prefix", prefix)
		return
	}

	obj := conn.Object(names[i], "/StatusNotifierItem")
	for _, method := range []string{"ContextMenu", "SecondaryActivate"} {
		if call := obj.Call(itemInterface+"."+method, 0, int32(0), int32(0)); call.Err == nil {
			return
		} else {
			slog.Debug("[X11TRAY] Menu trigger failed", "method", method, "error", call.Err)
		}
	}
	slog.Warn("[X11TRAY] Could not open tray menu; right-click should still work")
}
