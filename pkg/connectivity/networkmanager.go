package connectivity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"
	nmSignal    = nmInterface + ".StateChanged"

	// nmStateConnectedGlobal is NM_STATE_CONNECTED_GLOBAL.
	nmStateConnectedGlobal = 70
)

// Reachable reports whether a NetworkManager state means full connectivity.
func Reachable(state uint32) bool {
	return state >= nmStateConnectedGlobal
}

// NetworkManager follows NetworkManager's global state over the system bus.
type NetworkManager struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewNetworkManager connects to the system bus and checks that
// NetworkManager answers.
func NewNetworkManager(logger *slog.Logger) (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to D-Bus system bus: %w", err)
	}
	nm := &NetworkManager{conn: conn, logger: logger}
	if _, err := nm.State(); err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("[CONNECTIVITY] Failed to close DBus connection", "error", cerr)
		}
		return nil, err
	}
	return nm, nil
}

// State returns the current NetworkManager state.
func (n *NetworkManager) State() (uint32, error) {
	v, err := n.conn.Object(nmService, nmPath).GetProperty(nmInterface + ".State")
	if err != nil {
		return 0, fmt.Errorf("failed to query NetworkManager state: %w", err)
	}
	st, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected NetworkManager state type %T", v.Value())
	}
	return st, nil
}

// Changes emits the current state, then every change. The bus connection is
// closed when ctx is done.
func (n *NetworkManager) Changes(ctx context.Context) <-chan bool {
	raw := make(chan bool, 1)
	sigs := make(chan *dbus.Signal, 16)

	if err := n.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		n.logger.Warn("[CONNECTIVITY] Failed to subscribe to NetworkManager signals", "error", err)
	}
	n.conn.Signal(sigs)

	go func() {
		defer close(raw)
		defer func() {
			n.conn.RemoveSignal(sigs)
			if err := n.conn.Close(); err != nil {
				n.logger.Debug("[CONNECTIVITY] Failed to close DBus connection", "error", err)
			}
		}()

		if st, err := n.State(); err == nil {
			raw <- Reachable(st)
		} else {
			n.logger.Warn("[CONNECTIVITY] Initial state unavailable", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				st, ok := stateFromSignal(sig)
				if !ok {
					continue
				}
				n.logger.Debug("[CONNECTIVITY] NetworkManager state changed", "state", st)
				select {
				case raw <- Reachable(st):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return Dedupe(ctx, raw)
}

func stateFromSignal(sig *dbus.Signal) (uint32, bool) {
	if sig == nil || sig.Name != nmSignal || len(sig.Body) == 0 {
		return 0, false
	}
	st, ok := sig.Body[0].(uint32)
	return st, ok
}
