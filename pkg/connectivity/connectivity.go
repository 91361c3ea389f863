// Package connectivity reports whether the Analytics API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/coder/quartz"
)

// Monitor emits reachability changes. Implementations never emit the same
// value twice in a row, and close the channel when ctx is done.
type Monitor interface {
	Changes(ctx context.Context) <-chan bool
}

// Dedupe forwards values from in, dropping repeats of the previous value.
func Dedupe(ctx context.Context, in <-chan bool) <-chan bool {
	out := make(chan bool)
	go func() {
		defer close(out)
		var last, seen bool
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				if seen && v == last {
					continue
				}
				seen, last = true, v
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// DefaultPingAddress is dialed by the Pinger.
const DefaultPingAddress = "analyticsdata.googleapis.com:443"

const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 5 * time.Second
)

// DialFunc opens a connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Pinger checks reachability by periodically opening a TCP connection.
type Pinger struct {
	clock    quartz.Clock
	dial     DialFunc
	logger   *slog.Logger
	address  string
	interval time.Duration
	timeout  time.Duration
}

// PingerOption configures a Pinger.
type PingerOption func(*Pinger)

// WithDial replaces the dialer.
func WithDial(fn DialFunc) PingerOption { return func(p *Pinger) { p.dial = fn } }

// WithInterval sets the ping period.
func WithInterval(d time.Duration) PingerOption { return func(p *Pinger) { p.interval = d } }

// WithAddress sets the dialed host:port.
func WithAddress(addr string) PingerOption { return func(p *Pinger) { p.address = addr } }

// NewPinger creates a Pinger driven by clock.
func NewPinger(clock quartz.Clock, logger *slog.Logger, opts ...PingerOption) *Pinger {
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{}
	p := &Pinger{
		clock:    clock,
		dial:     d.DialContext,
		logger:   logger,
		address:  DefaultPingAddress,
		interval: defaultPingInterval,
		timeout:  defaultPingTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Changes pings immediately and then once per interval.
func (p *Pinger) Changes(ctx context.Context) <-chan bool {
	raw := make(chan bool)
	go func() {
		defer close(raw)
		ticker := p.clock.NewTicker(p.interval, "connectivity", "ping")
		defer ticker.Stop()
		for {
			up := p.ping(ctx)
			select {
			case raw <- up:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return Dedupe(ctx, raw)
}

func (p *Pinger) ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		p.logger.Debug("[CONNECTIVITY] Ping failed", "address", p.address, "error", err)
		return false
	}
	if err := conn.Close(); err != nil {
		p.logger.Debug("[CONNECTIVITY] Failed to close ping connection", "error", err)
	}
	return true
}

// Default prefers NetworkManager and falls back to probing.
func Default(logger *slog.Logger) Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	nm, err := NewNetworkManager(logger)
	if err == nil {
		logger.Info("[CONNECTIVITY] Using NetworkManager")
		return nm
	}
	logger.Info("[CONNECTIVITY] NetworkManager unavailable, probing instead", "reason", err)
	return NewPinger(quartz.NewReal(), logger)
}
