// Package refresh keeps per-property active user counts up to date.
//
// A Scheduler runs at most one refresh pass at a time. A pass visits every
// configured property in display order, one after another, and publishes
// each state change as it happens. Requests that arrive while a pass is
// running are folded into a single follow-up pass.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/connectivity"
	"github.com/codeGROOVE-dev/databar/pkg/property"
	"github.com/codeGROOVE-dev/databar/pkg/telemetry"
)

const (
	// DefaultInterval is used when Options.Interval is unset.
	DefaultInterval = 30 * time.Second
	// DefaultFetchTimeout bounds one token request or one API call.
	DefaultFetchTimeout = 30 * time.Second
)

// Phase is the scheduler's refresh state.
type Phase int

// Scheduler phases.
const (
	Idle Phase = iota
	Refreshing
	RefreshingWithPendingRequest
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case RefreshingWithPendingRequest:
		return "refreshing (pending)"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// PropertySource is the configured property list. *propertystore.Store implements it.
type PropertySource interface {
	Properties() []property.Configured
	Contains(id uuid.UUID) bool
}

// TokenProvider returns a valid bearer token. *auth.Provider implements it.
type TokenProvider interface {
	FreshToken(ctx context.Context) (*oauth2.Token, error)
}

// AnalyticsClient fetches a realtime count. *analytics.Client implements it.
type AnalyticsClient interface {
	ActiveUsers(ctx context.Context, tok *oauth2.Token, propertyID string) (int64, error)
}

// Snapshot is a consistent copy of the scheduler's published state.
type Snapshot struct {
	States     map[uuid.UUID]property.State
	Properties []property.Configured
	Phase      Phase
}

// Options configures a Scheduler.
type Options struct {
	Clock        quartz.Clock
	Logger       *slog.Logger
	Telemetry    telemetry.Sink
	Metrics      *Metrics
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Scheduler owns per-property fetch state.
type Scheduler struct {
	source  PropertySource
	tokens  TokenProvider
	client  AnalyticsClient
	sink    telemetry.Sink
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	fetchTimeout time.Duration
	intervalCh   chan time.Duration

	wg sync.WaitGroup

	mu             sync.Mutex
	props          []property.Configured
	states         map[uuid.UUID]property.State
	subs           map[int]chan struct{}
	idle           chan struct{}
	interval       time.Duration
	nextSub        int
	running        bool
	pending        bool
	started        bool
	closed         bool
	wasUnavailable bool
}

// New creates a stopped Scheduler with a loading state for every property.
func New(source PropertySource, tokens TokenProvider, client AnalyticsClient, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Discard{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		source:       source,
		tokens:       tokens,
		client:       client,
		sink:         opts.Telemetry,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		fetchTimeout: opts.FetchTimeout,
		intervalCh:   make(chan time.Duration, 1),
		states:       make(map[uuid.UUID]property.State),
		subs:         make(map[int]chan struct{}),
		idle:         idle,
		interval:     opts.Interval,
	}
	s.derive(source.Properties())
	return s
}

// Start begins periodic refreshing and runs the first pass. Property change
// notifications only trigger refreshes after Start.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	interval := s.interval
	s.wg.Add(1)
	s.mu.Unlock()

	go s.tickLoop(interval)
	s.logger.Info("[REFRESH] Scheduler started", "interval", interval)
	s.RequestRefresh("startup")
}

// Watch feeds connectivity changes from m into the scheduler until Close.
func (s *Scheduler) Watch(m connectivity.Monitor) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	changes := m.Changes(s.ctx)
	go func() {
		defer s.wg.Done()
		for reachable := range changes {
			s.ConnectivityChanged(reachable)
		}
	}()
}

func (s *Scheduler) tickLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval, "refresh", "ticker")
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.intervalCh:
			s.logger.Info("[REFRESH] Interval changed", "interval", d)
			ticker.Reset(d, "refresh", "reset")
		case <-ticker.C:
			s.RequestRefresh("timer")
		}
	}
}

// SetInterval changes the periodic refresh interval.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.interval || s.closed {
		return
	}
	s.interval = d
	if !s.started {
		return
	}
	// Only the latest interval matters.
	select {
	case <-s.intervalCh:
	default:
	}
	s.intervalCh <- d
}

// Interval returns the periodic refresh interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// RequestRefresh starts a pass, or marks one pending if a pass is running.
// It never blocks on network I/O.
func (s *Scheduler) RequestRefresh(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.running {
		if !s.pending {
			s.pending = true
			s.metrics.coalesce()
		}
		s.mu.Unlock()
		s.logger.Debug("[REFRESH] Pass in flight, request coalesced", "reason", reason)
		s.publish()
		return
	}
	s.running = true
	s.idle = make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()

	s.publish()
	go s.run(reason)
}

func (s *Scheduler) run(reason string) {
	defer s.wg.Done()
	for {
		s.pass(reason)

		s.mu.Lock()
		if s.pending && !s.closed {
			s.pending = false
			s.mu.Unlock()
			s.publish()
			reason = "coalesced"
			continue
		}
		s.pending = false
		s.running = false
		close(s.idle)
		s.mu.Unlock()
		s.publish()
		return
	}
}

// pass fetches every property of the list current at pass start.
func (s *Scheduler) pass(reason string) {
	start := s.clock.Now()
	props := s.source.Properties()
	slices.SortStableFunc(props, func(a, b property.Configured) int { return a.Order - b.Order })
	s.logger.Debug("[REFRESH] Pass starting", "reason", reason, "properties", len(props))

	for _, p := range props {
		if s.ctx.Err() != nil {
			s.logger.Debug("[REFRESH] Scheduler closed, abandoning pass")
			break
		}
		s.refreshOne(p)
	}

	elapsed := s.clock.Since(start)
	s.metrics.pass(elapsed.Seconds())
	s.logger.Info("[REFRESH] Pass complete", "reason", reason, "properties", len(props), "duration", elapsed)
}

func (s *Scheduler) refreshOne(p property.Configured) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("[REFRESH] Panic while refreshing property", "property_id", p.PropertyID, "panic", r)
			s.metrics.fetch(resultPanic)
			s.setState(p.ID, func(property.State) property.State { return property.Failed() })
			s.sink.Record(telemetry.Event{
				Name:       telemetry.EventErrorState,
				Source:     "refresh.pass",
				PropertyID: p.PropertyID,
				Err:        fmt.Errorf("panic: %v", r),
			})
		}
	}()

	// The pass iterates the list captured at its start. A property removed
	// since then is skipped rather than fetched, and no state is written.
	if !s.setState(p.ID, property.Loading) {
		s.logger.Debug("[REFRESH] Property removed before its turn, skipping", "property_id", p.PropertyID)
		s.metrics.fetch(resultDiscarded)
		return
	}

	tctx, cancel := context.WithTimeout(s.ctx, s.fetchTimeout)
	tok, err := s.tokens.FreshToken(tctx)
	cancel()
	if err != nil {
		s.metrics.fetch(resultTokenError)
		s.fail(p, telemetry.Event{
			Name:       telemetry.EventTokenRefreshFailure,
			Source:     "refresh.token",
			PropertyID: p.PropertyID,
			Err:        err,
		})
		return
	}

	fctx, cancel := context.WithTimeout(s.ctx, s.fetchTimeout)
	n, err := s.client.ActiveUsers(fctx, tok, p.PropertyID)
	cancel()
	if err != nil {
		s.metrics.fetch(resultAPIError)
		s.fail(p, telemetry.Event{
			Name:       telemetry.EventAPIError,
			Source:     "refresh.fetch",
			PropertyID: p.PropertyID,
			Err:        err,
			Context:    errorContext(err),
		})
		return
	}

	value := strconv.FormatInt(n, 10)
	now := s.clock.Now()
	if !s.setState(p.ID, func(property.State) property.State { return property.Succeeded(value, now) }) {
		s.logger.Debug("[REFRESH] Property removed mid-fetch, discarding result", "property_id", p.PropertyID)
		s.metrics.fetch(resultDiscarded)
		return
	}
	s.metrics.fetch(resultSuccess)
	s.logger.Debug("[REFRESH] Property refreshed", "property_id", p.PropertyID, "active_users", n)
}

func (s *Scheduler) fail(p property.Configured, e telemetry.Event) {
	s.logger.Warn("[REFRESH] Property refresh failed", "property_id", p.PropertyID, "event", e.Name, "error", e.Err)
	if !s.setState(p.ID, func(property.State) property.State { return property.Failed() }) {
		return
	}
	s.sink.Record(e)
}

func errorContext(err error) map[string]any {
	var fe *analytics.FetchError
	if !errors.As(err, &fe) {
		return nil
	}
	ctx := map[string]any{"kind": fe.Kind.String(), "operation": fe.Op}
	if fe.StatusCode != 0 {
		ctx["http_status_code"] = fe.StatusCode
	}
	return ctx
}

// setState applies fn to the state of id, unless id has left the store.
// It reports whether the write happened.
func (s *Scheduler) setState(id uuid.UUID, fn func(property.State) property.State) bool {
	if !s.source.Contains(id) {
		return false
	}

	s.mu.Lock()
	prev, ok := s.states[id]
	if !ok || s.closed {
		// Pruned after the membership check, or not derived yet.
		s.mu.Unlock()
		return false
	}
	s.states[id] = fn(prev)
	s.mu.Unlock()

	s.publish()
	return true
}

// PropertiesChanged re-derives the state set from the source and, once
// started, requests a refresh. Register it with the store's OnChange.
func (s *Scheduler) PropertiesChanged() {
	s.derive(s.source.Properties())

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.publish()
	if started {
		s.RequestRefresh("properties changed")
	}
}

// derive installs props, keeping existing states and pruning removed ones.
func (s *Scheduler) derive(props []property.Configured) {
	slices.SortStableFunc(props, func(a, b property.Configured) int { return a.Order - b.Order })

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[uuid.UUID]property.State, len(props))
	for _, p := range props {
		if st, ok := s.states[p.ID]; ok {
			next[p.ID] = st
		} else {
			next[p.ID] = property.InitialState()
		}
	}
	s.props = props
	s.states = next
	s.metrics.setProperties(len(props))
}

// ConnectivityChanged handles a reachability change. Losing connectivity
// only records it; regaining it refreshes if connectivity had been lost or
// any property is in error.
func (s *Scheduler) ConnectivityChanged(reachable bool) {
	s.mu.Lock()
	if !reachable {
		s.wasUnavailable = true
		s.mu.Unlock()
		s.logger.Info("[REFRESH] Network unreachable")
		return
	}
	should := s.wasUnavailable || anyError(s.states)
	s.wasUnavailable = false
	s.mu.Unlock()

	if should {
		s.logger.Info("[REFRESH] Network restored, refreshing")
		s.RequestRefresh("connectivity restored")
	}
}

func anyError(states map[uuid.UUID]property.State) bool {
	for _, st := range states {
		if st.HasError {
			return true
		}
	}
	return false
}

func (s *Scheduler) phaseLocked() Phase {
	switch {
	case s.running && s.pending:
		return RefreshingWithPendingRequest
	case s.running:
		return Refreshing
	default:
		return Idle
	}
}

// Phase returns the current refresh phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked()
}

// Snapshot returns a copy of the published state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Properties: slices.Clone(s.props),
		States:     maps.Clone(s.states),
		Phase:      s.phaseLocked(),
	}
}

// State returns the state of one property.
func (s *Scheduler) State(id uuid.UUID) (property.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// Subscribe returns a channel that receives a value after state changes.
// Notifications coalesce: a slow reader sees one pending signal, not a backlog.
// The channel is closed by cancel or Close.
func (s *Scheduler) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Scheduler) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WaitIdle blocks until no pass is running or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the scheduler and waits for background work to finish.
// A pass in flight stops after its current property.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	s.logger.Info("[REFRESH] Scheduler stopped")
}
