// Package telemetry records failure events for later diagnosis.
//
// Events are appended as JSON lines to a rotating local file and mirrored to
// the process logger. Recording never blocks the caller: events are queued
// and written by a background goroutine, and dropped if the queue is full.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codeGROOVE-dev/databar/pkg/dedup"
)

// Event names.
const (
	EventErrorState          = "error_state"
	EventAPIError            = "api_error"
	EventTokenRefreshFailure = "token_refresh_failure"
	EventSignedOut           = "signed_out_state"
)

const (
	defaultBufferSize  = 64
	defaultDedupWindow = time.Minute
	dedupCleanupAge    = time.Hour
	dedupMaxKeys       = 500
	redacted           = "[redacted]"
)

var sensitiveKeys = []string{"password", "token", "secret", "credential", "auth"}

// Event describes one failure.
type Event struct {
	Err        error
	Context    map[string]any
	Name       string
	Source     string
	PropertyID string
}

// Sink receives events. Implementations must not block or panic.
type Sink interface {
	Record(e Event)
}

// Discard drops every event.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(Event) {}

// Func adapts a function to a Sink.
type Func func(Event)

// Record implements Sink.
func (f Func) Record(e Event) { f(e) }

// Options configures a Recorder.
type Options struct {
	Writer      io.Writer
	Logger      *slog.Logger
	Now         func() time.Time
	AppVersion  string
	BufferSize  int
	DedupWindow time.Duration
}

// Recorder is the Sink used by the application.
type Recorder struct {
	out        io.Writer
	logger     *slog.Logger
	now        func() time.Time
	window     *dedup.Window
	events     chan Event
	done       chan struct{}
	appVersion string
	dropped    atomic.Int64
	written    atomic.Int64
	mu         sync.RWMutex
	closed     bool
}

// NewRecorder starts a Recorder. Call Close to flush pending events.
func NewRecorder(opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.Writer == nil {
		opts.Writer = io.Discard
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "unknown"
	}

	r := &Recorder{
		out:        opts.Writer,
		logger:     opts.Logger,
		now:        opts.Now,
		window:     dedup.NewWindow(opts.DedupWindow, dedupCleanupAge, dedupMaxKeys),
		events:     make(chan Event, opts.BufferSize),
		done:       make(chan struct{}),
		appVersion: opts.AppVersion,
	}
	go r.loop()
	return r
}

// FileWriter returns a size-rotated writer for telemetry.log in dir.
func FileWriter(dir string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, "telemetry.log"),
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	}
}

// Record queues e for writing. It never blocks.
func (r *Recorder) Record(e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("[TELEMETRY] Panic while recording event", "event", e.Name, "panic", p)
		}
	}()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.events <- e:
	default:
		n := r.dropped.Add(1)
		r.logger.Debug("[TELEMETRY] Queue full, dropping event", "event", e.Name, "dropped_total", n)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written returns how many events were written.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Close stops accepting events and waits for queued events to be written.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done
	if c, ok := r.out.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close telemetry writer: %w", err)
		}
	}
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.events {
		r.write(e)
	}
}

func (r *Recorder) write(e Event) {
	now := r.now()

	attrs := []any{"source", e.Source}
	if e.PropertyID != "" {
		attrs = append(attrs, "property_id", e.PropertyID)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	if !r.window.Allow(dedupKey(e), now) {
		r.logger.Debug("[TELEMETRY] Suppressed repeated event", append([]any{"event", e.Name}, attrs...)...)
		return
	}
	r.logger.Warn("[TELEMETRY] "+e.Name, attrs...)

	entry := map[string]any{
		"timestamp":   now.UTC().Format(time.RFC3339Nano),
		"event":       e.Name,
		"source":      e.Source,
		"app_version": r.appVersion,
		"os":          runtime.GOOS + "/" + runtime.GOARCH,
	}
	if e.PropertyID != "" {
		entry["property_id"] = e.PropertyID
	}
	if e.Err != nil {
		entry["error"] = errorDetails(e.Err)
	}
	if len(e.Context) > 0 {
		entry["context"] = redact(e.Context)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error("[TELEMETRY] Failed to encode event", "event", e.Name, "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := r.out.Write(line); err != nil {
		r.logger.Error("[TELEMETRY] Failed to write event", "event", e.Name, "error", err)
		return
	}
	r.written.Add(1)
}

func dedupKey(e Event) string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return strings.Join([]string{e.Name, e.Source, e.PropertyID, msg}, "|")
}

func errorDetails(err error) map[string]any {
	details := map[string]any{
		"type":        fmt.Sprintf("%T", err),
		"description": err.Error(),
	}
	if inner := errors.Unwrap(err); inner != nil {
		details["underlying_error"] = errorDetails(inner)
	}
	return details
}

func redact(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isSensitive(k) {
			out[k] = redacted
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
