package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/codeGROOVE-dev/databar/pkg/refresh"
	"github.com/codeGROOVE-dev/databar/pkg/telemetry"
)

const (
	signedOutTitle   = "DataBar: sign-in required"
	signedOutMessage = "Google Analytics credentials are missing or expired. Run 'databar auth import' to sign in again."
	recoveredTitle   = "DataBar reconnected"
	recoveredMessage = "Active user counts are updating again."
)

// notifier forwards telemetry and raises a desktop notification when
// credentials stop working, and once more when fetching recovers.
type notifier struct {
	next      telemetry.Sink
	send      func(title, message string)
	now       func() time.Time
	failedAt  time.Time
	mu        sync.Mutex
	signedOut bool
}

func newNotifier(next telemetry.Sink, logger *slog.Logger) *notifier {
	return &notifier{
		next: next,
		now:  time.Now,
		send: func(title, message string) {
			go func() {
				if err := beeep.Notify(title, message, ""); err != nil {
					logger.Warn("[NOTIFY] Failed to send notification", "title", title, "error", err)
				}
			}()
		},
	}
}

// Record implements telemetry.Sink.
func (n *notifier) Record(e telemetry.Event) {
	n.next.Record(e)
	if e.Name != telemetry.EventTokenRefreshFailure && e.Name != telemetry.EventSignedOut {
		return
	}

	n.mu.Lock()
	already := n.signedOut
	n.signedOut = true
	n.failedAt = n.now()
	n.mu.Unlock()

	if !already {
		n.send(signedOutTitle, signedOutMessage)
	}
}

// Observe clears the signed-out condition once a fetch succeeds after it.
func (n *notifier) Observe(snap refresh.Snapshot) {
	n.mu.Lock()
	if !n.signedOut {
		n.mu.Unlock()
		return
	}
	recovered := false
	for _, st := range snap.States {
		if st.HasValue() && !st.Loading && !st.HasError && st.LastUpdated.After(n.failedAt) {
			recovered = true
			break
		}
	}
	if recovered {
		n.signedOut = false
	}
	n.mu.Unlock()

	if recovered {
		n.send(recoveredTitle, recoveredMessage)
	}
}
