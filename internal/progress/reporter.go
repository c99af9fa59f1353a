// Package progress emits the finite, per-turn sequence of status events the
// transport renders while a multi-step search runs. A Reporter belongs to
// exactly one turn: it is not restartable, and a new turn gets a fresh one.
package progress

import (
	"sync"
	"time"

	"ruleslawyer/internal/logging"
)

// Event is one progress update. Seq increases monotonically within a turn.
type Event struct {
	Seq    int
	Status string
	Time   time.Time
}

// Reporter produces progress events for one turn. Emit never blocks the
// pipeline: if the consumer lags, the newest event replaces the undelivered
// one (only the latest status matters to a human watching a chat).
type Reporter struct {
	mu        sync.Mutex
	seq       int
	lastEmit  time.Time
	debounce  time.Duration
	events    chan Event
	finalized bool

	now func() time.Time // test hook
}

// NewReporter creates a reporter with the given debounce interval. Events
// arriving faster than the interval are dropped, except the first.
func NewReporter(debounce time.Duration) *Reporter {
	return &Reporter{
		debounce: debounce,
		events:   make(chan Event, 1),
		now:      time.Now,
	}
}

// Events returns the channel the transport consumes. The channel is closed
// by Finalize, which always happens: the sequence terminates with either an
// answer hand-off or a fatal-turn signal.
func (r *Reporter) Events() <-chan Event {
	return r.events
}

// Emit publishes a status update, subject to debouncing.
func (r *Reporter) Emit(status string) {
	r.emit(status, false)
}

// EmitFinal publishes a status update ignoring the debounce interval.
func (r *Reporter) EmitFinal(status string) {
	r.emit(status, true)
}

func (r *Reporter) emit(status string, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	now := r.now()
	if !force && r.seq > 0 && now.Sub(r.lastEmit) < r.debounce {
		return
	}

	r.seq++
	r.lastEmit = now
	ev := Event{Seq: r.seq, Status: status, Time: now}

	// Replace an undelivered event rather than blocking the turn.
	select {
	case r.events <- ev:
	default:
		select {
		case <-r.events:
		default:
		}
		r.events <- ev
	}
	logging.PipelineDebug("progress #%d: %s", ev.Seq, status)
}

// Finalize terminates the sequence. Idempotent.
func (r *Reporter) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	close(r.events)
}
