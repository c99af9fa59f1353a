// Package governor implements admission control for CPU-intensive search
// work: a per-user sliding-window rate limiter plus a global counting
// semaphore that bounds simultaneous search executions across all users.
//
// Ordering contract: callers run CheckRate before Acquire (cheap check
// first); a rate denial never consumes a slot. Slot release is unconditional
// on every exit path of the guarded call.
package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"ruleslawyer/internal/logging"
)

// Config configures the governor.
type Config struct {
	// MaxRequests per user within Window.
	MaxRequests int
	Window      time.Duration

	// MaxConcurrent bounds simultaneous search executions globally.
	MaxConcurrent int

	// AcquireTimeout bounds how long Acquire waits for a slot before
	// failing fast. Protects against head-of-line blocking from one
	// user's burst starving others.
	AcquireTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:    10,
		Window:         60 * time.Second,
		MaxConcurrent:  4,
		AcquireTimeout: 2 * time.Second,
	}
}

// Governor is the single process-wide admission controller. It is created at
// startup and injected into the pipeline; the limiter windows and the
// semaphore are the only cross-user shared mutable state in the service.
type Governor struct {
	cfg Config
	sem *semaphore.Weighted

	mu      sync.Mutex
	windows map[int64][]time.Time

	// Metrics.
	executing     atomic.Int32
	totalAcquired atomic.Int64
	totalWaitNs   atomic.Int64
	totalDenied   atomic.Int64

	now func() time.Time // test hook
}

// New creates a governor.
func New(cfg Config) *Governor {
	return &Governor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		windows: make(map[int64][]time.Time),
		now:     time.Now,
	}
}

// CheckRate checks and records one request for the user. When denied,
// retryAfter reports how long until the oldest recorded request leaves the
// window. A denial is never recorded, so probing does not extend the wait.
func (g *Governor) CheckRate(userID int64) (allowed bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)

	// Trim expired timestamps.
	window := g.windows[userID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= g.cfg.MaxRequests {
		g.windows[userID] = kept
		g.totalDenied.Add(1)
		retryAfter = kept[0].Sub(cutoff)
		logging.Governor("rate limit: user %d denied (%d/%d in window, retry in %v)",
			userID, len(kept), g.cfg.MaxRequests, retryAfter)
		return false, retryAfter
	}

	g.windows[userID] = append(kept, now)
	return true, 0
}

// Acquire obtains one global search slot, failing fast with ErrCapacity if
// none frees up within the configured acquire timeout. The caller must call
// Release exactly once after a successful Acquire.
func (g *Governor) Acquire(ctx context.Context) error {
	start := g.now()

	acquireCtx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	defer cancel()

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Governor("capacity: no slot within %v (%d executing)",
			g.cfg.AcquireTimeout, g.executing.Load())
		return ErrCapacity
	}

	g.executing.Add(1)
	g.totalAcquired.Add(1)
	g.totalWaitNs.Add(int64(g.now().Sub(start)))
	return nil
}

// Release returns a slot. Safe to call exactly once per successful Acquire.
func (g *Governor) Release() {
	g.executing.Add(-1)
	g.sem.Release(1)
}

// Metrics is a point-in-time snapshot of governor state.
type Metrics struct {
	MaxSlots      int
	ActiveSlots   int
	TotalAcquired int64
	TotalDenied   int64
	AvgWait       time.Duration
}

// Snapshot returns current governor metrics.
func (g *Governor) Snapshot() Metrics {
	acquired := g.totalAcquired.Load()
	var avg time.Duration
	if acquired > 0 {
		avg = time.Duration(g.totalWaitNs.Load() / acquired)
	}
	return Metrics{
		MaxSlots:      g.cfg.MaxConcurrent,
		ActiveSlots:   int(g.executing.Load()),
		TotalAcquired: acquired,
		TotalDenied:   g.totalDenied.Load(),
		AvgWait:       avg,
	}
}
