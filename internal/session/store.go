package session

import (
	"context"
	"sync"
	"time"

	"ruleslawyer/internal/logging"
)

// BusyPolicy decides what happens when a second message arrives for a user
// whose previous turn is still in flight.
type BusyPolicy string

const (
	// PolicyQueue serializes same-user turns in arrival order.
	PolicyQueue BusyPolicy = "queue"

	// PolicyReject fails immediately with ErrSessionBusy.
	PolicyReject BusyPolicy = "reject"
)

// Store owns all sessions. The outer map lock is held only for entry lookup;
// mutation happens under the per-user lock, so users never block each other.
type Store struct {
	mu      sync.RWMutex
	entries map[int64]*entry

	history HistoryStore
	policy  BusyPolicy

	// Idle eviction (optional).
	idleTTL time.Duration
	stopCh  chan struct{}
	stopped sync.Once
}

type entry struct {
	mu sync.Mutex

	// busy is set while a turn holds the entry under PolicyReject.
	busy bool

	sess *Session
}

// HistoryStore persists completed turns. Implemented by *DB; a nil store
// keeps sessions memory-only (used in tests).
type HistoryStore interface {
	LoadHistory(userID int64) ([]Turn, error)
	AppendTurn(userID int64, turn Turn) error
}

// NewStore creates a session store.
// idleTTL of zero disables idle eviction.
func NewStore(history HistoryStore, policy BusyPolicy, idleTTL time.Duration) *Store {
	s := &Store{
		entries: make(map[int64]*entry),
		history: history,
		policy:  policy,
		idleTTL: idleTTL,
		stopCh:  make(chan struct{}),
	}
	if idleTTL > 0 {
		go s.evictLoop()
	}
	return s
}

// Close stops the eviction janitor, if any.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// Get returns the user's session, creating it on first access.
// The returned pointer must not be mutated outside WithSession.
func (s *Store) Get(userID int64) (*Session, error) {
	e, err := s.entryFor(userID)
	if err != nil {
		return nil, err
	}
	return e.sess, nil
}

// WithSession runs fn with exclusive access to the user's session. Only one
// mutation per user is in flight at a time; behavior for a concurrent second
// call is decided by the configured busy policy. Returns ErrSessionBusy under
// PolicyReject, or fn's error.
func (s *Store) WithSession(ctx context.Context, userID int64, fn func(*Session) error) error {
	e, err := s.entryFor(userID)
	if err != nil {
		return err
	}

	if s.policy == PolicyReject {
		e.mu.Lock()
		if e.busy {
			e.mu.Unlock()
			logging.SessionDebug("user %d rejected: turn already in flight", userID)
			return ErrSessionBusy
		}
		e.busy = true
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
		}()
	} else {
		// Queue policy: the per-user mutex itself serializes arrival order.
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	e.sess.LastActive = time.Now()
	return fn(e.sess)
}

// RecordTurn appends a completed turn to the session history and persists it.
// Must be called while holding the session (inside WithSession).
func (s *Store) RecordTurn(sess *Session, input, response string) error {
	turn := Turn{
		Number:   sess.NextTurnNumber(),
		Input:    input,
		Response: response,
		Created:  time.Now(),
	}
	if s.history != nil {
		if err := s.history.AppendTurn(sess.UserID, turn); err != nil {
			// The in-memory session stays unchanged on a persistence
			// failure, per the fatal-for-turn contract.
			return err
		}
	}
	sess.History = append(sess.History, turn)
	logging.SessionDebug("user %d: recorded turn %d (input=%d chars, response=%d chars)",
		sess.UserID, turn.Number, len(input), len(response))
	return nil
}

func (s *Store) entryFor(userID int64) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return e, nil
	}

	sess := &Session{
		UserID:     userID,
		Stage:      StageIdle,
		Created:    time.Now(),
		LastActive: time.Now(),
	}
	if s.history != nil {
		history, err := s.history.LoadHistory(userID)
		if err != nil {
			return nil, err
		}
		sess.History = history
	}

	e = &entry{sess: sess}
	s.entries[userID] = e
	logging.Session("created session for user %d (%d persisted turns)", userID, len(sess.History))
	return e, nil
}

// evictLoop drops idle in-memory entries. Persisted history is untouched and
// reloads on next access.
func (s *Store) evictLoop() {
	interval := s.idleTTL / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictIdle(time.Now())
		}
	}
}

func (s *Store) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, e := range s.entries {
		// TryLock: an entry with a turn in flight is by definition not idle.
		if !e.mu.TryLock() {
			continue
		}
		idle := now.Sub(e.sess.LastActive) > s.idleTTL
		e.mu.Unlock()
		if idle {
			delete(s.entries, userID)
			logging.Session("evicted idle session for user %d", userID)
		}
	}
}
