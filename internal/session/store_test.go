package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGetCreatesSessionOnFirstAccess(t *testing.T) {
	s := NewStore(nil, PolicyQueue, 0)
	defer s.Close()

	sess, err := s.Get(42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.UserID)
	assert.Equal(t, StageIdle, sess.Stage, "new sessions start idle")
	assert.Empty(t, sess.History)

	again, err := s.Get(42)
	require.NoError(t, err)
	assert.Same(t, sess, again, "second access must return the same session")
}

func TestWithSessionSerializesSameUser(t *testing.T) {
	s := NewStore(nil, PolicyQueue, 0)
	defer s.Close()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithSession(context.Background(), 1, func(sess *Session) error {
				// Non-atomic read-modify-write: only safe if calls
				// are truly serialized.
				n := len(sess.History)
				time.Sleep(time.Millisecond)
				sess.History = append(sess.History, Turn{Number: n + 1})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sess, _ := s.Get(1)
	require.Len(t, sess.History, workers)
	for i, turn := range sess.History {
		assert.Equal(t, i+1, turn.Number, "turn numbers must be gapless")
	}
}

func TestWithSessionDifferentUsersDoNotContend(t *testing.T) {
	s := NewStore(nil, PolicyQueue, 0)
	defer s.Close()

	release := make(chan struct{})
	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.WithSession(context.Background(), 1, func(*Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// User 2 must get through while user 1's turn is still in flight.
	completed := make(chan struct{})
	go func() {
		s.WithSession(context.Background(), 2, func(*Session) error { return nil })
		close(completed)
	}()

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("user 2 blocked behind user 1's in-flight turn")
	}
	close(release)
	<-done
}

func TestWithSessionRejectPolicy(t *testing.T) {
	s := NewStore(nil, PolicyReject, 0)
	defer s.Close()

	release := make(chan struct{})
	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.WithSession(context.Background(), 5, func(*Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := s.WithSession(context.Background(), 5, func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	<-done

	// After the first turn finishes, the user is admitted again.
	assert.NoError(t, s.WithSession(context.Background(), 5, func(*Session) error { return nil }))
}

// failingHistory refuses all writes.
type failingHistory struct{}

func (failingHistory) LoadHistory(int64) ([]Turn, error) { return nil, nil }
func (failingHistory) AppendTurn(int64, Turn) error      { return errors.New("disk full") }

func TestRecordTurnPersistenceFailureLeavesSessionUnchanged(t *testing.T) {
	s := NewStore(failingHistory{}, PolicyQueue, 0)
	defer s.Close()

	err := s.WithSession(context.Background(), 9, func(sess *Session) error {
		if err := s.RecordTurn(sess, "question", "answer"); err == nil {
			t.Fatal("expected persistence error")
		}
		assert.Empty(t, sess.History, "failed persistence must not mutate in-memory history")
		return nil
	})
	require.NoError(t, err)
}

func TestRecordTurnNumbersAreSequential(t *testing.T) {
	s := NewStore(nil, PolicyQueue, 0)
	defer s.Close()

	err := s.WithSession(context.Background(), 3, func(sess *Session) error {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.RecordTurn(sess, fmt.Sprintf("q%d", i), "a"))
		}
		return nil
	})
	require.NoError(t, err)

	sess, _ := s.Get(3)
	require.Len(t, sess.History, 3)
	assert.Equal(t, 1, sess.History[0].Number)
	assert.Equal(t, 3, sess.History[2].Number)
}

func TestEvictIdleSkipsBusyAndDropsIdle(t *testing.T) {
	s := NewStore(nil, PolicyQueue, time.Minute)
	defer s.Close()

	_, err := s.Get(1)
	require.NoError(t, err)

	release := make(chan struct{})
	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.WithSession(context.Background(), 2, func(*Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	s.evictIdle(time.Now().Add(time.Hour))

	s.mu.RLock()
	_, idleKept := s.entries[1]
	_, busyKept := s.entries[2]
	s.mu.RUnlock()
	assert.False(t, idleKept, "idle session should be evicted")
	assert.True(t, busyKept, "in-flight session must never be evicted")

	close(release)
	<-done
}

func TestSessionPendingStateHelpers(t *testing.T) {
	sess := &Session{UserID: 1, Stage: StageAwaitingGameSelection}
	sess.PendingQuestion = "how does trading work?"
	sess.Candidates = []Candidate{{Name: "Catan", PDF: "catan.pdf"}}
	sess.SetGame("Catan", "catan.pdf")

	sess.ResetPending()
	assert.Equal(t, StageIdle, sess.Stage)
	assert.Empty(t, sess.PendingQuestion)
	assert.Nil(t, sess.Candidates)
	assert.True(t, sess.HasGameContext(), "game context survives a pending reset")
}
