package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndLoadHistory(t *testing.T) {
	db := openTestDB(t)

	turns := []Turn{
		{Number: 1, Input: "how many cards do I draw?", Response: "Two.", Created: time.Now()},
		{Number: 2, Input: "and on a double?", Response: "Four.", Created: time.Now()},
	}
	for _, turn := range turns {
		require.NoError(t, db.AppendTurn(7, turn))
	}

	got, err := db.LoadHistory(7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Number)
	assert.Equal(t, "how many cards do I draw?", got[0].Input)
	assert.Equal(t, "Four.", got[1].Response)
}

func TestAppendTurnIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	turn := Turn{Number: 1, Input: "q", Response: "a", Created: time.Now()}
	require.NoError(t, db.AppendTurn(1, turn))

	// A replayed write of the same turn must not duplicate it.
	turn.Response = "different text, same key"
	require.NoError(t, db.AppendTurn(1, turn))

	got, err := db.LoadHistory(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Response, "first write wins")
}

func TestLoadHistoryIsolatesUsers(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.AppendTurn(1, Turn{Number: 1, Input: "q1", Response: "a1", Created: time.Now()}))
	require.NoError(t, db.AppendTurn(2, Turn{Number: 1, Input: "q2", Response: "a2", Created: time.Now()}))

	got, err := db.LoadHistory(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q1", got[0].Input)

	got, err = db.LoadHistory(999)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	db, err := OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.AppendTurn(4, Turn{Number: 1, Input: "q", Response: "a", Created: time.Now()}))
	require.NoError(t, db.Close())

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.LoadHistory(4)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
