package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ruleslawyer/internal/logging"
)

// DB persists turn history in SQLite. It implements HistoryStore.
//
// Writes for one user always happen under that user's session lock, so the
// internal mutex only guards against cross-user interleaving on the shared
// connection.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenDB initializes the SQLite database at the given path.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{db: db}
	if err := d.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_turns (
		user_id     INTEGER NOT NULL,
		turn_number INTEGER NOT NULL,
		input       TEXT NOT NULL,
		response    TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, turn_number)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON session_turns(user_id);`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// LoadHistory retrieves all persisted turns for a user in turn order.
func (d *DB) LoadHistory(userID int64) ([]Turn, error) {
	timer := logging.StartTimer(logging.CategorySession, "LoadHistory")
	defer timer.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(
		`SELECT turn_number, input, response, created_at
		 FROM session_turns WHERE user_id = ? ORDER BY turn_number`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for user %d: %w", userID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var created time.Time
		if err := rows.Scan(&t.Number, &t.Input, &t.Response, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Created = created
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurn records a completed turn.
// Uses INSERT OR IGNORE for idempotent writes (duplicate turn numbers are
// silently skipped).
func (d *DB) AppendTurn(userID int64, turn Turn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO session_turns (user_id, turn_number, input, response, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, turn.Number, turn.Input, turn.Response, turn.Created,
	)
	if err != nil {
		logging.Get(logging.CategorySession).Error("failed to store turn: user=%d turn=%d: %v",
			userID, turn.Number, err)
		return fmt.Errorf("failed to store turn %d for user %d: %w", turn.Number, userID, err)
	}
	return nil
}
