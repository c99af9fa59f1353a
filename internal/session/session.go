// Package session provides per-user conversation state with single-writer
// access discipline. Each user owns an isolated Session; turns for one user
// are serialized in arrival order while different users never contend.
// Turn history is persisted to SQLite so conversations survive restarts.
package session

import (
	"time"
)

// Stage is the conversation's position in the pipeline state machine.
type Stage string

const (
	// StageIdle - normal state, waiting for a user question.
	StageIdle Stage = "idle"

	// StageAwaitingClarification - a clarification question is pending.
	StageAwaitingClarification Stage = "awaiting_clarification"

	// StageAwaitingGameSelection - an ordered choice list is pending.
	StageAwaitingGameSelection Stage = "awaiting_game_selection"

	// StageSearching - searches are executing within the current turn.
	StageSearching Stage = "searching"

	// StageAnswered - terminal per turn; the session returns to StageIdle
	// before the next turn.
	StageAnswered Stage = "answered"
)

// Candidate is one entry of a pending game-selection list.
type Candidate struct {
	Name string
	PDF  string
}

// Turn is one completed user-input/response cycle.
type Turn struct {
	Number   int
	Input    string
	Response string
	Created  time.Time
}

// Session is the per-user conversation state. It is owned exclusively by the
// Store and must only be mutated inside Store.WithSession.
type Session struct {
	UserID int64
	Stage  Stage

	// History is the ordered record of completed turns.
	History []Turn

	// PendingQuestion holds an unanswered clarification question.
	PendingQuestion string

	// Candidates holds the choices of a pending game selection, in the
	// exact order they were presented.
	Candidates []Candidate

	// Game context carried across turns once a game is resolved.
	Game    string
	GamePDF string

	Created    time.Time
	LastActive time.Time
}

// HasGameContext reports whether a game has been resolved for this session.
func (s *Session) HasGameContext() bool {
	return s.Game != "" && s.GamePDF != ""
}

// SetGame sets the current game context.
func (s *Session) SetGame(name, pdf string) {
	s.Game = name
	s.GamePDF = pdf
}

// ResetPending clears pending clarification/selection state and returns the
// session to StageIdle. Game context is kept.
func (s *Session) ResetPending() {
	s.Stage = StageIdle
	s.PendingQuestion = ""
	s.Candidates = nil
}

// NextTurnNumber returns the number the next completed turn will get.
func (s *Session) NextTurnNumber() int {
	if n := len(s.History); n > 0 {
		return s.History[n-1].Number + 1
	}
	return 1
}
