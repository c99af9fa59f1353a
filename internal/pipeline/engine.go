package pipeline

import (
	"context"

	"ruleslawyer/internal/session"
)

// Engine is the reasoning backend. One Infer call is one engine round; a
// single turn may take several rounds as search observations accumulate.
// Implementations must return exactly one Output per call and must not
// perform side effects of their own.
type Engine interface {
	Infer(ctx context.Context, req Request) (*Output, error)
}

// Observation is the result of one executed search, fed back to the engine
// on the next round. ID is the handle a final answer cites as evidence.
type Observation struct {
	ID      string
	File    string
	Pattern string

	// Outcome is the search outcome name (matched, no_match, timeout,
	// process_error).
	Outcome string

	// Text holds the matched excerpts when Outcome is matched.
	Text string
}

// Request carries everything the engine sees for one round.
type Request struct {
	UserID int64
	Input  string

	// History is the session's completed turns, oldest first.
	History []session.Turn

	// PendingQuestion is set when Input answers a prior clarification.
	PendingQuestion string

	// Game context, if already resolved for this session.
	Game    string
	GamePDF string

	// Files lists the rulebook PDFs available to search.
	Files []string

	// Observations are this turn's executed searches so far.
	Observations []Observation

	// Instruction is an extra directive appended to the request, used for
	// the single evidence-violation retry.
	Instruction string
}
