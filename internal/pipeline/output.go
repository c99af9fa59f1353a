// Package pipeline drives one conversation turn: it invokes the reasoning
// engine, executes the searches the engine requests under admission control,
// enforces the evidence gate, and advances the per-user session state
// machine. The engine is untrusted; every claim it makes about tool use is
// verified against the turn's own execution log.
package pipeline

// Kind discriminates engine outputs. The set is closed: the turn loop
// switches exhaustively and treats anything else as ErrUnknownVariant.
type Kind string

const (
	// KindClarificationNeeded - the engine needs more information before
	// it can search.
	KindClarificationNeeded Kind = "clarification_needed"

	// KindGameSelection - the engine narrowed the question to a set of
	// candidate rulebooks and needs the user to pick one.
	KindGameSelection Kind = "game_selection"

	// KindSearchInProgress - the engine wants searches executed before it
	// can answer.
	KindSearchInProgress Kind = "search_in_progress"

	// KindFinalAnswer - the engine produced an answer, subject to the
	// evidence gate.
	KindFinalAnswer Kind = "final_answer"
)

// GameCandidate is one entry of a game-selection list. Order is meaningful
// and preserved end to end: the index the user picks maps back by position.
type GameCandidate struct {
	Name string `json:"name"`
	PDF  string `json:"pdf"`
}

// SearchRequest is one search the engine asks for: a single Boolean pattern
// against a single rulebook PDF.
type SearchRequest struct {
	File    string `json:"file"`
	Pattern string `json:"pattern"`
	Fuzzy   bool   `json:"fuzzy,omitempty"`
}

// Output is the tagged union of everything the engine may produce in one
// round. Only the fields of the active Kind are meaningful.
type Output struct {
	Kind Kind `json:"kind"`

	// KindClarificationNeeded
	Question string `json:"question,omitempty"`

	// KindGameSelection
	Candidates []GameCandidate `json:"candidates,omitempty"`

	// KindSearchInProgress. ToolsInvoked is the engine's own account of
	// tool use so far; it is informational only and never trusted by the
	// evidence gate, which goes by the executed-search log.
	ProgressMessage string          `json:"progress_message,omitempty"`
	Searches        []SearchRequest `json:"searches,omitempty"`
	ToolsInvoked    []string        `json:"tools_invoked,omitempty"`

	// KindFinalAnswer
	Text         string   `json:"text,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	FromContext  bool     `json:"from_context,omitempty"`
}
