package pipeline

// ActionKind discriminates transport actions.
type ActionKind int

const (
	// ActionAskQuestion - send a clarification question; the turn is over
	// and the session awaits the user's reply.
	ActionAskQuestion ActionKind = iota

	// ActionPresentChoices - present an ordered game-selection list.
	ActionPresentChoices

	// ActionAnswer - deliver the final answer as ordered chunks.
	ActionAnswer

	// ActionFailure - deliver a user-safe failure notice.
	ActionFailure
)

// Action is what a finished turn hands to the transport. Progress updates
// travel separately on the turn's progress channel; an Action is always the
// last thing a turn produces.
type Action struct {
	Kind ActionKind

	// ActionAskQuestion
	Question string

	// ActionPresentChoices
	Prompt  string
	Choices []GameCandidate

	// ActionAnswer; chunks are ordered and already sized for the
	// transport ceiling. Confidence and Evidence feed the transport's
	// verbose mode.
	Chunks     []string
	Confidence float64
	Evidence   []Observation

	// ActionFailure
	Notice string
}
