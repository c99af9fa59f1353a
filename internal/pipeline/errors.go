package pipeline

import "errors"

// Fatal-for-turn conditions. Each aborts the current turn, resets the session
// to idle, and surfaces a user-safe message distinct from the logged detail.
var (
	// ErrToolEvidenceViolation is returned when the engine produces a
	// final answer whose evidence does not check out against the turn's
	// executed-search log, after one retry was already spent.
	ErrToolEvidenceViolation = errors.New("answer evidence does not match executed searches")

	// ErrSearchRoundCapExceeded is returned when the engine keeps asking
	// for more search rounds past the configured cap. The turn fails
	// loudly; it is never silently truncated into an unverified answer.
	ErrSearchRoundCapExceeded = errors.New("search round cap exceeded")

	// ErrUnknownVariant is returned for an engine output kind outside the
	// closed set.
	ErrUnknownVariant = errors.New("unknown engine output variant")

	// ErrEngineFailure is returned when the engine call itself fails.
	ErrEngineFailure = errors.New("engine invocation failed")
)

// TurnError is the error type every failed turn resolves to. UserMessage is
// safe to send to the chat; Err and Detail stay in the logs.
type TurnError struct {
	// UserMessage is shown to the user verbatim.
	UserMessage string

	// Err is the underlying sentinel, matchable with errors.Is.
	Err error

	// Detail is internal diagnostic context.
	Detail string
}

func (e *TurnError) Error() string {
	if e.Detail != "" {
		return e.Err.Error() + ": " + e.Detail
	}
	return e.Err.Error()
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func turnError(err error, userMessage, detail string) *TurnError {
	return &TurnError{UserMessage: userMessage, Err: err, Detail: detail}
}
