package session

import "errors"

// Session store errors.
var (
	// ErrSessionBusy is returned under PolicyReject when a turn for the
	// same user is already in flight.
	ErrSessionBusy = errors.New("a turn for this user is already in progress")
)
