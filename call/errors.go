package call

import "errors"

// Sentinel errors for session validation.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidSession indicates a session row is missing required fields.
	ErrInvalidSession = errors.New("invalid call session")

	// ErrUnknownStatus indicates a status value outside the known set.
	ErrUnknownStatus = errors.New("unknown call status")
)

// Transition errors.
var (
	// ErrTerminalStatus indicates an attempt to leave a terminal status.
	ErrTerminalStatus = errors.New("call session already terminal")

	// ErrBackwardTransition indicates a non-terminal status moving backwards.
	ErrBackwardTransition = errors.New("call status cannot move backwards")
)

// Lookup errors.
var (
	// ErrSessionNotFound indicates no session row exists for the id.
	ErrSessionNotFound = errors.New("call session not found")
)
