package signal

import "errors"

// Sentinel errors for signal validation.
var (
	// ErrUnknownType indicates a signal_type outside the known set.
	ErrUnknownType = errors.New("unknown signal type")

	// ErrInvalidPayload indicates signal_data does not match its signal_type.
	ErrInvalidPayload = errors.New("invalid signal payload")

	// ErrInvalidSignal indicates a signal row is missing required fields.
	ErrInvalidSignal = errors.New("invalid signal")
)
