package negotiation

import "errors"

// Signal handling errors.
var (
	// ErrUnexpectedSignal indicates a signal that does not fit the current
	// signaling state. The signal is discarded; the call continues.
	ErrUnexpectedSignal = errors.New("unexpected signal for negotiation state")
)

// Track errors.
var (
	// ErrNoVideoSender indicates the call never negotiated a video m-line.
	ErrNoVideoSender = errors.New("no negotiated video sender")

	// ErrUnsupportedTrack indicates a track the transport cannot send.
	ErrUnsupportedTrack = errors.New("unsupported local track")
)

// Lifecycle errors.
var (
	// ErrClosed indicates the engine was torn down during the operation.
	ErrClosed = errors.New("negotiation engine closed")
)
