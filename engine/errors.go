package engine

import "errors"

// Call action errors.
var (
	// ErrCallInProgress indicates the local user already has a call.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrNoActiveCall indicates the action needs a current call.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotRinging indicates there is no surfaced incoming call to answer.
	ErrNotRinging = errors.New("no incoming call is ringing")

	// ErrInvalidCallee indicates an empty callee or a call to oneself.
	ErrInvalidCallee = errors.New("invalid callee")

	// ErrCallAborted indicates the call was torn down while the action
	// was in flight; its results were discarded.
	ErrCallAborted = errors.New("call ended while the action was in progress")

	// ErrOfferNotFound indicates the caller's offer has not arrived yet.
	ErrOfferNotFound = errors.New("offer not available")
)

// Media action errors.
var (
	// ErrMediaUnavailable wraps a failed capture request.
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrNoVideoTrack indicates the call has no local camera track.
	ErrNoVideoTrack = errors.New("no local video track")

	// ErrAlreadySharing indicates screen sharing is already active.
	ErrAlreadySharing = errors.New("screen sharing already active")

	// ErrNotSharing indicates screen sharing is not active.
	ErrNotSharing = errors.New("screen sharing not active")
)

// Collaborator errors.
var (
	// ErrStorage wraps store failures.
	ErrStorage = errors.New("call store error")

	// ErrRelay wraps relay failures.
	ErrRelay = errors.New("relay error")

	// ErrConnectTimeout is reported when a call does not connect in time.
	ErrConnectTimeout = errors.New("could not establish connection")

	// ErrConnectionUnstable is reported when ICE recovery fails.
	ErrConnectionUnstable = errors.New("connection unstable")

	// ErrMachineClosed indicates the machine has been shut down.
	ErrMachineClosed = errors.New("call machine closed")
)
