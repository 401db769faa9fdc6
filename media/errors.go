package media

import (
	"errors"
	"fmt"
)

// Kind classifies a capture failure for user-facing messaging.
type Kind int

const (
	// KindOther is any failure that does not match a known class.
	KindOther Kind = iota
	// KindNotReadable means the device exists but is busy or unreadable.
	KindNotReadable
	// KindNotAllowed means the user or platform denied permission.
	KindNotAllowed
	// KindNotFound means no matching device is present.
	KindNotFound
)

// String returns the browser-style error name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotReadable:
		return "NotReadableError"
	case KindNotAllowed:
		return "NotAllowedError"
	case KindNotFound:
		return "NotFoundError"
	case KindOther:
		return "OtherError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Capture errors. Providers wrap one of the first three so KindOf can
// classify the failure.
var (
	ErrNotReadable = errors.New("media device is busy or unreadable")
	ErrNotAllowed  = errors.New("media permission denied")
	ErrNotFound    = errors.New("media device not found")

	// ErrAcquisitionFailed is returned by Acquire when every tier failed.
	// It wraps the error of the last tier.
	ErrAcquisitionFailed = errors.New("media acquisition failed")

	// ErrNoDisplay indicates screen capture is not available.
	ErrNoDisplay = errors.New("display capture unavailable")
)

// KindOf classifies err. Unknown or nil errors map to KindOther.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotReadable):
		return KindNotReadable
	case errors.Is(err, ErrNotAllowed):
		return KindNotAllowed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindOther
	}
}
