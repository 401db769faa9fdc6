// Package limits provides centralized size limits for call signaling data.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxCandidate is the largest accepted ICE candidate line.
	MaxCandidate = 1024

	// MaxSDP is the largest accepted session description.
	MaxSDP = 64 * 1024

	// MaxSignalData is the largest encoded signal_data column.
	// It is MaxSDP plus room for the JSON envelope and escaping.
	MaxSignalData = MaxSDP + 32*1024

	// MaxEnvelope is the largest relay message, which carries one signal or
	// session row.
	MaxEnvelope = 128 * 1024
)

var (
	// ErrEmpty indicates empty data was provided
	ErrEmpty = errors.New("empty signaling data")

	// ErrTooLarge indicates data exceeds its size limit
	ErrTooLarge = errors.New("signaling data too large")
)

// ValidateSDP validates a session description against MaxSDP.
func ValidateSDP(sdp string) error {
	return check("sdp", len(sdp), MaxSDP)
}

// ValidateCandidate validates an ICE candidate line against MaxCandidate.
func ValidateCandidate(candidate string) error {
	return check("candidate", len(candidate), MaxCandidate)
}

// ValidateSignalData validates an encoded signal_data column against
// MaxSignalData.
func ValidateSignalData(raw []byte) error {
	return check("signal data", len(raw), MaxSignalData)
}

// ValidateEnvelope validates a relay message against MaxEnvelope.
// This limit should be applied to every message received from the relay
// before it is decoded.
func ValidateEnvelope(msg []byte) error {
	return check("envelope", len(msg), MaxEnvelope)
}

// check returns an error with context including the actual and maximum
// sizes.
func check(what string, size, maxSize int) error {
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, what)
	}
	if size > maxSize {
		return fmt.Errorf("%w: %s size %d exceeds limit %d", ErrTooLarge, what, size, maxSize)
	}
	return nil
}
