// Package limits provides centralized size limits for call signaling data.
// Every component that accepts signaling content from a peer validates it
// against the same bounds, so an oversized row is rejected identically by the
// relay, the store and the signal decoder.
//
// # Size Hierarchy
//
//   - MaxCandidate (1 KiB): one ICE candidate line. Real candidates stay
//     well under 256 bytes; the headroom covers long mDNS hostnames.
//
//   - MaxSDP (64 KiB): one offer or answer. Browser SDP for an audio and
//     video call with simulcast is typically 4-10 KiB.
//
//   - MaxSignalData (96 KiB): the encoded signal_data column, which wraps an
//     SDP together with its JSON envelope.
//
//   - MaxEnvelope (128 KiB): one relay message including the signal row
//     metadata. Anything larger is dropped before it is decoded.
//
// # Validation Functions
//
//	if err := limits.ValidateSDP(sdp); err != nil {
//	    // ErrEmpty or ErrTooLarge
//	}
//
// Errors carry the actual and maximum sizes:
//
//	signaling data too large: candidate size 1025 exceeds limit 1024
package limits
