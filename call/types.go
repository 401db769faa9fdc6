// Package call defines the persisted call session record shared by both
// participants of a two-party audio/video call.
//
// A Session is created by the caller when a call is initiated and is then
// mutated by either party through status updates until it reaches a
// terminal status. The package enforces the record's invariants:
//   - StartedAt is set at most once, on the first successful connection
//   - non-terminal statuses only move forward (pending, ringing, connected)
//   - a terminal status never moves back to a non-terminal one
package call

import (
	"fmt"
	"time"
)

// Type is the media type requested for a call.
type Type string

const (
	// TypeAudio is a voice-only call.
	TypeAudio Type = "audio"
	// TypeVideo is a call with camera video and audio.
	TypeVideo Type = "video"
)

// Valid reports whether t is a known call type.
func (t Type) Valid() bool {
	return t == TypeAudio || t == TypeVideo
}

// Status is the persisted status of a call session.
type Status string

const (
	// StatusPending is written when the caller creates the session row.
	StatusPending Status = "pending"
	// StatusRinging is written once the caller has published its offer.
	StatusRinging Status = "ringing"
	// StatusConnected is written by the callee after answering.
	StatusConnected Status = "connected"
	// StatusEnded marks a call that was connected and then hung up.
	StatusEnded Status = "ended"
	// StatusMissed marks a call that never connected.
	StatusMissed Status = "missed"
	// StatusDeclined marks a call rejected by the callee.
	StatusDeclined Status = "declined"
	// StatusBusy marks a call rejected because the callee was already in a call.
	StatusBusy Status = "busy"
)

// rank orders the non-terminal statuses. Terminal statuses share the
// highest rank so that terminal to terminal writes stay last-write-wins.
var rank = map[Status]int{
	StatusPending:   0,
	StatusRinging:   1,
	StatusConnected: 2,
	StatusEnded:     3,
	StatusMissed:    3,
	StatusDeclined:  3,
	StatusBusy:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// IsTerminal reports whether s is one of ended, missed, declined or busy.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusDeclined, StatusBusy:
		return true
	default:
		return false
	}
}

// ValidateTransition checks that a session may move from one status to another.
//
// Any non-terminal status may move to any terminal one. Between non-terminal
// statuses only forward moves are allowed; re-writing the same status is
// accepted so that redundant deliveries stay harmless. Terminal to terminal
// writes are accepted (last write wins), terminal to non-terminal is not.
func ValidateTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrUnknownStatus, from, to)
	}
	if from.IsTerminal() {
		if to.IsTerminal() {
			return nil
		}
		return fmt.Errorf("%w: %q -> %q", ErrTerminalStatus, from, to)
	}
	if to.IsTerminal() {
		return nil
	}
	if rank[to] < rank[from] {
		return fmt.Errorf("%w: %q -> %q", ErrBackwardTransition, from, to)
	}
	return nil
}

// Session is one row of the call_sessions table.
type Session struct {
	ID             string     `json:"id"`
	CallerID       string     `json:"caller_id"`
	CalleeID       string     `json:"callee_id"`
	ConversationID string     `json:"conversation_id"`
	Type           Type       `json:"call_type"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Validate checks the fields required for a new session row.
func (s *Session) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: id is empty", ErrInvalidSession)
	case s.CallerID == "" || s.CalleeID == "":
		return fmt.Errorf("%w: caller and callee are required", ErrInvalidSession)
	case s.CallerID == s.CalleeID:
		return fmt.Errorf("%w: caller and callee are the same user", ErrInvalidSession)
	case !s.Type.Valid():
		return fmt.Errorf("%w: unknown call type %q", ErrInvalidSession, s.Type)
	case !s.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSession, s.Status)
	}
	return nil
}

// Peer returns the other participant of the session as seen by userID.
func (s *Session) Peer(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

// IsCaller reports whether userID started the session.
func (s *Session) IsCaller(userID string) bool {
	return s.CallerID == userID
}

// Duration returns the connected time of the call, or zero if it never
// connected. An open call is measured up to now.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(*s.StartedAt) {
		return 0
	}
	return end.Sub(*s.StartedAt)
}

// Update is a status change written by either participant.
type Update struct {
	Status Status
	At     time.Time
}

// Apply merges u into the session, enforcing the status invariants.
//
// StartedAt is stamped on the first move to connected only; EndedAt is
// stamped on every terminal write so the last writer wins.
func (s *Session) Apply(u Update) error {
	if err := ValidateTransition(s.Status, u.Status); err != nil {
		return err
	}
	s.Status = u.Status
	at := u.At
	if u.Status == StatusConnected && s.StartedAt == nil {
		s.StartedAt = &at
	}
	if u.Status.IsTerminal() {
		s.EndedAt = &at
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}
