// Package signal defines the control-plane messages exchanged between the two
// participants of a call through the relay.
//
// A Signal is append-only: one row per negotiation event, never mutated or
// deleted, so the sequence of signals for a call is its full negotiation log.
// The payload is a sum type keyed by the signal type; Decode validates a raw
// payload against its type before any component dispatches on it.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the negotiation event a Signal carries.
type Type string

const (
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeICECandidate     Type = "ice-candidate"
	TypeHangup           Type = "hangup"
	TypeBusy             Type = "busy"
	TypeAudioStateChange Type = "audio-state-change"
	TypeVideoStateChange Type = "video-state-change"
	TypeScreenShareStart Type = "screen-share-start"
	TypeScreenShareStop  Type = "screen-share-stop"
)

// Valid reports whether t is a known signal type.
func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeHangup, TypeBusy,
		TypeAudioStateChange, TypeVideoStateChange,
		TypeScreenShareStart, TypeScreenShareStop:
		return true
	default:
		return false
	}
}

// Terminal reports whether a signal of this type ends the call.
func (t Type) Terminal() bool {
	return t == TypeHangup || t == TypeBusy
}

// Signal is one row of the call_signals table.
type Signal struct {
	ID        string
	CallID    string
	SenderID  string
	Type      Type
	Payload   Payload
	CreatedAt time.Time
}

// New builds a signal with a fresh id after checking that p is the payload
// variant required by t.
func New(callID, senderID string, t Type, p Payload, now time.Time) (Signal, error) {
	if callID == "" || senderID == "" {
		return Signal{}, fmt.Errorf("%w: call id and sender id are required", ErrInvalidSignal)
	}
	if err := validate(t, p); err != nil {
		return Signal{}, err
	}
	return Signal{
		ID:        uuid.NewString(),
		CallID:    callID,
		SenderID:  senderID,
		Type:      t,
		Payload:   p,
		CreatedAt: now,
	}, nil
}

// Validate re-checks a signal that was built outside New.
func (s Signal) Validate() error {
	if s.ID == "" || s.CallID == "" || s.SenderID == "" {
		return fmt.Errorf("%w: id, call id and sender id are required", ErrInvalidSignal)
	}
	return validate(s.Type, s.Payload)
}

// SessionDescription returns the SDP payload of an offer or answer.
func (s Signal) SessionDescription() (SessionDescription, bool) {
	sd, ok := s.Payload.(SessionDescription)
	return sd, ok
}

// Candidate returns the ICE candidate payload of an ice-candidate signal.
func (s Signal) Candidate() (Candidate, bool) {
	c, ok := s.Payload.(Candidate)
	return c, ok
}

// wireSignal is the JSON shape used by the relay and the store.
type wireSignal struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	SenderID  string          `json:"sender_id"`
	Type      Type            `json:"signal_type"`
	Data      json.RawMessage `json:"signal_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalJSON encodes the signal with its payload as signal_data.
func (s Signal) MarshalJSON() ([]byte, error) {
	data, err := Encode(s.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireSignal{
		ID:        s.ID,
		CallID:    s.CallID,
		SenderID:  s.SenderID,
		Type:      s.Type,
		Data:      data,
		CreatedAt: s.CreatedAt,
	})
}

// UnmarshalJSON decodes and validates a signal received from the wire.
func (s *Signal) UnmarshalJSON(b []byte) error {
	var w wireSignal
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	p, err := Decode(w.Type, w.Data)
	if err != nil {
		return err
	}
	*s = Signal{
		ID:        w.ID,
		CallID:    w.CallID,
		SenderID:  w.SenderID,
		Type:      w.Type,
		Payload:   p,
		CreatedAt: w.CreatedAt,
	}
	return nil
}
