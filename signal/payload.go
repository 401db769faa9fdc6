package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/limits"
)

// Payload is the typed content of a Signal. The set of variants is closed:
// SessionDescription, Candidate, AudioState, VideoState and Empty.
type Payload interface {
	isPayload()
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an ICE candidate descriptor, shaped like RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// AudioState reports the sender's microphone mute state.
type AudioState struct {
	Muted bool `json:"muted"`
}

// VideoState reports whether the sender's camera is disabled.
type VideoState struct {
	Disabled bool `json:"disabled"`
}

// Empty is the payload of hangup, busy and screen-share signals.
type Empty struct{}

func (SessionDescription) isPayload() {}
func (Candidate) isPayload()          {}
func (AudioState) isPayload()         {}
func (VideoState) isPayload()         {}
func (Empty) isPayload()              {}

// validate checks that p is the variant t requires and that it is well formed.
func validate(t Type, p Payload) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	switch t {
	case TypeOffer, TypeAnswer:
		sd, ok := p.(SessionDescription)
		if !ok {
			return mismatch(t, p)
		}
		if sd.Type != string(t) {
			return fmt.Errorf("%w: %s signal carries %q description", ErrInvalidPayload, t, sd.Type)
		}
		if err := limits.ValidateSDP(sd.SDP); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case TypeICECandidate:
		c, ok := p.(Candidate)
		if !ok {
			return mismatch(t, p)
		}
		if err := limits.ValidateCandidate(c.Candidate); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if c.SDPMid == nil && c.SDPMLineIndex == nil {
			return fmt.Errorf("%w: candidate needs sdpMid or sdpMLineIndex", ErrInvalidPayload)
		}
	case TypeAudioStateChange:
		if _, ok := p.(AudioState); !ok {
			return mismatch(t, p)
		}
	case TypeVideoStateChange:
		if _, ok := p.(VideoState); !ok {
			return mismatch(t, p)
		}
	default:
		if _, ok := p.(Empty); !ok {
			return mismatch(t, p)
		}
	}
	return nil
}

func mismatch(t Type, p Payload) error {
	return fmt.Errorf("%w: %s signal cannot carry %T", ErrInvalidPayload, t, p)
}

// Encode renders a payload as the opaque signal_data JSON column.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Decode parses raw signal_data into the payload variant required by t and
// validates it. Flag payloads must carry their flag explicitly.
func Decode(t Type, raw json.RawMessage) (Payload, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if len(raw) > 0 {
		if err := limits.ValidateSignalData(raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeOffer, TypeAnswer:
		var sd SessionDescription
		err = requirePayload(raw, &sd)
		p = sd
	case TypeICECandidate:
		var c Candidate
		err = requirePayload(raw, &c)
		p = c
	case TypeAudioStateChange:
		var f struct {
			Muted *bool `json:"muted"`
		}
		if err = requirePayload(raw, &f); err == nil && f.Muted == nil {
			err = fmt.Errorf("missing muted flag")
		}
		if err == nil {
			p = AudioState{Muted: *f.Muted}
		}
	case TypeVideoStateChange:
		var f struct {
			Disabled *bool `json:"disabled"`
		}
		if err = requirePayload(raw, &f); err == nil && f.Disabled == nil {
			err = fmt.Errorf("missing disabled flag")
		}
		if err == nil {
			p = VideoState{Disabled: *f.Disabled}
		}
	default:
		// hangup, busy and screen-share signals ignore whatever they carry
		p = Empty{}
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Decode",
			"signal_type": t,
			"error":       err.Error(),
		}).Debug("Rejecting malformed signal payload")
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	if err := validate(t, p); err != nil {
		return nil, err
	}
	return p, nil
}

func requirePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, v)
}
