package negotiation

import (
	"context"

	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/quality"
	"github.com/opd-ai/callsig/signal"
)

// SignalingState mirrors the offer/answer state of a peer transport.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ConnectionState mirrors the aggregate connection state of a peer transport.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// RemoteTrack describes a media track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     media.TrackKind
}

// Transport is the peer connection owned by one Engine.
//
// CreateOffer and CreateAnswer also install the result as the local
// description. Callbacks may fire on any goroutine.
type Transport interface {
	CreateOffer(ctx context.Context, iceRestart bool) (signal.SessionDescription, error)
	CreateAnswer(ctx context.Context) (signal.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, sd signal.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c signal.Candidate) error
	SignalingState() SignalingState

	// AddTrack attaches a local track to the pre-declared sender of its kind.
	AddTrack(t media.Track) error
	// ReplaceVideoTrack swaps the outbound video without renegotiation.
	ReplaceVideoTrack(t media.Track) error
	// HasVideoSender reports whether a video m-line has been negotiated.
	HasVideoSender() bool

	Counters(ctx context.Context) (quality.Counters, error)

	OnICECandidate(fn func(signal.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}
