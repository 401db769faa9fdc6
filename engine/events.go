package engine

import (
	"time"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/negotiation"
	"github.com/opd-ai/callsig/quality"
	"github.com/opd-ai/callsig/signal"
)

// Event is a domain event emitted by a Machine. The set is closed.
type Event interface {
	CallID() string
	isEvent()
}

// Reason explains why a call ended.
type Reason string

const (
	ReasonLocalHangup     Reason = "local-hangup"
	ReasonDeclined        Reason = "declined"
	ReasonRemoteHangup    Reason = "remote-hangup"
	ReasonBusy            Reason = "busy"
	ReasonTimeout         Reason = "timeout"
	ReasonMediaFailed     Reason = "media-failed"
	ReasonTransportClosed Reason = "transport-closed"
	ReasonError           Reason = "error"
	ReasonShutdown        Reason = "shutdown"
)

// IncomingCall is emitted on the callee when a call is surfaced.
type IncomingCall struct {
	Session call.Session
}

// CallRinging is emitted on the caller once the offer is out.
type CallRinging struct {
	Session call.Session
}

// CallConnected is emitted when the call first connects.
type CallConnected struct {
	Session call.Session
}

// RemoteStreamAttached is emitted for each remote track received.
type RemoteStreamAttached struct {
	ID    string
	Track negotiation.RemoteTrack
}

// RemoteMediaChanged reports the peer's mute, camera or screen-share state.
type RemoteMediaChanged struct {
	ID            string
	Change        signal.Type
	AudioMuted    bool
	VideoDisabled bool
	ScreenSharing bool
}

// ConnectionUnstable is emitted when ICE recovery failed.
type ConnectionUnstable struct {
	ID string
}

// QualitySample carries one connection quality observation.
type QualitySample struct {
	ID     string
	Sample quality.Sample
}

// CallEnded is emitted exactly once per call, after cleanup.
type CallEnded struct {
	ID       string
	Status   call.Status
	Reason   Reason
	Duration time.Duration
}

func (e IncomingCall) CallID() string         { return e.Session.ID }
func (e CallRinging) CallID() string          { return e.Session.ID }
func (e CallConnected) CallID() string        { return e.Session.ID }
func (e RemoteStreamAttached) CallID() string { return e.ID }
func (e RemoteMediaChanged) CallID() string   { return e.ID }
func (e ConnectionUnstable) CallID() string   { return e.ID }
func (e QualitySample) CallID() string        { return e.ID }
func (e CallEnded) CallID() string            { return e.ID }

func (IncomingCall) isEvent()         {}
func (CallRinging) isEvent()          {}
func (CallConnected) isEvent()        {}
func (RemoteStreamAttached) isEvent() {}
func (RemoteMediaChanged) isEvent()   {}
func (ConnectionUnstable) isEvent()   {}
func (QualitySample) isEvent()        {}
func (CallEnded) isEvent()            {}
