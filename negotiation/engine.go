// Package negotiation drives the SDP offer/answer exchange and ICE handling
// for the single peer transport of an active call.
//
// An Engine owns exactly one Transport, the "remote description applied"
// flag and the call's ice.Queue. Outbound candidates are published the
// moment the transport discovers them. Inbound candidates are applied
// directly once a remote description is in place and buffered otherwise;
// the buffer is drained exactly once, in arrival order, when the flag flips.
//
// Engines are not goroutine-safe with respect to signal handling: the
// caller serializes HandleSignal, Offer, Answer and HandleConnectionState.
// Transport callbacks and Close may run concurrently with them.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/ice"
	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/quality"
	"github.com/opd-ai/callsig/signal"
)

// Role is the side of the offer/answer exchange a participant plays.
type Role int

const (
	// RoleOfferer is the caller. It owns ICE restarts.
	RoleOfferer Role = iota
	// RoleAnswerer is the callee.
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Publisher sends an outbound signal for the engine's call.
type Publisher func(ctx context.Context, t signal.Type, p signal.Payload) error

// Action tells the owner what a connection state change requires.
type Action int

const (
	// ActionNone needs no reaction.
	ActionNone Action = iota
	// ActionConnected reports the transport reached connected.
	ActionConnected
	// ActionRestarted reports that an ICE restart offer was published.
	ActionRestarted
	// ActionUnstable reports a failure after a restart attempt.
	ActionUnstable
	// ActionClosed reports the transport closed; the call must be cleaned up.
	ActionClosed
)

// Hooks receive transport events. They are called from transport
// goroutines and must not block.
type Hooks struct {
	OnConnectionState func(ConnectionState)
	OnRemoteTrack     func(RemoteTrack)
}

// Engine negotiates one call.
type Engine struct {
	callID    string
	role      Role
	transport Transport
	queue     *ice.Queue
	publish   Publisher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	remoteApplied bool
	restarted     bool
	closed        bool
}

// New wires an engine to its transport. q may be a queue that already holds
// candidates received before the engine existed; nil creates a fresh one.
func New(callID string, role Role, t Transport, q *ice.Queue, publish Publisher, hooks Hooks) *Engine {
	if q == nil {
		q = ice.NewQueue(callID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		callID:    callID,
		role:      role,
		transport: t,
		queue:     q,
		publish:   publish,
		ctx:       ctx,
		cancel:    cancel,
	}

	t.OnICECandidate(e.publishCandidate)
	t.OnConnectionStateChange(func(s ConnectionState) {
		if hooks.OnConnectionState != nil {
			hooks.OnConnectionState(s)
		}
	})
	t.OnTrack(func(rt RemoteTrack) {
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(rt)
		}
	})
	return e
}

// CallID returns the call this engine negotiates.
func (e *Engine) CallID() string { return e.callID }

// Role returns the engine's side of the exchange.
func (e *Engine) Role() Role { return e.role }

// Queue returns the pending candidate queue.
func (e *Engine) Queue() *ice.Queue { return e.queue }

// RemoteDescriptionApplied reports the negotiation flag.
func (e *Engine) RemoteDescriptionApplied() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteApplied
}

// Closed reports whether Close has run.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// AttachStream adds the local tracks of a captured stream.
func (e *Engine) AttachStream(s *media.Stream) error {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if err := e.transport.AddTrack(t); err != nil {
			return fmt.Errorf("attach %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// Offer creates the local offer and publishes it.
func (e *Engine) Offer(ctx context.Context) (signal.SessionDescription, error) {
	return e.offer(ctx, false)
}

func (e *Engine) offer(ctx context.Context, restart bool) (signal.SessionDescription, error) {
	if e.Closed() {
		return signal.SessionDescription{}, ErrClosed
	}
	sd, err := e.transport.CreateOffer(ctx, restart)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if e.Closed() {
		return signal.SessionDescription{}, ErrClosed
	}
	if err := e.publish(ctx, signal.TypeOffer, sd); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("publish offer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Offer",
		"call_id":     e.callID,
		"ice_restart": restart,
	}).Info("Published offer")
	return sd, nil
}

// Answer applies a remote offer and publishes the answer. It serves both
// the initial answer and renegotiation offers received mid-call.
func (e *Engine) Answer(ctx context.Context, offer signal.SessionDescription) (signal.SessionDescription, error) {
	if e.Closed() {
		return signal.SessionDescription{}, ErrClosed
	}
	state := e.transport.SignalingState()
	if state != SignalingStable && state != SignalingHaveRemoteOffer {
		return signal.SessionDescription{}, fmt.Errorf("%w: offer in %s", ErrUnexpectedSignal, state)
	}
	if err := e.applyRemote(ctx, offer); err != nil {
		return signal.SessionDescription{}, err
	}

	answer, err := e.transport.CreateAnswer(ctx)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if e.Closed() {
		return signal.SessionDescription{}, ErrClosed
	}
	if err := e.publish(ctx, signal.TypeAnswer, answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("publish answer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Answer",
		"call_id":  e.callID,
	}).Info("Published answer")
	return answer, nil
}

// HandleSignal dispatches an inbound offer, answer or ice-candidate. Other
// signal types are not negotiation signals and are rejected.
func (e *Engine) HandleSignal(ctx context.Context, sig signal.Signal) error {
	switch sig.Type {
	case signal.TypeOffer:
		sd, _ := sig.SessionDescription()
		_, err := e.Answer(ctx, sd)
		return err
	case signal.TypeAnswer:
		sd, _ := sig.SessionDescription()
		return e.acceptAnswer(ctx, sd)
	case signal.TypeICECandidate:
		c, _ := sig.Candidate()
		return e.AddRemoteCandidate(c)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedSignal, sig.Type)
	}
}

func (e *Engine) acceptAnswer(ctx context.Context, answer signal.SessionDescription) error {
	if e.Closed() {
		return ErrClosed
	}
	if state := e.transport.SignalingState(); state != SignalingHaveLocalOffer {
		return fmt.Errorf("%w: answer in %s", ErrUnexpectedSignal, state)
	}
	return e.applyRemote(ctx, answer)
}

// applyRemote installs the remote description, flips the flag and drains
// the queue under one lock so no candidate slips between them.
func (e *Engine) applyRemote(ctx context.Context, sd signal.SessionDescription) error {
	if err := e.transport.SetRemoteDescription(ctx, sd); err != nil {
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.remoteApplied {
		return nil
	}
	e.remoteApplied = true

	pending, err := e.queue.Drain()
	if err != nil {
		return nil
	}
	for _, c := range pending {
		if err := e.transport.AddICECandidate(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "applyRemote",
				"call_id":  e.callID,
				"error":    err.Error(),
			}).Warn("Failed to apply buffered ICE candidate")
		}
	}
	return nil
}

// AddRemoteCandidate applies c immediately when a remote description is in
// place, otherwise buffers it.
func (e *Engine) AddRemoteCandidate(c signal.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if !e.remoteApplied || !e.transport.HasRemoteDescription() {
		if err := e.queue.Push(c); err != nil {
			return fmt.Errorf("buffer candidate: %w", err)
		}
		return nil
	}
	if err := e.transport.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (e *Engine) publishCandidate(c signal.Candidate) {
	if e.Closed() {
		return
	}
	if err := e.publish(e.ctx, signal.TypeICECandidate, c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publishCandidate",
			"call_id":  e.callID,
			"error":    err.Error(),
		}).Warn("Failed to publish local ICE candidate")
	}
}

// HandleConnectionState reacts to a transport state change.
//
// The first failure starts recovery: the offerer publishes an ICE restart
// offer, the answerer waits for it. A failure after that is reported as
// ActionUnstable. Reaching connected re-arms recovery.
func (e *Engine) HandleConnectionState(ctx context.Context, s ConnectionState) (Action, error) {
	log := logrus.WithFields(logrus.Fields{
		"function": "HandleConnectionState",
		"call_id":  e.callID,
		"state":    s,
		"role":     e.role.String(),
	})

	switch s {
	case ConnectionConnected:
		e.mu.Lock()
		e.restarted = false
		e.mu.Unlock()
		log.Info("Transport connected")
		return ActionConnected, nil

	case ConnectionFailed:
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ActionNone, nil
		}
		again := e.restarted
		e.restarted = true
		e.mu.Unlock()

		if again {
			log.Warn("Transport failed after ICE restart")
			return ActionUnstable, nil
		}
		if e.role != RoleOfferer {
			log.Info("Transport failed, waiting for remote ICE restart")
			return ActionNone, nil
		}
		log.Info("Transport failed, restarting ICE")
		if _, err := e.offer(ctx, true); err != nil {
			if errors.Is(err, ErrClosed) {
				return ActionNone, nil
			}
			return ActionUnstable, err
		}
		return ActionRestarted, nil

	case ConnectionClosed:
		if e.Closed() {
			return ActionNone, nil
		}
		log.Info("Transport closed")
		return ActionClosed, nil

	case ConnectionDisconnected:
		log.Debug("Transport disconnected, waiting for recovery")
	}
	return ActionNone, nil
}

// ReplaceVideoTrack swaps the outbound video track in place. Calls that
// never negotiated video fail with ErrNoVideoSender.
func (e *Engine) ReplaceVideoTrack(t media.Track) error {
	if e.Closed() {
		return ErrClosed
	}
	if !e.transport.HasVideoSender() {
		return ErrNoVideoSender
	}
	return e.transport.ReplaceVideoTrack(t)
}

// HasVideoSender reports whether video tracks can be replaced.
func (e *Engine) HasVideoSender() bool {
	return e.transport.HasVideoSender()
}

// Counters implements quality.StatsSource.
func (e *Engine) Counters(ctx context.Context) (quality.Counters, error) {
	if e.Closed() {
		return quality.Counters{}, ErrClosed
	}
	return e.transport.Counters(ctx)
}

// Close tears down the transport, clears the queue and resets the flags.
// Only the first call closes the transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.remoteApplied = false
	e.restarted = false
	e.mu.Unlock()

	e.cancel()
	e.queue.Clear()
	err := e.transport.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"call_id":  e.callID,
	}).Debug("Negotiation engine closed")
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}
