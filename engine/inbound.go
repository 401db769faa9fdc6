package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/ice"
	"github.com/opd-ai/callsig/negotiation"
	"github.com/opd-ai/callsig/signal"
)

// onIncoming handles a row event from the callee subscription. Loop only.
func (m *Machine) onIncoming(s call.Session) {
	if s.CalleeID != m.cfg.UserID || s.CallerID == m.cfg.UserID {
		return
	}
	if cur := m.cur; cur != nil && cur.id == s.ID {
		m.onSessionRow(cur, s)
		return
	}
	if m.handled.Contains(s.ID) {
		return
	}
	log := m.logger("onIncoming", s.ID).WithFields(logrus.Fields{
		"caller_id": s.CallerID,
		"status":    s.Status,
	})

	if s.Status.IsTerminal() {
		m.handled.Add(s.ID, struct{}{})
		return
	}
	if s.Status != call.StatusPending && s.Status != call.StatusRinging {
		log.Debug("Ignoring row for a call that is not ringing")
		return
	}
	if m.cur != nil {
		m.replyBusy(s)
		return
	}

	remaining := s.CreatedAt.Add(m.cfg.ConnectTimeout).Sub(m.clock.Now())
	if remaining <= 0 {
		log.Debug("Ignoring stale incoming call")
		m.handled.Add(s.ID, struct{}{})
		return
	}
	m.surface(s, remaining)
}

// replyBusy rejects a second incoming call while one is active. Both the
// row write and the signal are sent so either alone reaches the caller.
func (m *Machine) replyBusy(s call.Session) {
	m.handled.Add(s.ID, struct{}{})
	log := m.logger("replyBusy", s.ID).WithField("caller_id", s.CallerID)
	log.Info("Already in a call, replying busy")

	ctx, cancel := m.opContext()
	defer cancel()
	if _, err := m.writeStatus(ctx, s.ID, call.StatusBusy); err != nil {
		log.WithError(err).Warn("Failed to write busy status")
	}
	if err := m.sendSignal(ctx, s.ID, signal.TypeBusy, signal.Empty{}); err != nil {
		log.WithError(err).Warn("Failed to publish busy signal")
	}
}

// surface makes s the current call and rings the local user.
func (m *Machine) surface(s call.Session, remaining time.Duration) {
	ac := newActiveCall(s.Clone(), negotiation.RoleAnswerer)
	ac.rowCreated = true
	ac.queue = ice.NewQueue(s.ID)
	log := m.logger("surface", s.ID)

	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.subscribeCall(ctx, ac); err != nil {
		log.WithError(err).Warn("Failed to subscribe to incoming call")
		for _, sub := range ac.subs {
			_ = sub.Close()
		}
		m.cfg.Notifier.NotifyError(KindRelay, err)
		return
	}

	m.cur = ac
	m.armTimer(ac, remaining)
	m.setState(ac, StateRinging)
	log.WithField("caller_id", s.CallerID).Info("Incoming call")
	m.emit(IncomingCall{Session: ac.session.Clone()})
	m.cfg.Notifier.NotifyRinging(ac.session.Clone())

	// Signals sent before the subscription existed are only in the log.
	backlog, err := m.cfg.Store.ListSignals(ctx, s.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to load signal backlog")
		return
	}
	for _, sig := range backlog {
		if sig.SenderID == m.cfg.UserID {
			continue
		}
		m.onSignal(ac, sig)
	}
}

// onSessionRow applies a row event for the current call. Loop only.
func (m *Machine) onSessionRow(ac *activeCall, s call.Session) {
	if m.cur != ac || ac.cleaned || s.ID != ac.id {
		return
	}
	if err := call.ValidateTransition(ac.session.Status, s.Status); err != nil {
		m.logger("onSessionRow", ac.id).WithError(err).Debug("Ignoring stale row")
		return
	}
	ac.session = s.Clone()
	m.publishObservable()

	switch {
	case s.Status.IsTerminal():
		m.remoteEnd(ac, s.Status, reasonFor(s.Status))
	case s.Status == call.StatusConnected:
		m.markConnected(ac)
	}
}

func reasonFor(s call.Status) Reason {
	switch s {
	case call.StatusBusy:
		return ReasonBusy
	case call.StatusDeclined:
		return ReasonDeclined
	default:
		return ReasonRemoteHangup
	}
}

// onSignal dispatches one inbound signal for the current call. Loop only.
func (m *Machine) onSignal(ac *activeCall, sig signal.Signal) {
	if m.cur != ac || ac.cleaned || sig.CallID != ac.id {
		return
	}
	if _, dup := ac.seen[sig.ID]; dup {
		return
	}
	ac.seen[sig.ID] = struct{}{}

	switch sig.Type {
	case signal.TypeHangup, signal.TypeBusy:
		m.onRemoteHangup(ac, sig.Type)

	case signal.TypeICECandidate:
		if ac.engine == nil {
			c, _ := sig.Candidate()
			if err := ac.queue.Push(c); err != nil {
				m.logger("onSignal", ac.id).WithError(err).Debug("Dropping candidate")
			}
			return
		}
		_ = m.negotiate(ac, sig)

	case signal.TypeOffer:
		if ac.engine == nil || ac.answering {
			sd, _ := sig.SessionDescription()
			ac.pendingOffer = &sd
			return
		}
		_ = m.negotiate(ac, sig)

	case signal.TypeAnswer:
		if ac.engine == nil {
			return
		}
		if err := m.negotiate(ac, sig); err == nil && (ac.state == StatePending || ac.state == StateRinging) {
			m.setState(ac, StateConnecting)
		}

	case signal.TypeAudioStateChange:
		if st, ok := sig.Payload.(signal.AudioState); ok {
			ac.remote.audioMuted = st.Muted
		}
		m.emitRemoteMedia(ac, sig.Type)

	case signal.TypeVideoStateChange:
		if st, ok := sig.Payload.(signal.VideoState); ok {
			ac.remote.videoDisabled = st.Disabled
		}
		m.emitRemoteMedia(ac, sig.Type)

	case signal.TypeScreenShareStart:
		ac.remote.sharing = true
		m.emitRemoteMedia(ac, sig.Type)

	case signal.TypeScreenShareStop:
		ac.remote.sharing = false
		m.emitRemoteMedia(ac, sig.Type)
	}
}

func (m *Machine) emitRemoteMedia(ac *activeCall, change signal.Type) {
	m.emit(RemoteMediaChanged{
		ID:            ac.id,
		Change:        change,
		AudioMuted:    ac.remote.audioMuted,
		VideoDisabled: ac.remote.videoDisabled,
		ScreenSharing: ac.remote.sharing,
	})
}

// negotiate hands an offer, answer or candidate to the engine. Loop only.
func (m *Machine) negotiate(ac *activeCall, sig signal.Signal) error {
	ctx, cancel := m.opContext()
	defer cancel()

	err := ac.engine.HandleSignal(ctx, sig)
	log := m.logger("negotiate", ac.id).WithField("signal_type", sig.Type)
	switch {
	case err == nil:
	case errors.Is(err, negotiation.ErrUnexpectedSignal):
		log.WithError(err).Warn("Discarding unexpected signal")
	case errors.Is(err, negotiation.ErrClosed):
	default:
		log.WithError(err).Error("Failed to apply signal")
		m.cfg.Notifier.NotifyError(KindSignaling, err)
	}
	return err
}

// onRemoteHangup maps an explicit hangup or busy signal to a terminal
// status. Loop only.
func (m *Machine) onRemoteHangup(ac *activeCall, t signal.Type) {
	var status call.Status
	switch {
	case t == signal.TypeBusy:
		status = call.StatusBusy
	case ac.session.Status.IsTerminal():
		status = ac.session.Status
	case ac.everConnected:
		status = call.StatusEnded
	case ac.role == negotiation.RoleOfferer:
		status = call.StatusDeclined
	default:
		status = call.StatusMissed
	}
	m.remoteEnd(ac, status, reasonFor(status))
}

// onTransportState reacts to a connection state change of ac's transport.
// Loop only.
func (m *Machine) onTransportState(ac *activeCall, s negotiation.ConnectionState) {
	if m.cur != ac || ac.cleaned || ac.engine == nil {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()

	action, err := ac.engine.HandleConnectionState(ctx, s)
	log := m.logger("onTransportState", ac.id).WithField("state", s)
	if err != nil {
		log.WithError(err).Warn("Connection recovery failed")
	}

	switch action {
	case negotiation.ActionConnected:
		m.markConnected(ac)
	case negotiation.ActionUnstable:
		m.emit(ConnectionUnstable{ID: ac.id})
		cause := ErrConnectionUnstable
		if err != nil {
			cause = fmt.Errorf("%w: %w", ErrConnectionUnstable, err)
		}
		m.cfg.Notifier.NotifyError(KindUnstable, cause)
	case negotiation.ActionClosed:
		status := call.StatusEnded
		if !ac.everConnected {
			status = call.StatusMissed
		}
		m.finish(ctx, ac, endOpts{
			status: status,
			reason: ReasonTransportClosed,
			write:  true,
			hangup: true,
		})
	}
}

// onTimeout fires when ac has not connected in time. Loop only.
func (m *Machine) onTimeout(ac *activeCall) {
	if m.cur != ac || ac.cleaned || ac.everConnected {
		return
	}
	ac.timer = nil
	m.logger("onTimeout", ac.id).WithField("role", ac.role.String()).Warn("Call did not connect in time")

	ctx, cancel := m.opContext()
	defer cancel()
	if ac.role == negotiation.RoleOfferer {
		m.cfg.Notifier.NotifyError(KindTimeout, ErrConnectTimeout)
		m.finish(ctx, ac, endOpts{
			status:  call.StatusMissed,
			reason:  ReasonTimeout,
			write:   true,
			hangup:  true,
			message: true,
		})
		return
	}
	if ac.answering {
		m.cfg.Notifier.NotifyError(KindTimeout, ErrConnectTimeout)
	}
	m.finish(ctx, ac, endOpts{
		status: call.StatusMissed,
		reason: ReasonTimeout,
		write:  true,
	})
}
