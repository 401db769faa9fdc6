package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/negotiation"
	"github.com/opd-ai/callsig/signal"
	"github.com/opd-ai/callsig/store"
)

func newActiveCall(s call.Session, role negotiation.Role) *activeCall {
	return &activeCall{
		id:      s.ID,
		role:    role,
		session: s,
		seen:    make(map[string]struct{}),
	}
}

// StartCall places a call to calleeID in the given conversation.
//
// The call is created in pending, the offer is published and the session
// moves to ringing before StartCall returns. The connect timeout starts at
// offer publication.
func (m *Machine) StartCall(ctx context.Context, conversationID, calleeID string, callType call.Type) (call.Session, error) {
	if calleeID == "" || calleeID == m.cfg.UserID {
		return call.Session{}, fmt.Errorf("%w: %q", ErrInvalidCallee, calleeID)
	}
	if !callType.Valid() {
		return call.Session{}, fmt.Errorf("%w: unknown call type %q", call.ErrInvalidSession, callType)
	}

	ac := newActiveCall(call.Session{
		ID:             uuid.NewString(),
		CallerID:       m.cfg.UserID,
		CalleeID:       calleeID,
		ConversationID: conversationID,
		Type:           callType,
		Status:         call.StatusPending,
		CreatedAt:      m.clock.Now(),
	}, negotiation.RoleOfferer)
	log := m.logger("StartCall", ac.id).WithField("callee_id", calleeID)

	var busy error
	if err := m.exec(func() {
		if m.cur != nil {
			busy = ErrCallInProgress
			return
		}
		m.cur = ac
		m.setState(ac, StatePending)
	}); err != nil {
		return call.Session{}, err
	}
	if busy != nil {
		return call.Session{}, busy
	}
	log.Info("Starting call")

	stream, err := media.Acquire(ctx, m.cfg.Media, callType)
	if err != nil {
		log.WithError(err).Warn("Local media unavailable, aborting call")
		_ = m.within(ac, func() error {
			m.cfg.Notifier.NotifyError(mediaErrorKind(err), err)
			m.cleanup(ac, call.StatusMissed, ReasonMediaFailed)
			return nil
		})
		return call.Session{}, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if err := m.within(ac, func() error {
		ac.stream = stream
		return nil
	}); err != nil {
		stream.Stop()
		return call.Session{}, err
	}

	if err := m.cfg.Store.CreateSession(ctx, ac.session); err != nil {
		err = fmt.Errorf("%w: create session: %w", ErrStorage, err)
		m.abortSetup(ac, err)
		return call.Session{}, err
	}
	if err := m.within(ac, func() error {
		ac.rowCreated = true
		return nil
	}); err != nil {
		m.finalizeOrphan(ac.id)
		return call.Session{}, err
	}
	// Subscribe before announcing the call so a fast busy reply is not lost.
	var engine *negotiation.Engine
	if err := m.within(ac, func() error {
		if err := m.subscribeCall(ctx, ac); err != nil {
			return err
		}
		if err := m.newEngine(ac); err != nil {
			return err
		}
		engine = ac.engine
		return nil
	}); err != nil {
		if !errors.Is(err, ErrCallAborted) {
			m.abortSetup(ac, err)
		}
		return call.Session{}, err
	}
	if err := m.relay.PublishSession(ctx, ac.session); err != nil {
		err = fmt.Errorf("%w: publish session: %w", ErrRelay, err)
		m.abortSetup(ac, err)
		return call.Session{}, err
	}

	if _, err := engine.Offer(ctx); err != nil {
		if errors.Is(err, negotiation.ErrClosed) {
			return call.Session{}, ErrCallAborted
		}
		log.WithError(err).Error("Failed to publish offer")
		m.abortSetup(ac, err)
		return call.Session{}, err
	}
	if err := m.within(ac, func() error {
		if !ac.everConnected {
			m.armTimer(ac, m.cfg.ConnectTimeout)
		}
		return nil
	}); err != nil {
		return call.Session{}, err
	}

	row, err := m.writeStatus(ctx, ac.id, call.StatusRinging)
	switch {
	case err == nil:
	case errors.Is(err, call.ErrTerminalStatus), errors.Is(err, call.ErrBackwardTransition):
		log.WithError(err).Debug("Ringing write superseded")
		if cur, gerr := m.cfg.Store.GetSession(ctx, ac.id); gerr == nil {
			m.post(func() { m.onSessionRow(ac, cur) })
		}
	default:
		log.WithError(err).Warn("Failed to write ringing status")
	}

	var out call.Session
	if err := m.within(ac, func() error {
		if row.ID != "" && row.Status == call.StatusRinging && ac.session.Status == call.StatusPending {
			ac.session = row
		}
		if ac.state == StatePending {
			m.setState(ac, StateRinging)
			m.emit(CallRinging{Session: ac.session.Clone()})
			m.cfg.Notifier.NotifyConnecting(ac.id)
		}
		out = ac.session.Clone()
		return nil
	}); err != nil {
		return call.Session{}, err
	}
	log.Info("Call ringing")
	return out, nil
}

// abortSetup ends a call whose setup failed after the session row may have
// been written.
func (m *Machine) abortSetup(ac *activeCall, err error) {
	_ = m.within(ac, func() error {
		m.notifyFailure(err)
		ctx, cancel := m.opContext()
		defer cancel()
		m.finish(ctx, ac, endOpts{
			status: call.StatusMissed,
			reason: ReasonError,
			write:  true,
			hangup: true,
		})
		return nil
	})
}

// finalizeOrphan closes a row created after its call was torn down.
func (m *Machine) finalizeOrphan(callID string) {
	ctx, cancel := m.opContext()
	defer cancel()
	row, err := m.cfg.Store.GetSession(ctx, callID)
	if err != nil || row.Status.IsTerminal() {
		return
	}
	if _, err := m.writeStatus(ctx, callID, call.StatusMissed); err != nil {
		m.logger("finalizeOrphan", callID).WithError(err).Warn("Failed to finalize orphan session")
	}
}

// AnswerCall accepts the surfaced incoming call.
func (m *Machine) AnswerCall(ctx context.Context) (call.Session, error) {
	var ac *activeCall
	if err := m.exec(func() {
		cur := m.cur
		if cur == nil || cur.role != negotiation.RoleAnswerer || cur.state != StateRinging || cur.answering {
			return
		}
		ac = cur
		ac.answering = true
	}); err != nil {
		return call.Session{}, err
	}
	if ac == nil {
		return call.Session{}, ErrNotRinging
	}
	log := m.logger("AnswerCall", ac.id)

	offer, err := m.loadOffer(ctx, ac)
	if err != nil {
		_ = m.within(ac, func() error {
			ac.answering = false
			return nil
		})
		return call.Session{}, err
	}
	if err := m.within(ac, func() error {
		m.setState(ac, StateConnecting)
		m.cfg.Notifier.NotifyRingingStopped(ac.id)
		m.cfg.Notifier.NotifyConnecting(ac.id)
		return nil
	}); err != nil {
		return call.Session{}, err
	}

	stream, err := media.Acquire(ctx, m.cfg.Media, ac.session.Type)
	if err != nil {
		log.WithError(err).Warn("Local media unavailable, rejecting call")
		_ = m.within(ac, func() error {
			m.cfg.Notifier.NotifyError(mediaErrorKind(err), err)
			m.finish(ctx, ac, endOpts{
				status: call.StatusMissed,
				reason: ReasonMediaFailed,
				write:  true,
				hangup: true,
			})
			return nil
		})
		return call.Session{}, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}

	var engine *negotiation.Engine
	if err := m.within(ac, func() error {
		ac.stream = stream
		if err := m.newEngine(ac); err != nil {
			return err
		}
		engine = ac.engine
		return nil
	}); err != nil {
		if errors.Is(err, ErrCallAborted) || errors.Is(err, ErrMachineClosed) {
			stream.Stop()
			return call.Session{}, err
		}
		m.abortSetup(ac, err)
		return call.Session{}, err
	}

	if _, err := engine.Answer(ctx, offer); err != nil {
		if errors.Is(err, negotiation.ErrClosed) {
			return call.Session{}, ErrCallAborted
		}
		log.WithError(err).Error("Failed to answer offer")
		m.abortSetup(ac, err)
		return call.Session{}, err
	}

	row, werr := m.writeStatus(ctx, ac.id, call.StatusConnected)
	if werr != nil {
		log.WithError(werr).Warn("Failed to write connected status")
	}

	var out call.Session
	if err := m.within(ac, func() error {
		if werr != nil && !errors.Is(werr, call.ErrTerminalStatus) {
			m.notifyFailure(werr)
		}
		if row.ID != "" && !ac.session.Status.IsTerminal() {
			ac.session = row
		}
		ac.answering = false
		m.markConnected(ac)
		m.answerStashedOffer(ac, offer)
		out = ac.session.Clone()
		return nil
	}); err != nil {
		return call.Session{}, err
	}
	return out, nil
}

// loadOffer returns the most recent offer of the call, preferring the
// persisted log over the copy received on the relay.
func (m *Machine) loadOffer(ctx context.Context, ac *activeCall) (signal.SessionDescription, error) {
	sig, err := m.cfg.Store.LatestSignal(ctx, ac.id, signal.TypeOffer)
	if err == nil {
		if sd, ok := sig.SessionDescription(); ok {
			return sd, nil
		}
	} else if !errors.Is(err, store.ErrSignalNotFound) {
		m.logger("loadOffer", ac.id).WithError(err).Warn("Failed to load offer from store")
	}

	var (
		sd    signal.SessionDescription
		found bool
	)
	if err := m.within(ac, func() error {
		if ac.pendingOffer != nil {
			sd, found = *ac.pendingOffer, true
		}
		return nil
	}); err != nil {
		return signal.SessionDescription{}, err
	}
	if !found {
		return signal.SessionDescription{}, ErrOfferNotFound
	}
	return sd, nil
}

// answerStashedOffer handles an offer that arrived while the answer was
// being created. Loop only.
func (m *Machine) answerStashedOffer(ac *activeCall, answered signal.SessionDescription) {
	stashed := ac.pendingOffer
	ac.pendingOffer = nil
	if stashed == nil || stashed.SDP == answered.SDP || ac.engine == nil {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()
	if _, err := ac.engine.Answer(ctx, *stashed); err != nil {
		m.logger("answerStashedOffer", ac.id).WithError(err).Warn("Failed to answer renegotiation offer")
	}
}

// DeclineCall rejects the surfaced incoming call.
func (m *Machine) DeclineCall(ctx context.Context) error {
	found := false
	if err := m.exec(func() {
		ac := m.cur
		if ac == nil || ac.role != negotiation.RoleAnswerer || ac.everConnected {
			return
		}
		found = true
		m.logger("DeclineCall", ac.id).Info("Declining call")
		m.finish(ctx, ac, endOpts{
			status: call.StatusDeclined,
			reason: ReasonDeclined,
			write:  true,
			hangup: true,
		})
	}); err != nil {
		return err
	}
	if !found {
		return ErrNotRinging
	}
	return nil
}

// EndCall hangs up the current call on either side. A call that never
// connected ends as missed, everything else as ended. Use DeclineCall to
// reject a ringing incoming call.
func (m *Machine) EndCall(ctx context.Context) error {
	found := false
	if err := m.exec(func() {
		ac := m.cur
		if ac == nil {
			return
		}
		found = true
		m.endLocally(ctx, ac, ReasonLocalHangup)
	}); err != nil {
		return err
	}
	if !found {
		return ErrNoActiveCall
	}
	return nil
}

// endLocally terminates ac as ended or missed. Loop only.
func (m *Machine) endLocally(ctx context.Context, ac *activeCall, reason Reason) {
	status := call.StatusEnded
	if !ac.everConnected && (ac.session.Status == call.StatusPending || ac.session.Status == call.StatusRinging) {
		status = call.StatusMissed
	}
	m.logger("endLocally", ac.id).WithFields(logrus.Fields{
		"status": status,
		"reason": reason,
	}).Info("Ending call")
	m.finish(ctx, ac, endOpts{
		status:  status,
		reason:  reason,
		write:   true,
		hangup:  true,
		message: true,
	})
}

// ToggleAudio mutes or unmutes the microphone and tells the peer. It
// returns the new muted state.
func (m *Machine) ToggleAudio(ctx context.Context) (bool, error) {
	var (
		cur   *activeCall
		muted bool
		err   error
	)
	if xerr := m.exec(func() {
		ac := m.cur
		if ac == nil || ac.stream == nil {
			err = ErrNoActiveCall
			return
		}
		track := ac.stream.Audio()
		if track == nil {
			err = ErrMediaUnavailable
			return
		}
		track.SetEnabled(!track.Enabled())
		ac.audioMuted = !track.Enabled()
		cur, muted = ac, ac.audioMuted
	}); xerr != nil {
		return false, xerr
	}
	if err != nil {
		return false, err
	}
	if err := m.sendWhileActive(ctx, cur, signal.TypeAudioStateChange, signal.AudioState{Muted: muted}); err != nil {
		return muted, err
	}
	return muted, nil
}

// ToggleVideo disables or re-enables the camera and tells the peer. It
// returns the new disabled state.
func (m *Machine) ToggleVideo(ctx context.Context) (bool, error) {
	var (
		cur      *activeCall
		disabled bool
		err      error
	)
	if xerr := m.exec(func() {
		ac := m.cur
		if ac == nil || ac.stream == nil {
			err = ErrNoActiveCall
			return
		}
		track := ac.stream.Video()
		if track == nil {
			err = ErrNoVideoTrack
			return
		}
		track.SetEnabled(!track.Enabled())
		ac.videoDisabled = !track.Enabled()
		cur, disabled = ac, ac.videoDisabled
	}); xerr != nil {
		return false, xerr
	}
	if err != nil {
		return false, err
	}
	if err := m.sendWhileActive(ctx, cur, signal.TypeVideoStateChange, signal.VideoState{Disabled: disabled}); err != nil {
		return disabled, err
	}
	return disabled, nil
}

// StartScreenShare replaces the outbound camera track with a display
// capture. Audio-only calls fail with negotiation.ErrNoVideoSender.
func (m *Machine) StartScreenShare(ctx context.Context) error {
	var (
		ac  *activeCall
		err error
	)
	if xerr := m.exec(func() {
		cur := m.cur
		switch {
		case cur == nil || cur.engine == nil:
			err = ErrNoActiveCall
		case cur.sharing:
			err = ErrAlreadySharing
		case !cur.engine.HasVideoSender():
			err = negotiation.ErrNoVideoSender
		default:
			cur.sharing = true
			ac = cur
		}
	}); xerr != nil {
		return xerr
	}
	if err != nil {
		return err
	}

	screen, err := m.cfg.Media.GetDisplayMedia(ctx)
	if err == nil && screen.Video() == nil {
		screen.Stop()
		err = media.ErrNoDisplay
	}
	if err != nil {
		_ = m.within(ac, func() error {
			ac.sharing = false
			return nil
		})
		return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}

	if err := m.within(ac, func() error {
		if err := ac.engine.ReplaceVideoTrack(screen.Video()); err != nil {
			ac.sharing = false
			return err
		}
		ac.screen = screen
		return nil
	}); err != nil {
		screen.Stop()
		return err
	}

	m.logger("StartScreenShare", ac.id).Info("Screen sharing started")
	return m.sendWhileActive(ctx, ac, signal.TypeScreenShareStart, signal.Empty{})
}

// StopScreenShare restores the camera track, if any, and stops the display
// capture.
func (m *Machine) StopScreenShare(ctx context.Context) error {
	var (
		cur *activeCall
		err error
	)
	if xerr := m.exec(func() {
		ac := m.cur
		switch {
		case ac == nil || ac.engine == nil:
			err = ErrNoActiveCall
			return
		case !ac.sharing:
			err = ErrNotSharing
			return
		}
		if rerr := ac.engine.ReplaceVideoTrack(ac.stream.Video()); rerr != nil {
			m.logger("StopScreenShare", ac.id).WithError(rerr).Warn("Failed to restore camera track")
		}
		ac.screen.Stop()
		ac.screen = nil
		ac.sharing = false
		cur = ac
	}); xerr != nil {
		return xerr
	}
	if err != nil {
		return err
	}

	m.logger("StopScreenShare", cur.id).Info("Screen sharing stopped")
	return m.sendWhileActive(ctx, cur, signal.TypeScreenShareStop, signal.Empty{})
}
