package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// endOpts describes the side effects of a locally decided terminal
// transition.
type endOpts struct {
	status  call.Status
	reason  Reason
	write   bool
	hangup  bool
	message bool
}

// finish writes the terminal status, tells the peer, appends the
// conversation message and runs cleanup. Loop only.
func (m *Machine) finish(ctx context.Context, ac *activeCall, o endOpts) {
	if ac.cleaned {
		return
	}
	log := m.logger("finish", ac.id).WithFields(logrus.Fields{
		"status": o.status,
		"reason": o.reason,
	})

	row := ac.session.Clone()
	written := false
	if o.write && ac.rowCreated {
		updated, err := m.writeStatus(ctx, ac.id, o.status)
		if err != nil {
			log.WithError(err).Warn("Failed to write terminal status")
		}
		if updated.ID != "" {
			row, written = updated, true
		}
	}
	if !written {
		_ = row.Apply(call.Update{Status: o.status, At: m.clock.Now()})
	}
	ac.session = row

	if o.hangup && ac.rowCreated {
		if err := m.sendSignal(ctx, ac.id, signal.TypeHangup, signal.Empty{}); err != nil {
			log.WithError(err).Warn("Failed to publish hangup")
		}
	}
	if o.message {
		m.appendCallMessage(ctx, row)
	}
	m.cleanup(ac, o.status, o.reason)
}

// appendCallMessage adds the missed or ended system message to the call's
// conversation.
func (m *Machine) appendCallMessage(ctx context.Context, row call.Session) {
	if m.cfg.Conversation == nil || row.ConversationID == "" {
		return
	}
	var text string
	switch row.Status {
	case call.StatusMissed:
		text = m.cfg.MissedCallText
	case call.StatusEnded:
		secs := int(row.Duration(m.clock.Now()) / time.Second)
		text = fmt.Sprintf(m.cfg.EndedCallFormat, secs)
	default:
		return
	}
	if err := m.cfg.Conversation.AppendSystemMessage(ctx, row.ConversationID, text); err != nil {
		m.logger("appendCallMessage", row.ID).WithError(err).Warn("Failed to append call message")
	}
}

// remoteEnd applies a terminal status decided by the peer. Nothing is
// written or published. Loop only.
func (m *Machine) remoteEnd(ac *activeCall, status call.Status, reason Reason) {
	if ac.cleaned {
		return
	}
	if ac.session.Status != status {
		_ = ac.session.Apply(call.Update{Status: status, At: m.clock.Now()})
	}
	m.logger("remoteEnd", ac.id).WithFields(logrus.Fields{
		"status": status,
		"reason": reason,
	}).Info("Call ended by peer")
	m.cleanup(ac, status, reason)
}

// cleanup releases every resource of ac and resets the machine to idle.
// It runs at most once per call and tolerates resources that were never
// allocated. Loop only.
func (m *Machine) cleanup(ac *activeCall, status call.Status, reason Reason) {
	if ac.cleaned {
		return
	}
	ac.cleaned = true
	log := m.logger("cleanup", ac.id)

	ac.stream.Stop()
	ac.screen.Stop()

	if ac.engine != nil {
		if err := ac.engine.Close(); err != nil {
			log.WithError(err).Warn("Failed to close transport")
		}
	}

	for _, sub := range ac.subs {
		if err := sub.Close(); err != nil {
			log.WithError(err).Debug("Failed to close subscription")
		}
	}
	ac.subs = nil

	if ac.monitor != nil {
		ac.monitor.Stop()
	}

	if ac.timer != nil {
		ac.timer.Stop()
		ac.timer = nil
	}

	if ac.queue != nil {
		ac.queue.Clear()
	}
	ac.pendingOffer = nil
	ac.answering = false
	ac.sharing = false

	ac.state = stateFor(status)
	if m.cur == ac {
		m.cur = nil
	}
	m.handled.Add(ac.id, struct{}{})
	m.publishObservable()

	m.cfg.Notifier.NotifyRingingStopped(ac.id)
	if status == call.StatusBusy {
		m.cfg.Notifier.NotifyBusy(ac.id)
	} else {
		m.cfg.Notifier.NotifyEnded(ac.id, status)
	}

	log.WithFields(logrus.Fields{
		"status": status,
		"reason": reason,
	}).Info("Call cleaned up")
	m.emit(CallEnded{
		ID:       ac.id,
		Status:   status,
		Reason:   reason,
		Duration: ac.session.Duration(m.clock.Now()),
	})
}

func stateFor(s call.Status) State {
	switch s {
	case call.StatusEnded:
		return StateEnded
	case call.StatusDeclined:
		return StateDeclined
	case call.StatusBusy:
		return StateBusy
	default:
		return StateMissed
	}
}
