package relay

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// Guarded is a Relay seen through the eyes of one participant.
type Guarded struct {
	next   Relay
	selfID string
}

// Guard wraps r so that subscribers never receive signals sent by selfID
// and every signal crossing the boundary is validated. Incoming-session
// events are restricted to sessions addressed to selfID.
func Guard(r Relay, selfID string) *Guarded {
	return &Guarded{next: r, selfID: selfID}
}

// SelfID returns the participant the guard filters for.
func (g *Guarded) SelfID() string { return g.selfID }

// PublishSignal validates sig before handing it to the relay.
func (g *Guarded) PublishSignal(ctx context.Context, sig signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.SenderID != g.selfID {
		return fmt.Errorf("%w: sender %q is not %q", signal.ErrInvalidSignal, sig.SenderID, g.selfID)
	}
	return g.next.PublishSignal(ctx, sig)
}

// PublishSession validates the row before publishing it.
func (g *Guarded) PublishSession(ctx context.Context, s call.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return g.next.PublishSession(ctx, s)
}

// SubscribeSignals delivers only valid signals from the other participant.
func (g *Guarded) SubscribeSignals(ctx context.Context, callID string, fn func(signal.Signal)) (Subscription, error) {
	return g.next.SubscribeSignals(ctx, callID, func(sig signal.Signal) {
		if sig.SenderID == g.selfID {
			return
		}
		if sig.CallID != callID {
			return
		}
		if err := sig.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "SubscribeSignals",
				"call_id":     callID,
				"signal_type": sig.Type,
				"error":       err.Error(),
			}).Warn("Discarding invalid signal")
			return
		}
		fn(sig)
	})
}

// SubscribeSession delivers valid row events for callID.
func (g *Guarded) SubscribeSession(ctx context.Context, callID string, fn func(call.Session)) (Subscription, error) {
	return g.next.SubscribeSession(ctx, callID, func(s call.Session) {
		if s.ID != callID || s.Validate() != nil {
			return
		}
		fn(s)
	})
}

// SubscribeIncoming delivers valid sessions addressed to this participant.
func (g *Guarded) SubscribeIncoming(ctx context.Context, calleeID string, fn func(call.Session)) (Subscription, error) {
	if calleeID != g.selfID {
		return nil, fmt.Errorf("subscribe incoming for %q as %q: %w", calleeID, g.selfID, call.ErrInvalidSession)
	}
	return g.next.SubscribeIncoming(ctx, calleeID, func(s call.Session) {
		if s.CalleeID != g.selfID || s.Validate() != nil {
			return
		}
		fn(s)
	})
}
