// Package relay is the asynchronous publish/subscribe transport between the
// two participants of a call.
//
// Three streams exist per the subscription contract:
//   - signals for one call, filtered by call id
//   - row updates of one session, filtered by session id
//   - inserts and updates of sessions addressed to one callee
//
// Every subscription delivers in publish order on its own goroutine.
// Guard wraps a Relay with the reflection guard and payload validation so
// consumers never see their own signals or malformed ones.
package relay

import (
	"context"
	"errors"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// ErrClosed is returned when publishing or subscribing on a closed relay.
var ErrClosed = errors.New("relay closed")

// Subscription is an active relay subscription.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// Relay publishes and subscribes to call signals and session row events.
type Relay interface {
	PublishSignal(ctx context.Context, sig signal.Signal) error
	PublishSession(ctx context.Context, s call.Session) error

	SubscribeSignals(ctx context.Context, callID string, fn func(signal.Signal)) (Subscription, error)
	SubscribeSession(ctx context.Context, callID string, fn func(call.Session)) (Subscription, error)
	SubscribeIncoming(ctx context.Context, calleeID string, fn func(call.Session)) (Subscription, error)
}

// Channel names shared by every implementation.
func signalChannel(callID string) string     { return "call_signals:" + callID }
func sessionChannel(callID string) string    { return "call_sessions:" + callID }
func incomingChannel(calleeID string) string { return "call_sessions:callee:" + calleeID }

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close implements Subscription.
func (f SubscriptionFunc) Close() error { return f() }
