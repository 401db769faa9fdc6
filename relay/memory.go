package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// Memory is an in-process Relay. Each subscriber owns an unbounded FIFO
// drained by one goroutine, so publishers never block on slow consumers and
// order is kept per subscriber.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[*memSub]struct{}
	drop   func(signal.Signal) bool
	closed bool
}

// NewMemory returns an empty in-process relay.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memSub]struct{})}
}

// DropSignals installs a filter that silently loses matching signals,
// simulating relay message loss. nil removes the filter.
func (m *Memory) DropSignals(fn func(signal.Signal) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = fn
}

// PublishSignal implements Relay.
func (m *Memory) PublishSignal(ctx context.Context, sig signal.Signal) error {
	m.mu.Lock()
	drop := m.drop
	m.mu.Unlock()
	if drop != nil && drop(sig) {
		logrus.WithFields(logrus.Fields{
			"function":    "PublishSignal",
			"call_id":     sig.CallID,
			"signal_type": sig.Type,
		}).Debug("Dropping signal")
		return nil
	}
	return m.publish(signalChannel(sig.CallID), sig)
}

// PublishSession implements Relay. The row event reaches both the
// per-session and the per-callee subscribers.
func (m *Memory) PublishSession(ctx context.Context, s call.Session) error {
	row := s.Clone()
	if err := m.publish(sessionChannel(s.ID), row); err != nil {
		return err
	}
	return m.publish(incomingChannel(s.CalleeID), row)
}

// SubscribeSignals implements Relay.
func (m *Memory) SubscribeSignals(ctx context.Context, callID string, fn func(signal.Signal)) (Subscription, error) {
	return m.subscribe(signalChannel(callID), func(v any) { fn(v.(signal.Signal)) })
}

// SubscribeSession implements Relay.
func (m *Memory) SubscribeSession(ctx context.Context, callID string, fn func(call.Session)) (Subscription, error) {
	return m.subscribe(sessionChannel(callID), func(v any) { fn(v.(call.Session).Clone()) })
}

// SubscribeIncoming implements Relay.
func (m *Memory) SubscribeIncoming(ctx context.Context, calleeID string, fn func(call.Session)) (Subscription, error) {
	return m.subscribe(incomingChannel(calleeID), func(v any) { fn(v.(call.Session).Clone()) })
}

// Close stops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memSub
	for _, set := range m.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.topics = make(map[string]map[*memSub]struct{})
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

// Subscribers returns the number of live subscriptions on a topic family,
// used to verify that cleanup unsubscribes.
func (m *Memory) Subscribers(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[signalChannel(callID)]) + len(m.topics[sessionChannel(callID)])
}

func (m *Memory) publish(topic string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.topics[topic] {
		s.enqueue(v)
	}
	return nil
}

func (m *Memory) subscribe(topic string, deliver func(any)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := &memSub{deliver: deliver, wake: make(chan struct{}, 1), done: make(chan struct{})}
	set := m.topics[topic]
	if set == nil {
		set = make(map[*memSub]struct{})
		m.topics[topic] = set
	}
	set[s] = struct{}{}
	go s.run()

	logrus.WithFields(logrus.Fields{
		"function": "subscribe",
		"topic":    topic,
	}).Debug("Relay subscription opened")

	return SubscriptionFunc(func() error {
		m.mu.Lock()
		if set, ok := m.topics[topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(m.topics, topic)
			}
		}
		m.mu.Unlock()
		s.stop()
		return nil
	}), nil
}

type memSub struct {
	deliver func(any)

	mu      sync.Mutex
	pending []any
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *memSub) enqueue(v any) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.pending = nil
	close(s.done)
}

func (s *memSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			s.deliver(v)
		}
	}
}
