package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]call.Session
	signals  map[string][]signal.Signal
	ids      map[string]struct{}
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]call.Session),
		signals:  make(map[string][]signal.Signal),
		ids:      make(map[string]struct{}),
	}
}

// CreateSession implements Store.
func (m *Memory) CreateSession(ctx context.Context, s call.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", ErrDuplicate, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// GetSession implements Store.
func (m *Memory) GetSession(ctx context.Context, id string) (call.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return call.Session{}, fmt.Errorf("%w: %s", call.ErrSessionNotFound, id)
	}
	return s.Clone(), nil
}

// UpdateStatus implements Store.
func (m *Memory) UpdateStatus(ctx context.Context, id string, u call.Update) (call.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return call.Session{}, fmt.Errorf("%w: %s", call.ErrSessionNotFound, id)
	}
	s = s.Clone()
	if err := s.Apply(u); err != nil {
		return call.Session{}, err
	}
	m.sessions[id] = s
	return s.Clone(), nil
}

// AppendSignal implements Store.
func (m *Memory) AppendSignal(ctx context.Context, sig signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sig.CallID]; !ok {
		return fmt.Errorf("%w: %s", call.ErrSessionNotFound, sig.CallID)
	}
	if _, ok := m.ids[sig.ID]; ok {
		return fmt.Errorf("%w: signal %s", ErrDuplicate, sig.ID)
	}
	m.ids[sig.ID] = struct{}{}
	m.signals[sig.CallID] = append(m.signals[sig.CallID], sig)
	return nil
}

// LatestSignal implements Store.
func (m *Memory) LatestSignal(ctx context.Context, callID string, t signal.Type) (signal.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.signals[callID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Type == t {
			return log[i], nil
		}
	}
	return signal.Signal{}, fmt.Errorf("%w: %s for call %s", ErrSignalNotFound, t, callID)
}

// ListSignals implements Store.
func (m *Memory) ListSignals(ctx context.Context, callID string) ([]signal.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]signal.Signal(nil), m.signals[callID]...), nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
