// Package ice buffers remote ICE candidates that arrive before the local
// negotiation state can accept them.
//
// A Queue is a FIFO that is drained exactly once: Drain hands back every
// buffered candidate in arrival order and marks the queue drained, after
// which Push refuses new entries so the caller applies them directly.
package ice

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/signal"
)

// ErrDrained is returned by Push and Drain once the queue has been drained.
var ErrDrained = errors.New("candidate queue already drained")

// Queue holds candidates in arrival order until the remote description is
// applied.
type Queue struct {
	mu      sync.Mutex
	callID  string
	items   []signal.Candidate
	drained bool
}

// NewQueue returns an empty queue for the given call.
func NewQueue(callID string) *Queue {
	return &Queue{callID: callID}
}

// CallID returns the call the queue belongs to.
func (q *Queue) CallID() string {
	return q.callID
}

// Push appends a candidate. It fails with ErrDrained once Drain has run.
func (q *Queue) Push(c signal.Candidate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return ErrDrained
	}
	q.items = append(q.items, c)

	logrus.WithFields(logrus.Fields{
		"function": "Push",
		"call_id":  q.callID,
		"queued":   len(q.items),
	}).Debug("Buffered remote ICE candidate")
	return nil
}

// Drain returns the buffered candidates in arrival order and marks the queue
// drained. A second call returns ErrDrained and no candidates.
func (q *Queue) Drain() ([]signal.Candidate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return nil, ErrDrained
	}
	q.drained = true
	out := q.items
	q.items = nil

	logrus.WithFields(logrus.Fields{
		"function": "Drain",
		"call_id":  q.callID,
		"count":    len(out),
	}).Debug("Draining buffered ICE candidates")
	return out, nil
}

// Drained reports whether Drain has already run.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Len returns the number of buffered candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every buffered candidate and resets the drained flag.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.drained = false
}
