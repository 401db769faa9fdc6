// Package store persists the call_sessions and call_signals tables.
//
// Sessions are written by both participants through UpdateStatus, which
// applies call.Session.Apply so the status rules hold whichever side writes.
// Signals are append-only; LatestSignal finds the most recent signal of a
// type, which is how the callee retrieves the offer when answering.
package store

import (
	"context"
	"errors"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/signal"
)

// Store errors.
var (
	// ErrSignalNotFound indicates no signal of the requested type exists.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrDuplicate indicates a row with the same id already exists.
	ErrDuplicate = errors.New("duplicate row")
)

// Store is the persistence used by the call engine.
type Store interface {
	CreateSession(ctx context.Context, s call.Session) error
	// GetSession returns call.ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (call.Session, error)
	// UpdateStatus applies u to the session and returns the stored row.
	UpdateStatus(ctx context.Context, id string, u call.Update) (call.Session, error)

	AppendSignal(ctx context.Context, sig signal.Signal) error
	// LatestSignal returns ErrSignalNotFound when no signal of type t exists.
	LatestSignal(ctx context.Context, callID string, t signal.Type) (signal.Signal, error)
	// ListSignals returns the negotiation log of a call in insertion order.
	ListSignals(ctx context.Context, callID string) ([]signal.Signal, error)

	Close() error
}
