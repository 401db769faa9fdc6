package callsig

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/engine"
	"github.com/opd-ai/callsig/relay"
	"github.com/opd-ai/callsig/store"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, 45*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 2*time.Second, opts.QualityInterval)
	assert.Equal(t, StoreMemory, opts.StoreDriver)
	assert.Equal(t, "Chamada perdida", opts.MissedCallText)
	assert.Equal(t, "Chamada encerrada (%ds)", opts.EndedCallFormat)
	assert.Equal(t, 5.0, opts.Thresholds.BadPacketLoss)

	assert.ErrorIs(t, opts.Validate(), ErrInvalidOptions, "user id is required")
	opts.UserID = "alice"
	assert.NoError(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"zero timeout", func(o *Options) { o.ConnectTimeout = 0 }},
		{"zero interval", func(o *Options) { o.QualityInterval = -time.Second }},
		{"zero buffer", func(o *Options) { o.EventBuffer = 0 }},
		{"inverted loss thresholds", func(o *Options) { o.Thresholds.PoorPacketLoss = 10 }},
		{"inverted rtt thresholds", func(o *Options) { o.Thresholds.PoorRTT = time.Second }},
		{"format without verb", func(o *Options) { o.EndedCallFormat = "Chamada encerrada" }},
		{"sqlite without path", func(o *Options) { o.StoreDriver = StoreSQLite }},
		{"postgres without dsn", func(o *Options) { o.StoreDriver = StorePostgres }},
		{"unknown driver", func(o *Options) { o.StoreDriver = "mongo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			opts.UserID = "alice"
			tt.modify(opts)
			assert.ErrorIs(t, opts.Validate(), ErrInvalidOptions)
		})
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	opts := NewOptions()
	opts.StoreDriver = StoreSQLite
	opts.StoreDSN = filepath.Join(t.TempDir(), "calls.db")

	s, err := OpenStore(context.Background(), opts)
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*store.SQL)
	assert.True(t, ok)
}

func TestOpenRelayDefaultsToMemory(t *testing.T) {
	r, err := OpenRelay(context.Background(), NewOptions())
	require.NoError(t, err)
	defer r.Close()
	_, ok := r.(*relay.Memory)
	assert.True(t, ok)
}

func nextEvent[T engine.Event](t *testing.T, events <-chan engine.Event) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if e, ok := ev.(T); ok {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// TestClientsCallOverPion runs a call between two clients sharing an
// in-process store and relay, with real pion transports on loopback.
func TestClientsCallOverPion(t *testing.T) {
	ctx := context.Background()
	backend := Backend{Store: store.NewMemory(), Relay: relay.NewMemory()}

	newClient := func(id string) *Client {
		opts := NewOptions()
		opts.UserID = id
		opts.ICEServers = nil
		opts.LoopbackOnly = true
		c, err := New(ctx, opts, backend)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}
	alice, bob := newClient("alice"), newClient("bob")

	s, err := alice.Call(ctx, "conv-1", "bob", call.TypeVideo)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, s.Status)

	incoming := nextEvent[engine.IncomingCall](t, bob.Events())
	assert.Equal(t, s.ID, incoming.Session.ID)
	assert.Equal(t, engine.StateRinging, bob.State())

	answered, err := bob.Answer(ctx)
	require.NoError(t, err)
	assert.Equal(t, call.StatusConnected, answered.Status)
	require.NotNil(t, answered.StartedAt)

	nextEvent[engine.CallConnected](t, alice.Events())
	active, ok := alice.ActiveCall()
	require.True(t, ok)
	assert.Equal(t, s.ID, active.ID)

	require.NoError(t, bob.Hangup(ctx))
	assert.Equal(t, call.StatusEnded, nextEvent[engine.CallEnded](t, alice.Events()).Status)
	assert.Equal(t, engine.StateIdle, alice.State())

	row, err := backend.Store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, call.StatusEnded, row.Status)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	opts := NewOptions()
	opts.UserID = "carol"
	c, err := New(context.Background(), opts, Backend{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, open := <-c.Events()
	assert.False(t, open)
}
