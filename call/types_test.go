package call

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return &Session{
		ID:             "call-1",
		CallerID:       "alice",
		CalleeID:       "bob",
		ConversationID: "conv-1",
		Type:           TypeVideo,
		Status:         StatusPending,
		CreatedAt:      time.Unix(1700000000, 0),
	}
}

// TestStatusIsTerminal verifies the terminal set.
func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRinging, false},
		{StatusConnected, false},
		{StatusEnded, true},
		{StatusMissed, true},
		{StatusDeclined, true},
		{StatusBusy, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), "status %s", tt.status)
	}
}

// TestValidateTransition covers forward, backward and terminal moves.
func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr error
	}{
		{"pending to ringing", StatusPending, StatusRinging, nil},
		{"ringing to connected", StatusRinging, StatusConnected, nil},
		{"pending to connected", StatusPending, StatusConnected, nil},
		{"same status", StatusRinging, StatusRinging, nil},
		{"ringing to missed", StatusRinging, StatusMissed, nil},
		{"pending to busy", StatusPending, StatusBusy, nil},
		{"connected to ended", StatusConnected, StatusEnded, nil},
		{"terminal to terminal", StatusMissed, StatusDeclined, nil},
		{"connected back to ringing", StatusConnected, StatusRinging, ErrBackwardTransition},
		{"ringing back to pending", StatusRinging, StatusPending, ErrBackwardTransition},
		{"ended to connected", StatusEnded, StatusConnected, ErrTerminalStatus},
		{"busy to ringing", StatusBusy, StatusRinging, ErrTerminalStatus},
		{"unknown status", Status("paused"), StatusEnded, ErrUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

// TestApplyStartedAtOnce verifies StartedAt is stamped by the first connect only.
func TestApplyStartedAtOnce(t *testing.T) {
	s := newTestSession()
	first := time.Unix(1700000010, 0)
	second := time.Unix(1700000020, 0)

	require.NoError(t, s.Apply(Update{Status: StatusRinging, At: first}))
	assert.Nil(t, s.StartedAt)

	require.NoError(t, s.Apply(Update{Status: StatusConnected, At: first}))
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, first, *s.StartedAt)

	require.NoError(t, s.Apply(Update{Status: StatusConnected, At: second}))
	assert.Equal(t, first, *s.StartedAt, "StartedAt must not be overwritten")
}

// TestApplyTerminalIsFinal verifies a terminal session cannot reopen.
func TestApplyTerminalIsFinal(t *testing.T) {
	s := newTestSession()
	at := time.Unix(1700000030, 0)

	require.NoError(t, s.Apply(Update{Status: StatusMissed, At: at}))
	require.NotNil(t, s.EndedAt)

	err := s.Apply(Update{Status: StatusRinging, At: at.Add(time.Second)})
	assert.ErrorIs(t, err, ErrTerminalStatus)
	assert.Equal(t, StatusMissed, s.Status)

	// last write wins between terminal statuses
	later := at.Add(2 * time.Second)
	require.NoError(t, s.Apply(Update{Status: StatusDeclined, At: later}))
	assert.Equal(t, StatusDeclined, s.Status)
	assert.Equal(t, later, *s.EndedAt)
}

// TestSessionValidate rejects incomplete rows.
func TestSessionValidate(t *testing.T) {
	s := newTestSession()
	assert.NoError(t, s.Validate())

	s.CalleeID = s.CallerID
	assert.ErrorIs(t, s.Validate(), ErrInvalidSession)

	s = newTestSession()
	s.Type = Type("hologram")
	assert.ErrorIs(t, s.Validate(), ErrInvalidSession)
}

// TestSessionDuration measures connected time only.
func TestSessionDuration(t *testing.T) {
	s := newTestSession()
	now := time.Unix(1700000100, 0)
	assert.Zero(t, s.Duration(now))

	started := time.Unix(1700000040, 0)
	ended := time.Unix(1700000070, 0)
	s.StartedAt = &started
	assert.Equal(t, 60*time.Second, s.Duration(now))

	s.EndedAt = &ended
	assert.Equal(t, 30*time.Second, s.Duration(now))
}

// TestSessionPeer resolves the other participant.
func TestSessionPeer(t *testing.T) {
	s := newTestSession()
	assert.Equal(t, "bob", s.Peer("alice"))
	assert.Equal(t, "alice", s.Peer("bob"))
	assert.True(t, s.IsCaller("alice"))
	assert.False(t, s.IsCaller("bob"))
}

// TestSessionClone ensures pointer fields are not shared.
func TestSessionClone(t *testing.T) {
	s := newTestSession()
	started := time.Unix(1700000040, 0)
	s.StartedAt = &started

	c := s.Clone()
	*c.StartedAt = time.Unix(0, 0)
	assert.Equal(t, started, *s.StartedAt)
}
