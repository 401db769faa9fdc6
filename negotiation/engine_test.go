package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/ice"
	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/quality"
	"github.com/opd-ai/callsig/signal"
)

// fakeTransport is a scripted Transport that records what the engine does.
type fakeTransport struct {
	mu          sync.Mutex
	state       SignalingState
	remote      *signal.SessionDescription
	applied     []string
	offers      []bool
	tracks      []media.Track
	videoSender bool
	closeCalls  int
	offerErr    error

	onCandidate func(signal.Candidate)
	onState     func(ConnectionState)
	onTrack     func(RemoteTrack)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: SignalingStable}
}

func (f *fakeTransport) CreateOffer(ctx context.Context, restart bool) (signal.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return signal.SessionDescription{}, f.offerErr
	}
	f.offers = append(f.offers, restart)
	f.state = SignalingHaveLocalOffer
	return signal.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", len(f.offers))}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (signal.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = SignalingStable
	return signal.SessionDescription{Type: "answer", SDP: "answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(ctx context.Context, sd signal.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &sd
	if sd.Type == "offer" {
		f.state = SignalingHaveRemoteOffer
	} else {
		f.state = SignalingStable
	}
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakeTransport) AddICECandidate(c signal.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeTransport) SignalingState() SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) AddTrack(t media.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil
}

func (f *fakeTransport) ReplaceVideoTrack(t media.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil
}

func (f *fakeTransport) HasVideoSender() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videoSender
}

func (f *fakeTransport) Counters(ctx context.Context) (quality.Counters, error) {
	return quality.Counters{PacketsReceived: 10}, nil
}

func (f *fakeTransport) OnICECandidate(fn func(signal.Candidate))      { f.onCandidate = fn }
func (f *fakeTransport) OnConnectionStateChange(fn func(ConnectionState)) { f.onState = fn }
func (f *fakeTransport) OnTrack(fn func(RemoteTrack))                   { f.onTrack = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.state = SignalingClosed
	return nil
}

func (f *fakeTransport) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

// publishLog records published signals.
type publishLog struct {
	mu   sync.Mutex
	sent []signal.Type
	err  error
}

func (p *publishLog) publish(ctx context.Context, t signal.Type, _ signal.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, t)
	return nil
}

func (p *publishLog) types() []signal.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signal.Type(nil), p.sent...)
}

func cand(n int) signal.Candidate {
	mid := "0"
	return signal.Candidate{Candidate: fmt.Sprintf("candidate:%d", n), SDPMid: &mid}
}

func newTestEngine(role Role) (*Engine, *fakeTransport, *publishLog) {
	ft := newFakeTransport()
	pl := &publishLog{}
	return New("call-1", role, ft, nil, pl.publish, Hooks{}), ft, pl
}

// TestCandidatesBufferedUntilAnswer checks ordering and exactly-once drain
// on the offerer side.
func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	e, ft, pl := newTestEngine(RoleOfferer)
	ctx := context.Background()

	_, err := e.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, []signal.Type{signal.TypeOffer}, pl.types())

	for i := 1; i <= 3; i++ {
		require.NoError(t, e.AddRemoteCandidate(cand(i)))
	}
	assert.Empty(t, ft.appliedCandidates(), "nothing applied before remote description")
	assert.Equal(t, 3, e.Queue().Len())

	require.NoError(t, e.HandleSignal(ctx, signal.Signal{
		Type:    signal.TypeAnswer,
		Payload: signal.SessionDescription{Type: "answer", SDP: "answer"},
	}))
	assert.True(t, e.RemoteDescriptionApplied())
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, ft.appliedCandidates())

	require.NoError(t, e.AddRemoteCandidate(cand(4)))
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3", "candidate:4"}, ft.appliedCandidates())
}

// TestPreAnswerQueueAdopted drains candidates queued before the engine existed.
func TestPreAnswerQueueAdopted(t *testing.T) {
	q := ice.NewQueue("call-1")
	require.NoError(t, q.Push(cand(1)))
	require.NoError(t, q.Push(cand(2)))

	ft := newFakeTransport()
	pl := &publishLog{}
	e := New("call-1", RoleAnswerer, ft, q, pl.publish, Hooks{})

	_, err := e.Answer(context.Background(), signal.SessionDescription{Type: "offer", SDP: "offer"})
	require.NoError(t, err)

	assert.Equal(t, []string{"candidate:1", "candidate:2"}, ft.appliedCandidates())
	assert.Equal(t, []signal.Type{signal.TypeAnswer}, pl.types())
	assert.True(t, q.Drained())
}

// TestRenegotiationDoesNotRedrain keeps the drain single across offers.
func TestRenegotiationDoesNotRedrain(t *testing.T) {
	e, ft, _ := newTestEngine(RoleAnswerer)
	ctx := context.Background()

	require.NoError(t, e.AddRemoteCandidate(cand(1)))
	_, err := e.Answer(ctx, signal.SessionDescription{Type: "offer", SDP: "offer-1"})
	require.NoError(t, err)

	_, err = e.Answer(ctx, signal.SessionDescription{Type: "offer", SDP: "offer-2"})
	require.NoError(t, err)

	assert.Equal(t, []string{"candidate:1"}, ft.appliedCandidates())
}

// TestUnexpectedAnswerDiscarded rejects an answer while stable.
func TestUnexpectedAnswerDiscarded(t *testing.T) {
	e, _, _ := newTestEngine(RoleOfferer)

	err := e.HandleSignal(context.Background(), signal.Signal{
		Type:    signal.TypeAnswer,
		Payload: signal.SessionDescription{Type: "answer", SDP: "answer"},
	})
	assert.ErrorIs(t, err, ErrUnexpectedSignal)
	assert.False(t, e.RemoteDescriptionApplied())
	assert.False(t, e.Closed())
}

// TestOfferRejectedInHaveLocalOffer refuses glare offers.
func TestOfferRejectedInHaveLocalOffer(t *testing.T) {
	e, _, _ := newTestEngine(RoleOfferer)
	ctx := context.Background()

	_, err := e.Offer(ctx)
	require.NoError(t, err)

	_, err = e.Answer(ctx, signal.SessionDescription{Type: "offer", SDP: "x"})
	assert.ErrorIs(t, err, ErrUnexpectedSignal)
}

// TestNonNegotiationSignalRejected leaves hangup handling to the caller.
func TestNonNegotiationSignalRejected(t *testing.T) {
	e, _, _ := newTestEngine(RoleOfferer)
	err := e.HandleSignal(context.Background(), signal.Signal{Type: signal.TypeHangup, Payload: signal.Empty{}})
	assert.ErrorIs(t, err, ErrUnexpectedSignal)
}

// TestOutboundCandidatesPublishedImmediately forwards transport discoveries.
func TestOutboundCandidatesPublishedImmediately(t *testing.T) {
	e, ft, pl := newTestEngine(RoleOfferer)

	ft.onCandidate(cand(1))
	ft.onCandidate(cand(2))
	assert.Equal(t, []signal.Type{signal.TypeICECandidate, signal.TypeICECandidate}, pl.types())

	require.NoError(t, e.Close())
	ft.onCandidate(cand(3))
	assert.Len(t, pl.types(), 2, "no publish after close")
}

// TestICERestartThenUnstable covers the failed state recovery path.
func TestICERestartThenUnstable(t *testing.T) {
	e, ft, pl := newTestEngine(RoleOfferer)
	ctx := context.Background()

	action, err := e.HandleConnectionState(ctx, ConnectionDisconnected)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	action, err = e.HandleConnectionState(ctx, ConnectionFailed)
	require.NoError(t, err)
	assert.Equal(t, ActionRestarted, action)
	assert.Equal(t, []bool{true}, ft.offers)
	assert.Equal(t, []signal.Type{signal.TypeOffer}, pl.types())

	action, err = e.HandleConnectionState(ctx, ConnectionFailed)
	require.NoError(t, err)
	assert.Equal(t, ActionUnstable, action)
	assert.Len(t, ft.offers, 1, "only one restart per failure episode")
}

// TestRestartRearmedAfterRecovery allows a new restart after reconnecting.
func TestRestartRearmedAfterRecovery(t *testing.T) {
	e, ft, _ := newTestEngine(RoleOfferer)
	ctx := context.Background()

	_, _ = e.HandleConnectionState(ctx, ConnectionFailed)
	action, _ := e.HandleConnectionState(ctx, ConnectionConnected)
	assert.Equal(t, ActionConnected, action)

	action, err := e.HandleConnectionState(ctx, ConnectionFailed)
	require.NoError(t, err)
	assert.Equal(t, ActionRestarted, action)
	assert.Len(t, ft.offers, 2)
}

// TestAnswererWaitsForRestart never creates offers on the callee side.
func TestAnswererWaitsForRestart(t *testing.T) {
	e, ft, _ := newTestEngine(RoleAnswerer)
	ctx := context.Background()

	action, _ := e.HandleConnectionState(ctx, ConnectionFailed)
	assert.Equal(t, ActionNone, action)
	action, _ = e.HandleConnectionState(ctx, ConnectionFailed)
	assert.Equal(t, ActionUnstable, action)
	assert.Empty(t, ft.offers)
}

// TestFailedRestartReportsUnstable surfaces an offer error.
func TestFailedRestartReportsUnstable(t *testing.T) {
	e, ft, _ := newTestEngine(RoleOfferer)
	ft.offerErr = errors.New("ice agent closed")

	action, err := e.HandleConnectionState(context.Background(), ConnectionFailed)
	assert.Error(t, err)
	assert.Equal(t, ActionUnstable, action)
}

// TestClosedStateRequestsCleanup reports closure once.
func TestClosedStateRequestsCleanup(t *testing.T) {
	e, _, _ := newTestEngine(RoleOfferer)
	ctx := context.Background()

	action, _ := e.HandleConnectionState(ctx, ConnectionClosed)
	assert.Equal(t, ActionClosed, action)

	require.NoError(t, e.Close())
	action, _ = e.HandleConnectionState(ctx, ConnectionClosed)
	assert.Equal(t, ActionNone, action, "self-inflicted close is not reported")
}

// TestCloseIdempotent closes the transport once and clears state.
func TestCloseIdempotent(t *testing.T) {
	e, ft, _ := newTestEngine(RoleAnswerer)
	require.NoError(t, e.AddRemoteCandidate(cand(1)))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.Equal(t, 1, ft.closeCalls)
	assert.Zero(t, e.Queue().Len())
	assert.ErrorIs(t, e.AddRemoteCandidate(cand(2)), ErrClosed)
	_, err := e.Offer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// TestReplaceVideoTrackRequiresSender rejects screen share on audio calls.
func TestReplaceVideoTrackRequiresSender(t *testing.T) {
	e, ft, _ := newTestEngine(RoleOfferer)
	screen, err := media.NewSyntheticProvider("s").GetDisplayMedia(context.Background())
	require.NoError(t, err)
	defer screen.Stop()

	assert.ErrorIs(t, e.ReplaceVideoTrack(screen.Video()), ErrNoVideoSender)

	ft.videoSender = true
	require.NoError(t, e.ReplaceVideoTrack(screen.Video()))
}

// TestPublishFailureSurfaces returns relay errors from Offer.
func TestPublishFailureSurfaces(t *testing.T) {
	e, _, pl := newTestEngine(RoleOfferer)
	pl.err = errors.New("relay down")

	_, err := e.Offer(context.Background())
	assert.ErrorContains(t, err, "relay down")
}
