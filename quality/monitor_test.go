package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource returns scripted counters.
type fakeSource struct {
	mu   sync.Mutex
	next Counters
	err  error
}

func (f *fakeSource) set(c Counters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = c
}

func (f *fakeSource) Counters(ctx context.Context) (Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, f.err
}

// sampleSink records delivered samples.
type sampleSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (s *sampleSink) add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *sampleSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// TestRateBoundaries verifies the exact threshold values.
func TestRateBoundaries(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name string
		loss float64
		rtt  time.Duration
		want Rating
	}{
		{"clean", 0, 50 * time.Millisecond, RatingGood},
		{"loss at poor bound", 2.0, 0, RatingGood},
		{"loss just over poor", 2.01, 0, RatingPoor},
		{"loss at bad bound", 5.0, 0, RatingPoor},
		{"loss just over bad", 5.01, 0, RatingBad},
		{"rtt at poor bound", 0, 200 * time.Millisecond, RatingGood},
		{"rtt just over poor", 0, 201 * time.Millisecond, RatingPoor},
		{"rtt at bad bound", 0, 500 * time.Millisecond, RatingPoor},
		{"rtt just over bad", 0, 501 * time.Millisecond, RatingBad},
		{"poor loss with bad rtt", 3, 600 * time.Millisecond, RatingBad},
		{"bad loss with good rtt", 6, 10 * time.Millisecond, RatingBad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Rate(tt.loss, tt.rtt))
		})
	}
}

// TestPollComputesLossAndBitrate checks derived values over two polls.
func TestPollComputesLossAndBitrate(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{}
	m := NewMonitor(src, Config{Clock: mock}, nil)

	src.set(Counters{RoundTripTime: 120 * time.Millisecond, PacketsReceived: 97, PacketsLost: 3, BytesReceived: 10_000})
	first, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, first.BitrateBps, "first sample has no bitrate")
	assert.InDelta(t, 3.0, first.PacketLoss, 1e-9)
	assert.InDelta(t, 120.0, first.LatencyMs, 1e-9)
	assert.Equal(t, RatingPoor, first.Rating)

	mock.Add(2 * time.Second)
	src.set(Counters{RoundTripTime: 40 * time.Millisecond, PacketsReceived: 1000, PacketsLost: 0, BytesReceived: 60_000})
	second, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 200_000.0, second.BitrateBps, 1e-6)
	assert.Equal(t, RatingGood, second.Rating)
}

// TestPollSameInstantHasNoBitrate guards the zero elapsed case.
func TestPollSameInstantHasNoBitrate(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{}
	m := NewMonitor(src, Config{Clock: mock}, nil)

	src.set(Counters{BytesReceived: 100})
	_, err := m.Poll(context.Background())
	require.NoError(t, err)

	src.set(Counters{BytesReceived: 5000})
	s, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.BitrateBps)
}

// TestMonitorTicksAndStops runs the ticker and checks nothing is emitted
// after Stop.
func TestMonitorTicksAndStops(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{next: Counters{PacketsReceived: 100}}
	sink := &sampleSink{}
	m := NewMonitor(src, Config{Clock: mock}, sink.add)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	mock.Add(DefaultInterval)
	assert.Eventually(t, func() bool { return sink.len() >= 1 }, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	before := sink.len()
	mock.Add(10 * DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, sink.len())

	_, err := m.Poll(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, m.Start(), ErrStopped)
}

// TestStopWithoutStart tolerates cleanup of a monitor never started.
func TestStopWithoutStart(t *testing.T) {
	m := NewMonitor(&fakeSource{}, Config{}, nil)
	assert.NotPanics(t, m.Stop)
	assert.True(t, m.Stopped())
}

// TestPollPropagatesSourceError leaves state untouched on failure.
func TestPollPropagatesSourceError(t *testing.T) {
	boom := errors.New("stats unavailable")
	sink := &sampleSink{}
	m := NewMonitor(&fakeSource{err: boom}, Config{Clock: clock.NewMock()}, sink.add)

	_, err := m.Poll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, sink.len())
}
