// Package quality derives a discrete connection-quality rating from
// transport statistics.
//
// A Monitor polls a StatsSource on a single repeating ticker and hands each
// Sample to a callback. The rating uses simple thresholds on packet loss and
// round-trip time:
//   - bad if loss > 5% or RTT > 500ms
//   - poor if loss > 2% or RTT > 200ms
//   - good otherwise
//
// The monitor is started when a call connects and stopped during cleanup;
// once Stop returns no further sample is delivered.
package quality

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the polling period of a Monitor.
const DefaultInterval = 2 * time.Second

// ErrStopped is returned by Start after the monitor has been stopped.
var ErrStopped = errors.New("quality monitor stopped")

// Rating is the discrete connection quality shown to the user.
type Rating string

const (
	RatingGood Rating = "good"
	RatingPoor Rating = "poor"
	RatingBad  Rating = "bad"
)

// Thresholds are the strict upper bounds for each rating.
type Thresholds struct {
	BadPacketLoss  float64 // percent
	BadRTT         time.Duration
	PoorPacketLoss float64 // percent
	PoorRTT        time.Duration
}

// DefaultThresholds returns 5%/500ms for bad and 2%/200ms for poor.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BadPacketLoss:  5,
		BadRTT:         500 * time.Millisecond,
		PoorPacketLoss: 2,
		PoorRTT:        200 * time.Millisecond,
	}
}

// Rate classifies a loss percentage and round-trip time. Values equal to a
// threshold do not cross it.
func (th Thresholds) Rate(lossPercent float64, rtt time.Duration) Rating {
	switch {
	case lossPercent > th.BadPacketLoss || rtt > th.BadRTT:
		return RatingBad
	case lossPercent > th.PoorPacketLoss || rtt > th.PoorRTT:
		return RatingPoor
	default:
		return RatingGood
	}
}

// Counters are the cumulative transport counters read on each poll.
type Counters struct {
	RoundTripTime   time.Duration
	PacketsReceived uint64
	PacketsLost     int64
	BytesReceived   uint64
}

// StatsSource supplies transport counters.
type StatsSource interface {
	Counters(ctx context.Context) (Counters, error)
}

// Sample is one quality observation. It is not persisted.
type Sample struct {
	LatencyMs  float64
	PacketLoss float64 // percent
	BitrateBps float64
	Rating     Rating
	At         time.Time
}

// Config tunes a Monitor. Zero fields take defaults.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	Clock      clock.Clock
}

// Monitor polls a StatsSource and emits Samples.
type Monitor struct {
	source   StatsSource
	onSample func(Sample)
	interval time.Duration
	th       Thresholds
	clock    clock.Clock

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	cancel  context.CancelFunc
	prev    *Counters
	prevAt  time.Time
}

// NewMonitor creates a stopped monitor. onSample is called from the polling
// goroutine with the monitor's lock held and must not call Stop.
func NewMonitor(source StatsSource, cfg Config, onSample func(Sample)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Monitor{
		source:   source,
		onSample: onSample,
		interval: cfg.Interval,
		th:       cfg.Thresholds,
		clock:    cfg.Clock,
		done:     make(chan struct{}),
	}
}

// Start begins polling. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	ticker := m.clock.Ticker(m.interval)
	go m.run(ctx, ticker)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": m.interval,
	}).Debug("Quality monitor started")
	return nil
}

// Stop halts polling. It is idempotent and safe on a monitor never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	close(m.done)
	m.prev = nil

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Debug("Quality monitor stopped")
}

// Stopped reports whether Stop has been called.
func (m *Monitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Monitor) run(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && !errors.Is(err, ErrStopped) {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"error":    err.Error(),
				}).Warn("Failed to read transport statistics")
			}
		}
	}
}

// Poll reads the counters once, computes a Sample and delivers it. It is
// used by the ticker and may be called directly.
func (m *Monitor) Poll(ctx context.Context) (Sample, error) {
	c, err := m.source.Counters(ctx)
	if err != nil {
		return Sample{}, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Sample{}, ErrStopped
	}

	s := Sample{
		LatencyMs:  float64(c.RoundTripTime) / float64(time.Millisecond),
		PacketLoss: lossPercent(c),
		BitrateBps: m.bitrate(c, now),
		At:         now,
	}
	s.Rating = m.th.Rate(s.PacketLoss, c.RoundTripTime)

	m.prev = &c
	m.prevAt = now

	if m.onSample != nil {
		m.onSample(s)
	}
	return s, nil
}

func lossPercent(c Counters) float64 {
	lost := c.PacketsLost
	if lost < 0 {
		lost = 0
	}
	total := float64(c.PacketsReceived) + float64(lost)
	if total == 0 {
		return 0
	}
	return float64(lost) / total * 100
}

// bitrate is the received-bytes delta over the wall-clock delta since the
// previous poll. It is zero for the first sample and after a counter reset.
func (m *Monitor) bitrate(c Counters, now time.Time) float64 {
	if m.prev == nil {
		return 0
	}
	elapsed := now.Sub(m.prevAt).Seconds()
	if elapsed <= 0 || c.BytesReceived < m.prev.BytesReceived {
		return 0
	}
	return float64(c.BytesReceived-m.prev.BytesReceived) * 8 / elapsed
}
