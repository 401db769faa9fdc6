package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// Frame payloads written by a pumping synthetic track. The Opus frame is a
// standard 20 ms silence packet; the video payload is opaque filler.
var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	videoFiller = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 66 * time.Millisecond
)

// SyntheticProvider produces pion local tracks without touching any
// capture device. Failures can be injected per request kind to exercise the
// tiered fallback.
type SyntheticProvider struct {
	// StreamID groups the tracks of one participant.
	StreamID string
	// Pump makes each track write filler samples while enabled.
	Pump bool
	// Clock drives the pump; defaults to the wall clock.
	Clock clock.Clock

	// FailVideo, when set, fails any request that includes video.
	FailVideo error
	// FailAudio, when set, fails any request that includes audio.
	FailAudio error
	// FailDisplay, when set, fails GetDisplayMedia.
	FailDisplay error

	mu       sync.Mutex
	requests []Constraints
}

// NewSyntheticProvider returns a provider whose tracks use streamID.
func NewSyntheticProvider(streamID string) *SyntheticProvider {
	return &SyntheticProvider{StreamID: streamID, Clock: clock.New()}
}

// Requests returns the constraints received so far, in order.
func (p *SyntheticProvider) Requests() []Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Constraints, len(p.requests))
	copy(out, p.requests)
	return out
}

// GetUserMedia implements Provider.
func (p *SyntheticProvider) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, c)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Video != nil && p.FailVideo != nil {
		return nil, p.FailVideo
	}
	if c.Audio != nil && p.FailAudio != nil {
		return nil, p.FailAudio
	}

	stream := &Stream{}
	if c.Audio != nil {
		t, err := p.newTrack(TrackAudio, "mic")
		if err != nil {
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	if c.Video != nil {
		t, err := p.newTrack(TrackVideo, "camera")
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	return stream, nil
}

// GetDisplayMedia implements Provider with a single video track.
func (p *SyntheticProvider) GetDisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.FailDisplay != nil {
		return nil, p.FailDisplay
	}
	t, err := p.newTrack(TrackVideo, "screen")
	if err != nil {
		return nil, err
	}
	return &Stream{Tracks: []Track{t}}, nil
}

func (p *SyntheticProvider) newTrack(kind TrackKind, label string) (*SyntheticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	interval := audioFrameInterval
	payload := opusSilence
	if kind == TrackVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		interval = videoFrameInterval
		payload = videoFiller
	}

	id := fmt.Sprintf("%s-%s", label, uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, p.StreamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t := &SyntheticTrack{
		kind:    kind,
		label:   label,
		local:   local,
		enabled: true,
		done:    make(chan struct{}),
	}
	if p.Pump {
		clk := p.Clock
		if clk == nil {
			clk = clock.New()
		}
		go t.pump(clk, interval, payload)
	}
	return t, nil
}

// SyntheticTrack is a Track backed by a pion TrackLocalStaticSample.
type SyntheticTrack struct {
	kind  TrackKind
	label string
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	done    chan struct{}
}

// ID returns the pion track id.
func (t *SyntheticTrack) ID() string { return t.local.ID() }

// Kind returns audio or video.
func (t *SyntheticTrack) Kind() TrackKind { return t.kind }

// Label names the simulated device (mic, camera, screen).
func (t *SyntheticTrack) Label() string { return t.label }

// Local exposes the pion track for adding to a peer connection.
func (t *SyntheticTrack) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether the track is producing samples.
func (t *SyntheticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled mutes or unmutes the track.
func (t *SyntheticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Stopped reports whether Stop has been called.
func (t *SyntheticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop ends the track. Repeated calls are no-ops.
func (t *SyntheticTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.enabled = false
	close(t.done)

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"track_id": t.local.ID(),
		"kind":     t.kind,
	}).Debug("Synthetic track stopped")
}

func (t *SyntheticTrack) pump(clk clock.Clock, interval time.Duration, payload []byte) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			if err := t.local.WriteSample(pionmedia.Sample{Data: payload, Duration: interval}); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pump",
					"track_id": t.local.ID(),
					"error":    err.Error(),
				}).Debug("Sample write failed")
			}
		}
	}
}
