// Package media describes the capture capability the call engine consumes.
//
// Capture itself lives outside the engine behind the Provider contract.
// Acquire implements the three-tier degrading request: ideal constraints,
// then a reduced-quality fallback, then audio-only for video calls.
// SyntheticProvider is a headless Provider built on pion local tracks.
package media

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
)

// TrackKind is the media kind of a local track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a local capture track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the underlying device. It is safe to call more than once.
	Stop()
}

// Stream is the set of tracks returned by one capture request.
type Stream struct {
	Tier   Tier
	Tracks []Track
}

// Audio returns the first audio track, or nil.
func (s *Stream) Audio() Track {
	return s.first(TrackAudio)
}

// Video returns the first video track, or nil.
func (s *Stream) Video() Track {
	return s.first(TrackVideo)
}

func (s *Stream) first(kind TrackKind) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track in the stream. A nil stream is a no-op.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// VideoConstraints requests a camera resolution and frame rate.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// AudioConstraints requests microphone processing.
type AudioConstraints struct {
	NoiseSuppression bool
	EchoCancellation bool
}

// Constraints is one capture request. A nil member is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Provider captures local media.
type Provider interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context) (*Stream, error)
}

// Tier is one step of the degrading capture request.
type Tier int

const (
	TierIdeal Tier = iota
	TierReduced
	TierAudioOnly
)

// String returns a log-friendly tier name.
func (t Tier) String() string {
	switch t {
	case TierIdeal:
		return "ideal"
	case TierReduced:
		return "reduced"
	case TierAudioOnly:
		return "audio-only"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Tiers returns the tiers attempted for a call type, in order.
func Tiers(t call.Type) []Tier {
	if t == call.TypeVideo {
		return []Tier{TierIdeal, TierReduced, TierAudioOnly}
	}
	return []Tier{TierIdeal, TierReduced}
}

// Constraints returns the capture request for the tier and call type.
func (t Tier) Constraints(ct call.Type) Constraints {
	switch t {
	case TierIdeal:
		c := Constraints{Audio: &AudioConstraints{NoiseSuppression: true, EchoCancellation: true}}
		if ct == call.TypeVideo {
			c.Video = &VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}
		}
		return c
	case TierReduced:
		c := Constraints{Audio: &AudioConstraints{}}
		if ct == call.TypeVideo {
			c.Video = &VideoConstraints{Width: 640, Height: 480, FrameRate: 15}
		}
		return c
	default:
		return Constraints{Audio: &AudioConstraints{NoiseSuppression: true, EchoCancellation: true}}
	}
}

// Acquire requests media for a call, degrading through Tiers until one
// succeeds. When every tier fails the returned error wraps both
// ErrAcquisitionFailed and the last tier's error, so KindOf reports the
// class of the final failure.
func Acquire(ctx context.Context, p Provider, ct call.Type) (*Stream, error) {
	var last error
	for _, tier := range Tiers(ct) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := p.GetUserMedia(ctx, tier.Constraints(ct))
		if err == nil {
			stream.Tier = tier
			logrus.WithFields(logrus.Fields{
				"function":  "Acquire",
				"call_type": ct,
				"tier":      tier.String(),
				"tracks":    len(stream.Tracks),
			}).Info("Local media captured")
			return stream, nil
		}

		last = err
		logrus.WithFields(logrus.Fields{
			"function":  "Acquire",
			"call_type": ct,
			"tier":      tier.String(),
			"kind":      KindOf(err).String(),
			"error":     err.Error(),
		}).Warn("Media capture attempt failed")
	}
	return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, last)
}
