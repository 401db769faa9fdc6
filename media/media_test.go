package media

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/call"
)

// TestAcquireIdealTier takes the first tier when capture works.
func TestAcquireIdealTier(t *testing.T) {
	p := NewSyntheticProvider("alice")

	stream, err := Acquire(context.Background(), p, call.TypeVideo)
	require.NoError(t, err)
	defer stream.Stop()

	assert.Equal(t, TierIdeal, stream.Tier)
	require.NotNil(t, stream.Audio())
	require.NotNil(t, stream.Video())

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 1280, reqs[0].Video.Width)
	assert.Equal(t, 30, reqs[0].Video.FrameRate)
	assert.True(t, reqs[0].Audio.NoiseSuppression)
}

// TestAcquireFallsBackToAudioOnly degrades when the camera is busy.
func TestAcquireFallsBackToAudioOnly(t *testing.T) {
	p := NewSyntheticProvider("alice")
	p.FailVideo = fmt.Errorf("open /dev/video0: %w", ErrNotReadable)

	stream, err := Acquire(context.Background(), p, call.TypeVideo)
	require.NoError(t, err)
	defer stream.Stop()

	assert.Equal(t, TierAudioOnly, stream.Tier)
	assert.Nil(t, stream.Video())
	assert.NotNil(t, stream.Audio())

	reqs := p.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, 640, reqs[1].Video.Width)
	assert.Equal(t, 15, reqs[1].Video.FrameRate)
	assert.Nil(t, reqs[2].Video)
}

// TestAcquireAudioCallHasNoAudioOnlyTier stops after two attempts.
func TestAcquireAudioCallHasNoAudioOnlyTier(t *testing.T) {
	p := NewSyntheticProvider("alice")
	p.FailAudio = fmt.Errorf("no microphone: %w", ErrNotFound)

	_, err := Acquire(context.Background(), p, call.TypeAudio)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisitionFailed)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Len(t, p.Requests(), 2)
}

// TestAcquireReportsLastKind classifies the final tier's error.
func TestAcquireReportsLastKind(t *testing.T) {
	p := NewSyntheticProvider("alice")
	p.FailAudio = ErrNotAllowed

	_, err := Acquire(context.Background(), p, call.TypeVideo)
	assert.ErrorIs(t, err, ErrAcquisitionFailed)
	assert.Equal(t, KindNotAllowed, KindOf(err))
}

// TestAcquireHonoursContext aborts before capturing.
func TestAcquireHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Acquire(ctx, NewSyntheticProvider("alice"), call.TypeAudio)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestKindOf maps sentinels and unknown errors.
func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotReadable, KindOf(ErrNotReadable))
	assert.Equal(t, KindNotAllowed, KindOf(fmt.Errorf("wrapped: %w", ErrNotAllowed)))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindOther, KindOf(errors.New("boom")))
	assert.Equal(t, KindOther, KindOf(nil))
	assert.Equal(t, "NotAllowedError", KindNotAllowed.String())
}

// TestSyntheticTrackStopIdempotent allows repeated Stop.
func TestSyntheticTrackStopIdempotent(t *testing.T) {
	p := NewSyntheticProvider("alice")
	stream, err := p.GetUserMedia(context.Background(), TierIdeal.Constraints(call.TypeAudio))
	require.NoError(t, err)

	track := stream.Audio().(*SyntheticTrack)
	assert.True(t, track.Enabled())

	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.False(t, track.Enabled())
	assert.NotNil(t, track.Local())
}

// TestDisplayMedia returns one screen track or the injected failure.
func TestDisplayMedia(t *testing.T) {
	p := NewSyntheticProvider("alice")
	stream, err := p.GetDisplayMedia(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stream.Video())
	assert.Equal(t, "screen", stream.Video().(*SyntheticTrack).Label())
	stream.Stop()

	p.FailDisplay = ErrNoDisplay
	_, err = p.GetDisplayMedia(context.Background())
	assert.ErrorIs(t, err, ErrNoDisplay)
}

// TestNilStreamStop tolerates cleanup of a stream that never existed.
func TestNilStreamStop(t *testing.T) {
	var s *Stream
	assert.NotPanics(t, s.Stop)
	assert.Nil(t, s.Audio())
}
