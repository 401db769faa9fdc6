package negotiation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/media"
)

// TestPionOfferAnswerDeclaresTransceivers exchanges SDP between two pion
// transports and checks the pre-declared video m-line is negotiated.
func TestPionOfferAnswerDeclaresTransceivers(t *testing.T) {
	ctx := context.Background()

	caller, err := NewPionTransport(PionConfig{CallType: call.TypeVideo, LoopbackOnly: true})
	require.NoError(t, err)
	defer caller.Close()
	callee, err := NewPionTransport(PionConfig{CallType: call.TypeVideo, LoopbackOnly: true})
	require.NoError(t, err)
	defer callee.Close()

	stream, err := media.NewSyntheticProvider("alice").GetUserMedia(ctx, media.TierIdeal.Constraints(call.TypeVideo))
	require.NoError(t, err)
	defer stream.Stop()
	for _, tr := range stream.Tracks {
		require.NoError(t, caller.AddTrack(tr))
	}

	offer, err := caller.CreateOffer(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	assert.Equal(t, SignalingHaveLocalOffer, caller.SignalingState())

	require.NoError(t, callee.SetRemoteDescription(ctx, offer))
	assert.True(t, callee.HasRemoteDescription())
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, answer.SDP, "a=sendrecv")

	require.NoError(t, caller.SetRemoteDescription(ctx, answer))
	assert.Equal(t, SignalingStable, caller.SignalingState())
	assert.True(t, caller.HasVideoSender())
	assert.True(t, callee.HasVideoSender())
}

// TestPionAudioCallHasNoVideoSender keeps audio calls audio-only.
func TestPionAudioCallHasNoVideoSender(t *testing.T) {
	tr, err := NewPionTransport(PionConfig{CallType: call.TypeAudio, LoopbackOnly: true})
	require.NoError(t, err)
	defer tr.Close()

	offer, err := tr.CreateOffer(context.Background(), false)
	require.NoError(t, err)
	assert.NotContains(t, offer.SDP, "m=video")
	assert.False(t, tr.HasVideoSender())

	screen, err := media.NewSyntheticProvider("s").GetDisplayMedia(context.Background())
	require.NoError(t, err)
	defer screen.Stop()
	assert.ErrorIs(t, tr.ReplaceVideoTrack(screen.Video()), ErrNoVideoSender)
}

// TestPionCloseIdempotent allows repeated Close.
func TestPionCloseIdempotent(t *testing.T) {
	tr, err := NewPionTransport(PionConfig{CallType: call.TypeAudio})
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
