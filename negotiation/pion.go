package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/quality"
	"github.com/opd-ai/callsig/signal"
)

// PionConfig configures a PionTransport.
type PionConfig struct {
	CallType   call.Type
	ICEServers []string

	// ICE timeouts; zero values use 30s disconnected, 120s failed and a
	// 2s keepalive.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// LoopbackOnly restricts gathering to host candidates, which keeps
	// in-process demos and tests off the network.
	LoopbackOnly bool
}

// localTrack is implemented by media tracks backed by a pion TrackLocal.
type localTrack interface {
	Local() webrtc.TrackLocal
}

// PionTransport is a Transport on a pion/webrtc peer connection.
//
// Sendrecv transceivers are declared up front: audio always, video for
// video calls. Local tracks replace the placeholder track of the matching
// sender, so both peers always send on every negotiated m-line.
type PionTransport struct {
	pc      *webrtc.PeerConnection
	audioTx *webrtc.RTPTransceiver
	videoTx *webrtc.RTPTransceiver

	closeOnce sync.Once
}

// NewPionTransport builds the peer connection with default codecs and
// interceptors.
func NewPionTransport(cfg PionConfig) (*PionTransport, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	if cfg.DisconnectedTimeout == 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout == 0 {
		cfg.FailedTimeout = 120 * time.Second
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.LoopbackOnly {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
		se.SetInterfaceFilter(func(name string) bool { return name == "lo" || name == "lo0" })
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &PionTransport{pc: pc}
	txInit := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	if t.audioTx, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, txInit); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("declare audio transceiver: %w", err)
	}
	if cfg.CallType == call.TypeVideo {
		if t.videoTx, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, txInit); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("declare video transceiver: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewPionTransport",
		"call_type":   cfg.CallType,
		"ice_servers": len(cfg.ICEServers),
	}).Debug("Peer connection created")
	return t, nil
}

// CreateOffer implements Transport.
func (t *PionTransport) CreateOffer(ctx context.Context, iceRestart bool) (signal.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer implements Transport.
func (t *PionTransport) CreateAnswer(ctx context.Context) (signal.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, err
	}
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription implements Transport.
func (t *PionTransport) SetRemoteDescription(ctx context.Context, sd signal.SessionDescription) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

// HasRemoteDescription implements Transport.
func (t *PionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

// AddICECandidate implements Transport.
func (t *PionTransport) AddICECandidate(c signal.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// SignalingState implements Transport.
func (t *PionTransport) SignalingState() SignalingState {
	return SignalingState(t.pc.SignalingState().String())
}

// AddTrack implements Transport.
func (t *PionTransport) AddTrack(track media.Track) error {
	lt, ok := track.(localTrack)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedTrack, track)
	}
	tx := t.audioTx
	if track.Kind() == media.TrackVideo {
		tx = t.videoTx
	}
	if tx == nil {
		return fmt.Errorf("%w: no %s transceiver", ErrUnsupportedTrack, track.Kind())
	}
	return tx.Sender().ReplaceTrack(lt.Local())
}

// ReplaceVideoTrack implements Transport. A nil track leaves the sender
// without a source until another track is set.
func (t *PionTransport) ReplaceVideoTrack(track media.Track) error {
	if !t.HasVideoSender() {
		return ErrNoVideoSender
	}
	if track == nil {
		return t.videoTx.Sender().ReplaceTrack(nil)
	}
	lt, ok := track.(localTrack)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedTrack, track)
	}
	return t.videoTx.Sender().ReplaceTrack(lt.Local())
}

// HasVideoSender implements Transport. The video transceiver only counts
// once it has been bound to an m-line.
func (t *PionTransport) HasVideoSender() bool {
	return t.videoTx != nil && t.videoTx.Mid() != ""
}

// Counters implements Transport from the peer connection's stats report.
func (t *PionTransport) Counters(ctx context.Context) (quality.Counters, error) {
	var c quality.Counters
	for _, s := range t.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			c.PacketsReceived += uint64(st.PacketsReceived)
			c.PacketsLost += int64(st.PacketsLost)
			c.BytesReceived += st.BytesReceived
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				c.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return c, nil
}

// OnICECandidate implements Transport. The end-of-gathering marker is not
// forwarded.
func (t *PionTransport) OnICECandidate(fn func(signal.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(signal.Candidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

// OnConnectionStateChange implements Transport.
func (t *PionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnectionState(s.String()))
	})
}

// OnTrack implements Transport. Remote RTP is read and discarded so that
// receive statistics keep flowing.
func (t *PionTransport) OnTrack(fn func(RemoteTrack)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     media.TrackKind(remote.Kind().String()),
		})
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

// Close implements Transport.
func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}
