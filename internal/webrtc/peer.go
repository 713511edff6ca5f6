package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"camcast/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

const controlLabel = "control"

// A disconnected peer gets this long to recover before it counts as failed.
const (
	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// errControlNotOpen is returned when a control message is sent before the
// data channel opened.
var errControlNotOpen = errors.New("control channel not open")

// Peer wraps a Pion PeerConnection with one outbound H264 track and a
// control DataChannel.
type Peer struct {
	pc    *pion.PeerConnection
	dc    *pion.DataChannel
	video *pion.TrackLocalStaticSample
	log   logrus.FieldLogger
}

// NewPeer creates a PeerConnection that sends H264 video.
func NewPeer(iceServers []domain.ICEServer, logger logrus.FieldLogger) (*Peer, error) {
	m := &pion.MediaEngine{}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []pion.RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	senderFactory, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create sender report: %w", err)
	}
	i.Add(senderFactory)

	se := pion.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	video, err := pion.NewTrackLocalStaticSample(h264Codec.RTPCodecCapability, "video", "camcast")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	transceiver, err := pc.AddTransceiverFromTrack(video, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	dc, err := pc.CreateDataChannel(controlLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	p := &Peer{
		pc:    pc,
		dc:    dc,
		video: video,
		log:   logger,
	}

	// RTCP must be read for the interceptors to see NACKs.
	go p.drainRTCP(transceiver.Sender())

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.log.Debugf("data channel message: %s", string(msg.Data))
	})
	dc.OnClose(func() {
		p.log.Debug("data channel closed")
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debugf("ICE connection state: %s", state.String())
	})

	return p, nil
}

func (p *Peer) drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// OnConnectionStateChange registers fn for peer connection state changes.
func (p *Peer) OnConnectionStateChange(fn func(state pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Infof("peer connection state: %s", state.String())
		fn(state)
	})
}

// OnControlOpen registers fn to run when the control channel opens.
func (p *Peer) OnControlOpen(fn func()) {
	p.dc.OnOpen(func() {
		p.log.Info("data channel opened")
		fn()
	})
}

// CreateOffer creates an SDP offer, sets it as the local description and
// waits for ICE gathering so the offer carries every candidate.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	p.log.Debug("local SDP offer set")
	return p.pc.LocalDescription().SDP, nil
}

// SetRemoteDescription applies the SDP answer.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp.SDP,
	}

	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.log.Debug("remote SDP answer set")
	return nil
}

// WriteSample writes one NAL unit to the video track.
func (p *Peer) WriteSample(sample media.Sample) error {
	return p.video.WriteSample(sample)
}

// SendControl marshals v and sends it on the control channel.
func (p *Peer) SendControl(v any) error {
	if p.dc.ReadyState() != pion.DataChannelStateOpen {
		return errControlNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}

	p.log.Debugf("sending control: %s", string(data))
	if err := p.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send control message: %w", err)
	}
	return nil
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	if p.dc != nil {
		p.dc.Close()
	}
	if p.pc != nil {
		return p.pc.Close()
	}
	return nil
}
