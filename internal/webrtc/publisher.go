package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"camcast/native/internal/api"
	"camcast/native/internal/domain"
	"camcast/native/internal/signal"

	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/sirupsen/logrus"
)

// ErrConnectionClosed marks errors caused by losing the remote endpoint.
var ErrConnectionClosed = errors.New("connection closed")

const (
	signalPingInterval = 10 * time.Second
	abortTimeout       = 5 * time.Second
	eventBuffer        = 16
)

const (
	actionStreamInfo  = "streamInfo"
	actionSetRotation = "setRotation"
)

// controlMessage is sent on the control DataChannel.
type controlMessage struct {
	Action   string `json:"action"`
	Rotation int    `json:"rotation"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FPS      int    `json:"fps,omitempty"`
	Bitrate  int    `json:"bitrate,omitempty"`
}

// VideoParams describes the encoded stream written to the track.
type VideoParams struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
}

// SignalerFactory builds the signaling transport for a destination.
type SignalerFactory func(dest *url.URL) (domain.Signaler, error)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	ICEServers []domain.ICEServer
	Video      VideoParams

	// OpenSource opens the Annex-B H264 input. It is called once.
	OpenSource func() (io.ReadCloser, error)

	// HTTPClient is used for WHIP destinations. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// NewSignaler overrides scheme based signaler selection.
	NewSignaler SignalerFactory
}

// session is one Start attempt and everything it owns.
type session struct {
	peer     *Peer
	signaler domain.Signaler

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup

	connected   chan struct{}
	connectOnce sync.Once
	failed      chan error

	closeOnce sync.Once
	closeErr  error
}

func newSession(peer *Peer, sig domain.Signaler) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		peer:      peer,
		signaler:  sig,
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

// spawn runs fn until the session closes. It reports false once closed.
func (s *session) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *session) close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}

		s.closeErr = errors.Join(s.signaler.Close(ctx), s.peer.Close())
	})
	return s.closeErr
}

// Publisher streams H264 video to a WebRTC ingest. It implements
// domain.Publisher.
type Publisher struct {
	opts   PublisherOptions
	log    logrus.FieldLogger
	source *nalSource

	states chan bool
	errs   chan error

	mu       sync.Mutex
	cur      *session
	live     bool
	rotation domain.Rotation
}

// NewPublisher creates a Publisher.
func NewPublisher(opts PublisherOptions, logger logrus.FieldLogger) *Publisher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Video.FPS <= 0 {
		opts.Video.FPS = 25
	}
	log := logger.WithField("component", "webrtc")
	return &Publisher{
		opts:   opts,
		log:    log,
		source: newNALSource(opts.OpenSource, log),
		states: make(chan bool, eventBuffer),
		errs:   make(chan error, eventBuffer),
	}
}

// ConnectionState implements domain.Publisher.
func (p *Publisher) ConnectionState() <-chan bool { return p.states }

// Errors implements domain.Publisher.
func (p *Publisher) Errors() <-chan error { return p.errs }

// IsConnectionLost implements domain.Publisher.
func (p *Publisher) IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, signal.ErrRemoteClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// Start connects to destination and returns once the peer connection is
// established.
func (p *Publisher) Start(ctx context.Context, destination string) error {
	u, err := url.Parse(destination)
	if err != nil {
		return fmt.Errorf("parse destination: %w", err)
	}

	if err := p.source.Start(); err != nil {
		return err
	}

	sig, err := p.signalerFor(u)
	if err != nil {
		return err
	}

	peer, err := NewPeer(p.opts.ICEServers, p.log)
	if err != nil {
		return err
	}
	s := newSession(peer, sig)

	p.mu.Lock()
	if p.cur != nil {
		p.mu.Unlock()
		_ = s.close(ctx)
		return errors.New("publisher already started")
	}
	p.cur = s
	p.mu.Unlock()

	peer.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.handleState(s, state)
	})
	peer.OnControlOpen(func() {
		p.sendStreamInfo(s)
	})
	sig.SetOnClose(func(err error) {
		p.lose(s, fmt.Errorf("%w: signaling: %v", ErrConnectionClosed, err))
	})

	p.log.Infof("publishing to %s://%s%s", u.Scheme, u.Host, u.Path)

	if err := p.negotiate(ctx, s); err != nil {
		p.abort(s)
		return err
	}

	select {
	case <-s.connected:
	case err := <-s.failed:
		p.abort(s)
		return err
	case <-ctx.Done():
		p.abort(s)
		return fmt.Errorf("await connection: %w", ctx.Err())
	}

	nals := p.source.Attach(s.ctx)
	s.spawn(func(ctx context.Context) {
		p.writeSamples(ctx, s, nals)
	})
	return nil
}

func (p *Publisher) signalerFor(u *url.URL) (domain.Signaler, error) {
	if p.opts.NewSignaler != nil {
		return p.opts.NewSignaler(u)
	}

	switch u.Scheme {
	case "ws", "wss":
		return signal.NewClient(u.String(), signalPingInterval, p.log), nil
	case "http", "https":
		c, err := api.NewClient(u.String(), p.opts.HTTPClient, p.log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported destination scheme %q", u.Scheme)
	}
}

func (p *Publisher) negotiate(ctx context.Context, s *session) error {
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		return err
	}

	answer, err := s.signaler.Negotiate(ctx, domain.SDPPayload{Type: "offer", SDP: offer})
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	return s.peer.SetRemoteDescription(answer)
}

// Stop tears down the current session. It is a no-op without one.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	s := p.cur
	p.cur = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}

	p.log.Info("stopping")
	err := s.close(ctx)
	p.setLive(false)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// Reconfigure records the target rotation and forwards it to the remote
// side. Before the control channel opens the rotation is delivered with
// the stream info instead.
func (p *Publisher) Reconfigure(rotation domain.Rotation) error {
	p.mu.Lock()
	p.rotation = rotation
	s := p.cur
	p.mu.Unlock()

	if s == nil {
		return nil
	}

	err := s.peer.SendControl(controlMessage{Action: actionSetRotation, Rotation: int(rotation)})
	if errors.Is(err, errControlNotOpen) {
		return nil
	}
	return err
}

func (p *Publisher) sendStreamInfo(s *session) {
	p.mu.Lock()
	rotation := p.rotation
	p.mu.Unlock()

	msg := controlMessage{
		Action:   actionStreamInfo,
		Rotation: int(rotation),
		Width:    p.opts.Video.Width,
		Height:   p.opts.Video.Height,
		FPS:      p.opts.Video.FPS,
		Bitrate:  p.opts.Video.Bitrate,
	}
	if err := s.peer.SendControl(msg); err != nil {
		p.log.Warnf("send stream info: %v", err)
	}
}

func (p *Publisher) isCurrent(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur == s
}

func (p *Publisher) handleState(s *session, state pion.PeerConnectionState) {
	if !p.isCurrent(s) {
		return
	}

	switch state {
	case pion.PeerConnectionStateConnected:
		s.connectOnce.Do(func() { close(s.connected) })
		p.setLive(true)

	case pion.PeerConnectionStateDisconnected:
		p.log.Warn("peer connection interrupted, waiting for recovery")

	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
		p.lose(s, fmt.Errorf("%w: peer connection %s", ErrConnectionClosed, state))
	}
}

// lose detaches s after an unexpected loss, reports it and closes s in
// the background.
func (p *Publisher) lose(s *session, err error) {
	p.mu.Lock()
	if p.cur != s {
		p.mu.Unlock()
		return
	}
	p.cur = nil
	p.mu.Unlock()

	s.fail(err)
	if p.setLive(false) {
		p.log.Warnf("connection lost: %v", err)
		p.emitError(err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if err := s.close(ctx); err != nil {
			p.log.Debugf("close lost session: %v", err)
		}
	}()
}

// abort releases a session whose Start failed.
func (p *Publisher) abort(s *session) {
	p.mu.Lock()
	if p.cur == s {
		p.cur = nil
	}
	p.mu.Unlock()

	p.setLive(false)

	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := s.close(ctx); err != nil {
		p.log.Debugf("close failed session: %v", err)
	}
}

// setLive publishes a connection state change and reports whether the
// state changed.
func (p *Publisher) setLive(live bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live == live {
		return false
	}
	p.live = live

	select {
	case p.states <- live:
	default:
		p.log.Warnf("connection state %v dropped, no listener", live)
	}
	return true
}

func (p *Publisher) emitError(err error) {
	select {
	case p.errs <- err:
	default:
		p.log.Warnf("error dropped, no listener: %v", err)
	}
}

// writeSamples paces NAL units onto the track at the configured frame
// rate. Parameter sets and other non-picture units share the timestamp of
// the next frame.
func (p *Publisher) writeSamples(ctx context.Context, s *session, nals <-chan *h264reader.NAL) {
	frame := time.Second / time.Duration(p.opts.Video.FPS)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var frames uint64
	defer func() {
		p.log.Debugf("sample writer done after %d frames", frames)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case nal, ok := <-nals:
			if !ok {
				if err := p.source.Err(); err != nil {
					p.emitError(err)
				}
				return
			}

			var duration time.Duration
			if isFrame(nal) {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
				duration = frame
				frames++
			}

			if err := s.peer.WriteSample(media.Sample{Data: nal.Data, Duration: duration}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				p.log.Warnf("write sample: %v", err)
			}
		}
	}
}
