package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"camcast/native/internal/domain"
	"camcast/native/internal/signal"

	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignaler struct {
	mu        sync.Mutex
	offers    int
	closed    int
	onClose   func(err error)
	negotiate func(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error)
}

func (f *fakeSignaler) Negotiate(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	f.mu.Lock()
	f.offers++
	fn := f.negotiate
	f.mu.Unlock()
	return fn(ctx, offer)
}

func (f *fakeSignaler) SetOnClose(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeSignaler) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSignaler) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// idleSource never produces data.
func idleSource(t *testing.T) func() (io.ReadCloser, error) {
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	return func() (io.ReadCloser, error) { return r, nil }
}

func newTestPublisher(t *testing.T, sig domain.Signaler) *Publisher {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts := PublisherOptions{
		Video:      VideoParams{Width: 640, Height: 480, FPS: 30, Bitrate: 1_000_000},
		OpenSource: idleSource(t),
	}
	if sig != nil {
		opts.NewSignaler = func(*url.URL) (domain.Signaler, error) { return sig, nil }
	}
	return NewPublisher(opts, logger)
}

func TestStart_UnsupportedScheme(t *testing.T) {
	p := newTestPublisher(t, nil)

	err := p.Start(context.Background(), "rtmp://example.com/live")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported destination scheme")
	assert.Empty(t, p.ConnectionState())
}

func TestStart_NegotiationFailureCleansUp(t *testing.T) {
	sig := &fakeSignaler{negotiate: func(context.Context, domain.SDPPayload) (domain.SDPPayload, error) {
		return domain.SDPPayload{}, errors.New("server rejected offer")
	}}
	p := newTestPublisher(t, sig)

	err := p.Start(context.Background(), "ws://localhost/publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server rejected offer")
	assert.Equal(t, 1, sig.closeCount())
	assert.Nil(t, p.cur)

	// Nothing left to stop.
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, sig.closeCount())
}

func TestStart_HonorsContext(t *testing.T) {
	sig := &fakeSignaler{negotiate: func(ctx context.Context, _ domain.SDPPayload) (domain.SDPPayload, error) {
		<-ctx.Done()
		return domain.SDPPayload{}, ctx.Err()
	}}
	p := newTestPublisher(t, sig)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := p.Start(ctx, "ws://localhost/publish")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, sig.closeCount())
}

func TestStart_SourceOpenFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewPublisher(PublisherOptions{
		OpenSource: func() (io.ReadCloser, error) { return nil, errors.New("no such device") },
	}, logger)

	err := p.Start(context.Background(), "ws://localhost/publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
}

func TestStop_WithoutSession(t *testing.T) {
	p := newTestPublisher(t, nil)

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.Empty(t, p.ConnectionState())
}

func TestReconfigure_WithoutSessionRecordsRotation(t *testing.T) {
	p := newTestPublisher(t, nil)

	require.NoError(t, p.Reconfigure(domain.Rotation90))
	assert.Equal(t, domain.Rotation90, p.rotation)
}

func TestIsConnectionLost(t *testing.T) {
	p := newTestPublisher(t, nil)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"closed", ErrConnectionClosed, true},
		{"wrapped closed", fmt.Errorf("stream: %w", ErrConnectionClosed), true},
		{"remote bye", fmt.Errorf("%w: shutdown", signal.ErrRemoteClosed), true},
		{"websocket close", fmt.Errorf("read: %w", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}), true},
		{"timeout", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.IsConnectionLost(tc.err))
		})
	}
}

func TestSetLive_Deduplicates(t *testing.T) {
	p := newTestPublisher(t, nil)

	assert.True(t, p.setLive(true))
	assert.False(t, p.setLive(true))
	assert.True(t, p.setLive(false))
	assert.False(t, p.setLive(false))

	require.Len(t, p.ConnectionState(), 2)
	assert.True(t, <-p.ConnectionState())
	assert.False(t, <-p.ConnectionState())
}

func attachSession(t *testing.T, p *Publisher, sig *fakeSignaler) *session {
	t.Helper()
	logger, _ := test.NewNullLogger()
	peer, err := NewPeer(nil, logger)
	require.NoError(t, err)

	s := newSession(peer, sig)
	p.mu.Lock()
	p.cur = s
	p.mu.Unlock()
	return s
}

func TestLose_ReportsOnceAndReleases(t *testing.T) {
	sig := &fakeSignaler{}
	p := newTestPublisher(t, sig)
	s := attachSession(t, p, sig)
	p.setLive(true)
	<-p.ConnectionState()

	lost := fmt.Errorf("%w: signaling: eof", ErrConnectionClosed)
	p.lose(s, lost)
	p.lose(s, lost)

	assert.False(t, <-p.ConnectionState())
	require.ErrorIs(t, <-p.Errors(), ErrConnectionClosed)
	assert.Empty(t, p.Errors())
	assert.Eventually(t, func() bool { return sig.closeCount() == 1 }, time.Second, 10*time.Millisecond)

	// The lost session is gone; Stop has nothing to do.
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, sig.closeCount())
}

func TestLose_StaleSessionIgnored(t *testing.T) {
	sig := &fakeSignaler{}
	p := newTestPublisher(t, sig)
	old := attachSession(t, p, sig)
	s := attachSession(t, p, sig)
	p.setLive(true)
	<-p.ConnectionState()

	p.lose(old, ErrConnectionClosed)

	assert.Empty(t, p.ConnectionState())
	assert.Empty(t, p.Errors())
	assert.True(t, p.isCurrent(s))

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, <-p.ConnectionState())
	require.NoError(t, old.close(context.Background()))
}

func TestLose_BeforeLiveFailsStart(t *testing.T) {
	sig := &fakeSignaler{}
	p := newTestPublisher(t, sig)
	s := attachSession(t, p, sig)

	p.lose(s, ErrConnectionClosed)

	// Start receives the loss; no live event and no async error.
	require.ErrorIs(t, <-s.failed, ErrConnectionClosed)
	assert.Empty(t, p.ConnectionState())
	assert.Empty(t, p.Errors())
}

// answerWith makes remote answer every offer, the way an ingest would.
func answerWith(remote *pion.PeerConnection) func(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	return func(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
		err := remote.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP})
		if err != nil {
			return domain.SDPPayload{}, err
		}
		answer, err := remote.CreateAnswer(nil)
		if err != nil {
			return domain.SDPPayload{}, err
		}

		gathered := pion.GatheringCompletePromise(remote)
		if err := remote.SetLocalDescription(answer); err != nil {
			return domain.SDPPayload{}, err
		}
		select {
		case <-gathered:
		case <-ctx.Done():
			return domain.SDPPayload{}, ctx.Err()
		}
		return domain.SDPPayload{Type: "answer", SDP: remote.LocalDescription().SDP}, nil
	}
}

func nextControl(t *testing.T, ch <-chan controlMessage) controlMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("no control message received")
		return controlMessage{}
	}
}

func nextState(t *testing.T, p *Publisher) bool {
	t.Helper()
	select {
	case live := <-p.ConnectionState():
		return live
	case <-time.After(5 * time.Second):
		t.Fatal("no connection state received")
		return false
	}
}

// streamingSource keeps writing a short IDR sequence until the test ends.
func streamingSource(t *testing.T) func() (io.ReadCloser, error) {
	r, w := io.Pipe()
	done := make(chan struct{})
	finished := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		w.Close()
		<-finished
	})

	unit := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0xE0, 0x1F, 0xDA,
		0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33, 0xFF,
	}
	go func() {
		defer close(finished)
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := w.Write(unit); err != nil {
					return
				}
			}
		}
	}()
	return func() (io.ReadCloser, error) { return r, nil }
}

func TestStart_LoopbackPublishes(t *testing.T) {
	remote, err := pion.NewPeerConnection(pion.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	control := make(chan controlMessage, 8)
	remote.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() != controlLabel {
			return
		}
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			var m controlMessage
			if err := json.Unmarshal(msg.Data, &m); err == nil {
				control <- m
			}
		})
	})

	gotRTP := make(chan struct{})
	var rtpOnce sync.Once
	remote.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		if _, _, err := track.ReadRTP(); err == nil {
			rtpOnce.Do(func() { close(gotRTP) })
		}
	})

	sig := &fakeSignaler{negotiate: answerWith(remote)}
	logger, _ := test.NewNullLogger()
	p := NewPublisher(PublisherOptions{
		Video:       VideoParams{Width: 640, Height: 480, FPS: 30, Bitrate: 1_000_000},
		OpenSource:  streamingSource(t),
		NewSignaler: func(*url.URL) (domain.Signaler, error) { return sig, nil },
	}, logger)
	require.NoError(t, p.Reconfigure(domain.Rotation180))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx, "ws://localhost/publish"))
	assert.True(t, nextState(t, p))

	info := nextControl(t, control)
	assert.Equal(t, actionStreamInfo, info.Action)
	assert.Equal(t, 180, info.Rotation)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 480, info.Height)
	assert.Equal(t, 30, info.FPS)

	require.NoError(t, p.Reconfigure(domain.Rotation90))
	rot := nextControl(t, control)
	assert.Equal(t, actionSetRotation, rot.Action)
	assert.Equal(t, 90, rot.Rotation)

	select {
	case <-gotRTP:
	case <-time.After(10 * time.Second):
		t.Fatal("no RTP received")
	}

	require.NoError(t, p.Stop(ctx))
	assert.False(t, nextState(t, p))
	assert.Equal(t, 1, sig.closeCount())
	assert.Empty(t, p.Errors())
}
