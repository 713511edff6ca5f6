package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"camcast/native/internal/domain"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// ErrRemoteClosed is reported when the server ends the session with bye.
var ErrRemoteClosed = errors.New("signaling closed by remote")

const (
	typeOffer  = "offer"
	typeAnswer = "answer"
	typeBye    = "bye"
	typeError  = "error"
)

// message is the WebSocket message envelope.
type message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	SDP    string `json:"sdp,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type answer struct {
	sdp domain.SDPPayload
	err error
}

// Client negotiates a publish session over a WebSocket.
// It implements domain.Signaler.
type Client struct {
	url          string
	header       http.Header
	id           string
	pingInterval time.Duration
	log          logrus.FieldLogger

	conn    *websocket.Conn
	mu      sync.Mutex
	answers chan answer
	onClose func(err error)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a signaling client for the ws:// or wss:// url.
func NewClient(url string, pingInterval time.Duration, logger logrus.FieldLogger) *Client {
	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("camcast-%d", time.Now().UnixMilli())
	}
	return &Client{
		url:          url,
		header:       http.Header{},
		id:           id,
		pingInterval: pingInterval,
		log:          logger.WithFields(logrus.Fields{"component": "signal", "client_id": id}),
		answers:      make(chan answer, 1),
		closed:       make(chan struct{}),
	}
}

// SetOnClose registers fn to be called once if the connection ends
// without a local Close.
func (c *Client) SetOnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Negotiate dials the server if needed, sends the offer and waits for the
// answer.
func (c *Client) Negotiate(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	if err := c.connect(ctx); err != nil {
		return domain.SDPPayload{}, err
	}

	if err := c.sendJSON(message{Type: typeOffer, ID: c.id, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("send offer: %w", err)
	}

	select {
	case a := <-c.answers:
		return a.sdp, a.err
	case <-c.closed:
		return domain.SDPPayload{}, fmt.Errorf("await answer: %w", ErrRemoteClosed)
	case <-ctx.Done():
		return domain.SDPPayload{}, fmt.Errorf("await answer: %w", ctx.Err())
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	c.log.Infof("connecting to %s", c.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}
	return nil
}

// Close sends bye and shuts down the WebSocket connection.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		_ = c.sendJSON(message{Type: typeBye, ID: c.id})
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		err = conn.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.log.Debugf(">>> %s", string(data))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.log.Warnf("read error: %v", err)
				c.remoteClosed(err)
			}
			return
		}

		c.log.Debugf("<<< %s", string(data))

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			continue
		}

		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one message and reports whether reading should go on.
func (c *Client) dispatch(msg message) bool {
	switch msg.Type {
	case typeAnswer:
		c.deliver(answer{sdp: domain.SDPPayload{Type: typeAnswer, SDP: msg.SDP}})

	case typeError:
		c.log.Warnf("server error: %s", msg.Reason)
		c.deliver(answer{err: fmt.Errorf("negotiate: server error: %s", msg.Reason)})

	case typeBye:
		c.log.Infof("server said bye: %s", msg.Reason)
		c.remoteClosed(fmt.Errorf("%w: %s", ErrRemoteClosed, msg.Reason))
		return false

	default:
		c.log.Debugf("unhandled message type: %s", msg.Type)
	}
	return true
}

func (c *Client) deliver(a answer) {
	select {
	case c.answers <- a:
	default:
		c.log.Debug("no negotiation waiting, dropping answer")
	}
}

func (c *Client) remoteClosed(err error) {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		if fn != nil {
			fn(err)
		}
	})
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				if !c.isClosed() {
					c.log.Warnf("ping error: %v", err)
				}
				return
			}
		}
	}
}
