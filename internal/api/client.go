package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"camcast/native/internal/domain"

	"github.com/sirupsen/logrus"
)

const contentTypeSDP = "application/sdp"

// ErrNoResource is returned when the server accepted an offer without
// naming the session resource.
var ErrNoResource = errors.New("whip: response has no Location")

// Client publishes a session to a WHIP endpoint.
// It implements domain.Signaler.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      logrus.FieldLogger

	mu       sync.Mutex
	resource string
}

// NewClient creates a WHIP client. A token query parameter on endpoint is
// moved into the Authorization header.
func NewClient(endpoint string, httpClient *http.Client, logger logrus.FieldLogger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	q := u.Query()
	token := q.Get("token")
	q.Del("token")
	u.RawQuery = q.Encode()

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		endpoint: u.String(),
		token:    token,
		http:     httpClient,
		log:      logger.WithField("component", "whip"),
	}, nil
}

// Publish posts the SDP offer and returns the SDP answer.
func (c *Client) Publish(ctx context.Context, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", ErrNoResource
	}
	resource, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", loc, err)
	}

	c.mu.Lock()
	c.resource = resource.String()
	c.mu.Unlock()

	c.log.Infof("session resource: %s", resource)
	return string(body), nil
}

// Teardown deletes the session resource. It is a no-op before a
// successful Publish and after a previous Teardown.
func (c *Client) Teardown(ctx context.Context) error {
	c.mu.Lock()
	resource := c.resource
	c.resource = ""
	c.mu.Unlock()

	if resource == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("http %d on delete", resp.StatusCode)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Negotiate implements domain.Signaler.
func (c *Client) Negotiate(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	answer, err := c.Publish(ctx, offer.SDP)
	if err != nil {
		return domain.SDPPayload{}, err
	}
	return domain.SDPPayload{Type: "answer", SDP: answer}, nil
}

// SetOnClose implements domain.Signaler. WHIP has no server push.
func (c *Client) SetOnClose(func(err error)) {}

// Close implements domain.Signaler.
func (c *Client) Close(ctx context.Context) error {
	return c.Teardown(ctx)
}
