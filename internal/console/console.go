package console

import (
	"fmt"
	"io"
	"sync"

	"camcast/native/internal/domain"

	"github.com/sirupsen/logrus"
)

// Session is the part of the session controller the console drives.
type Session interface {
	CurrentPresentationState() domain.Presentation
	RequestStart(destination string)
	RequestStop()
}

// Console renders session output on a terminal and turns toggle requests
// into session commands. It implements domain.Presenter and
// domain.OrientationLock.
type Console struct {
	out         io.Writer
	destination func() string
	session     Session
	log         logrus.FieldLogger

	mu     sync.Mutex
	last   *domain.Presentation
	locked bool
}

// New creates a Console writing to out. destination is resolved on every
// start request. Call SetSession before Toggle.
func New(out io.Writer, destination func() string, logger logrus.FieldLogger) *Console {
	return &Console{
		out:         out,
		destination: destination,
		log:         logger.WithField("component", "console"),
	}
}

// SetSession injects the session after construction. The session needs
// the console as its presenter, and the console needs the session to
// toggle it.
func (c *Console) SetSession(s Session) {
	c.session = s
}

// Toggle starts the session when it is disengaged and stops it otherwise.
func (c *Console) Toggle() {
	if c.session == nil {
		c.log.Warn("toggle before session was set")
		return
	}

	if c.session.CurrentPresentationState().ToggleEngaged {
		c.log.Info("toggle: stop")
		c.session.RequestStop()
		return
	}

	dest := c.destination()
	c.log.Infof("toggle: start %s", dest)
	c.session.RequestStart(dest)
}

// OnPresentation prints the status line when it changes.
func (c *Console) OnPresentation(p domain.Presentation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && *c.last == p {
		return
	}
	c.last = &p

	status := "stopped"
	if p.ToggleEngaged {
		status = "streaming"
	}
	orientation := "free"
	if p.OrientationLocked {
		orientation = "locked"
	}
	c.printf("[%s] orientation %s\n", status, orientation)
}

// OnConnectionLost prints a connection lost notice.
func (c *Console) OnConnectionLost(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("connection lost: %s\n", message)
}

// OnOperationError prints a failed operation.
func (c *Console) OnOperationError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("error: %s\n", message)
}

// Lock pins the displayed orientation.
func (c *Console) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
	c.log.Debug("orientation locked")
}

// Unlock releases the displayed orientation.
func (c *Console) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = false
	c.log.Debug("orientation unlocked")
}

// Locked reports whether the orientation is pinned.
func (c *Console) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

func (c *Console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.log.Debugf("write console: %v", err)
	}
}
