package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"camcast/native/internal/domain"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Controller drives one capture-and-publish session at a time through
// Idle -> Connecting -> Live -> Stopping -> Idle.
//
// Every mutating entry point takes the same mutex for the duration of the
// transition only. Publisher calls are queued under that mutex and run by
// a single dispatcher goroutine started by Bind, so they never block the
// caller and reach the publisher in the order the transitions happened.
type Controller struct {
	publisher domain.Publisher
	presenter domain.Presenter
	opts      controllerOptions
	log       logrus.FieldLogger
	queue     *commandQueue
	view      atomic.Pointer[domain.Presentation]

	mu            sync.Mutex
	state         State
	locked        bool
	permitted     bool
	stopInFlight  bool
	restop        bool
	stopRequested bool
	rotation      domain.Rotation
	hasRotation   bool
	forwarded     domain.Rotation
	hasForwarded  bool
	sessionID     string
	cancelStart   context.CancelFunc
	presented     domain.Presentation

	bindMu         sync.Mutex
	cancelBind     context.CancelFunc
	cancelDispatch context.CancelFunc
	group          *errgroup.Group
}

// New creates an Idle controller for pub. presenter may be nil.
func New(pub domain.Publisher, presenter domain.Presenter, opts ...Option) *Controller {
	var o controllerOptions
	withDefaults()(&o)
	withOptions(opts...)(&o)

	if presenter == nil {
		presenter = nopPresenter{}
	}

	c := &Controller{
		publisher: pub,
		presenter: presenter,
		opts:      o,
		log:       o.logger.WithField("component", "session"),
		queue:     newCommandQueue(),
	}
	c.view.Store(&domain.Presentation{})
	return c
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentPresentationState returns the latest presentation snapshot. It
// never blocks on a transition and is safe to call from a Presenter.
func (c *Controller) CurrentPresentationState() domain.Presentation {
	return *c.view.Load()
}

// TargetRotation returns the most recent rotation, if any was received.
func (c *Controller) TargetRotation() (domain.Rotation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotation, c.hasRotation
}

// OnPermissionsGranted makes RequestStart legal.
func (c *Controller) OnPermissionsGranted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.permitted = true
	c.log.Info("permissions granted")
}

// OnPermissionsDenied reports the denial once as an operation error.
func (c *Controller) OnPermissionsDenied(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.permitted = false
	c.notifyLocked(Classify(fmt.Errorf("%w: %s", ErrPermissionDenied, reason), nil, c.opts.now()))
}

// RequestStart begins a session to destination. It is ignored unless the
// controller is Idle with no stop outstanding.
func (c *Controller) RequestStart(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.permitted:
		c.log.Warn("start ignored, permissions not granted")
		return
	case c.state != Idle:
		c.log.Debugf("start ignored in state %s", c.state)
		return
	case c.stopInFlight:
		c.log.Debug("start ignored, previous stop still in flight")
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.opts.startTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.opts.startTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	c.sessionID = c.opts.newID()
	c.cancelStart = cancel
	c.stopRequested = false
	c.restop = false
	c.hasForwarded = false
	c.setState(Connecting)
	c.queue.push(command{
		kind:        cmdStart,
		sessionID:   c.sessionID,
		ctx:         ctx,
		destination: destination,
	})
}

// RequestStop ends the current session. It releases the toggle at once;
// the next RequestStart waits for the publisher's stop to complete.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestStopLocked()
}

func (c *Controller) requestStopLocked() {
	if c.state != Connecting && c.state != Live {
		c.log.Debugf("stop ignored in state %s", c.state)
		return
	}
	c.stopRequested = true
	c.releaseStartLocked()
	c.setState(Stopping)
	c.issueStopLocked()
}

func (c *Controller) issueStopLocked() {
	if c.stopInFlight {
		c.restop = true
		return
	}
	c.stopInFlight = true
	c.queue.push(command{kind: cmdStop, sessionID: c.sessionID})
}

func (c *Controller) releaseStartLocked() {
	if c.cancelStart != nil {
		c.cancelStart()
		c.cancelStart = nil
	}
}

// OnPublisherConnectionChanged applies a connection-state notification.
func (c *Controller) OnPublisherConnectionChanged(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithField("session_id", c.sessionID)

	if !live {
		if c.state == Idle {
			log.Debug("duplicate disconnected state dropped")
			return
		}
		c.releaseStartLocked()
		c.restop = false
		c.setState(Idle)
		return
	}

	switch {
	case c.state == Live:
		log.Debug("duplicate live state dropped")
	case c.stopRequested:
		log.Warn("publisher went live after stop was requested, stopping again")
		if c.state == Idle {
			c.setState(Stopping)
		}
		c.issueStopLocked()
	default:
		c.setState(Live)
	}
}

// OnPublisherError classifies err and surfaces it. It never changes state.
func (c *Controller) OnPublisherError(err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.notifyLocked(Classify(err, c.publisher.IsConnectionLost, c.opts.now()))
}

// OnRotationChanged records the target rotation and forwards it to the
// publisher while live. A value already forwarded in this session is not
// sent again.
func (c *Controller) OnRotationChanged(rotation domain.Rotation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotation = rotation
	c.hasRotation = true
	if c.state != Live {
		c.log.Debugf("rotation %s stored while %s", rotation, c.state)
		return
	}
	c.forwardRotationLocked()
}

func (c *Controller) forwardRotationLocked() {
	if !c.hasRotation || (c.hasForwarded && c.forwarded == c.rotation) {
		return
	}
	c.forwarded, c.hasForwarded = c.rotation, true
	c.queue.push(command{kind: cmdReconfigure, sessionID: c.sessionID, rotation: c.rotation})
}

// setState is the only place the state changes. The orientation lock is
// taken on entering Live and released on reaching Idle, so each lock has
// exactly one unlock. Entering Live also forwards the rotation stored
// while the session was connecting.
func (c *Controller) setState(to State) {
	from := c.state
	c.state = to

	switch {
	case to == Live && !c.locked:
		c.locked = true
		c.opts.lock.Lock()
	case to == Idle && c.locked:
		c.locked = false
		c.opts.lock.Unlock()
	}

	c.log.WithField("session_id", c.sessionID).Infof("state %s -> %s", from, to)

	if to == Live && from != Live {
		c.forwardRotationLocked()
	}

	p := domain.Presentation{
		ToggleEngaged:     to == Connecting || to == Live,
		OrientationLocked: c.locked,
	}
	c.view.Store(&p)
	if p != c.presented {
		c.presented = p
		c.presenter.OnPresentation(p)
	}
}

func (c *Controller) notifyLocked(ev ErrorEvent) {
	log := c.log.WithFields(logrus.Fields{
		"session_id": c.sessionID,
		"kind":       ev.Kind,
	})

	switch ev.Kind {
	case ConnectionLost:
		log.Warnf("connection lost: %s", ev.Message)
		c.presenter.OnConnectionLost(ev.Message)
	default:
		log.Warnf("error: %s", ev.Message)
		c.presenter.OnOperationError(ev.Message)
	}
}

func (c *Controller) onStartResult(cmd command, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithField("session_id", cmd.sessionID)

	current := cmd.sessionID == c.sessionID
	if current {
		c.releaseStartLocked()
	}
	if err == nil {
		log.Debug("start returned")
		return
	}
	if !current || c.state != Connecting {
		log.Debugf("start result superseded in state %s: %v", c.state, err)
		return
	}

	if errors.Is(cmd.ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("start timed out after %s: %w", c.opts.startTimeout, err)
		c.notifyLocked(Classify(err, c.publisher.IsConnectionLost, c.opts.now()))
		c.stopRequested = true
		c.setState(Stopping)
		c.issueStopLocked()
		return
	}

	c.notifyLocked(Classify(fmt.Errorf("connection failed: %w", err), c.publisher.IsConnectionLost, c.opts.now()))
	c.setState(Idle)
}

func (c *Controller) onStopResult(cmd command, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopInFlight = false
	if err != nil {
		c.notifyLocked(Classify(fmt.Errorf("stop: %w", err), c.publisher.IsConnectionLost, c.opts.now()))
	}
	if c.restop {
		c.restop = false
		c.issueStopLocked()
		return
	}
	if c.state == Stopping {
		c.setState(Idle)
	}
}

func (c *Controller) settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Idle && !c.stopInFlight
}

func (c *Controller) dispatch(ctx context.Context) error {
	for {
		cmd, ok := c.queue.pop(ctx)
		if !ok {
			return nil
		}
		c.execute(cmd)
	}
}

func (c *Controller) execute(cmd command) {
	log := c.log.WithField("session_id", cmd.sessionID)

	switch cmd.kind {
	case cmdStart:
		log.Infof("starting stream to %s", cmd.destination)
		c.onStartResult(cmd, c.publisher.Start(cmd.ctx, cmd.destination))

	case cmdStop:
		log.Info("stopping stream")
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.stopTimeout)
		err := c.publisher.Stop(ctx)
		cancel()
		c.onStopResult(cmd, err)

	case cmdReconfigure:
		log.Debugf("target rotation %s", cmd.rotation)
		if err := c.publisher.Reconfigure(cmd.rotation); err != nil {
			c.OnPublisherError(fmt.Errorf("reconfigure rotation %s: %w", cmd.rotation, err))
		}
	}
}

// Bind starts the dispatcher and subscribes to the publisher's event
// channels and the orientation source. Calling Bind twice is a no-op.
//
// Subscriptions end with ctx. The dispatcher runs until Unbind so that
// the final stop still reaches the publisher after ctx is cancelled.
func (c *Controller) Bind(ctx context.Context) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	if c.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	dctx, dcancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.dispatch(dctx) })
	g.Go(func() error { return c.pumpConnectionState(ctx) })
	g.Go(func() error { return c.pumpErrors(ctx) })
	if c.opts.orientation != nil {
		g.Go(func() error { return c.pumpRotation(ctx) })
	}

	c.cancelBind = cancel
	c.cancelDispatch = dcancel
	c.group = g
	c.log.Debug("bound")
}

// Unbind stops a session that is not Idle, waits for the publisher to
// settle, and detaches all subscriptions. ctx bounds the wait.
func (c *Controller) Unbind(ctx context.Context) error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	if c.group == nil {
		return nil
	}

	c.RequestStop()
	waitErr := c.awaitSettled(ctx)

	c.cancelDispatch()
	c.cancelBind()
	err := c.group.Wait()
	c.cancelBind = nil
	c.cancelDispatch = nil
	c.group = nil
	c.log.Debug("unbound")

	if waitErr != nil {
		return fmt.Errorf("unbind: %w", waitErr)
	}
	return err
}

func (c *Controller) awaitSettled(ctx context.Context) error {
	for !c.settled() {
		if err := c.queue.waitIdle(ctx); err != nil {
			return err
		}
		if c.settled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (c *Controller) pumpConnectionState(ctx context.Context) error {
	states := c.publisher.ConnectionState()
	for {
		select {
		case <-ctx.Done():
			return nil
		case live, ok := <-states:
			if !ok {
				return nil
			}
			c.OnPublisherConnectionChanged(live)
		}
	}
}

func (c *Controller) pumpErrors(ctx context.Context) error {
	errs := c.publisher.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			c.OnPublisherError(err)
		}
	}
}

func (c *Controller) pumpRotation(ctx context.Context) error {
	rotations := c.opts.orientation.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-rotations:
			if !ok {
				return nil
			}
			c.OnRotationChanged(r)
		}
	}
}
