package session

import (
	"time"

	"camcast/native/internal/domain"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type controllerOptions struct {
	logger       logrus.FieldLogger
	orientation  domain.OrientationSource
	lock         domain.OrientationLock
	startTimeout time.Duration
	stopTimeout  time.Duration
	now          func() time.Time
	newID        func() string
}

// Option configures a Controller.
type Option func(opts *controllerOptions)

func withDefaults() Option {
	return withOptions(
		WithLogger(logrus.StandardLogger()),
		WithOrientationLock(nopLock{}),
		WithStopTimeout(5*time.Second),
		WithClock(time.Now),
		WithIDGenerator(uuid.NewString),
	)
}

func withOptions(os ...Option) Option {
	return func(opts *controllerOptions) {
		for _, o := range os {
			o(opts)
		}
	}
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(opts *controllerOptions) {
		opts.logger = logger
	}
}

// WithOrientationSource subscribes the controller to rotation changes on Bind.
func WithOrientationSource(src domain.OrientationSource) Option {
	return func(opts *controllerOptions) {
		opts.orientation = src
	}
}

// WithOrientationLock sets the lock taken while a session is live.
func WithOrientationLock(lock domain.OrientationLock) Option {
	return func(opts *controllerOptions) {
		opts.lock = lock
	}
}

// WithStartTimeout bounds how long a start may stay unresolved. Zero
// waits indefinitely.
func WithStartTimeout(d time.Duration) Option {
	return func(opts *controllerOptions) {
		opts.startTimeout = d
	}
}

// WithStopTimeout bounds each stop command issued to the publisher.
func WithStopTimeout(d time.Duration) Option {
	return func(opts *controllerOptions) {
		opts.stopTimeout = d
	}
}

// WithClock sets the time source for error timestamps.
func WithClock(now func() time.Time) Option {
	return func(opts *controllerOptions) {
		opts.now = now
	}
}

// WithIDGenerator sets how session IDs are made.
func WithIDGenerator(f func() string) Option {
	return func(opts *controllerOptions) {
		opts.newID = f
	}
}

type nopLock struct{}

func (nopLock) Lock()   {}
func (nopLock) Unlock() {}

type nopPresenter struct{}

func (nopPresenter) OnPresentation(domain.Presentation) {}
func (nopPresenter) OnConnectionLost(string)            {}
func (nopPresenter) OnOperationError(string)            {}
