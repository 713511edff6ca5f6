package domain

import "context"

// Publisher owns capture, encoding and transport for one outbound stream.
// Start blocks until the stream is live, fails, or ctx ends.
type Publisher interface {
	Start(ctx context.Context, destination string) error
	Stop(ctx context.Context) error
	Reconfigure(rotation Rotation) error

	// ConnectionState reports true once the outbound session is live and
	// false whenever it is not.
	ConnectionState() <-chan bool
	Errors() <-chan error

	// IsConnectionLost reports whether err means the transport endpoint
	// is no longer reachable.
	IsConnectionLost(err error) bool
}

// OrientationSource emits the device rotation whenever it changes.
// Each call to Subscribe starts a fresh sequence that ends with ctx.
type OrientationSource interface {
	Subscribe(ctx context.Context) <-chan Rotation
}

// Presenter renders session output. Calls are serialized with session
// transitions and must not call back into the session synchronously.
type Presenter interface {
	OnPresentation(p Presentation)
	OnConnectionLost(message string)
	OnOperationError(message string)
}

// OrientationLock suspends rotation-driven layout changes while live.
type OrientationLock interface {
	Lock()
	Unlock()
}

// Signaler exchanges session descriptions with an ingest endpoint.
type Signaler interface {
	Negotiate(ctx context.Context, offer SDPPayload) (SDPPayload, error)
	SetOnClose(fn func(err error))
	Close(ctx context.Context) error
}
