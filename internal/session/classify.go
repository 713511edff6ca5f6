package session

import (
	"errors"
	"time"
)

// ErrPermissionDenied is reported when the required capture devices are
// not accessible. A session cannot start until permissions are granted.
var ErrPermissionDenied = errors.New("permission denied")

// ErrorKind tags an ErrorEvent with how it is surfaced.
type ErrorKind int

const (
	General ErrorKind = iota
	ConnectionLost
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case General:
		return "general"
	case ConnectionLost:
		return "connection_lost"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// ErrorEvent is one classified failure.
type ErrorEvent struct {
	Kind    ErrorKind
	Message string
	Time    time.Time
	Err     error
}

// Classify tags err. isConnectionLost is the publisher's own predicate;
// only the publisher knows its error taxonomy.
func Classify(err error, isConnectionLost func(error) bool, now time.Time) ErrorEvent {
	ev := ErrorEvent{
		Kind:    General,
		Message: err.Error(),
		Time:    now,
		Err:     err,
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		ev.Kind = PermissionDenied
	case isConnectionLost != nil && isConnectionLost(err):
		ev.Kind = ConnectionLost
	}
	return ev
}
