// Package permission checks access to the capture devices a session needs.
package permission

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Outcome is the result of one permission check.
type Outcome int

const (
	Granted Outcome = iota
	Denied
	RationaleNeeded
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case RationaleNeeded:
		return "rationale_needed"
	default:
		return "unknown"
	}
}

// Callbacks receive the outcome of Request.
type Callbacks struct {
	OnAllGranted func()
	// OnRationale is called when some devices exist but are not readable.
	// Calling retry re-checks once; a second failure is reported as denied.
	// Further calls to retry do nothing.
	OnRationale func(missing []string, retry func())
	OnDenied    func(missing []string)
}

// Gate checks that every required device path can be opened for reading.
// "-" stands for standard input and is always granted.
type Gate struct {
	required []string
	cb       Callbacks
	log      logrus.FieldLogger
	open     func(name string) (*os.File, error)

	once    sync.Once
	mu      sync.Mutex
	outcome Outcome
}

// NewGate creates a gate for the given device paths. Empty paths are ignored.
func NewGate(required []string, cb Callbacks, logger logrus.FieldLogger) *Gate {
	var paths []string
	for _, p := range required {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return &Gate{
		required: paths,
		cb:       cb,
		log:      logger.WithField("component", "permission"),
		open:     os.Open,
	}
}

// Request checks the required devices and reports the outcome through the
// callbacks. Only the first call reports; later calls return the latest
// outcome, which a rationale retry may have replaced.
func (g *Gate) Request() Outcome {
	g.once.Do(func() {
		g.setOutcome(g.check(true))
	})
	return g.Outcome()
}

// Outcome returns the latest result without checking again.
func (g *Gate) Outcome() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

func (g *Gate) setOutcome(o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcome = o
}

func (g *Gate) check(allowRationale bool) Outcome {
	var (
		missing   []string
		forbidden bool
	)
	for _, p := range g.required {
		if err := g.access(p); err != nil {
			g.log.Warnf("%s: %v", p, err)
			missing = append(missing, p)
			if errors.Is(err, fs.ErrPermission) {
				forbidden = true
			}
		}
	}

	switch {
	case len(missing) == 0:
		g.log.Debugf("all %d devices accessible", len(g.required))
		call(g.cb.OnAllGranted)
		return Granted
	case forbidden && allowRationale && g.cb.OnRationale != nil:
		var retried sync.Once
		g.cb.OnRationale(missing, func() {
			retried.Do(func() { g.setOutcome(g.check(false)) })
		})
		return RationaleNeeded
	default:
		if g.cb.OnDenied != nil {
			g.cb.OnDenied(missing)
		}
		return Denied
	}
}

func (g *Gate) access(path string) error {
	if path == "-" {
		return nil
	}
	f, err := g.open(path)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	return f.Close()
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
