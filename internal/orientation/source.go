// Package orientation turns a polled rotation reading into a stream of
// rotation changes.
package orientation

import (
	"context"
	"errors"
	"os"
	"time"

	"camcast/native/internal/domain"

	"github.com/sirupsen/logrus"
)

// FileSource polls a file holding the device rotation in degrees, such as
// one maintained by an accelerometer daemon.
type FileSource struct {
	path     string
	interval time.Duration
	log      logrus.FieldLogger
}

// NewFileSource creates a source polling path every interval.
func NewFileSource(path string, interval time.Duration, logger logrus.FieldLogger) *FileSource {
	return &FileSource{
		path:     path,
		interval: interval,
		log:      logger.WithField("component", "orientation"),
	}
}

// Subscribe starts a new poll loop. The first readable value is always
// emitted; later values only when they change. The channel closes when
// ctx ends.
func (s *FileSource) Subscribe(ctx context.Context) <-chan domain.Rotation {
	out := make(chan domain.Rotation, 1)
	go s.poll(ctx, out)
	return out
}

func (s *FileSource) poll(ctx context.Context, out chan domain.Rotation) {
	defer close(out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		last    domain.Rotation
		emitted bool
		failing bool
	)
	for {
		r, err := s.read()
		switch {
		case err != nil:
			if !failing {
				s.log.Warnf("read rotation: %v", err)
				failing = true
			}
		case !emitted || r != last:
			failing = false
			// Latest wins: replace a value the consumer has not taken yet.
			select {
			case <-out:
			default:
			}
			out <- r
			last, emitted = r, true
			s.log.Debugf("rotation %s", r)
		default:
			failing = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *FileSource) read() (domain.Rotation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return domain.Rotation0, err
	}
	if len(data) == 0 {
		return domain.Rotation0, errors.New("empty rotation file")
	}
	return domain.ParseRotation(string(data))
}
