package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/sirupsen/logrus"
)

// OpenFile returns an opener for path. "-" selects stdin.
func OpenFile(path string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		if path == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		return os.Open(path)
	}
}

type subscriber struct {
	ctx  context.Context
	nals chan *h264reader.NAL
}

// nalSource reads the video input once for the lifetime of the process
// and hands NAL units to the attached writer. Units read while no writer
// is attached are dropped, except the latest SPS and PPS, which prime the
// next writer.
type nalSource struct {
	open func() (io.ReadCloser, error)
	log  logrus.FieldLogger

	startOnce sync.Once
	openErr   error

	mu  sync.Mutex
	sub *subscriber
	sps *h264reader.NAL
	pps *h264reader.NAL
	err error
}

func newNALSource(open func() (io.ReadCloser, error), logger logrus.FieldLogger) *nalSource {
	return &nalSource{open: open, log: logger}
}

// Start opens the input on first use and reports an open failure.
func (s *nalSource) Start() error {
	s.startOnce.Do(func() {
		rc, err := s.open()
		if err != nil {
			s.openErr = fmt.Errorf("open video source: %w", err)
			s.mu.Lock()
			s.err = s.openErr
			s.mu.Unlock()
			return
		}
		go s.run(rc)
	})
	return s.openErr
}

// Attach makes ctx's writer the receiver of all following NAL units. The
// returned channel is closed when the input ends.
func (s *nalSource) Attach(ctx context.Context) <-chan *h264reader.NAL {
	sub := &subscriber{ctx: ctx, nals: make(chan *h264reader.NAL, 8)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		close(sub.nals)
		return sub.nals
	}
	if s.sps != nil {
		sub.nals <- s.sps
	}
	if s.pps != nil {
		sub.nals <- s.pps
	}
	s.sub = sub
	return sub.nals
}

// Err returns why the input ended, or nil while it is running.
func (s *nalSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *nalSource) run(rc io.ReadCloser) {
	defer rc.Close()
	r, err := h264reader.NewReader(rc)
	if err != nil {
		s.finish(err)
		return
	}

	for {
		nal, err := r.NextNAL()
		if err != nil {
			s.finish(err)
			return
		}

		s.mu.Lock()
		switch nal.UnitType {
		case h264reader.NalUnitTypeSPS:
			s.sps = nal
		case h264reader.NalUnitTypePPS:
			s.pps = nal
		}
		sub := s.sub
		s.mu.Unlock()

		if sub == nil {
			continue
		}

		select {
		case sub.nals <- nal:
		case <-sub.ctx.Done():
			s.mu.Lock()
			if s.sub == sub {
				s.sub = nil
			}
			s.mu.Unlock()
		}
	}
}

func (s *nalSource) finish(err error) {
	if errors.Is(err, io.EOF) {
		s.log.Info("video source ended")
	} else {
		s.log.Warnf("video source read error: %v", err)
	}

	s.mu.Lock()
	s.err = fmt.Errorf("video source ended: %w", err)
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		close(sub.nals)
	}
}

// isFrame reports whether nal carries a coded picture slice.
func isFrame(nal *h264reader.NAL) bool {
	return nal.UnitType >= h264reader.NalUnitTypeCodedSliceNonIdr &&
		nal.UnitType <= h264reader.NalUnitTypeCodedSliceIdr
}
