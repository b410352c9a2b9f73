package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/audio"
	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/transform"
)

// session bundles every resource of one live capture. release is the only
// teardown path and tolerates partially built sessions.
type session struct {
	handle    capture.Handle
	stream    capture.Stream
	adapter   *audio.StreamBufferAdapter
	engine    transform.Engine
	sink      audio.Sink
	startedAt time.Time

	out []float32

	blocks      uint64
	fallbacks   uint64
	evictions   uint64
	shortfall   uint64
	sinkErrors  uint64
	lastSinkErr error
}

// output returns a scratch block of n samples
func (s *session) output(n int) []float32 {
	if cap(s.out) < n {
		s.out = make([]float32, n)
	}
	return s.out[:n]
}

func (s *session) release() error {
	var errs []error

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.stream = nil
	}
	if s.engine != nil {
		s.engine.Clear()
		s.engine = nil
	}
	if s.adapter != nil {
		s.adapter.Clear()
		s.adapter = nil
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		s.sink = nil
	}

	return errors.Join(errs...)
}
