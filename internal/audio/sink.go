package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Output kinds accepted by NewSinkFactory
const (
	OutputNone      = "none"
	OutputWAV       = "wav"
	OutputPortAudio = "portaudio"
)

// Sink is the destination of processed interleaved stereo blocks
type Sink interface {
	// WriteBlock consumes one processed block. The sink must not retain samples.
	WriteBlock(samples []float32) error

	// Close flushes and releases the destination
	Close() error
}

// SinkConfig selects and parameterizes the output destination
type SinkConfig struct {
	Kind        string
	SampleRate  int
	BlockFrames int
	RecordPath  string
}

// SinkFactory builds a fresh sink for every audio session
type SinkFactory func() (Sink, error)

// NewSinkFactory returns a factory for the configured output kind
func NewSinkFactory(cfg SinkConfig, logger *slog.Logger) (SinkFactory, error) {
	switch cfg.Kind {
	case OutputNone, "":
		return func() (Sink, error) { return DiscardSink{}, nil }, nil

	case OutputWAV:
		if cfg.RecordPath == "" {
			return nil, fmt.Errorf("record path required for %q output", OutputWAV)
		}
		var seq atomic.Uint64
		return func() (Sink, error) {
			path := sessionPath(cfg.RecordPath, time.Now(), seq.Add(1))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create recording directory: %w", err)
			}
			logger.Info("Recording session", slog.String("path", path))
			return NewWAVRecorder(path, cfg.SampleRate)
		}, nil

	case OutputPortAudio:
		return func() (Sink, error) {
			return NewPortAudioSink(cfg.SampleRate, cfg.BlockFrames, logger)
		}, nil

	default:
		return nil, fmt.Errorf("unknown output kind: %q", cfg.Kind)
	}
}

// sessionPath names one session's recording after the configured path, so
// recordings/karaoke.wav becomes recordings/karaoke-20261018-150405-1.wav
func sessionPath(base string, now time.Time, seq uint64) string {
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%s-%d%s", strings.TrimSuffix(base, ext), now.Format("20060102-150405"), seq, ext)
}

// DiscardSink drops every block
type DiscardSink struct{}

// WriteBlock implements Sink
func (DiscardSink) WriteBlock([]float32) error { return nil }

// Close implements Sink
func (DiscardSink) Close() error { return nil }
