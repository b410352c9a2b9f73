package audio

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSink plays processed blocks on the default output device.
// Incoming blocks of any size are re-framed into the stream's buffer.
type PortAudioSink struct {
	stream *portaudio.Stream
	out    []float32 // interleaved, framesPerBuffer*Channels
	filled int
	logger *slog.Logger
}

// NewPortAudioSink opens and starts a blocking stereo output stream
func NewPortAudioSink(sampleRate, framesPerBuffer int, logger *slog.Logger) (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	s := &PortAudioSink{
		out:    make([]float32, framesPerBuffer*Channels),
		logger: logger,
	}

	stream, err := portaudio.OpenDefaultStream(0, Channels, float64(sampleRate), framesPerBuffer, &s.out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}

	s.stream = stream
	logger.Info("PortAudio output started",
		slog.Int("sample_rate", sampleRate),
		slog.Int("frames_per_buffer", framesPerBuffer),
	)

	return s, nil
}

// WriteBlock queues samples and writes every completed device buffer
func (s *PortAudioSink) WriteBlock(samples []float32) error {
	for len(samples) > 0 {
		n := copy(s.out[s.filled:], samples)
		s.filled += n
		samples = samples[n:]

		if s.filled == len(s.out) {
			if err := s.stream.Write(); err != nil {
				s.filled = 0
				return fmt.Errorf("failed to write output buffer: %w", err)
			}
			s.filled = 0
		}
	}
	return nil
}

// Close stops the stream and terminates PortAudio
func (s *PortAudioSink) Close() error {
	var firstErr error
	if err := s.stream.Stop(); err != nil {
		firstErr = fmt.Errorf("failed to stop output stream: %w", err)
	}
	if err := s.stream.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close output stream: %w", err)
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return firstErr
}
