package audio

import (
	"fmt"
	"math"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	recordBitDepth = 16
	wavFormatPCM   = 1
)

// WAVRecorder writes processed blocks to a 16-bit stereo PCM WAV file
type WAVRecorder struct {
	file    *os.File
	encoder *wav.Encoder
	buf     *goaudio.IntBuffer

	framesWritten uint64
	mu            sync.Mutex
}

// NewWAVRecorder creates (or truncates) the WAV file at path
func NewWAVRecorder(path string, sampleRate int) (*WAVRecorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}

	return &WAVRecorder{
		file:    file,
		encoder: wav.NewEncoder(file, sampleRate, recordBitDepth, Channels, wavFormatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: Channels, SampleRate: sampleRate},
			SourceBitDepth: recordBitDepth,
		},
	}, nil
}

// WriteBlock converts float samples in [-1,1] to PCM-16 and appends them
func (r *WAVRecorder) WriteBlock(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cap(r.buf.Data) < len(samples) {
		r.buf.Data = make([]int, len(samples))
	}
	r.buf.Data = r.buf.Data[:len(samples)]

	for i, s := range samples {
		r.buf.Data[i] = floatToPCM16(s)
	}

	if err := r.encoder.Write(r.buf); err != nil {
		return fmt.Errorf("failed to write WAV block: %w", err)
	}

	r.framesWritten += uint64(len(samples) / Channels)
	return nil
}

// FramesWritten returns the number of frames recorded so far
func (r *WAVRecorder) FramesWritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesWritten
}

// Close finalizes the WAV header and closes the file
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	encErr := r.encoder.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close WAV file: %w", fileErr)
	}
	return nil
}

func floatToPCM16(s float32) int {
	v := math.Round(float64(s) * math.MaxInt16)
	return int(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
}
