package audio

import (
	"errors"
	"fmt"
)

// Channels is the interleaved channel count of every captured chunk
const Channels = 2

// DefaultMaxQueuedChunks caps the chunk queue when no limit is configured
const DefaultMaxQueuedChunks = 16

// ErrPartialFrame is returned when a chunk does not hold whole stereo frames
var ErrPartialFrame = errors.New("chunk holds a partial stereo frame")

// StreamBufferAdapter queues irregularly sized chunks of interleaved stereo
// samples and serves fixed-size frame requests from them.
//
// When the queue is full the oldest chunks are evicted, trading gaplessness
// for latency. The adapter is owned by a single goroutine and is not safe for
// concurrent use.
type StreamBufferAdapter struct {
	chunks    [][]float32
	readPos   int // next unconsumed frame within chunks[0]
	maxChunks int

	// Counters
	pushedChunks    uint64
	evictedChunks   uint64
	extractedFrames uint64
}

// BufferStats represents adapter statistics for monitoring
type BufferStats struct {
	QueuedChunks    int    `json:"queued_chunks"`
	QueuedFrames    int    `json:"queued_frames"`
	MaxChunks       int    `json:"max_chunks"`
	PushedChunks    uint64 `json:"pushed_chunks"`
	EvictedChunks   uint64 `json:"evicted_chunks"`
	ExtractedFrames uint64 `json:"extracted_frames"`
}

// NewStreamBufferAdapter creates an adapter holding at most maxChunks chunks
func NewStreamBufferAdapter(maxChunks int) *StreamBufferAdapter {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxQueuedChunks
	}

	return &StreamBufferAdapter{
		chunks:    make([][]float32, 0, maxChunks),
		maxChunks: maxChunks,
	}
}

// Push appends a chunk of interleaved stereo samples. The adapter keeps a
// reference to chunk; the caller must not modify it afterwards.
// It returns the number of chunks evicted to make room.
func (b *StreamBufferAdapter) Push(chunk []float32) (int, error) {
	if len(chunk)%Channels != 0 {
		return 0, fmt.Errorf("%w: %d samples", ErrPartialFrame, len(chunk))
	}

	if len(chunk) == 0 {
		return 0, nil
	}

	evicted := 0
	if len(b.chunks) >= b.maxChunks {
		// Leave exactly one free slot for the incoming chunk
		evicted = len(b.chunks) - b.maxChunks + 1
		b.dropFront(evicted)
		b.readPos = 0
		b.evictedChunks += uint64(evicted)
	}

	b.chunks = append(b.chunks, chunk)
	b.pushedChunks++

	return evicted, nil
}

// Extract copies up to numFrames frames into dst, crossing chunk boundaries
// as needed. It never blocks: when the queue runs dry it returns fewer frames
// than requested and the caller must zero-fill the rest.
func (b *StreamBufferAdapter) Extract(dst []float32, numFrames int) int {
	if maxFrames := len(dst) / Channels; numFrames > maxFrames {
		numFrames = maxFrames
	}

	written := 0
	consumed := 0

	for written < numFrames && consumed < len(b.chunks) {
		chunk := b.chunks[consumed]
		chunkFrames := len(chunk) / Channels
		available := chunkFrames - b.readPos

		n := numFrames - written
		if available < n {
			n = available
		}

		copy(dst[written*Channels:(written+n)*Channels], chunk[b.readPos*Channels:(b.readPos+n)*Channels])

		written += n
		b.readPos += n

		if b.readPos >= chunkFrames {
			b.readPos = 0
			consumed++
		}
	}

	if consumed > 0 {
		b.dropFront(consumed)
	}

	b.extractedFrames += uint64(written)
	return written
}

// dropFront removes the first n chunks, releasing their backing arrays
func (b *StreamBufferAdapter) dropFront(n int) {
	kept := copy(b.chunks, b.chunks[n:])
	clear(b.chunks[kept:])
	b.chunks = b.chunks[:kept]
}

// Len returns the number of queued chunks
func (b *StreamBufferAdapter) Len() int {
	return len(b.chunks)
}

// QueuedFrames returns the number of frames not yet extracted
func (b *StreamBufferAdapter) QueuedFrames() int {
	frames := 0
	for _, chunk := range b.chunks {
		frames += len(chunk) / Channels
	}
	return frames - b.readPos
}

// Clear drops all queued audio
func (b *StreamBufferAdapter) Clear() {
	clear(b.chunks)
	b.chunks = b.chunks[:0]
	b.readPos = 0
}

// GetStats returns current adapter statistics
func (b *StreamBufferAdapter) GetStats() BufferStats {
	return BufferStats{
		QueuedChunks:    len(b.chunks),
		QueuedFrames:    b.QueuedFrames(),
		MaxChunks:       b.maxChunks,
		PushedChunks:    b.pushedChunks,
		EvictedChunks:   b.evictedChunks,
		ExtractedFrames: b.extractedFrames,
	}
}
