package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// DefaultStreamBuffer is the per-stream block channel capacity
const DefaultStreamBuffer = 64

// Feed routes capture feed packets to the open stream of their tab.
// It implements both Issuer and Acquirer.
type Feed struct {
	mu      sync.Mutex
	pending map[string]Handle   // handle id -> handle, removed when redeemed
	streams map[int]*feedStream // tab id -> open stream
	closed  bool

	streamBuffer int
	logger       *slog.Logger

	// Statistics
	stats FeedStats
}

// FeedStats tracks packet routing outcomes
type FeedStats struct {
	PacketsRouted   atomic.Uint64
	DroppedNoStream atomic.Uint64
	DroppedStale    atomic.Uint64
	DroppedOverflow atomic.Uint64
	StreamsEnded    atomic.Uint64
}

// FeedSnapshot is a copy of FeedStats for reporting
type FeedSnapshot struct {
	OpenStreams     int    `json:"open_streams"`
	PendingHandles  int    `json:"pending_handles"`
	PacketsRouted   uint64 `json:"packets_routed"`
	DroppedNoStream uint64 `json:"dropped_no_stream"`
	DroppedStale    uint64 `json:"dropped_stale"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	StreamsEnded    uint64 `json:"streams_ended"`
}

// PacketOutcome describes what HandlePacket did with a packet
type PacketOutcome int

const (
	OutcomeRouted PacketOutcome = iota
	OutcomeNoStream
	OutcomeStale
	OutcomeOverflow
	OutcomeEnded
)

func (o PacketOutcome) String() string {
	switch o {
	case OutcomeRouted:
		return "routed"
	case OutcomeNoStream:
		return "no_stream"
	case OutcomeStale:
		return "stale"
	case OutcomeOverflow:
		return "overflow"
	case OutcomeEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// NewFeed creates a feed whose streams buffer up to streamBuffer blocks
func NewFeed(streamBuffer int, logger *slog.Logger) *Feed {
	if streamBuffer <= 0 {
		streamBuffer = DefaultStreamBuffer
	}

	return &Feed{
		pending:      make(map[string]Handle),
		streams:      make(map[int]*feedStream),
		streamBuffer: streamBuffer,
		logger:       logger,
	}
}

// Issue creates a fresh handle for tabID. Earlier unredeemed handles for the
// same tab are revoked.
func (f *Feed) Issue(ctx context.Context, tabID int) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if tabID <= 0 {
		return Handle{}, fmt.Errorf("%w: invalid tab id %d", ErrCaptureUnavailable, tabID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Handle{}, fmt.Errorf("%w: %w", ErrCaptureUnavailable, ErrFeedClosed)
	}

	for id, h := range f.pending {
		if h.TabID == tabID {
			delete(f.pending, id)
		}
	}

	handle := Handle{ID: uuid.NewString(), TabID: tabID}
	f.pending[handle.ID] = handle

	f.logger.Debug("Stream handle issued",
		slog.Int("tab_id", tabID),
		slog.String("handle", handle.ID),
	)

	return handle, nil
}

// Revoke drops handle if it was issued and not yet redeemed
func (f *Feed) Revoke(handle Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pending[handle.ID]; !ok {
		return
	}
	delete(f.pending, handle.ID)

	f.logger.Debug("Stream handle revoked",
		slog.Int("tab_id", handle.TabID),
		slog.String("handle", handle.ID),
	)
}

// Open redeems handle and returns the tab's stream. A stream already open for
// the same tab is ended first.
func (f *Feed) Open(ctx context.Context, handle Handle) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, ErrFeedClosed)
	}

	issued, ok := f.pending[handle.ID]
	if !ok || issued.TabID != handle.TabID {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, ErrUnknownHandle)
	}
	delete(f.pending, handle.ID)

	if old, exists := f.streams[handle.TabID]; exists {
		f.endLocked(old)
	}

	s := &feedStream{
		feed:   f,
		tabID:  handle.TabID,
		handle: handle.ID,
		ch:     make(chan []float32, f.streamBuffer),
	}
	f.streams[handle.TabID] = s

	f.logger.Info("Capture stream opened",
		slog.Int("tab_id", handle.TabID),
		slog.String("handle", handle.ID),
	)

	return s, nil
}

// HandlePacket routes one parsed feed packet
func (f *Feed) HandlePacket(packet *protocol.ParsedPacket) PacketOutcome {
	tabID := int(packet.Header.TabID)

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[tabID]
	if !ok {
		f.stats.DroppedNoStream.Add(1)
		return OutcomeNoStream
	}

	if packet.Header.PacketType == protocol.PacketTypeEnd {
		f.endLocked(s)
		f.logger.Info("Capture stream ended by source", slog.Int("tab_id", tabID))
		return OutcomeEnded
	}

	seq := packet.Audio.Sequence
	if s.started && seq <= s.lastSeq {
		f.stats.DroppedStale.Add(1)
		return OutcomeStale
	}
	s.started = true
	s.lastSeq = seq

	select {
	case s.ch <- packet.Audio.Samples:
		f.stats.PacketsRouted.Add(1)
		return OutcomeRouted
	default:
		f.stats.DroppedOverflow.Add(1)
		f.logger.Warn("Capture stream full, dropping block",
			slog.Int("tab_id", tabID),
			slog.Uint64("sequence", uint64(seq)),
		)
		return OutcomeOverflow
	}
}

// Close ends every open stream and revokes pending handles
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	for _, s := range f.streams {
		f.endLocked(s)
	}
	clear(f.pending)

	return nil
}

// GetStats returns a snapshot of feed statistics
func (f *Feed) GetStats() FeedSnapshot {
	f.mu.Lock()
	open, pending := len(f.streams), len(f.pending)
	f.mu.Unlock()

	return FeedSnapshot{
		OpenStreams:     open,
		PendingHandles:  pending,
		PacketsRouted:   f.stats.PacketsRouted.Load(),
		DroppedNoStream: f.stats.DroppedNoStream.Load(),
		DroppedStale:    f.stats.DroppedStale.Load(),
		DroppedOverflow: f.stats.DroppedOverflow.Load(),
		StreamsEnded:    f.stats.StreamsEnded.Load(),
	}
}

// endLocked closes s and forgets it. Caller holds f.mu.
func (f *Feed) endLocked(s *feedStream) {
	if s.ended {
		return
	}
	s.ended = true
	close(s.ch)
	if f.streams[s.tabID] == s {
		delete(f.streams, s.tabID)
	}
	f.stats.StreamsEnded.Add(1)
}

type feedStream struct {
	feed   *Feed
	tabID  int
	handle string
	ch     chan []float32

	// Guarded by feed.mu
	started bool
	lastSeq uint32
	ended   bool
}

func (s *feedStream) C() <-chan []float32 { return s.ch }

// Close ends the stream. Safe to call more than once.
func (s *feedStream) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	s.feed.endLocked(s)
	return nil
}
