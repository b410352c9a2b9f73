package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/audio"
	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
	"github.com/skypro1111/karaoke-pitch-service/internal/transform"
)

// ErrStopped is returned for commands sent after Run has returned
var ErrStopped = errors.New("audio processor stopped")

// Block paths reported to metrics
const (
	pathIdentity  = "identity"
	pathTransform = "transform"
	pathFallback  = "fallback"
)

// Session teardown reasons
const (
	reasonStop     = "stop"
	reasonReplaced = "replaced"
	reasonEnded    = "source_ended"
	reasonShutdown = "shutdown"
)

// Config holds processor tuning
type Config struct {
	MaxQueuedChunks int
	InboxSize       int
}

// SessionLostFunc is called when a capture stream ends on its own
type SessionLostFunc func(handle capture.Handle)

// Status is a point-in-time view of the processor
type Status struct {
	Active          bool              `json:"active"`
	TabID           int               `json:"tab_id,omitempty"`
	Handle          string            `json:"handle,omitempty"`
	Pitch           int               `json:"pitch"`
	Speed           float64           `json:"speed"`
	SessionStarted  time.Time         `json:"session_started,omitempty"`
	BlocksProcessed uint64            `json:"blocks_processed"`
	Fallbacks       uint64            `json:"fallbacks"`
	Evictions       uint64            `json:"evictions"`
	ShortfallFrames uint64            `json:"shortfall_frames"`
	SinkErrors      uint64            `json:"sink_errors"`
	Buffer          audio.BufferStats `json:"buffer"`
}

type request struct {
	cmd   protocol.AudioCommand
	tabID int
	reply chan error
}

// Processor is the audio processing context. All session state is owned by
// the goroutine running Run; other goroutines talk to it through commands.
type Processor struct {
	acquirer      capture.Acquirer
	newEngine     transform.Factory
	newSink       audio.SinkFactory
	cfg           Config
	onSessionLost SessionLostFunc
	metrics       *metrics.Metrics
	logger        *slog.Logger

	inbox chan request
	done  chan struct{}

	// Owned by the run goroutine
	pitch   int
	speed   float64
	session *session

	statusMu sync.RWMutex
	status   Status
}

// New creates a processor. Run must be called for commands to be served.
func New(
	acquirer capture.Acquirer,
	newEngine transform.Factory,
	newSink audio.SinkFactory,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}

	p := &Processor{
		acquirer:  acquirer,
		newEngine: newEngine,
		newSink:   newSink,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		inbox:     make(chan request, cfg.InboxSize),
		done:      make(chan struct{}),
		pitch:     protocol.PitchDefault,
		speed:     protocol.SpeedDefault,
	}
	p.status = Status{Pitch: p.pitch, Speed: p.speed}

	return p
}

// OnSessionLost registers the callback for streams that end on their own.
// It must be set before Run.
func (p *Processor) OnSessionLost(fn SessionLostFunc) {
	p.onSessionLost = fn
}

// Run serves commands and audio blocks until ctx is cancelled
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)

	p.logger.Info("Audio processor started")

	for {
		var blocks <-chan []float32
		if p.session != nil {
			blocks = p.session.stream.C()
		}

		select {
		case <-ctx.Done():
			p.teardown(reasonShutdown)
			p.logger.Info("Audio processor stopped")
			return nil

		case req := <-p.inbox:
			req.reply <- p.apply(req)

		case block, ok := <-blocks:
			if !ok {
				handle := p.session.handle
				p.teardown(reasonEnded)
				p.logger.Info("Capture stream ended, session released", slog.Int("tab_id", handle.TabID))
				if p.onSessionLost != nil {
					// Callback may call back into the processor
					go p.onSessionLost(handle)
				}
				continue
			}
			p.processBlock(block)
		}
	}
}

// Start opens the stream behind handle and makes it the live session,
// replacing any existing one.
func (p *Processor) Start(ctx context.Context, handle capture.Handle) error {
	return p.send(ctx, protocol.AudioCommand{Action: protocol.AudioStart, StreamHandle: handle.ID}, handle.TabID)
}

// Stop releases the live session. Stopping an idle processor is a no-op.
func (p *Processor) Stop(ctx context.Context) error {
	return p.send(ctx, protocol.AudioCommand{Action: protocol.AudioStop}, 0)
}

// SetPitch sets the pitch shift in semitones
func (p *Processor) SetPitch(ctx context.Context, semitones int) error {
	return p.send(ctx, protocol.AudioCommand{Action: protocol.AudioSetPitch, Value: float64(semitones)}, 0)
}

// SetSpeed sets the tempo ratio
func (p *Processor) SetSpeed(ctx context.Context, ratio float64) error {
	return p.send(ctx, protocol.AudioCommand{Action: protocol.AudioSetSpeed, Value: ratio}, 0)
}

// Status returns a snapshot of the processor state
func (p *Processor) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// send enqueues a command and waits for it to be applied. ctx only bounds
// the wait; a command already queued is still applied.
func (p *Processor) send(ctx context.Context, cmd protocol.AudioCommand, tabID int) error {
	req := request{cmd: cmd, tabID: tabID, reply: make(chan error, 1)}

	select {
	case p.inbox <- req:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) apply(req request) error {
	switch req.cmd.Action {
	case protocol.AudioStart:
		return p.startSession(capture.Handle{ID: req.cmd.StreamHandle, TabID: req.tabID})

	case protocol.AudioStop:
		if p.session != nil {
			p.teardown(reasonStop)
			p.logger.Info("Audio session stopped")
		}
		return nil

	case protocol.AudioSetPitch:
		p.pitch = protocol.ClampPitch(req.cmd.Value)
		if p.session != nil {
			p.session.engine.SetPitchSemitones(float64(p.pitch))
		}
		p.publishStatus()
		return nil

	case protocol.AudioSetSpeed:
		p.speed = protocol.ClampSpeed(req.cmd.Value)
		if p.session != nil {
			p.session.engine.SetTempo(p.speed)
		}
		p.publishStatus()
		return nil

	default:
		return fmt.Errorf("unknown audio command: %q", req.cmd.Action)
	}
}

func (p *Processor) startSession(handle capture.Handle) error {
	if p.session != nil {
		p.teardown(reasonReplaced)
	}

	s, err := p.buildSession(handle)
	if err != nil {
		p.metrics.RecordCaptureFailure()
		p.logger.Warn("Failed to start audio session",
			slog.Int("tab_id", handle.TabID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, capture.ErrCaptureUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", capture.ErrCaptureUnavailable, err)
	}

	p.session = s
	p.metrics.RecordSessionStarted()
	p.publishStatus()

	p.logger.Info("Audio session started",
		slog.Int("tab_id", handle.TabID),
		slog.String("handle", handle.ID),
		slog.Int("pitch", p.pitch),
		slog.Float64("speed", p.speed),
	)

	return nil
}

// buildSession acquires every resource or none
func (p *Processor) buildSession(handle capture.Handle) (*session, error) {
	s := &session{handle: handle, startedAt: time.Now()}

	fail := func(err error) (*session, error) {
		if relErr := s.release(); relErr != nil {
			p.logger.Warn("Failed to release partial session", slog.String("error", relErr.Error()))
		}
		return nil, err
	}

	// Commands are never cancelled once applied
	stream, err := p.acquirer.Open(context.Background(), handle)
	if err != nil {
		return fail(fmt.Errorf("open capture stream: %w", err))
	}
	s.stream = stream

	s.adapter = audio.NewStreamBufferAdapter(p.cfg.MaxQueuedChunks)

	engine, err := p.newEngine(s.adapter)
	if err != nil {
		return fail(fmt.Errorf("create transform engine: %w", err))
	}
	s.engine = engine
	s.engine.SetPitchSemitones(float64(p.pitch))
	s.engine.SetTempo(p.speed)

	sink, err := p.newSink()
	if err != nil {
		return fail(fmt.Errorf("create output sink: %w", err))
	}
	s.sink = sink

	return s, nil
}

func (p *Processor) teardown(reason string) {
	if p.session == nil {
		return
	}

	s := p.session
	p.session = nil

	if err := s.release(); err != nil {
		p.logger.Warn("Error releasing audio session",
			slog.Int("tab_id", s.handle.TabID),
			slog.String("error", err.Error()),
		)
	}

	p.metrics.RecordSessionStopped(reason, time.Since(s.startedAt).Seconds())
	p.publishStatus()
}

func (p *Processor) identity() bool {
	return p.pitch == protocol.PitchDefault && p.speed == protocol.SpeedDefault
}

func (p *Processor) processBlock(block []float32) {
	start := time.Now()
	s := p.session
	out := s.output(len(block))
	path := pathIdentity

	if p.identity() {
		copy(out, block)
	} else {
		path = p.transformBlock(s, block, out)
	}

	if err := s.sink.WriteBlock(out); err != nil {
		s.sinkErrors++
		if s.lastSinkErr == nil || s.lastSinkErr.Error() != err.Error() {
			p.logger.Warn("Output sink write failed",
				slog.Int("tab_id", s.handle.TabID),
				slog.String("error", err.Error()),
			)
		}
		s.lastSinkErr = err
	}

	s.blocks++
	p.metrics.RecordBlock(path, time.Since(start).Seconds())
	p.publishStatus()
}

// transformBlock feeds block through the engine into out. Any engine
// failure passes the input through unchanged.
func (p *Processor) transformBlock(s *session, block, out []float32) string {
	frames := len(block) / audio.Channels

	evicted, err := s.adapter.Push(block)
	if err != nil {
		p.logger.Debug("Rejected capture block", slog.String("error", err.Error()))
		copy(out, block)
		return pathFallback
	}
	if evicted > 0 {
		s.evictions += uint64(evicted)
		p.metrics.RecordEvictions(evicted)
	}

	n, err := safeExtract(s.engine, out, frames)
	if err != nil {
		s.fallbacks++
		p.metrics.RecordTransformFailure()
		p.logger.Debug("Transform failed, passing block through",
			slog.Int("tab_id", s.handle.TabID),
			slog.String("error", err.Error()),
		)
		copy(out, block)
		return pathFallback
	}

	if n < frames {
		clear(out[n*audio.Channels:])
		s.shortfall += uint64(frames - n)
		p.metrics.RecordShortfall(frames - n)
	}

	return pathTransform
}

func safeExtract(engine transform.Engine, dst []float32, frames int) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("%w: panic: %v", transform.ErrTransformFailure, r)
		}
	}()

	n, err = engine.Extract(dst, frames)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", transform.ErrTransformFailure, err)
	}
	if n < 0 || n > frames {
		return 0, fmt.Errorf("%w: engine returned %d frames for a %d frame request",
			transform.ErrTransformFailure, n, frames)
	}
	return n, nil
}

func (p *Processor) publishStatus() {
	st := Status{Pitch: p.pitch, Speed: p.speed}
	if s := p.session; s != nil {
		st.Active = true
		st.TabID = s.handle.TabID
		st.Handle = s.handle.ID
		st.SessionStarted = s.startedAt
		st.BlocksProcessed = s.blocks
		st.Fallbacks = s.fallbacks
		st.Evictions = s.evictions
		st.ShortfallFrames = s.shortfall
		st.SinkErrors = s.sinkErrors
		st.Buffer = s.adapter.GetStats()
	}

	p.statusMu.Lock()
	p.status = st
	p.statusMu.Unlock()
}
