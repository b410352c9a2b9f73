package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

var (
	// ErrUnknownMessage is returned for page messages the relay does not accept
	ErrUnknownMessage = errors.New("unknown page message")

	// ErrClosed is returned once the relay has stopped
	ErrClosed = errors.New("relay closed")
)

// Dispatcher is the coordinator as seen from a relay
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd protocol.Command) (protocol.StateResponse, error)
	Submit(cmd protocol.Command) error
}

// Config holds relay tuning
type Config struct {
	Version     string
	MailboxSize int
	OutboxSize  int
}

type localState struct {
	pitch     int
	speed     float64
	videoID   *string
	capturing bool

	// rev is the last coordinator revision applied. The edit counters
	// advance on every local pitch or speed change.
	rev        uint64
	pitchEdits uint64
	speedEdits uint64
}

// syncReply is a resync answer along with the edit counters at the time the
// resync was issued
type syncReply struct {
	resp       protocol.StateResponse
	pitchEdits uint64
	speedEdits uint64
}

// Relay is the page-side context of one tab. Its state is owned by the
// goroutine running Run.
type Relay struct {
	tabID  int
	coord  Dispatcher
	cfg    Config
	logger *slog.Logger

	page    chan protocol.PageMessage
	mailbox chan protocol.Push
	queries chan chan protocol.StateResponse
	synced  chan syncReply
	unload  chan chan struct{}
	done    chan struct{}

	state localState

	outboxMu sync.Mutex
	outbox   []protocol.PageNotification
	dropped  uint64
}

// New creates a relay for tabID
func New(tabID int, coord Dispatcher, cfg Config, logger *slog.Logger) *Relay {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 16
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}

	return &Relay{
		tabID:   tabID,
		coord:   coord,
		cfg:     cfg,
		logger:  logger.With(slog.Int("tab_id", tabID)),
		page:    make(chan protocol.PageMessage, cfg.MailboxSize),
		mailbox: make(chan protocol.Push, cfg.MailboxSize),
		queries: make(chan chan protocol.StateResponse),
		synced:  make(chan syncReply, 1),
		unload:  make(chan chan struct{}),
		done:    make(chan struct{}),
		state: localState{
			pitch: protocol.PitchDefault,
			speed: protocol.SpeedDefault,
		},
	}
}

// TabID returns the tab this relay serves
func (r *Relay) TabID() int {
	return r.tabID
}

// Mailbox is where the coordinator and panel deliver pushes
func (r *Relay) Mailbox() chan<- protocol.Push {
	return r.mailbox
}

// Run handles page messages and pushes until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-r.page:
			r.handlePageMessage(ctx, msg)

		case push := <-r.mailbox:
			r.handlePush(push)

		case reply := <-r.synced:
			r.applySync(reply)

		case reply := <-r.queries:
			reply <- r.response()

		case ack := <-r.unload:
			if r.state.capturing {
				r.notifyCoordinator(protocol.Command{Action: protocol.ActionStopCapture})
			}
			close(ack)
		}
	}
}

// PostMessage delivers a page intent to the relay
func (r *Relay) PostMessage(ctx context.Context, msg protocol.PageMessage) error {
	if !protocol.IsPageMessage(msg.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	select {
	case r.page <- msg:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State answers a GET_STATE query from the control panel
func (r *Relay) State(ctx context.Context) (protocol.StateResponse, error) {
	reply := make(chan protocol.StateResponse, 1)

	select {
	case r.queries <- reply:
	case <-r.done:
		return protocol.StateResponse{}, ErrClosed
	case <-ctx.Done():
		return protocol.StateResponse{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return protocol.StateResponse{}, ctx.Err()
	}
}

// Unload runs the page teardown: a capturing tab asks the coordinator to stop
func (r *Relay) Unload(ctx context.Context) error {
	ack := make(chan struct{})

	select {
	case r.unload <- ack:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notifications drains the notifications queued for the page
func (r *Relay) Notifications() []protocol.PageNotification {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	out := r.outbox
	r.outbox = nil
	return out
}

// Done is closed when Run returns
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) handlePageMessage(ctx context.Context, msg protocol.PageMessage) {
	switch msg.Type {
	case protocol.PageTypePing:
		r.postToPage(protocol.PageNotification{Type: protocol.NotifyPong, Version: r.cfg.Version})

	case protocol.PageTypeSetPitch:
		r.applyPitch(msg.Value, true)

	case protocol.PageTypeSetSpeed:
		r.applySpeed(msg.Value, true)

	case protocol.PageTypeGetState:
		r.sendState()

	case protocol.PageTypeSetVideoID:
		old := r.state.videoID
		r.state.videoID = msg.VideoID
		r.notifyCoordinator(protocol.Command{Action: protocol.ActionVideoChanged, VideoID: msg.VideoID})

		if !sameVideo(old, msg.VideoID) {
			go r.resync(ctx, r.state.pitchEdits, r.state.speedEdits)
		}
	}
}

// applyPitch clamps and adopts a pitch. Page intents are forwarded to the
// coordinator; panel pushes already were.
func (r *Relay) applyPitch(value float64, forward bool) {
	pitch := protocol.ClampPitch(value)
	r.state.pitch = pitch
	r.state.pitchEdits++
	if forward {
		r.notifyCoordinator(protocol.Command{Action: protocol.ActionSetPitch, Value: float64(pitch)})
	}
	r.sendState()

	if pitch != protocol.PitchDefault && !r.state.capturing {
		r.notifyCoordinator(protocol.Command{Action: protocol.ActionStartCapture})
	}
}

func (r *Relay) applySpeed(value float64, forward bool) {
	speed := protocol.ClampSpeed(value)
	r.state.speed = speed
	r.state.speedEdits++
	if forward {
		r.notifyCoordinator(protocol.Command{Action: protocol.ActionSetSpeed, Value: speed})
	}
	r.sendState()

	if speed != protocol.SpeedDefault && !r.state.capturing {
		r.notifyCoordinator(protocol.Command{Action: protocol.ActionStartCapture})
	}
}

func (r *Relay) handlePush(push protocol.Push) {
	switch push.Action {
	case protocol.PushStateUpdate:
		if !r.advance(push.Revision) {
			r.logger.Debug("Ignoring stale state update", slog.Uint64("revision", push.Revision))
			return
		}
		if push.Pitch != nil {
			r.state.pitch = *push.Pitch
		}
		if push.Speed != nil {
			r.state.speed = *push.Speed
		}
		if push.Capturing != nil {
			r.state.capturing = *push.Capturing
		}
		r.sendState()

	case protocol.PushError:
		r.postToPage(protocol.PageNotification{Type: protocol.NotifyError, Message: push.Message})

	case protocol.PushSetPitchFromPanel:
		r.applyPitch(push.Value, false)

	case protocol.PushSetSpeedFromPanel:
		r.applySpeed(push.Value, false)

	default:
		r.logger.Debug("Ignoring unknown push", slog.String("action", push.Action))
	}
}

// advance records rev as applied. It reports false for a revision no newer
// than one already applied; unversioned updates always apply.
func (r *Relay) advance(rev uint64) bool {
	if rev == 0 {
		return true
	}
	if rev <= r.state.rev {
		return false
	}
	r.state.rev = rev
	return true
}

// resync asks the coordinator for the state after a video change. The
// request queues behind VIDEO_CHANGED, so it sees the loaded settings.
func (r *Relay) resync(ctx context.Context, pitchEdits, speedEdits uint64) {
	resp, err := r.coord.Dispatch(ctx, protocol.Command{Action: protocol.ActionGetState, TabID: r.tabID})
	if err != nil {
		r.logger.Debug("State resync failed", slog.String("error", err.Error()))
		return
	}

	select {
	case r.synced <- syncReply{resp: resp, pitchEdits: pitchEdits, speedEdits: speedEdits}:
	case <-ctx.Done():
	}
}

// applySync adopts a resync answer unless a newer update already arrived.
// Values the page changed after the resync was issued are kept.
func (r *Relay) applySync(reply syncReply) {
	if !r.advance(reply.resp.Revision) {
		return
	}
	if reply.pitchEdits == r.state.pitchEdits {
		r.state.pitch = reply.resp.Pitch
	}
	if reply.speedEdits == r.state.speedEdits {
		r.state.speed = reply.resp.Speed
	}
	r.state.capturing = reply.resp.Capturing
	r.sendState()
}

// notifyCoordinator is fire-and-forget; failures are logged and dropped
func (r *Relay) notifyCoordinator(cmd protocol.Command) {
	cmd.TabID = r.tabID
	if err := r.coord.Submit(cmd); err != nil {
		r.logger.Debug("Coordinator unreachable",
			slog.String("action", cmd.Action),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Relay) response() protocol.StateResponse {
	resp := protocol.StateResponse{
		Pitch:     r.state.pitch,
		Speed:     r.state.speed,
		Capturing: r.state.capturing,
	}
	if r.state.videoID != nil {
		id := *r.state.videoID
		resp.VideoID = &id
	}
	return resp
}

func (r *Relay) sendState() {
	resp := r.response()
	r.postToPage(protocol.PageNotification{
		Type: protocol.NotifyState,
		PageState: &protocol.PageState{
			Pitch:     resp.Pitch,
			Speed:     resp.Speed,
			VideoID:   resp.VideoID,
			Capturing: resp.Capturing,
		},
	})
}

// postToPage queues n, dropping the oldest notification when full
func (r *Relay) postToPage(n protocol.PageNotification) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	if len(r.outbox) >= r.cfg.OutboxSize {
		r.outbox = r.outbox[1:]
		r.dropped++
	}
	r.outbox = append(r.outbox, n)
}

func sameVideo(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// OutboxStats reports queued and dropped page notifications
func (r *Relay) OutboxStats() (queued int, dropped uint64) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	return len(r.outbox), r.dropped
}
