package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
	"github.com/skypro1111/karaoke-pitch-service/internal/storage"
)

// AudioControl is the command surface of the audio processing context
type AudioControl interface {
	Start(ctx context.Context, handle capture.Handle) error
	Stop(ctx context.Context) error
	SetPitch(ctx context.Context, semitones int) error
	SetSpeed(ctx context.Context, ratio float64) error
}

// Notifier delivers pushes to a tab's relay
type Notifier interface {
	Deliver(tabID int, push protocol.Push) error
}

// Config holds coordinator tuning
type Config struct {
	QueueSize       int
	TabIdleTimeout  time.Duration
	CleanupInterval time.Duration
}

// Coordinator owns all tab state and the global capture lock
type Coordinator struct {
	audio    AudioControl
	issuer   capture.Issuer
	store    storage.Store
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	stateMu sync.RWMutex
	tabs    map[int]*tabState
	rev     uint64 // last revision handed out, across all tabs

	// captureMu serializes capture transitions and processor forwarding
	// across tabs. capturingTab is 0 when nobody captures.
	captureMu    sync.Mutex
	capturingTab int

	queuesMu sync.Mutex
	queues   map[int]*tabQueue
	stopped  bool
	workers  sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// New creates a coordinator and starts its idle-tab cleanup routine
func New(
	audio AudioControl,
	issuer capture.Issuer,
	store storage.Store,
	notifier Notifier,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		audio:    audio,
		issuer:   issuer,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		tabs:     make(map[int]*tabState),
		queues:   make(map[int]*tabQueue),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go c.startCleanupRoutine()

	return c
}

// Dispatch runs cmd on its tab's queue and returns the tab state once the
// command has been handled. Capture failures are reported to the tab, not
// returned.
func (c *Coordinator) Dispatch(ctx context.Context, cmd protocol.Command) (protocol.StateResponse, error) {
	if err := validate(cmd); err != nil {
		return protocol.StateResponse{}, err
	}
	return c.call(ctx, cmd.TabID, false, func(ctx context.Context) (protocol.StateResponse, error) {
		return c.handle(ctx, cmd), nil
	})
}

// Submit queues cmd without waiting for it to run
func (c *Coordinator) Submit(cmd protocol.Command) error {
	if err := validate(cmd); err != nil {
		return err
	}
	return c.enqueue(cmd.TabID, job{run: func(ctx context.Context) (protocol.StateResponse, error) {
		return c.handle(ctx, cmd), nil
	}})
}

// TabClosed stops capture for tabID if needed and discards its state
func (c *Coordinator) TabClosed(ctx context.Context, tabID int) error {
	if tabID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTab, tabID)
	}
	_, err := c.call(ctx, tabID, true, func(ctx context.Context) (protocol.StateResponse, error) {
		c.handleTabClosed(ctx, tabID)
		return protocol.StateResponse{}, nil
	})
	return err
}

// TabLoading stops capture for a tab that started navigating
func (c *Coordinator) TabLoading(ctx context.Context, tabID int) error {
	if tabID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTab, tabID)
	}
	_, err := c.call(ctx, tabID, false, func(ctx context.Context) (protocol.StateResponse, error) {
		c.captureMu.Lock()
		defer c.captureMu.Unlock()

		if st, ok := c.lookup(tabID); ok && st.capturing {
			c.logger.Info("Tab navigating, stopping capture", slog.Int("tab_id", tabID))
			c.stopLocked(ctx, tabID)
		}
		return protocol.StateResponse{}, nil
	})
	return err
}

// SessionLost handles a capture stream that ended on its own. It is safe to
// call from any goroutine and does not wait.
func (c *Coordinator) SessionLost(handle capture.Handle) {
	err := c.enqueue(handle.TabID, job{run: func(ctx context.Context) (protocol.StateResponse, error) {
		c.handleSessionLost(handle)
		return protocol.StateResponse{}, nil
	}})
	if err != nil {
		c.logger.Warn("Failed to queue session loss",
			slog.Int("tab_id", handle.TabID),
			slog.String("error", err.Error()),
		)
	}
}

// State returns the current state of tabID without queueing. Unknown tabs
// report defaults.
func (c *Coordinator) State(tabID int) protocol.StateResponse {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if st, ok := c.tabs[tabID]; ok {
		return st.response()
	}
	return newTabState().response()
}

// Tabs returns a snapshot of every tracked tab ordered by id
func (c *Coordinator) Tabs() []TabSnapshot {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	tabs := make([]TabSnapshot, 0, len(c.tabs))
	for id, st := range c.tabs {
		tabs = append(tabs, st.snapshot(id))
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].TabID < tabs[j].TabID })
	return tabs
}

// CapturingTab returns the capturing tab id, or 0
func (c *Coordinator) CapturingTab() int {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	return c.capturingTab
}

// Stop shuts down the queues and the cleanup routine, then releases any
// live capture.
func (c *Coordinator) Stop() {
	c.logger.Info("Stopping capture coordinator...")

	c.queuesMu.Lock()
	c.stopped = true
	c.queuesMu.Unlock()

	c.cancel()
	<-c.cleanup
	c.workers.Wait()

	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	if c.capturingTab != 0 {
		if err := c.audio.Stop(context.Background()); err != nil {
			c.logger.Warn("Failed to stop audio on shutdown", slog.String("error", err.Error()))
		}
		c.setState(c.capturingTab, func(st *tabState) {
			st.capturing = false
			st.handle = capture.Handle{}
		})
		c.capturingTab = 0
	}

	c.logger.Info("Capture coordinator stopped", slog.Int("tracked_tabs", len(c.Tabs())))
}

func validate(cmd protocol.Command) error {
	if err := protocol.ValidateCommand(cmd); err != nil {
		return err
	}
	if cmd.TabID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTab, cmd.TabID)
	}
	return nil
}

// handle runs one command on the tab's worker
func (c *Coordinator) handle(ctx context.Context, cmd protocol.Command) protocol.StateResponse {
	c.metrics.RecordCommand(cmd.Action)
	tabID := cmd.TabID

	switch cmd.Action {
	case protocol.ActionSetPitch:
		c.handleSetPitch(ctx, tabID, cmd.Value)
	case protocol.ActionSetSpeed:
		c.handleSetSpeed(ctx, tabID, cmd.Value)
	case protocol.ActionStartCapture:
		c.handleStartCapture(ctx, tabID)
	case protocol.ActionStopCapture:
		c.captureMu.Lock()
		c.stopLocked(ctx, tabID)
		c.captureMu.Unlock()
	case protocol.ActionVideoChanged:
		c.handleVideoChanged(ctx, tabID, cmd.VideoID)
	case protocol.ActionGetState:
		c.touch(tabID)
	}

	return c.State(tabID)
}

func (c *Coordinator) handleSetPitch(ctx context.Context, tabID int, value float64) {
	pitch := protocol.ClampPitch(value)
	st := c.setState(tabID, func(st *tabState) { st.pitch = pitch })

	c.forward(ctx, tabID, func() error { return c.audio.SetPitch(ctx, pitch) })
	c.logBadge(tabID, pitch)
	c.pushState(tabID)

	if st.videoID != nil {
		c.save(ctx, *st.videoID, st.settings())
	}
}

func (c *Coordinator) handleSetSpeed(ctx context.Context, tabID int, value float64) {
	speed := protocol.ClampSpeed(value)
	st := c.setState(tabID, func(st *tabState) { st.speed = speed })

	c.forward(ctx, tabID, func() error { return c.audio.SetSpeed(ctx, speed) })
	c.pushState(tabID)

	if st.videoID != nil {
		c.save(ctx, *st.videoID, st.settings())
	}
}

func (c *Coordinator) handleStartCapture(ctx context.Context, tabID int) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	st := c.touch(tabID)
	if st.capturing {
		return
	}

	// Fully stop the previous owner before acquiring for this tab
	if c.capturingTab != 0 && c.capturingTab != tabID {
		c.stopLocked(ctx, c.capturingTab)
	}

	handle, err := c.startAudio(ctx, tabID, st.settings())
	if err != nil {
		c.metrics.RecordCaptureFailure()
		c.logger.Error("Capture failed",
			slog.Int("tab_id", tabID),
			slog.String("error", err.Error()),
		)
		c.notify(tabID, protocol.Push{
			Action:  protocol.PushError,
			Message: "Audio capture failed: " + err.Error(),
		})
		return
	}

	c.setState(tabID, func(st *tabState) {
		st.capturing = true
		st.handle = handle
	})
	c.capturingTab = tabID

	c.logger.Info("Capture started",
		slog.Int("tab_id", tabID),
		slog.String("handle", handle.ID),
	)

	c.pushState(tabID)
}

func (c *Coordinator) startAudio(ctx context.Context, tabID int, settings protocol.VideoSettings) (capture.Handle, error) {
	handle, err := c.issuer.Issue(ctx, tabID)
	if err != nil {
		return capture.Handle{}, err
	}

	err = c.audio.SetPitch(ctx, settings.Pitch)
	if err == nil {
		err = c.audio.SetSpeed(ctx, settings.Speed)
	}
	if err == nil {
		err = c.audio.Start(ctx, handle)
	}
	if err != nil {
		c.issuer.Revoke(handle)
		return capture.Handle{}, err
	}
	return handle, nil
}

// stopLocked stops capture for tabID. Caller holds captureMu.
func (c *Coordinator) stopLocked(ctx context.Context, tabID int) {
	st, ok := c.lookup(tabID)
	if !ok || !st.capturing {
		return
	}

	if err := c.audio.Stop(ctx); err != nil {
		c.logger.Warn("Audio stop failed",
			slog.Int("tab_id", tabID),
			slog.String("error", err.Error()),
		)
	}

	c.setState(tabID, func(st *tabState) {
		st.capturing = false
		st.handle = capture.Handle{}
	})
	if c.capturingTab == tabID {
		c.capturingTab = 0
	}

	c.logger.Info("Capture stopped", slog.Int("tab_id", tabID))

	c.pushState(tabID)
}

func (c *Coordinator) handleVideoChanged(ctx context.Context, tabID int, videoID *string) {
	var newID *string
	if videoID != nil && *videoID != "" {
		id := *videoID
		newID = &id
	}

	// Readers keep seeing the old video until the lookup resolves
	old := c.touch(tabID)
	if old.videoID != nil && !old.settings().IsDefault() {
		c.save(ctx, *old.videoID, old.settings())
	}

	settings := protocol.DefaultVideoSettings()
	if newID != nil {
		settings = c.load(ctx, *newID)
	}

	st := c.setState(tabID, func(st *tabState) {
		st.videoID = newID
		st.pitch = settings.Pitch
		st.speed = settings.Speed
	})

	c.logger.Debug("Video changed",
		slog.Int("tab_id", tabID),
		slog.Int("pitch", st.pitch),
		slog.Float64("speed", st.speed),
	)

	c.logBadge(tabID, st.pitch)
	c.forward(ctx, tabID, func() error {
		if err := c.audio.SetPitch(ctx, st.pitch); err != nil {
			return err
		}
		return c.audio.SetSpeed(ctx, st.speed)
	})
	c.pushState(tabID)
}

func (c *Coordinator) handleTabClosed(ctx context.Context, tabID int) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	st, ok := c.lookup(tabID)
	if !ok {
		return
	}

	if st.capturing {
		if err := c.audio.Stop(ctx); err != nil {
			c.logger.Warn("Audio stop failed",
				slog.Int("tab_id", tabID),
				slog.String("error", err.Error()),
			)
		}
		if c.capturingTab == tabID {
			c.capturingTab = 0
		}
	}

	c.stateMu.Lock()
	delete(c.tabs, tabID)
	c.stateMu.Unlock()

	c.logger.Info("Tab closed", slog.Int("tab_id", tabID), slog.Bool("was_capturing", st.capturing))
}

func (c *Coordinator) handleSessionLost(handle capture.Handle) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	st, ok := c.lookup(handle.TabID)
	if !ok || !st.capturing || st.handle.ID != handle.ID {
		return
	}

	c.setState(handle.TabID, func(st *tabState) {
		st.capturing = false
		st.handle = capture.Handle{}
	})
	if c.capturingTab == handle.TabID {
		c.capturingTab = 0
	}

	c.logger.Warn("Capture session lost", slog.Int("tab_id", handle.TabID))

	c.pushState(handle.TabID)
}

// forward runs send against the processor only while tabID is capturing
func (c *Coordinator) forward(ctx context.Context, tabID int, send func() error) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	if c.capturingTab != tabID {
		return
	}
	if err := send(); err != nil {
		c.logger.Warn("Failed to forward settings to audio processor",
			slog.Int("tab_id", tabID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) save(ctx context.Context, videoID string, settings protocol.VideoSettings) {
	if err := c.store.Save(ctx, videoID, settings); err != nil {
		c.metrics.RecordPersistenceFailure("save")
		c.logger.Warn("Failed to save video settings",
			slog.String("video_id", videoID),
			slog.String("error", err.Error()),
		)
	}
}

// load returns saved settings for videoID, or defaults when none are saved
// or the store fails
func (c *Coordinator) load(ctx context.Context, videoID string) protocol.VideoSettings {
	settings, found, err := c.store.Load(ctx, videoID)
	if err != nil {
		c.metrics.RecordPersistenceFailure("load")
		c.logger.Warn("Failed to load video settings",
			slog.String("video_id", videoID),
			slog.String("error", err.Error()),
		)
		return protocol.DefaultVideoSettings()
	}
	if !found {
		return protocol.DefaultVideoSettings()
	}
	return settings.Normalize()
}

// pushState sends the tab's full current state. Any later push supersedes
// it, so dropped or reordered deliveries are harmless.
func (c *Coordinator) pushState(tabID int) {
	c.notify(tabID, protocol.StateUpdate(c.State(tabID)))
}

func (c *Coordinator) notify(tabID int, push protocol.Push) {
	if err := c.notifier.Deliver(tabID, push); err != nil {
		c.metrics.RecordDeliveryFailure()
		c.logger.Debug("Push not delivered",
			slog.Int("tab_id", tabID),
			slog.String("action", push.Action),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) logBadge(tabID, pitch int) {
	text, color := protocol.Badge(pitch)
	c.logger.Debug("Badge updated",
		slog.Int("tab_id", tabID),
		slog.String("text", text),
		slog.String("color", color),
	)
}

// setState applies fn to the tab's state, creating it if needed, stamps a
// new revision and returns a copy of the result
func (c *Coordinator) setState(tabID int, fn func(st *tabState)) tabState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	st := c.tabLocked(tabID)
	fn(st)
	c.rev++
	st.rev = c.rev
	st.lastActivity = time.Now()
	return *st
}

// touch marks the tab active without changing its revision
func (c *Coordinator) touch(tabID int) tabState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	st := c.tabLocked(tabID)
	st.lastActivity = time.Now()
	return *st
}

// tabLocked returns the tab's state, creating it. Caller holds stateMu.
func (c *Coordinator) tabLocked(tabID int) *tabState {
	st, ok := c.tabs[tabID]
	if !ok {
		st = newTabState()
		c.tabs[tabID] = st
	}
	return st
}

func (c *Coordinator) lookup(tabID int) (tabState, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	st, ok := c.tabs[tabID]
	if !ok {
		return tabState{}, false
	}
	return *st, true
}

func (c *Coordinator) updateGauges() {
	c.stateMu.RLock()
	tracked, capturing := len(c.tabs), 0
	for _, st := range c.tabs {
		if st.capturing {
			capturing++
		}
	}
	c.stateMu.RUnlock()

	c.metrics.SetTabCounts(tracked, capturing)
}
