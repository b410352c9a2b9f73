package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/karaoke-pitch-service/internal/bus"
	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
	"github.com/skypro1111/karaoke-pitch-service/internal/storage"
)

type fakeAudio struct {
	mu        sync.Mutex
	calls     []string
	active    bool
	startErr  error
	pitchErr  error
	violation bool
}

func (a *fakeAudio) record(call string) {
	a.calls = append(a.calls, call)
}

func (a *fakeAudio) Start(_ context.Context, handle capture.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(fmt.Sprintf("start:%d", handle.TabID))
	if a.startErr != nil {
		return a.startErr
	}
	if a.active {
		a.violation = true
	}
	a.active = true
	return nil
}

func (a *fakeAudio) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("stop")
	a.active = false
	return nil
}

func (a *fakeAudio) SetPitch(_ context.Context, semitones int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(fmt.Sprintf("pitch:%d", semitones))
	return a.pitchErr
}

func (a *fakeAudio) SetSpeed(_ context.Context, ratio float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(fmt.Sprintf("speed:%g", ratio))
	return nil
}

func (a *fakeAudio) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAudio) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

type fakeIssuer struct {
	mu      sync.Mutex
	n       int
	revoked []string
}

func (i *fakeIssuer) Issue(_ context.Context, tabID int) (capture.Handle, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.n++
	return capture.Handle{ID: fmt.Sprintf("h%d", i.n), TabID: tabID}, nil
}

func (i *fakeIssuer) Revoke(handle capture.Handle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.revoked = append(i.revoked, handle.ID)
}

func (i *fakeIssuer) Revoked() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.revoked...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushes map[int][]protocol.Push
	err    error
}

func (n *fakeNotifier) Deliver(tabID int, push protocol.Push) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if n.pushes == nil {
		n.pushes = make(map[int][]protocol.Push)
	}
	n.pushes[tabID] = append(n.pushes[tabID], push)
	return nil
}

func (n *fakeNotifier) For(tabID int) []protocol.Push {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.Push(nil), n.pushes[tabID]...)
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (protocol.VideoSettings, bool, error) {
	return protocol.VideoSettings{}, false, storage.ErrUnavailable
}

func (failingStore) Save(context.Context, string, protocol.VideoSettings) error {
	return storage.ErrUnavailable
}

func (failingStore) Close() error { return nil }

// gatedStore holds Load calls once armed until the gate is released
type gatedStore struct {
	storage.Store

	mu      sync.Mutex
	gate    chan struct{}
	entered chan string
}

func newGatedStore() *gatedStore {
	return &gatedStore{Store: storage.NewMemoryStore(), entered: make(chan string, 1)}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

func (s *gatedStore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.gate)
	s.gate = nil
}

func (s *gatedStore) Load(ctx context.Context, videoID string) (protocol.VideoSettings, bool, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		s.entered <- videoID
		select {
		case <-gate:
		case <-ctx.Done():
			return protocol.VideoSettings{}, false, ctx.Err()
		}
	}
	return s.Store.Load(ctx, videoID)
}

type fixture struct {
	coord    *Coordinator
	audio    *fakeAudio
	issuer   *fakeIssuer
	notifier *fakeNotifier
}

func newFixture(t *testing.T, store storage.Store, cfg Config) *fixture {
	t.Helper()

	if store == nil {
		store = storage.NewMemoryStore()
	}
	f := &fixture{audio: &fakeAudio{}, issuer: &fakeIssuer{}, notifier: &fakeNotifier{}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	f.coord = New(f.audio, f.issuer, store, f.notifier, cfg,
		metrics.NewMetrics(prometheus.NewRegistry()), logger)
	t.Cleanup(f.coord.Stop)

	return f
}

func (f *fixture) dispatch(t *testing.T, tabID int, action string, value float64) protocol.StateResponse {
	t.Helper()
	resp, err := f.coord.Dispatch(context.Background(), protocol.Command{Action: action, Value: value, TabID: tabID})
	require.NoError(t, err)
	return resp
}

func (f *fixture) videoChanged(t *testing.T, tabID int, videoID string) protocol.StateResponse {
	t.Helper()
	resp, err := f.coord.Dispatch(context.Background(), protocol.Command{
		Action:  protocol.ActionVideoChanged,
		TabID:   tabID,
		VideoID: protocol.StringPtr(videoID),
	})
	require.NoError(t, err)
	return resp
}

func TestStartCapture(t *testing.T) {
	f := newFixture(t, nil, Config{})

	resp := f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.True(t, resp.Capturing)
	assert.Equal(t, 1, f.coord.CapturingTab())
	assert.Equal(t, []string{"pitch:0", "speed:1", "start:1"}, f.audio.Calls())
	assert.Equal(t, []protocol.Push{
		protocol.StateUpdate(protocol.StateResponse{Pitch: 0, Speed: 1, Capturing: true, Revision: 1}),
	}, f.notifier.For(1))

	// Starting again is a no-op
	f.audio.reset()
	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.Empty(t, f.audio.Calls())
}

func TestExclusivityHandoff(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 1, protocol.ActionSetPitch, 2)
	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.dispatch(t, 2, protocol.ActionSetPitch, -3)
	f.audio.reset()

	resp := f.dispatch(t, 2, protocol.ActionStartCapture, 0)
	assert.True(t, resp.Capturing)

	// A is fully stopped before B is started
	assert.Equal(t, []string{"stop", "pitch:-3", "speed:1", "start:2"}, f.audio.Calls())
	assert.False(t, f.coord.State(1).Capturing)
	assert.Equal(t, 2, f.coord.CapturingTab())

	pushes := f.notifier.For(1)
	require.NotEmpty(t, pushes)
	assert.Equal(t, protocol.StateUpdate(f.coord.State(1)), pushes[len(pushes)-1])
	assert.False(t, *pushes[len(pushes)-1].Capturing)
	assert.Equal(t, 2, *pushes[len(pushes)-1].Pitch)
}

func TestAtMostOneTabCaptures(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for tab := 1; tab <= 5; tab++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				action := protocol.ActionStartCapture
				if i%3 == 2 {
					action = protocol.ActionStopCapture
				}
				_, err := f.coord.Dispatch(ctx, protocol.Command{Action: action, TabID: tab})
				assert.NoError(t, err)

				capturing := 0
				for _, snap := range f.coord.Tabs() {
					if snap.Capturing {
						capturing++
					}
				}
				assert.LessOrEqual(t, capturing, 1)
			}
		}()
	}
	wg.Wait()

	f.audio.mu.Lock()
	defer f.audio.mu.Unlock()
	assert.False(t, f.audio.violation, "audio started while another session was live")
}

func TestStartFailurePushesError(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.audio.startErr = fmt.Errorf("%w: permission denied", capture.ErrCaptureUnavailable)

	resp := f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.False(t, resp.Capturing)
	assert.Zero(t, f.coord.CapturingTab())

	pushes := f.notifier.For(1)
	require.Len(t, pushes, 1)
	assert.Equal(t, protocol.PushError, pushes[0].Action)
	assert.Equal(t, "Audio capture failed: capture unavailable: permission denied", pushes[0].Message)

	// The unredeemed handle does not linger
	assert.Equal(t, []string{"h1"}, f.issuer.Revoked())
}

func TestStartFailureBeforeStartRevokesHandle(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.audio.pitchErr = errors.New("processor unavailable")

	resp := f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.False(t, resp.Capturing)
	assert.Zero(t, f.coord.CapturingTab())
	assert.Equal(t, []string{"pitch:0"}, f.audio.Calls())
	assert.Equal(t, []string{"h1"}, f.issuer.Revoked())

	// A successful start keeps its handle
	f.audio.pitchErr = nil
	resp = f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.True(t, resp.Capturing)
	assert.Equal(t, []string{"h1"}, f.issuer.Revoked())
}

func TestStopCaptureIsNoopWhenIdle(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 1, protocol.ActionStopCapture, 0)
	f.dispatch(t, 1, protocol.ActionStopCapture, 0)
	assert.Empty(t, f.audio.Calls())
	assert.Empty(t, f.notifier.For(1))

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.dispatch(t, 1, protocol.ActionStopCapture, 0)
	f.dispatch(t, 1, protocol.ActionStopCapture, 0)

	stops := 0
	for _, call := range f.audio.Calls() {
		if call == "stop" {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestSetPitchSpeedClampAndForward(t *testing.T) {
	f := newFixture(t, nil, Config{})

	resp := f.dispatch(t, 1, protocol.ActionSetPitch, 50)
	assert.Equal(t, 12, resp.Pitch)
	resp = f.dispatch(t, 1, protocol.ActionSetSpeed, 0.1)
	assert.Equal(t, 0.5, resp.Speed)

	// Not capturing: nothing forwarded
	assert.Empty(t, f.audio.Calls())

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.audio.reset()

	resp = f.dispatch(t, 1, protocol.ActionSetPitch, -3.6)
	assert.Equal(t, -4, resp.Pitch)
	f.dispatch(t, 1, protocol.ActionSetSpeed, 1.25)
	assert.Equal(t, []string{"pitch:-4", "speed:1.25"}, f.audio.Calls())

	// Other tabs never reach the processor
	f.audio.reset()
	f.dispatch(t, 2, protocol.ActionSetPitch, 5)
	assert.Empty(t, f.audio.Calls())
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.videoChanged(t, 1, "abc")
	f.dispatch(t, 1, protocol.ActionSetPitch, 3)
	f.dispatch(t, 1, protocol.ActionSetSpeed, 1.25)

	resp := f.videoChanged(t, 1, "xyz")
	assert.Equal(t, 0, resp.Pitch)
	assert.Equal(t, 1.0, resp.Speed)
	require.NotNil(t, resp.VideoID)
	assert.Equal(t, "xyz", *resp.VideoID)

	f.dispatch(t, 1, protocol.ActionSetPitch, -2)

	resp = f.videoChanged(t, 1, "abc")
	assert.Equal(t, 3, resp.Pitch)
	assert.Equal(t, 1.25, resp.Speed)

	pushes := f.notifier.For(1)
	require.NotEmpty(t, pushes)
	last := pushes[len(pushes)-1]
	assert.Equal(t, protocol.StateUpdate(f.coord.State(1)), last)
	assert.Equal(t, 3, *last.Pitch)
	assert.Equal(t, 1.25, *last.Speed)

	resp = f.videoChanged(t, 1, "xyz")
	assert.Equal(t, -2, resp.Pitch)
}

func TestVideoChangedForwardsWhileCapturing(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "abc", protocol.VideoSettings{Pitch: 5, Speed: 0.75}))
	f := newFixture(t, store, Config{})

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.audio.reset()

	f.videoChanged(t, 1, "abc")
	assert.Equal(t, []string{"pitch:5", "speed:0.75"}, f.audio.Calls())
}

func TestVideoChangedKeepsPriorStateUntilLoaded(t *testing.T) {
	store := newGatedStore()
	require.NoError(t, store.Save(context.Background(), "abc", protocol.VideoSettings{Pitch: -4, Speed: 0.75}))
	f := newFixture(t, store, Config{})

	f.videoChanged(t, 1, "old")
	before := f.dispatch(t, 1, protocol.ActionSetPitch, 3)

	store.arm()
	require.NoError(t, f.coord.Submit(protocol.Command{
		Action:  protocol.ActionVideoChanged,
		TabID:   1,
		VideoID: protocol.StringPtr("abc"),
	}))
	assert.Equal(t, "abc", <-store.entered)

	// Queued behind the pending lookup
	require.NoError(t, f.coord.Submit(protocol.Command{Action: protocol.ActionSetPitch, Value: 5, TabID: 1}))

	pending := f.coord.State(1)
	assert.Equal(t, before, pending)
	assert.Equal(t, 3, pending.Pitch)
	require.NotNil(t, pending.VideoID)
	assert.Equal(t, "old", *pending.VideoID)

	// The old video was saved before the lookup started
	saved, found, err := store.Store.Load(context.Background(), "old")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, saved.Pitch)

	store.release()

	resp := f.dispatch(t, 1, protocol.ActionGetState, 0)
	assert.Equal(t, 5, resp.Pitch)
	assert.Equal(t, 0.75, resp.Speed)
	require.NotNil(t, resp.VideoID)
	assert.Equal(t, "abc", *resp.VideoID)
	assert.Greater(t, resp.Revision, before.Revision)

	saved, _, err = store.Store.Load(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, protocol.VideoSettings{Pitch: 5, Speed: 0.75}, saved)
}

func TestRevisions(t *testing.T) {
	f := newFixture(t, nil, Config{})

	r1 := f.dispatch(t, 1, protocol.ActionSetPitch, 2)
	assert.NotZero(t, r1.Revision)

	// Reads do not advance the revision
	r2 := f.dispatch(t, 1, protocol.ActionGetState, 0)
	assert.Equal(t, r1.Revision, r2.Revision)

	r3 := f.dispatch(t, 1, protocol.ActionSetSpeed, 1.5)
	assert.Greater(t, r3.Revision, r2.Revision)

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.dispatch(t, 2, protocol.ActionStartCapture, 0)
	f.videoChanged(t, 1, "abc")

	// Every state push is a full snapshot with a strictly increasing revision
	pushes := f.notifier.For(1)
	require.NotEmpty(t, pushes)
	var last uint64
	for _, push := range pushes {
		require.Equal(t, protocol.PushStateUpdate, push.Action)
		require.NotNil(t, push.Pitch)
		require.NotNil(t, push.Speed)
		require.NotNil(t, push.Capturing)
		assert.Greater(t, push.Revision, last)
		last = push.Revision
	}
	assert.Equal(t, f.coord.State(1).Revision, last)
}

func TestVideoChangedWithoutIDResets(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 1, protocol.ActionSetPitch, 7)
	resp, err := f.coord.Dispatch(context.Background(), protocol.Command{Action: protocol.ActionVideoChanged, TabID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Pitch)
	assert.Nil(t, resp.VideoID)
}

func TestPersistenceFailureFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, failingStore{}, Config{})

	f.videoChanged(t, 1, "abc")
	f.dispatch(t, 1, protocol.ActionSetPitch, 4)

	resp := f.videoChanged(t, 1, "xyz")
	assert.Equal(t, 0, resp.Pitch)
	assert.Equal(t, 1.0, resp.Speed)
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.notifier.err = bus.ErrUnreachable

	resp := f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.True(t, resp.Capturing)
}

func TestTabClosed(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	f.dispatch(t, 1, protocol.ActionSetPitch, 4)
	f.dispatch(t, 1, protocol.ActionStartCapture, 0)

	require.NoError(t, f.coord.TabClosed(ctx, 1))
	assert.Zero(t, f.coord.CapturingTab())
	assert.Empty(t, f.coord.Tabs())
	assert.Contains(t, f.audio.Calls(), "stop")

	// A new command recreates default state
	resp := f.dispatch(t, 1, protocol.ActionGetState, 0)
	assert.Equal(t, 0, resp.Pitch)
	assert.False(t, resp.Capturing)

	assert.ErrorIs(t, f.coord.TabClosed(ctx, 0), ErrInvalidTab)
}

func TestTabLoading(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 1, protocol.ActionSetPitch, 4)
	f.dispatch(t, 1, protocol.ActionStartCapture, 0)

	require.NoError(t, f.coord.TabLoading(context.Background(), 1))
	st := f.coord.State(1)
	assert.False(t, st.Capturing)
	assert.Equal(t, 4, st.Pitch)
	assert.Zero(t, f.coord.CapturingTab())
}

func TestSessionLost(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)

	// A stale handle is ignored
	f.coord.SessionLost(capture.Handle{ID: "old", TabID: 1})
	f.dispatch(t, 1, protocol.ActionGetState, 0)
	assert.True(t, f.coord.State(1).Capturing)

	f.coord.SessionLost(capture.Handle{ID: "h1", TabID: 1})
	require.Eventually(t, func() bool { return !f.coord.State(1).Capturing }, time.Second, time.Millisecond)
	assert.Zero(t, f.coord.CapturingTab())

	// Capture can be started again afterwards
	resp := f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	assert.True(t, resp.Capturing)
}

func TestEvictIdleTabs(t *testing.T) {
	f := newFixture(t, nil, Config{TabIdleTimeout: time.Minute, CleanupInterval: time.Hour})

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.dispatch(t, 2, protocol.ActionSetPitch, 3)

	assert.Equal(t, 1, f.coord.evictIdleTabs(time.Now().Add(time.Hour)))
	require.Eventually(t, func() bool { return len(f.coord.Tabs()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.coord.Tabs()[0].TabID)
}

func TestTabsSnapshotBadge(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 3, protocol.ActionSetPitch, -2)
	f.dispatch(t, 1, protocol.ActionSetPitch, 3)

	tabs := f.coord.Tabs()
	require.Len(t, tabs, 2)
	assert.Equal(t, 1, tabs[0].TabID)
	assert.Equal(t, "+3", tabs[0].BadgeText)
	assert.Equal(t, "#4caf50", tabs[0].BadgeColor)
	assert.Equal(t, "-2", tabs[1].BadgeText)
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, err := f.coord.Dispatch(ctx, protocol.Command{Action: "EXPLODE", TabID: 1})
	assert.Error(t, err)

	_, err = f.coord.Dispatch(ctx, protocol.Command{Action: protocol.ActionGetState})
	assert.ErrorIs(t, err, ErrInvalidTab)
}

func TestSubmitPreservesOrder(t *testing.T) {
	f := newFixture(t, nil, Config{})

	require.NoError(t, f.coord.Submit(protocol.Command{Action: protocol.ActionSetPitch, Value: 2, TabID: 1}))
	require.NoError(t, f.coord.Submit(protocol.Command{Action: protocol.ActionStartCapture, TabID: 1}))

	resp := f.dispatch(t, 1, protocol.ActionGetState, 0)
	assert.True(t, resp.Capturing)
	assert.Equal(t, []string{"pitch:2", "speed:1", "start:1"}, f.audio.Calls())
}

func TestStopReleasesCapture(t *testing.T) {
	f := newFixture(t, nil, Config{})

	f.dispatch(t, 1, protocol.ActionStartCapture, 0)
	f.coord.Stop()

	assert.Equal(t, "stop", f.audio.Calls()[len(f.audio.Calls())-1])

	_, err := f.coord.Dispatch(context.Background(), protocol.Command{Action: protocol.ActionGetState, TabID: 1})
	assert.True(t, errors.Is(err, ErrStopped))
}
