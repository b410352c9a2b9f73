package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/karaoke-pitch-service/internal/bus"
	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/coordinator"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
	"github.com/skypro1111/karaoke-pitch-service/internal/storage"
)

type nopAudio struct{}

func (nopAudio) Start(context.Context, capture.Handle) error { return nil }
func (nopAudio) Stop(context.Context) error                  { return nil }
func (nopAudio) SetPitch(context.Context, int) error         { return nil }
func (nopAudio) SetSpeed(context.Context, float64) error     { return nil }

// slowStore holds every Load until the test lets it through
type slowStore struct {
	storage.Store
	loads chan chan struct{}
}

func (s *slowStore) Load(ctx context.Context, videoID string) (protocol.VideoSettings, bool, error) {
	release := make(chan struct{})
	select {
	case s.loads <- release:
	case <-ctx.Done():
		return protocol.VideoSettings{}, false, ctx.Err()
	}
	select {
	case <-release:
	case <-ctx.Done():
		return protocol.VideoSettings{}, false, ctx.Err()
	}
	return s.Store.Load(ctx, videoID)
}

func TestRelayConvergesWithCoordinator(t *testing.T) {
	logger := testLogger()
	store := &slowStore{Store: storage.NewMemoryStore(), loads: make(chan chan struct{})}
	router := bus.NewRouter(logger)

	coord := coordinator.New(nopAudio{}, capture.NewFeed(capture.DefaultStreamBuffer, logger), store, router,
		coordinator.Config{}, metrics.NewMetrics(prometheus.NewRegistry()), logger)
	relays := NewManager(coord, router, Config{}, logger)
	t.Cleanup(func() {
		relays.Stop()
		coord.Stop()
	})

	ctx := context.Background()

	for tabID := 1; tabID <= 20; tabID++ {
		t.Run(fmt.Sprintf("tab %d", tabID), func(t *testing.T) {
			r, err := relays.Relay(tabID)
			require.NoError(t, err)

			post(t, r, protocol.PageMessage{Type: protocol.PageTypeSetVideoID, VideoID: protocol.StringPtr("abc")})
			release := <-store.loads

			// The page edits while the settings lookup is still pending
			post(t, r, protocol.PageMessage{Type: protocol.PageTypeSetPitch, Value: 5})
			require.Eventually(t, func() bool {
				st, err := r.State(ctx)
				return err == nil && st.Pitch == 5
			}, time.Second, time.Millisecond)

			close(release)

			require.Eventually(t, func() bool {
				want := coord.State(tabID)
				got, err := r.State(ctx)
				return err == nil && want.Pitch == 5 && want.Capturing &&
					got.Pitch == want.Pitch && got.Speed == want.Speed && got.Capturing
			}, 2*time.Second, time.Millisecond)

			// A relay that knows it captures stops capture on unload
			require.NoError(t, r.Unload(ctx))
			require.Eventually(t, func() bool { return !coord.State(tabID).Capturing }, time.Second, time.Millisecond)

			require.Eventually(t, func() bool {
				st, err := r.State(ctx)
				return err == nil && !st.Capturing && st.Pitch == 5
			}, time.Second, time.Millisecond)
			relays.Remove(tabID)
		})
	}
}

func TestRelaysAgreeUnderConcurrentEdits(t *testing.T) {
	logger := testLogger()
	router := bus.NewRouter(logger)

	coord := coordinator.New(nopAudio{}, capture.NewFeed(capture.DefaultStreamBuffer, logger), storage.NewMemoryStore(), router,
		coordinator.Config{}, metrics.NewMetrics(prometheus.NewRegistry()), logger)
	relays := NewManager(coord, router, Config{MailboxSize: 256}, logger)
	t.Cleanup(func() {
		relays.Stop()
		coord.Stop()
	})

	ctx := context.Background()
	r, err := relays.Relay(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := -6; v <= 6; v++ {
				_, err := coord.Dispatch(ctx, protocol.Command{Action: protocol.ActionSetPitch, Value: float64(v), TabID: 1})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	final, err := coord.Dispatch(ctx, protocol.Command{Action: protocol.ActionSetSpeed, Value: 1.5, TabID: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := r.State(ctx)
		return err == nil && st.Pitch == final.Pitch && st.Speed == 1.5
	}, time.Second, time.Millisecond)
}
