package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// startCleanupRoutine periodically discards idle, non-capturing tabs
func (c *Coordinator) startCleanupRoutine() {
	defer close(c.cleanup)

	if c.cfg.TabIdleTimeout <= 0 {
		<-c.ctx.Done()
		return
	}

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	c.logger.Info("Tab cleanup routine started",
		slog.Duration("timeout", c.cfg.TabIdleTimeout),
		slog.Duration("check_interval", c.cfg.CleanupInterval),
	)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("Tab cleanup routine stopping")
			return

		case <-ticker.C:
			c.evictIdleTabs(time.Now())
		}
	}
}

// evictIdleTabs queues an eviction for every tab idle longer than the
// timeout. The tab's worker re-checks before discarding, so a command that
// arrived in between keeps the tab alive.
func (c *Coordinator) evictIdleTabs(now time.Time) int {
	var idle []int

	c.stateMu.RLock()
	for tabID, st := range c.tabs {
		if !st.capturing && now.Sub(st.lastActivity) > c.cfg.TabIdleTimeout {
			idle = append(idle, tabID)
		}
	}
	c.stateMu.RUnlock()

	if len(idle) == 0 {
		return 0
	}

	c.logger.Info("Cleaning up idle tabs", slog.Int("idle_count", len(idle)))

	for _, tabID := range idle {
		err := c.enqueue(tabID, job{retire: true, run: func(context.Context) (protocol.StateResponse, error) {
			c.evictIfIdle(tabID, now)
			return protocol.StateResponse{}, nil
		}})
		if err != nil {
			c.logger.Debug("Failed to queue tab eviction",
				slog.Int("tab_id", tabID),
				slog.String("error", err.Error()),
			)
		}
	}

	return len(idle)
}

func (c *Coordinator) evictIfIdle(tabID int, now time.Time) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	st, ok := c.tabs[tabID]
	if !ok || st.capturing || now.Sub(st.lastActivity) <= c.cfg.TabIdleTimeout {
		return
	}

	delete(c.tabs, tabID)
	c.metrics.RecordTabEvicted()

	c.logger.Debug("Idle tab evicted",
		slog.Int("tab_id", tabID),
		slog.Duration("idle", now.Sub(st.lastActivity)),
	)
}
