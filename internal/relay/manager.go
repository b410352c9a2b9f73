package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// Registry is where relay mailboxes are attached so pushes can reach them
type Registry interface {
	Register(tabID int, mailbox chan<- protocol.Push) error
	Unregister(tabID int)
}

// Manager creates relays on demand, one per tab
type Manager struct {
	relays   map[int]*managedRelay
	mu       sync.Mutex
	coord    Dispatcher
	registry Registry
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type managedRelay struct {
	*Relay
	cancel context.CancelFunc
}

// Info describes one live relay
type Info struct {
	TabID          int    `json:"tab_id"`
	QueuedNotices  int    `json:"queued_notifications"`
	DroppedNotices uint64 `json:"dropped_notifications"`
}

// NewManager creates an empty relay manager
func NewManager(coord Dispatcher, registry Registry, cfg Config, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		relays:   make(map[int]*managedRelay),
		coord:    coord,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Relay returns the relay of tabID, starting one if needed
func (m *Manager) Relay(tabID int) (*Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.relays[tabID]; ok {
		return r.Relay, nil
	}

	if err := m.ctx.Err(); err != nil {
		return nil, ErrClosed
	}

	r := New(tabID, m.coord, m.cfg, m.logger)
	if err := m.registry.Register(tabID, r.Mailbox()); err != nil {
		return nil, fmt.Errorf("failed to register relay for tab %d: %w", tabID, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.relays[tabID] = &managedRelay{Relay: r, cancel: cancel}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.Run(ctx)
	}()

	m.logger.Info("Relay started", slog.Int("tab_id", tabID))

	return r, nil
}

// Lookup returns the relay of tabID if one is running
func (m *Manager) Lookup(tabID int) (*Relay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.relays[tabID]
	if !ok {
		return nil, false
	}
	return r.Relay, true
}

// Remove stops the relay of tabID. Unknown tabs are ignored.
func (m *Manager) Remove(tabID int) bool {
	m.mu.Lock()
	r, ok := m.relays[tabID]
	if ok {
		delete(m.relays, tabID)
		m.registry.Unregister(tabID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	r.cancel()
	<-r.Done()

	m.logger.Info("Relay removed", slog.Int("tab_id", tabID))
	return true
}

// List describes every live relay ordered by tab id
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.relays))
	for id, r := range m.relays {
		queued, dropped := r.OutboxStats()
		infos = append(infos, Info{TabID: id, QueuedNotices: queued, DroppedNotices: dropped})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TabID < infos[j].TabID })
	return infos
}

// Stop stops every relay
func (m *Manager) Stop() {
	m.mu.Lock()
	for id := range m.relays {
		m.registry.Unregister(id)
	}
	clear(m.relays)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.logger.Info("Relay manager stopped")
}
