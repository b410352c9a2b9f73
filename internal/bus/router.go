package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

var (
	// ErrUnreachable is returned when a push cannot be handed to its target
	ErrUnreachable = errors.New("context unreachable")

	// ErrAlreadyRegistered is returned when a tab already has a mailbox
	ErrAlreadyRegistered = errors.New("mailbox already registered")
)

// Router maps tab ids to relay mailboxes
type Router struct {
	mu        sync.RWMutex
	mailboxes map[int]chan<- protocol.Push
	logger    *slog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// RouterStats represents delivery statistics
type RouterStats struct {
	Mailboxes int    `json:"mailboxes"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// NewRouter creates an empty router
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		mailboxes: make(map[int]chan<- protocol.Push),
		logger:    logger,
	}
}

// Register attaches mailbox to tabID
func (r *Router) Register(tabID int, mailbox chan<- protocol.Push) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mailboxes[tabID]; exists {
		return fmt.Errorf("%w: tab %d", ErrAlreadyRegistered, tabID)
	}
	r.mailboxes[tabID] = mailbox

	r.logger.Debug("Mailbox registered", slog.Int("tab_id", tabID))
	return nil
}

// Unregister detaches the mailbox of tabID. Unknown tabs are ignored.
func (r *Router) Unregister(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.mailboxes, tabID)
}

// Deliver hands push to the mailbox of tabID without blocking
func (r *Router) Deliver(tabID int, push protocol.Push) error {
	// Sends happen under the read lock so Unregister cannot race a send
	r.mu.RLock()
	defer r.mu.RUnlock()

	mailbox, ok := r.mailboxes[tabID]
	if !ok {
		r.dropped.Add(1)
		return fmt.Errorf("%w: no relay for tab %d", ErrUnreachable, tabID)
	}

	select {
	case mailbox <- push:
		r.delivered.Add(1)
		return nil
	default:
		r.dropped.Add(1)
		return fmt.Errorf("%w: mailbox of tab %d is full", ErrUnreachable, tabID)
	}
}

// GetStats returns delivery statistics
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	mailboxes := len(r.mailboxes)
	r.mu.RUnlock()

	return RouterStats{
		Mailboxes: mailboxes,
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
	}
}
