package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// ErrUnavailable is returned when the backing store cannot be read or written
var ErrUnavailable = errors.New("settings storage unavailable")

// Store is a keyed settings store
type Store interface {
	// Load returns the settings saved for videoID. found is false when
	// nothing was saved.
	Load(ctx context.Context, videoID string) (settings protocol.VideoSettings, found bool, err error)

	// Save writes the settings for videoID
	Save(ctx context.Context, videoID string, settings protocol.VideoSettings) error

	Close() error
}

func encode(settings protocol.VideoSettings) ([]byte, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return data, nil
}

func decode(data []byte) (protocol.VideoSettings, error) {
	var settings protocol.VideoSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return protocol.VideoSettings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings.Normalize(), nil
}

// MemoryStore keeps settings in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Load implements Store
func (m *MemoryStore) Load(ctx context.Context, videoID string) (protocol.VideoSettings, bool, error) {
	if err := ctx.Err(); err != nil {
		return protocol.VideoSettings{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return protocol.VideoSettings{}, false, fmt.Errorf("%w: store closed", ErrUnavailable)
	}

	data, ok := m.records[protocol.StorageKey(videoID)]
	if !ok {
		return protocol.VideoSettings{}, false, nil
	}

	settings, err := decode(data)
	if err != nil {
		return protocol.VideoSettings{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return settings, true, nil
}

// Save implements Store
func (m *MemoryStore) Save(ctx context.Context, videoID string, settings protocol.VideoSettings) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	data, err := encode(settings)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	m.records[protocol.StorageKey(videoID)] = data
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
