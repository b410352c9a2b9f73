package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

var settingsBucket = []byte("settings")

// BoltStore persists settings in a single bbolt file
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBolt opens (or creates) the database at path. timeout bounds waiting
// for the file lock held by another process.
func OpenBolt(path string, timeout time.Duration, logger *slog.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %w", ErrUnavailable, err)
	}

	logger.Info("Settings store opened", slog.String("path", path))

	return &BoltStore{db: db, logger: logger}, nil
}

// Load implements Store
func (s *BoltStore) Load(ctx context.Context, videoID string) (protocol.VideoSettings, bool, error) {
	if err := ctx.Err(); err != nil {
		return protocol.VideoSettings{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(settingsBucket)
		if bucket == nil {
			return fmt.Errorf("bucket %q missing", settingsBucket)
		}
		if v := bucket.Get([]byte(protocol.StorageKey(videoID))); v != nil {
			// v is only valid inside the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return protocol.VideoSettings{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if data == nil {
		return protocol.VideoSettings{}, false, nil
	}

	settings, err := decode(data)
	if err != nil {
		return protocol.VideoSettings{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return settings, true, nil
}

// Save implements Store
func (s *BoltStore) Save(ctx context.Context, videoID string, settings protocol.VideoSettings) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	data, err := encode(settings)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(settingsBucket)
		if bucket == nil {
			return fmt.Errorf("bucket %q missing", settingsBucket)
		}
		return bucket.Put([]byte(protocol.StorageKey(videoID)), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.logger.Debug("Video settings saved",
		slog.String("video_id", videoID),
		slog.Int("pitch", settings.Pitch),
		slog.Float64("speed", settings.Speed),
	)
	return nil
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}
