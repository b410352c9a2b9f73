package capture

import (
	"context"
	"errors"
)

var (
	// ErrCaptureUnavailable is returned when a tab's audio cannot be acquired
	ErrCaptureUnavailable = errors.New("capture unavailable")

	// ErrUnknownHandle is returned for handles that were never issued or
	// have already been redeemed
	ErrUnknownHandle = errors.New("unknown or already used stream handle")

	// ErrFeedClosed is returned once the feed has shut down
	ErrFeedClosed = errors.New("capture feed closed")
)

// Handle is an opaque one-shot token granting access to one tab's audio
type Handle struct {
	ID    string `json:"id"`
	TabID int    `json:"tab_id"`
}

// Stream delivers interleaved stereo blocks for one capture session.
// C is closed when the source ends or the stream is closed.
type Stream interface {
	C() <-chan []float32
	Close() error
}

// Acquirer redeems a handle for a live stream
type Acquirer interface {
	Open(ctx context.Context, handle Handle) (Stream, error)
}

// Issuer hands out stream handles for tabs. Revoke drops a handle that
// will never be redeemed.
type Issuer interface {
	Issue(ctx context.Context, tabID int) (Handle, error)
	Revoke(handle Handle)
}
