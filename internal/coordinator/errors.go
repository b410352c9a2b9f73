package coordinator

import "errors"

var (
	// ErrStopped is returned once the coordinator has shut down
	ErrStopped = errors.New("coordinator stopped")

	// ErrQueueFull is returned when a tab has too many pending commands
	ErrQueueFull = errors.New("tab command queue full")

	// ErrInvalidTab is returned for commands without a usable tab id
	ErrInvalidTab = errors.New("invalid tab id")
)
