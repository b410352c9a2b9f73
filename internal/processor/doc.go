// Package processor implements the audio processing context: a single
// goroutine that owns the live audio session (capture stream, buffer
// adapter, transform engine and output sink) and applies control commands
// in the order they arrive.
package processor
