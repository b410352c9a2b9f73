// Package protocol defines the message contracts exchanged between the page relay,
// control panel, capture coordinator and audio processing context, plus the binary
// capture feed that carries interleaved stereo float32 frames for one tab.
package protocol
