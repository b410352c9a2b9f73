// Package storage persists per-video playback settings. Records are keyed
// by "video_<id>" and hold {pitch, speed} as JSON.
package storage
