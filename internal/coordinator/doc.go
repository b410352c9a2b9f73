// Package coordinator is the single source of truth for per-tab playback
// state. It serializes commands per tab, enforces that at most one tab is
// capturing at any time, drives the audio processor, persists per-video
// settings, and pushes state changes back to tab relays.
package coordinator
