// Package audio holds the per-session audio plumbing: the stream buffer
// adapter that turns irregular capture chunks into fixed frame requests, and
// the sinks that receive processed blocks (discard, WAV recording, PortAudio
// playback).
package audio
