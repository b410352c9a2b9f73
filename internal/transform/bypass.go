package transform

import "errors"

// Bypass is a placeholder engine that forwards source frames untouched.
// It records the requested parameters so callers can observe them.
type Bypass struct {
	src       Source
	semitones float64
	tempo     float64
}

// NewBypass returns a Bypass engine reading from src
func NewBypass(src Source) (Engine, error) {
	if src == nil {
		return nil, errors.New("bypass engine requires a source")
	}
	return &Bypass{src: src, tempo: 1}, nil
}

func (b *Bypass) SetPitchSemitones(semitones float64) { b.semitones = semitones }
func (b *Bypass) SetTempo(ratio float64)              { b.tempo = ratio }

// Extract implements Engine
func (b *Bypass) Extract(dst []float32, numFrames int) (int, error) {
	return b.src.Extract(dst, numFrames), nil
}

// Clear implements Engine
func (b *Bypass) Clear() {}

// Params returns the last pitch and tempo set
func (b *Bypass) Params() (semitones, tempo float64) {
	return b.semitones, b.tempo
}
