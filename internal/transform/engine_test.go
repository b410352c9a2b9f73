package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	samples []float32
}

func (s *sliceSource) Extract(dst []float32, numFrames int) int {
	n := min(numFrames*2, len(s.samples), len(dst))
	n -= n % 2
	copy(dst, s.samples[:n])
	s.samples = s.samples[n:]
	return n / 2
}

func TestLookupDefault(t *testing.T) {
	factory, err := Lookup(DefaultEngine)
	require.NoError(t, err)

	engine, err := factory(&sliceSource{samples: []float32{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)

	engine.SetPitchSemitones(3)
	engine.SetTempo(1.5)
	semitones, tempo := engine.(*Bypass).Params()
	assert.Equal(t, 3.0, semitones)
	assert.Equal(t, 1.5, tempo)

	dst := make([]float32, 8)
	n, err := engine.Extract(dst, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 0, 0}, dst)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("rubberband")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestRegister(t *testing.T) {
	Register("test-engine", NewBypass)
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, "test-engine")
		registryMu.Unlock()
	})

	assert.Contains(t, Names(), "test-engine")
	assert.Contains(t, Names(), DefaultEngine)

	_, err := NewBypass(nil)
	assert.Error(t, err)
}
