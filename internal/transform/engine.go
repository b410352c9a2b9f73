package transform

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTransformFailure marks an engine error while producing a block
var ErrTransformFailure = errors.New("transform failure")

// ErrUnknownEngine is returned when no factory is registered under a name
var ErrUnknownEngine = errors.New("unknown transform engine")

// Source supplies interleaved stereo frames to an engine. Extract writes up
// to numFrames frames into dst and returns how many it wrote.
type Source interface {
	Extract(dst []float32, numFrames int) int
}

// Engine shifts pitch and tempo of the frames pulled from its source
type Engine interface {
	// SetPitchSemitones takes effect before the next Extract
	SetPitchSemitones(semitones float64)

	// SetTempo sets the playback speed ratio
	SetTempo(ratio float64)

	// Extract fills dst with up to numFrames processed frames and returns the
	// count written. A short count is not an error.
	Extract(dst []float32, numFrames int) (int, error)

	// Clear drops any internal state
	Clear()
}

// Factory builds an engine bound to src
type Factory func(src Source) (Engine, error)

// DefaultEngine is the engine used when none is configured
const DefaultEngine = "bypass"

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		DefaultEngine: NewBypass,
	}
)

// Register makes a factory available under name, replacing any previous one
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup returns the factory registered under name
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return factory, nil
}

// Names lists registered engines in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
