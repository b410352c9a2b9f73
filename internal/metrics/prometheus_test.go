package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordSessionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	m.RecordSessionStopped("stop", 2.5)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStopped.WithLabelValues("stop")))

	m.RecordEvictions(0)
	m.RecordEvictions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunksEvicted))

	m.RecordCommand("START_CAPTURE")
	m.RecordCommand("START_CAPTURE")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("START_CAPTURE")))

	m.SetTabCounts(4, 1)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TrackedTabs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CapturingTabs))
}

func TestMetricsPrivateRegistries(t *testing.T) {
	// Separate registries must not collide
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
