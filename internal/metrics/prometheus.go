package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the karaoke pitch service
type Metrics struct {
	// Capture feed metrics
	PacketsReceived prometheus.Counter
	PacketOutcomes  *prometheus.CounterVec
	ParseErrors     prometheus.Counter
	QueueSize       prometheus.Gauge

	// Audio session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsStopped  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	CaptureFailures  prometheus.Counter
	BlocksProcessed  *prometheus.CounterVec
	TransformFailure prometheus.Counter
	ChunksEvicted    prometheus.Counter
	ShortfallFrames  prometheus.Counter
	BlockTime        prometheus.Histogram

	// Coordinator metrics
	Commands            *prometheus.CounterVec
	TrackedTabs         prometheus.Gauge
	CapturingTabs       prometheus.Gauge
	TabsEvicted         prometheus.Counter
	DeliveryFailures    prometheus.Counter
	PersistenceFailures *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture feed metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_packets_received_total",
			Help: "Total number of capture feed packets received",
		}),
		PacketOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_packets_routed_total",
			Help: "Capture feed packets by routing outcome",
		}, []string{"outcome"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "karaoke_packet_queue_size",
			Help: "Current number of packets waiting to be routed",
		}),

		// Audio session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "karaoke_active_sessions",
			Help: "Number of live audio sessions (0 or 1)",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_sessions_started_total",
			Help: "Total number of audio sessions started",
		}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_sessions_stopped_total",
			Help: "Audio sessions torn down, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "karaoke_session_duration_seconds",
			Help:    "Duration of audio sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		CaptureFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_capture_failures_total",
			Help: "Total number of failed capture starts",
		}),
		BlocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_blocks_processed_total",
			Help: "Processed audio blocks by path",
		}, []string{"path"}),
		TransformFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_transform_failures_total",
			Help: "Blocks passed through because the transform engine failed",
		}),
		ChunksEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_chunks_evicted_total",
			Help: "Chunks dropped from a full stream buffer",
		}),
		ShortfallFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_shortfall_frames_total",
			Help: "Output frames zero-filled because the engine ran dry",
		}),
		BlockTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "karaoke_block_processing_duration_seconds",
			Help:    "Time spent processing one audio block",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),

		// Coordinator metrics
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_commands_total",
			Help: "Coordinator commands handled, by action",
		}, []string{"action"}),
		TrackedTabs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "karaoke_tracked_tabs",
			Help: "Number of tabs with playback state",
		}),
		CapturingTabs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "karaoke_capturing_tabs",
			Help: "Number of tabs currently capturing (0 or 1)",
		}),
		TabsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_tabs_evicted_total",
			Help: "Idle tab states discarded",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "karaoke_delivery_failures_total",
			Help: "Messages that could not be delivered to a context",
		}),
		PersistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_persistence_failures_total",
			Help: "Settings storage failures, by operation",
		}, []string{"op"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "karaoke_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "karaoke_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketOutcome counts a routed packet by outcome
func (m *Metrics) RecordPacketOutcome(outcome string) {
	m.PacketOutcomes.WithLabelValues(outcome).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// RecordSessionStarted marks a new live audio session
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Set(1)
}

// RecordSessionStopped records a torn-down session and its duration
func (m *Metrics) RecordSessionStopped(reason string, durationSeconds float64) {
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.ActiveSessions.Set(0)
}

// RecordCaptureFailure increments the failed capture counter
func (m *Metrics) RecordCaptureFailure() {
	m.CaptureFailures.Inc()
}

// RecordBlock records one processed block
func (m *Metrics) RecordBlock(path string, durationSeconds float64) {
	m.BlocksProcessed.WithLabelValues(path).Inc()
	m.BlockTime.Observe(durationSeconds)
}

// RecordTransformFailure increments the transform failure counter
func (m *Metrics) RecordTransformFailure() {
	m.TransformFailure.Inc()
}

// RecordEvictions adds evicted chunks
func (m *Metrics) RecordEvictions(n int) {
	if n > 0 {
		m.ChunksEvicted.Add(float64(n))
	}
}

// RecordShortfall adds zero-filled frames
func (m *Metrics) RecordShortfall(frames int) {
	if frames > 0 {
		m.ShortfallFrames.Add(float64(frames))
	}
}

// RecordCommand counts a coordinator command
func (m *Metrics) RecordCommand(action string) {
	m.Commands.WithLabelValues(action).Inc()
}

// SetTabCounts sets the tracked and capturing tab gauges
func (m *Metrics) SetTabCounts(tracked, capturing int) {
	m.TrackedTabs.Set(float64(tracked))
	m.CapturingTabs.Set(float64(capturing))
}

// RecordTabEvicted increments the idle tab eviction counter
func (m *Metrics) RecordTabEvicted() {
	m.TabsEvicted.Inc()
}

// RecordDeliveryFailure increments the undeliverable message counter
func (m *Metrics) RecordDeliveryFailure() {
	m.DeliveryFailures.Inc()
}

// RecordPersistenceFailure counts a storage failure for op ("load" or "save")
func (m *Metrics) RecordPersistenceFailure(op string) {
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
