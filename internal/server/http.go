package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/karaoke-pitch-service/internal/bus"
	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/config"
	"github.com/skypro1111/karaoke-pitch-service/internal/coordinator"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/processor"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
	"github.com/skypro1111/karaoke-pitch-service/internal/relay"
)

const serviceName = "karaoke-pitch-service"

// Coordinator is the capture coordinator as seen by the API
type Coordinator interface {
	Dispatch(ctx context.Context, cmd protocol.Command) (protocol.StateResponse, error)
	TabClosed(ctx context.Context, tabID int) error
	TabLoading(ctx context.Context, tabID int) error
	Tabs() []coordinator.TabSnapshot
}

// Relays gives access to the per-tab relays
type Relays interface {
	Relay(tabID int) (*relay.Relay, error)
	Lookup(tabID int) (*relay.Relay, bool)
	Remove(tabID int) bool
	List() []relay.Info
}

// Bus delivers pushes to relay mailboxes
type Bus interface {
	Deliver(tabID int, push protocol.Push) error
	GetStats() bus.RouterStats
}

// Dependencies bundles what the HTTP API serves
type Dependencies struct {
	Coordinator Coordinator
	Relays      Relays
	Bus         Bus
	Processor   interface{ Status() processor.Status }
	Feed        interface{ GetStats() capture.FeedSnapshot }
	UDP         interface{ GetStatistics() ServerStatistics }
	Gatherer    prometheus.Gatherer
}

// HTTPServer provides the HTTP API
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	deps    Dependencies
	metrics *metrics.Metrics
	version string

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, deps Dependencies, m *metrics.Metrics, version string, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		metrics:   m,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /processor", h.withMetrics("/processor", h.handleProcessor))

	// Tab state and coordinator commands
	mux.HandleFunc("GET /tabs", h.withMetrics("/tabs", h.handleTabs))
	mux.HandleFunc("GET /tabs/{id}", h.withMetrics("/tabs/{id}", h.handleTabDetail))
	mux.HandleFunc("POST /tabs/{id}/commands", h.withMetrics("/tabs/{id}/commands", h.handleCommand))

	// Page script traffic
	mux.HandleFunc("POST /tabs/{id}/page", h.withMetrics("/tabs/{id}/page", h.handlePageMessage))
	mux.HandleFunc("GET /tabs/{id}/page/notifications", h.withMetrics("/tabs/{id}/page/notifications", h.handlePageNotifications))

	// Control panel to relay
	mux.HandleFunc("GET /tabs/{id}/relay", h.withMetrics("/tabs/{id}/relay", h.handleRelayState))
	mux.HandleFunc("POST /tabs/{id}/relay", h.withMetrics("/tabs/{id}/relay", h.handleRelayPush))

	// Browser tab events
	mux.HandleFunc("POST /tabs/{id}/closed", h.withMetrics("/tabs/{id}/closed", h.handleTabClosed))
	mux.HandleFunc("POST /tabs/{id}/loading", h.withMetrics("/tabs/{id}/loading", h.handleTabLoading))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("HTTP API server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	udpStats := h.deps.UDP.GetStatistics()
	feedStats := h.deps.Feed.GetStats()
	busStats := h.deps.Bus.GetStats()
	status := h.deps.Processor.Status()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": h.version,
		},
		"components": map[string]any{
			"udp_server": map[string]any{
				"status":            "running",
				"packets_received":  udpStats.PacketsReceived,
				"packets_processed": udpStats.PacketsProcessed,
				"parse_errors":      udpStats.ParseErrors,
				"queue_size":        udpStats.QueueSize,
			},
			"capture_feed": feedStats,
			"processor": map[string]any{
				"active": status.Active,
				"tab_id": status.TabID,
			},
			"coordinator": map[string]any{
				"tracked_tabs": len(h.deps.Coordinator.Tabs()),
			},
			"relays": map[string]any{
				"active":    len(h.deps.Relays.List()),
				"delivered": busStats.Delivered,
				"dropped":   busStats.Dropped,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"udp_port":      h.config.Server.UDPPort,
			"bind_address":  h.config.Server.BindAddress,
			"buffer_size":   h.config.Server.BufferSize,
			"stream_buffer": h.config.Server.StreamBuffer,
		},
		"audio": map[string]any{
			"sample_rate":       h.config.Audio.SampleRate,
			"channels":          h.config.Audio.Channels,
			"block_frames":      h.config.Audio.BlockFrames,
			"max_queued_chunks": h.config.Audio.MaxQueuedChunks,
			"max_latency":       h.config.Audio.GetMaxLatency().String(),
			"output":            h.config.Audio.Output,
		},
		"transform": map[string]any{
			"engine": h.config.Transform.Engine,
		},
		"storage": map[string]any{
			"path":    h.config.Storage.Path,
			"timeout": h.config.Storage.Timeout,
		},
		"coordinator": map[string]any{
			"queue_size":         h.config.Coordinator.QueueSize,
			"tab_idle_timeout":   h.config.Coordinator.TabIdleTimeout,
			"cleanup_interval":   h.config.Coordinator.CleanupInterval,
			"relay_mailbox_size": h.config.Coordinator.RelayMailboxSize,
			"relay_outbox_size":  h.config.Coordinator.RelayOutboxSize,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleProcessor implements the /processor endpoint
func (h *HTTPServer) handleProcessor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Processor.Status())
}

// handleTabs implements the /tabs endpoint
func (h *HTTPServer) handleTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Coordinator.Tabs())
}

// handleTabDetail implements the /tabs/{id} endpoint
func (h *HTTPServer) handleTabDetail(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	for _, tab := range h.deps.Coordinator.Tabs() {
		if tab.TabID == tabID {
			writeJSON(w, http.StatusOK, tab)
			return
		}
	}
	http.Error(w, "Tab not found", http.StatusNotFound)
}

// handleCommand runs a coordinator command for the tab in the path
func (h *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid command body", http.StatusBadRequest)
		return
	}

	if cmd.TabID != 0 && cmd.TabID != tabID {
		http.Error(w, "Tab id mismatch", http.StatusBadRequest)
		return
	}
	cmd.TabID = tabID

	state, err := h.deps.Coordinator.Dispatch(r.Context(), cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// handlePageMessage posts a page intent to the tab's relay, starting the
// relay on first contact
func (h *HTTPServer) handlePageMessage(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	var msg protocol.PageMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid page message", http.StatusBadRequest)
		return
	}

	rl, err := h.deps.Relays.Relay(tabID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := rl.PostMessage(r.Context(), msg); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handlePageNotifications drains what the relay posted to the page
func (h *HTTPServer) handlePageNotifications(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	rl, found := h.deps.Relays.Lookup(tabID)
	if !found {
		http.Error(w, "No relay for tab", http.StatusNotFound)
		return
	}

	notifications := rl.Notifications()
	if notifications == nil {
		notifications = []protocol.PageNotification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

// handleRelayState answers the control panel's GET_STATE
func (h *HTTPServer) handleRelayState(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	rl, found := h.deps.Relays.Lookup(tabID)
	if !found {
		http.Error(w, "No relay for tab", http.StatusNotFound)
		return
	}

	state, err := rl.State(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleRelayPush delivers a control panel push to the tab's relay
func (h *HTTPServer) handleRelayPush(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	var push protocol.Push
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		http.Error(w, "Invalid push body", http.StatusBadRequest)
		return
	}

	if err := h.deps.Bus.Deliver(tabID, push); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleTabClosed forgets the tab and stops its relay
func (h *HTTPServer) handleTabClosed(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.deps.Coordinator.TabClosed(r.Context(), tabID); err != nil {
		h.writeError(w, err)
		return
	}
	h.deps.Relays.Remove(tabID)

	w.WriteHeader(http.StatusNoContent)
}

// handleTabLoading tears the page down: the relay unloads and goes away,
// then capture is stopped if the tab still holds it
func (h *HTTPServer) handleTabLoading(w http.ResponseWriter, r *http.Request) {
	tabID, ok := tabIDFromPath(w, r)
	if !ok {
		return
	}

	if rl, found := h.deps.Relays.Lookup(tabID); found {
		if err := rl.Unload(r.Context()); err != nil && !errors.Is(err, relay.ErrClosed) {
			h.logger.Warn("Relay unload failed",
				slog.Int("tab_id", tabID),
				slog.String("error", err.Error()),
			)
		}
		h.deps.Relays.Remove(tabID)
	}

	if err := h.deps.Coordinator.TabLoading(r.Context(), tabID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": h.version,
		"endpoints": map[string]string{
			"GET /":                             "API documentation",
			"GET /health":                       "Service health check",
			"GET /config":                       "Service configuration",
			"GET /metrics":                      "Prometheus metrics",
			"GET /processor":                    "Audio processor status",
			"GET /tabs":                         "All tracked tabs with badges",
			"GET /tabs/{id}":                    "One tracked tab",
			"POST /tabs/{id}/commands":          "Run a coordinator command",
			"POST /tabs/{id}/page":              "Post a page message to the tab's relay",
			"GET /tabs/{id}/page/notifications": "Drain relay notifications for the page",
			"GET /tabs/{id}/relay":              "Relay state for the control panel",
			"POST /tabs/{id}/relay":             "Deliver a control panel push to the relay",
			"POST /tabs/{id}/closed":            "Browser tab closed",
			"POST /tabs/{id}/loading":           "Browser tab started loading",
		},
		"timestamp": time.Now().UTC(),
	})
}

// writeError maps domain errors onto status codes
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, coordinator.ErrInvalidTab),
		errors.Is(err, protocol.ErrUnknownAction),
		errors.Is(err, relay.ErrUnknownMessage):
		status = http.StatusBadRequest
	case errors.Is(err, bus.ErrUnreachable):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, coordinator.ErrStopped),
		errors.Is(err, relay.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		h.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	http.Error(w, err.Error(), status)
}

func tabIDFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	tabID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || tabID <= 0 {
		http.Error(w, "Invalid tab id", http.StatusBadRequest)
		return 0, false
	}
	return tabID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
