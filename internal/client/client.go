package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/karaoke-pitch-service/internal/coordinator"
	"github.com/skypro1111/karaoke-pitch-service/internal/processor"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

// ErrNotFound is returned for 404 responses
var ErrNotFound = errors.New("not found")

// Client provides access to the service HTTP API
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// Config contains client configuration
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64 `json:"total_requests"`
	SuccessRequests uint64 `json:"success_requests"`
	FailedRequests  uint64 `json:"failed_requests"`
	TotalRetries    uint64 `json:"total_retries"`
}

// StatusError is a non-2xx API response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// Is lets 404 responses match ErrNotFound
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// NewClient creates a new API client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 200 * time.Millisecond
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Dispatch sends a command to the coordinator for cmd.TabID
func (c *Client) Dispatch(ctx context.Context, cmd protocol.Command) (protocol.StateResponse, error) {
	var state protocol.StateResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tabs/%d/commands", cmd.TabID), cmd, &state)
	return state, err
}

// RelayState asks the tab's relay for its local state
func (c *Client) RelayState(ctx context.Context, tabID int) (protocol.StateResponse, error) {
	var state protocol.StateResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tabs/%d/relay", tabID), nil, &state)
	return state, err
}

// NotifyRelay delivers a panel push to the tab's relay
func (c *Client) NotifyRelay(ctx context.Context, tabID int, push protocol.Push) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tabs/%d/relay", tabID), push, nil)
}

// Tabs lists every tab tracked by the coordinator
func (c *Client) Tabs(ctx context.Context) ([]coordinator.TabSnapshot, error) {
	var tabs []coordinator.TabSnapshot
	err := c.do(ctx, http.MethodGet, "/tabs", nil, &tabs)
	return tabs, err
}

// ProcessorStatus returns the audio processor snapshot
func (c *Client) ProcessorStatus(ctx context.Context) (processor.Status, error) {
	var status processor.Status
	err := c.do(ctx, http.MethodGet, "/processor", nil, &status)
	return status, err
}

// Health checks the service health endpoint
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var health map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &health)
	return health, err
}

// do performs a request with retries. body and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	// Acquire semaphore for concurrency limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, method, path, payload, out)
		if err == nil {
			c.incrementSuccessRequests()
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return fmt.Errorf("%s %s failed: %w", method, path, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.BaseBackoff
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}
	return backoff
}

// doRequest performs a single HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pitchctl/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return nil
}

// isRetryableError reports whether a failed attempt is worth repeating:
// server errors, rate limiting and network errors are
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalRetries:    c.totalRetries,
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
