package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	HTTP        HTTPConfig        `yaml:"http"`
	Audio       AudioConfig       `yaml:"audio"`
	Transform   TransformConfig   `yaml:"transform"`
	Storage     StorageConfig     `yaml:"storage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains the UDP capture feed configuration
type ServerConfig struct {
	UDPPort      int    `yaml:"udp_port"`
	BindAddress  string `yaml:"bind_address"`
	BufferSize   int    `yaml:"buffer_size"`
	StreamBuffer int    `yaml:"stream_buffer"` // chunks buffered per capture stream
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BlockFrames     int    `yaml:"block_frames"`
	MaxQueuedChunks int    `yaml:"max_queued_chunks"`
	Output          string `yaml:"output"` // none, wav or portaudio
	RecordPath      string `yaml:"record_path"`
}

// TransformConfig selects the pitch/tempo engine
type TransformConfig struct {
	Engine string `yaml:"engine"`
}

// StorageConfig contains per-video settings persistence configuration.
// An empty path keeps settings in memory only.
type StorageConfig struct {
	Path    string `yaml:"path"`
	Timeout int    `yaml:"timeout"` // seconds to wait for the database lock
}

// CoordinatorConfig contains tab bookkeeping parameters
type CoordinatorConfig struct {
	QueueSize        int `yaml:"queue_size"`
	TabIdleTimeout   int `yaml:"tab_idle_timeout"` // seconds
	CleanupInterval  int `yaml:"cleanup_interval"` // seconds
	RelayMailboxSize int `yaml:"relay_mailbox_size"`
	RelayOutboxSize  int `yaml:"relay_outbox_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transform.Validate(); err != nil {
		return fmt.Errorf("transform config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.StreamBuffer < 1 {
		return fmt.Errorf("stream_buffer must be at least 1, got %d", s.StreamBuffer)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 2 {
		return fmt.Errorf("channels must be 2 (stereo) for the capture feed, got %d", a.Channels)
	}

	if a.BlockFrames < 128 || a.BlockFrames > 16384 {
		return fmt.Errorf("block_frames must be between 128 and 16384, got %d", a.BlockFrames)
	}

	if a.MaxQueuedChunks < 1 {
		return fmt.Errorf("max_queued_chunks must be at least 1, got %d", a.MaxQueuedChunks)
	}

	switch a.Output {
	case "none", "portaudio":
	case "wav":
		if a.RecordPath == "" {
			return fmt.Errorf("record_path cannot be empty when output is 'wav'")
		}
	default:
		return fmt.Errorf("output must be 'none', 'wav' or 'portaudio', got '%s'", a.Output)
	}

	return nil
}

// Validate validates transform configuration
func (t *TransformConfig) Validate() error {
	if t.Engine == "" {
		return fmt.Errorf("engine cannot be empty")
	}
	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Path != "" && s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second when path is set, got %d", s.Timeout)
	}
	return nil
}

// Validate validates coordinator configuration
func (c *CoordinatorConfig) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}

	if c.TabIdleTimeout < 1 {
		return fmt.Errorf("tab_idle_timeout must be at least 1 second, got %d", c.TabIdleTimeout)
	}

	if c.CleanupInterval < 1 || c.CleanupInterval > c.TabIdleTimeout {
		return fmt.Errorf("cleanup_interval must be between 1 and tab_idle_timeout (%d), got %d",
			c.TabIdleTimeout, c.CleanupInterval)
	}

	if c.RelayMailboxSize < 1 {
		return fmt.Errorf("relay_mailbox_size must be at least 1, got %d", c.RelayMailboxSize)
	}

	if c.RelayOutboxSize < 1 {
		return fmt.Errorf("relay_outbox_size must be at least 1, got %d", c.RelayOutboxSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetTimeoutDuration returns the storage lock timeout as a time.Duration
func (s *StorageConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetTabIdleTimeoutDuration returns the idle tab timeout as a time.Duration
func (c *CoordinatorConfig) GetTabIdleTimeoutDuration() time.Duration {
	return time.Duration(c.TabIdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the eviction interval as a time.Duration
func (c *CoordinatorConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// GetBlockDuration returns the wall time covered by one processing block
func (a *AudioConfig) GetBlockDuration() time.Duration {
	return time.Duration(float64(a.BlockFrames) / float64(a.SampleRate) * float64(time.Second))
}

// GetMaxLatency returns the audio a full chunk queue can hold, assuming
// chunks the size of one block
func (a *AudioConfig) GetMaxLatency() time.Duration {
	return time.Duration(a.MaxQueuedChunks) * a.GetBlockDuration()
}
