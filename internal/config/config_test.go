package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			UDPPort:      4444,
			BindAddress:  "0.0.0.0",
			BufferSize:   65536,
			StreamBuffer: 64,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:      44100,
			Channels:        2,
			BlockFrames:     4096,
			MaxQueuedChunks: 16,
			Output:          "none",
		},
		Transform: TransformConfig{Engine: "bypass"},
		Storage:   StorageConfig{Path: "./data/settings.db", Timeout: 1},
		Coordinator: CoordinatorConfig{
			QueueSize:        32,
			TabIdleTimeout:   3600,
			CleanupInterval:  60,
			RelayMailboxSize: 16,
			RelayOutboxSize:  64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(*Config) {},
		},
		{
			name:     "invalid server port",
			mutate:   func(c *Config) { c.Server.UDPPort = 70000 },
			errorMsg: "udp_port must be between 1 and 65535",
		},
		{
			name:     "mono audio",
			mutate:   func(c *Config) { c.Audio.Channels = 1 },
			errorMsg: "channels must be 2",
		},
		{
			name:     "block too small",
			mutate:   func(c *Config) { c.Audio.BlockFrames = 64 },
			errorMsg: "block_frames",
		},
		{
			name:     "wav output without path",
			mutate:   func(c *Config) { c.Audio.Output = "wav" },
			errorMsg: "record_path cannot be empty",
		},
		{
			name:     "unknown output",
			mutate:   func(c *Config) { c.Audio.Output = "alsa" },
			errorMsg: "output must be",
		},
		{
			name:     "empty engine",
			mutate:   func(c *Config) { c.Transform.Engine = "" },
			errorMsg: "engine cannot be empty",
		},
		{
			name:     "storage timeout",
			mutate:   func(c *Config) { c.Storage.Timeout = 0 },
			errorMsg: "storage config",
		},
		{
			name:     "cleanup longer than idle timeout",
			mutate:   func(c *Config) { c.Coordinator.CleanupInterval = 7200 },
			errorMsg: "cleanup_interval",
		},
		{
			name:     "http disabled ignores port",
			mutate:   func(c *Config) { c.HTTP = HTTPConfig{Enabled: false} },
			errorMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestMemoryStorageNeedsNoTimeout(t *testing.T) {
	storage := StorageConfig{}
	assert.NoError(t, storage.Validate())
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  udp_port: 4444
  bind_address: "0.0.0.0"
  buffer_size: 65536
  stream_buffer: 64
http:
  enabled: false
audio:
  sample_rate: 48000
  channels: 2
  block_frames: 2048
  max_queued_chunks: 8
  output: "wav"
  record_path: "./recordings/out.wav"
transform:
  engine: "bypass"
storage:
  path: ""
coordinator:
  queue_size: 32
  tab_idle_timeout: 3600
  cleanup_interval: 60
  relay_mailbox_size: 16
  relay_outbox_size: 64
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  udp_port: 4444
  buffer_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
server:
  udp_port: 4444
  # missing bind_address
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.configYAML), 0644))

			config, err := Load(configPath)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, config)
			assert.Equal(t, 48000, config.Audio.SampleRate)
			assert.Equal(t, "wav", config.Audio.Output)
			assert.Equal(t, 64, config.Coordinator.RelayOutboxSize)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestShippedConfig(t *testing.T) {
	config, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "bypass", config.Transform.Engine)
}

func TestDurationHelpers(t *testing.T) {
	audio := AudioConfig{SampleRate: 44100, BlockFrames: 4096, MaxQueuedChunks: 16}
	assert.InDelta(t, 92.88, float64(audio.GetBlockDuration())/float64(time.Millisecond), 0.01)
	assert.InDelta(t, 1.486, audio.GetMaxLatency().Seconds(), 0.001)

	coord := CoordinatorConfig{TabIdleTimeout: 3600, CleanupInterval: 60}
	assert.Equal(t, time.Hour, coord.GetTabIdleTimeoutDuration())
	assert.Equal(t, time.Minute, coord.GetCleanupIntervalDuration())

	storage := StorageConfig{Timeout: 2}
	assert.Equal(t, 2*time.Second, storage.GetTimeoutDuration())
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to file",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/karaoke.log"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
