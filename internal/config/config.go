package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auricleai/auricle/internal/endpoint"
	"github.com/auricleai/auricle/internal/vad"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	UDP           UDPConfig           `yaml:"udp"`
	Captures      CapturesConfig      `yaml:"captures"`
	VAD           vad.Config          `yaml:"vad"`
	Endpointing   endpoint.Config     `yaml:"endpointing"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Processing    ProcessingConfig    `yaml:"processing"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the HTTP API server configuration
type ServerConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
	BodyLimit int    `yaml:"body_limit"` // megabytes
}

// MonitorConfig contains the metrics/health listener configuration
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// UDPConfig contains the UDP ingress configuration
type UDPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	BufferSize  int    `yaml:"buffer_size"`
}

// CapturesConfig contains capture storage configuration
type CapturesConfig struct {
	Directory    string `yaml:"directory"`
	DatabasePath string `yaml:"database_path"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ProcessingConfig contains conversation processing configuration
type ProcessingConfig struct {
	SummarizationModel string `yaml:"summarization_model"`
	StreamFlushSeconds int    `yaml:"stream_flush_seconds"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration defaults applied before the file is
// read.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:   "0.0.0.0",
			Port:      8000,
			BodyLimit: 128,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		UDP: UDPConfig{
			Enabled:     false,
			BindAddress: "0.0.0.0",
			Port:        8001,
			BufferSize:  65536,
		},
		Captures: CapturesConfig{
			Directory:    "captures",
			DatabasePath: "auricle.db",
		},
		VAD:         vad.DefaultConfig(),
		Endpointing: endpoint.DefaultConfig(),
		Transcription: TranscriptionConfig{
			Model:         "whisper-1",
			Timeout:       120,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Processing: ProcessingConfig{
			SummarizationModel: "gpt-4",
			StreamFlushSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
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

	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}

	if err := c.UDP.Validate(); err != nil {
		return fmt.Errorf("udp config: %w", err)
	}

	if err := c.Captures.Validate(); err != nil {
		return fmt.Errorf("captures config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Endpointing.Validate(); err != nil {
		return fmt.Errorf("endpointing config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.BodyLimit < 1 {
		return fmt.Errorf("body_limit must be at least 1 MB, got %d", s.BodyLimit)
	}

	return nil
}

// Validate validates monitor configuration
func (m *MonitorConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", m.Port)
		}

		if m.Address == "" {
			return fmt.Errorf("address cannot be empty when monitor is enabled")
		}
	}

	return nil
}

// Validate validates UDP ingress configuration
func (u *UDPConfig) Validate() error {
	if u.Enabled {
		if u.Port < 1 || u.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
		}

		if u.BindAddress == "" {
			return fmt.Errorf("bind_address cannot be empty when UDP is enabled")
		}

		if u.BufferSize < 1024 {
			return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
		}
	}

	return nil
}

// Validate validates capture storage configuration
func (c *CapturesConfig) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("directory cannot be empty")
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
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

	return nil
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetEndpointTimeout returns the conversation silence timeout as a
// time.Duration
func (c *Config) GetEndpointTimeout() time.Duration {
	return time.Duration(c.Endpointing.TimeoutSeconds) * time.Second
}

// GetStreamFlushInterval returns the streaming transcription flush interval
// as a time.Duration
func (p *ProcessingConfig) GetStreamFlushInterval() time.Duration {
	return time.Duration(p.StreamFlushSeconds) * time.Second
}
