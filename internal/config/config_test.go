package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	c := Default()
	c.Server.AuthToken = "secret"
	c.Transcription.Endpoint = "https://api.example.com/transcribe"
	c.Transcription.APIKey = "test-key"
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			modify:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			modify:      func(c *Config) { c.Server.Port = 0 },
			expectError: true,
			errorMsg:    "port must be between",
		},
		{
			name:        "empty server address",
			modify:      func(c *Config) { c.Server.Address = "" },
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
		{
			name:        "zero body limit",
			modify:      func(c *Config) { c.Server.BodyLimit = 0 },
			expectError: true,
			errorMsg:    "body_limit",
		},
		{
			name: "udp enabled with tiny buffer",
			modify: func(c *Config) {
				c.UDP.Enabled = true
				c.UDP.BufferSize = 10
			},
			expectError: true,
			errorMsg:    "buffer_size",
		},
		{
			name:        "udp disabled skips validation",
			modify:      func(c *Config) { c.UDP = UDPConfig{} },
			expectError: false,
		},
		{
			name:        "monitor disabled skips validation",
			modify:      func(c *Config) { c.Monitor = MonitorConfig{} },
			expectError: false,
		},
		{
			name:        "empty captures directory",
			modify:      func(c *Config) { c.Captures.Directory = "" },
			expectError: true,
			errorMsg:    "directory cannot be empty",
		},
		{
			name:        "bad vad threshold",
			modify:      func(c *Config) { c.VAD.Threshold = 1.5 },
			expectError: true,
			errorMsg:    "vad config",
		},
		{
			name:        "zero endpoint timeout",
			modify:      func(c *Config) { c.Endpointing.TimeoutSeconds = 0 },
			expectError: true,
			errorMsg:    "timeout_seconds",
		},
		{
			name:        "missing transcription endpoint",
			modify:      func(c *Config) { c.Transcription.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:        "invalid log format",
			modify:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)
			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  address: 127.0.0.1
  port: 9000
  auth_token: hunter2
captures:
  directory: /var/lib/auricle/captures
  database_path: /var/lib/auricle/auricle.db
vad:
  threshold: 0.6
endpointing:
  timeout_seconds: 120
  min_utterances: 3
transcription:
  endpoint: https://api.example.com/transcribe
  api_key: test-key
  timeout: 60
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if config.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", config.Server.Port)
	}
	if config.Server.AuthToken != "hunter2" {
		t.Errorf("Server.AuthToken = %q, want hunter2", config.Server.AuthToken)
	}
	if config.VAD.Threshold != 0.6 {
		t.Errorf("VAD.Threshold = %v, want 0.6", config.VAD.Threshold)
	}
	// Fields absent from the file keep their defaults.
	if config.VAD.WindowSize != 512 {
		t.Errorf("VAD.WindowSize = %d, want default 512", config.VAD.WindowSize)
	}
	if config.Endpointing.TimeoutSeconds != 120 {
		t.Errorf("Endpointing.TimeoutSeconds = %d, want 120", config.Endpointing.TimeoutSeconds)
	}
	if got := config.GetEndpointTimeout(); got != 2*time.Minute {
		t.Errorf("GetEndpointTimeout() = %v, want 2m", got)
	}
	if got := config.Transcription.GetTimeoutDuration(); got != time.Minute {
		t.Errorf("GetTimeoutDuration() = %v, want 1m", got)
	}
	if config.Monitor.Port != 9090 {
		t.Errorf("Monitor.Port = %d, want default 9090", config.Monitor.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("Load() succeeded for missing file, want error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() succeeded for invalid yaml, want error")
	}
}
