// Package config loads and validates the gateway configuration.
//
// Configuration comes from a single YAML file. String values support
// ${VAR} expansion against the process environment so secrets can stay
// out of the file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the outward HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RateLimit is requests per second per client IP. 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
}

// UpstreamConfig controls the engine backend connection and the session pool.
type UpstreamConfig struct {
	BaseURL  string `yaml:"base_url"`
	ClerkURL string `yaml:"clerk_url"`
	Origin   string `yaml:"origin"`
	// Proxy is an optional HTTP(S) proxy URL for all upstream traffic.
	Proxy string `yaml:"proxy"`

	MaxSessions           int           `yaml:"max_sessions"`
	MaxInflightPerSession int           `yaml:"max_inflight_per_session"`
	QueueSize             int           `yaml:"queue_size"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	ReadTimeout           time.Duration `yaml:"read_timeout"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds the per-session reconnect policy.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CredentialsConfig points at the cookie pool file.
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// MonitoringConfig controls usage recording.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	UsageDB string `yaml:"usage_db"`
	// InitLogPath receives one JSONL event per gateway start.
	InitLogPath string `yaml:"init_log_path"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// Load reads the YAML config at path and applies defaults.
// A missing file is not an error: the defaults describe a working gateway
// as long as a cookie file exists at the default location.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := expandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = DefaultRateLimit
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultEngineBaseURL
	}
	if c.Upstream.ClerkURL == "" {
		c.Upstream.ClerkURL = DefaultClerkBaseURL
	}
	if c.Upstream.Origin == "" {
		c.Upstream.Origin = DefaultOrigin
	}
	if c.Upstream.MaxSessions == 0 {
		c.Upstream.MaxSessions = DefaultMaxSessions
	}
	if c.Upstream.MaxInflightPerSession == 0 {
		c.Upstream.MaxInflightPerSession = DefaultMaxInflightPerSession
	}
	if c.Upstream.QueueSize == 0 {
		c.Upstream.QueueSize = DefaultQueueSize
	}
	if c.Upstream.IdleTimeout == 0 {
		c.Upstream.IdleTimeout = DefaultSessionIdleTimeout
	}
	if c.Upstream.ReadTimeout == 0 {
		c.Upstream.ReadTimeout = DefaultReadTimeout
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Upstream.Reconnect.MaxAttempts == 0 {
		c.Upstream.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Upstream.Reconnect.BaseDelay == 0 {
		c.Upstream.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.Reconnect.MaxDelay == 0 {
		c.Upstream.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	if c.Credentials.Path == "" {
		c.Credentials.Path = "cookies/cookies.txt"
	}
	if c.Monitoring.UsageDB == "" {
		c.Monitoring.UsageDB = "data/usage.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Upstream.MaxSessions < 1 {
		return fmt.Errorf("config: upstream.max_sessions must be >= 1")
	}
	if c.Upstream.MaxInflightPerSession < 1 {
		return fmt.Errorf("config: upstream.max_inflight_per_session must be >= 1")
	}
	if c.Upstream.QueueSize < 0 {
		return fmt.Errorf("config: upstream.queue_size must be >= 0")
	}
	if c.Upstream.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("config: upstream.reconnect.max_attempts must be >= 0")
	}
	return nil
}
