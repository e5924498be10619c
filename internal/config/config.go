package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModeProcess  = "process"
	ModeEmbedded = "embedded"
)

// Isolation levels for process mode.
const (
	IsolationNone   = "none"
	IsolationDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	Sessions SessionsConfig `yaml:"sessions"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// RuntimeConfig selects and tunes the integration mode.
type RuntimeConfig struct {
	Mode           string        `yaml:"mode"`        // "process" (default) or "embedded"
	Interpreter    string        `yaml:"interpreter"` // luau, lua, node-luau
	Binary         string        `yaml:"binary"`      // Interpreter path override
	Bundle         string        `yaml:"bundle"`      // luau.cjs path for node-luau
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	TempDir        string        `yaml:"temp_dir"`
	Isolation      string        `yaml:"isolation"` // "none" or "docker"
	DockerImage    string        `yaml:"docker_image"`
	Limits         LimitsConfig  `yaml:"limits"`
	LoadAttempts   int           `yaml:"load_attempts"`
	LoadBackoff    time.Duration `yaml:"load_backoff"`
	WarmPool       int           `yaml:"warm_pool"`

	// Embedded mode has no heap limit, so the server refuses it unless
	// this is set. The CLI is unaffected.
	AllowEmbeddedServer bool `yaml:"allow_embedded_server"`
}

// LimitsConfig applies to the docker launcher only.
type LimitsConfig struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type HistoryConfig struct {
	Limit      int  `yaml:"limit"`
	Async      bool `yaml:"async"` // Queue writes instead of writing before the response
	BufferSize int  `yaml:"buffer_size"`
}

type SessionsConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Header string        `yaml:"header"`
	Cookie string        `yaml:"cookie"`
	Max    int           `yaml:"max"` // 0: unlimited
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Sample  float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"` // Empty: the playground is public
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second, // > runtime timeout + overhead
			ShutdownTimeout: 15 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB, room for a 1MB script in JSON
		},
		Runtime: RuntimeConfig{
			Mode:           ModeProcess,
			Interpreter:    "luau",
			Timeout:        5 * time.Second,
			MaxOutputBytes: 1 << 20,
			MaxConcurrent:  32,
			Isolation:      IsolationNone,
			Limits: LimitsConfig{
				CPUShares: 512,
				MemoryMB:  128,
				PidsLimit: 16,
			},
			LoadAttempts: 3,
			LoadBackoff:  200 * time.Millisecond,
			WarmPool:     2,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: 5 * time.Minute,
		},
		History: HistoryConfig{
			Limit:      50,
			BufferSize: 1000,
		},
		Sessions: SessionsConfig{
			TTL:    30 * time.Minute,
			Header: "X-Session-ID",
			Cookie: "playground_session",
			Max:    1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   5,
			RateLimitBurst: 20,
		},
	}
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("LUAU_MODE"); v != "" {
		c.Runtime.Mode = v
	}
	if v := getenv("LUAU_BINARY"); v != "" {
		c.Runtime.Binary = v
	}
	return c.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Runtime.Mode {
	case ModeProcess, ModeEmbedded:
	default:
		return fmt.Errorf("runtime.mode must be %q or %q, got %q", ModeProcess, ModeEmbedded, c.Runtime.Mode)
	}
	switch c.Runtime.Isolation {
	case IsolationNone, IsolationDocker:
	default:
		return fmt.Errorf("runtime.isolation must be %q or %q, got %q", IsolationNone, IsolationDocker, c.Runtime.Isolation)
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("runtime.timeout must be positive")
	}
	if c.Runtime.Timeout >= c.Server.WriteTimeout {
		return fmt.Errorf("runtime.timeout (%s) must be < server.write_timeout (%s)",
			c.Runtime.Timeout, c.Server.WriteTimeout)
	}
	if c.Runtime.MaxConcurrent < 1 {
		return fmt.Errorf("runtime.max_concurrent must be >= 1")
	}
	if c.Runtime.MaxOutputBytes < 1024 {
		return fmt.Errorf("runtime.max_output_bytes must be >= 1024")
	}
	if c.Runtime.LoadAttempts < 1 || c.Runtime.LoadAttempts > 10 {
		return fmt.Errorf("runtime.load_attempts must be 1-10, got %d", c.Runtime.LoadAttempts)
	}
	if c.Runtime.Isolation == IsolationDocker && c.Runtime.Limits.MemoryMB < 16 {
		return fmt.Errorf("runtime.limits.memory_mb must be >= 16")
	}
	if c.History.Limit < 1 || c.History.Limit > 50 {
		return fmt.Errorf("history.limit must be 1-50, got %d", c.History.Limit)
	}
	if c.Sessions.TTL < time.Minute {
		return fmt.Errorf("sessions.ttl must be >= 1m")
	}
	if c.Sessions.Max < 0 {
		return fmt.Errorf("sessions.max must be >= 0, got %d", c.Sessions.Max)
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be 0-1, got %g", c.Tracing.Sample)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// ValidateServer adds the checks that only apply to the HTTP server.
func (c *Config) ValidateServer() error {
	if c.Runtime.Mode == ModeEmbedded && !c.Runtime.AllowEmbeddedServer {
		return fmt.Errorf("runtime.mode %q runs scripts in the server process without a memory limit; set runtime.allow_embedded_server to opt in", ModeEmbedded)
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
