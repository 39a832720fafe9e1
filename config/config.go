// Package config loads gateway configuration.
//
// Values are resolved in order, later sources winning:
//   - built-in defaults (Default)
//   - a YAML file (Load)
//   - AGENTGATE_* environment variables (ApplyEnv), optionally read from a
//     .env file (LoadEnvFile)
//   - command line flags, applied by the caller
//
// Durations are written as Go durations ("30s", "5m").
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/engine"
	"github.com/hupe1980/agentgate/logging"
	"github.com/hupe1980/agentgate/server"
	"github.com/hupe1980/agentgate/session"
	"github.com/hupe1980/agentgate/supervisor"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "AGENTGATE_"

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Session    SessionConfig    `yaml:"session"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RetryAfter is advertised on 429 responses.
	RetryAfter time.Duration `yaml:"retry_after"`

	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EngineConfig holds the engine defaults and per-call limits.
type EngineConfig struct {
	// Defaults are the options every session and stateless query starts
	// from.
	Defaults core.Options `yaml:"defaults"`

	QueryTimeout      time.Duration `yaml:"query_timeout"`
	FirstEventTimeout time.Duration `yaml:"first_event_timeout"`
	EventBufferSize   int           `yaml:"event_buffer_size"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// MaxQueue bounds the queries waiting on a busy session. 0 rejects
	// every query that finds its session busy.
	MaxQueue *int `yaml:"max_queue,omitempty"`

	QueueTimeout time.Duration `yaml:"queue_timeout"`

	// IdleTTL expires idle sessions; 0 keeps them until deleted.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// SupervisorConfig configures shutdown.
type SupervisorConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	maxQueue := session.DefaultOptions.Slot.MaxQueue
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			RetryAfter:        time.Second,
			MaxBodyBytes:      1 << 20,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Defaults:          supervisor.DefaultOptions.Defaults.Clone(),
			QueryTimeout:      engine.DefaultConfig.QueryTimeout,
			FirstEventTimeout: engine.DefaultConfig.FirstEventTimeout,
			EventBufferSize:   engine.DefaultConfig.EventBufferSize,
		},
		Session: SessionConfig{
			MaxQueue:     &maxQueue,
			QueueTimeout: session.DefaultOptions.Slot.QueueTimeout,
			CloseTimeout: session.DefaultOptions.CloseTimeout,
		},
		Supervisor: SupervisorConfig{
			DrainTimeout: supervisor.DefaultOptions.DrainTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}

	if source.Server.Host != "" {
		c.Server.Host = source.Server.Host
	}
	if source.Server.Port > 0 {
		c.Server.Port = source.Server.Port
	}
	if source.Server.RetryAfter > 0 {
		c.Server.RetryAfter = source.Server.RetryAfter
	}
	if source.Server.MaxBodyBytes > 0 {
		c.Server.MaxBodyBytes = source.Server.MaxBodyBytes
	}
	if source.Server.ReadHeaderTimeout > 0 {
		c.Server.ReadHeaderTimeout = source.Server.ReadHeaderTimeout
	}

	c.Engine.Defaults.Merge(&source.Engine.Defaults)
	if source.Engine.QueryTimeout > 0 {
		c.Engine.QueryTimeout = source.Engine.QueryTimeout
	}
	if source.Engine.FirstEventTimeout > 0 {
		c.Engine.FirstEventTimeout = source.Engine.FirstEventTimeout
	}
	if source.Engine.EventBufferSize > 0 {
		c.Engine.EventBufferSize = source.Engine.EventBufferSize
	}

	if source.Session.MaxQueue != nil {
		n := *source.Session.MaxQueue
		c.Session.MaxQueue = &n
	}
	if source.Session.QueueTimeout > 0 {
		c.Session.QueueTimeout = source.Session.QueueTimeout
	}
	if source.Session.IdleTTL > 0 {
		c.Session.IdleTTL = source.Session.IdleTTL
	}
	if source.Session.CloseTimeout > 0 {
		c.Session.CloseTimeout = source.Session.CloseTimeout
	}

	if source.Supervisor.DrainTimeout > 0 {
		c.Supervisor.DrainTimeout = source.Supervisor.DrainTimeout
	}

	if source.Logging.Level != "" {
		c.Logging.Level = source.Logging.Level
	}
	if source.Logging.Format != "" {
		c.Logging.Format = source.Logging.Format
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Merge(&loaded)

	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error when optional is true.
func LoadEnvFile(path string, optional bool) error {
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c from AGENTGATE_* variables found through lookup
// (usually os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	var errs []error
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
	num := func(name string, dst *int) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)

	str("BACKEND", &c.Engine.Defaults.Backend)
	str("MODEL", &c.Engine.Defaults.Model)
	str("SYSTEM_PROMPT", &c.Engine.Defaults.SystemPrompt)
	str("CWD", &c.Engine.Defaults.WorkingDir)
	dur("QUERY_TIMEOUT", &c.Engine.QueryTimeout)
	dur("FIRST_EVENT_TIMEOUT", &c.Engine.FirstEventTimeout)

	if _, ok := lookup(EnvPrefix + "MAX_QUEUE"); ok {
		var n int
		if c.Session.MaxQueue != nil {
			n = *c.Session.MaxQueue
		}
		num("MAX_QUEUE", &n)
		c.Session.MaxQueue = &n
	}
	dur("QUEUE_TIMEOUT", &c.Session.QueueTimeout)
	dur("SESSION_TTL", &c.Session.IdleTTL)

	dur("DRAIN_TIMEOUT", &c.Supervisor.DrainTimeout)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// Validate reports settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Engine.Defaults.Backend == "" {
		errs = append(errs, errors.New("engine.defaults.backend must be set"))
	}
	if c.Session.MaxQueue != nil && *c.Session.MaxQueue < 0 {
		errs = append(errs, errors.New("session.max_queue must not be negative"))
	}
	if c.Supervisor.DrainTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.drain_timeout must be positive"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*logging.SlogAdapter, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: c.Logging.Format,
		Output: os.Stderr,
	}), nil
}

// SupervisorOptions applies c to supervisor options.
func (c *Config) SupervisorOptions(logger logging.Logger) func(o *supervisor.Options) {
	return func(o *supervisor.Options) {
		o.Engine = engine.Config{
			QueryTimeout:      c.Engine.QueryTimeout,
			FirstEventTimeout: c.Engine.FirstEventTimeout,
			EventBufferSize:   c.Engine.EventBufferSize,
		}
		o.Defaults = c.Engine.Defaults.Clone()

		o.Session.Slot.QueueTimeout = c.Session.QueueTimeout
		if c.Session.MaxQueue != nil {
			o.Session.Slot.MaxQueue = *c.Session.MaxQueue
		}
		o.Session.IdleTTL = c.Session.IdleTTL
		o.Session.CloseTimeout = c.Session.CloseTimeout

		o.DrainTimeout = c.Supervisor.DrainTimeout
		o.Logger = logger
	}
}

// ServerOptions applies c to server options.
func (c *Config) ServerOptions(logger logging.Logger) func(o *server.Options) {
	return func(o *server.Options) {
		o.RetryAfter = c.Server.RetryAfter
		if c.Server.MaxBodyBytes > 0 {
			o.MaxBodyBytes = c.Server.MaxBodyBytes
		}
		o.Logger = logger
	}
}
