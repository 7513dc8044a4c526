// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength matches the HS256 verifier's minimum.
const MinJWTSecretLength = 32

// Client transport modes.
const (
	ModeDirect = "direct"
	ModeBridge = "bridge"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Client     ClientConfig     `yaml:"client" toml:"client"`
	Bridge     BridgeConfig     `yaml:"bridge" toml:"bridge"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Replay     ReplayConfig     `yaml:"replay" toml:"replay"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the gateway listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// SendQueue is the per-peer outbound buffer; a peer that fills it is
	// disconnected as a slow consumer.
	SendQueue int `yaml:"send_queue" toml:"send_queue"`
	// ReadLimit caps a single inbound message in bytes.
	ReadLimit int64 `yaml:"read_limit" toml:"read_limit"`

	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw    string `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds the gateway's token signing configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// ClientConfig describes how a UI process reaches the relay
type ClientConfig struct {
	URL  string `yaml:"url" toml:"url"`
	Mode string `yaml:"mode" toml:"mode"`

	Token     string `yaml:"token" toml:"token"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
	TokenEnv  string `yaml:"token_env" toml:"token_env"`
}

// BridgeConfig holds the local bridge process configuration
type BridgeConfig struct {
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`
	UpstreamURL string `yaml:"upstream_url" toml:"upstream_url"`
	// JWTSecret signs tokens for local consumers of the bridge.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	UpstreamToken     string `yaml:"upstream_token" toml:"upstream_token"`
	UpstreamTokenFile string `yaml:"upstream_token_file" toml:"upstream_token_file"`
	UpstreamTokenEnv  string `yaml:"upstream_token_env" toml:"upstream_token_env"`

	DedupeSize int           `yaml:"dedupe_size" toml:"dedupe_size"`
	DedupeTTL  time.Duration `yaml:"-" toml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ConnectionConfig holds client socket timing
type ConnectionConfig struct {
	AuthTimeout   time.Duration `yaml:"-" toml:"-"`
	PingInterval  time.Duration `yaml:"-" toml:"-"`
	PingTimeout   time.Duration `yaml:"-" toml:"-"`
	RPCTimeout    time.Duration `yaml:"-" toml:"-"`
	BackoffBase   time.Duration `yaml:"-" toml:"-"`
	BackoffMax    time.Duration `yaml:"-" toml:"-"`
	BackoffJitter time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AuthTimeoutRaw   string `yaml:"auth_timeout" toml:"auth_timeout"`
	PingIntervalRaw  string `yaml:"ping_interval" toml:"ping_interval"`
	PingTimeoutRaw   string `yaml:"ping_timeout" toml:"ping_timeout"`
	RPCTimeoutRaw    string `yaml:"rpc_timeout" toml:"rpc_timeout"`
	BackoffBaseRaw   string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMaxRaw    string `yaml:"backoff_max" toml:"backoff_max"`
	BackoffJitterRaw string `yaml:"backoff_jitter" toml:"backoff_jitter"`
}

// ReplayConfig holds catch-up paging configuration
type ReplayConfig struct {
	PageSize int `yaml:"page_size" toml:"page_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, "127.0.0.1:7420")
	setDefault(&c.Server.SendQueue, 256)
	setDefault(&c.Server.ReadLimit, 1<<20)
	setDefault(&c.Server.WriteTimeout, 10*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 10*time.Second)

	setDefault(&c.Auth.TokenTTL, 24*time.Hour)

	setDefault(&c.Client.URL, "ws://127.0.0.1:7420/ws")
	setDefault(&c.Client.Mode, ModeDirect)
	setDefault(&c.Client.TokenEnv, "COVEN_RELAY_TOKEN")

	setDefault(&c.Bridge.ListenAddr, "127.0.0.1:7421")
	setDefault(&c.Bridge.UpstreamTokenEnv, "COVEN_RELAY_UPSTREAM_TOKEN")
	setDefault(&c.Bridge.DedupeSize, 10_000)
	setDefault(&c.Bridge.DedupeTTL, 5*time.Minute)

	setDefault(&c.Connection.AuthTimeout, 5*time.Second)
	setDefault(&c.Connection.PingInterval, 10*time.Second)
	setDefault(&c.Connection.PingTimeout, 5*time.Second)
	setDefault(&c.Connection.RPCTimeout, 30*time.Second)
	setDefault(&c.Connection.BackoffBase, time.Second)
	setDefault(&c.Connection.BackoffMax, 10*time.Second)
	setDefault(&c.Connection.BackoffJitter, 250*time.Millisecond)

	setDefault(&c.Replay.PageSize, 200)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")

	setDefault(&c.Metrics.Path, "/metrics")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks the fields every command relies on.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Client.Mode {
	case ModeDirect, ModeBridge:
	default:
		return fmt.Errorf("client.mode must be %q or %q, got %q", ModeDirect, ModeBridge, c.Client.Mode)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Replay.PageSize < 1 || c.Replay.PageSize > 1000 {
		return fmt.Errorf("replay.page_size must be between 1 and 1000, got %d", c.Replay.PageSize)
	}
	if c.Server.SendQueue < 1 {
		return fmt.Errorf("server.send_queue must be positive")
	}
	if c.Connection.BackoffMax < c.Connection.BackoffBase {
		return fmt.Errorf("connection.backoff_max (%s) is below connection.backoff_base (%s)",
			c.Connection.BackoffMax, c.Connection.BackoffBase)
	}
	if c.Connection.PingTimeout > c.Connection.PingInterval {
		return fmt.Errorf("connection.ping_timeout (%s) exceeds connection.ping_interval (%s)",
			c.Connection.PingTimeout, c.Connection.PingInterval)
	}

	if err := validateWebSocketURL("client.url", c.Client.URL); err != nil {
		return err
	}
	if c.Bridge.UpstreamURL != "" {
		if err := validateWebSocketURL("bridge.upstream_url", c.Bridge.UpstreamURL); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServer checks the fields the gateway server needs.
func (c *Config) ValidateServer() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return validateSecret("auth.jwt_secret", c.Auth.JWTSecret)
}

// ValidateBridge checks the fields the bridge process needs.
func (c *Config) ValidateBridge() error {
	if c.Bridge.UpstreamURL == "" {
		return fmt.Errorf("bridge.upstream_url is required")
	}
	if c.Bridge.ListenAddr == "" {
		return fmt.Errorf("bridge.listen_addr is required")
	}
	return validateSecret("bridge.jwt_secret", c.Bridge.JWTSecret)
}

func validateSecret(field, secret string) error {
	if secret == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(secret) < MinJWTSecretLength {
		return fmt.Errorf("%s must be at least %d bytes", field, MinJWTSecretLength)
	}
	return nil
}

func validateWebSocketURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s must use ws or wss scheme", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"bridge.dedupe_ttl", cfg.Bridge.DedupeTTLRaw, &cfg.Bridge.DedupeTTL},
		{"connection.auth_timeout", cfg.Connection.AuthTimeoutRaw, &cfg.Connection.AuthTimeout},
		{"connection.ping_interval", cfg.Connection.PingIntervalRaw, &cfg.Connection.PingInterval},
		{"connection.ping_timeout", cfg.Connection.PingTimeoutRaw, &cfg.Connection.PingTimeout},
		{"connection.rpc_timeout", cfg.Connection.RPCTimeoutRaw, &cfg.Connection.RPCTimeout},
		{"connection.backoff_base", cfg.Connection.BackoffBaseRaw, &cfg.Connection.BackoffBase},
		{"connection.backoff_max", cfg.Connection.BackoffMaxRaw, &cfg.Connection.BackoffMax},
		{"connection.backoff_jitter", cfg.Connection.BackoffJitterRaw, &cfg.Connection.BackoffJitter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
