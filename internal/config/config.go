// ABOUTME: Configuration loading and parsing for evdash-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a value is not configured.
const (
	DefaultHTTPAddr          = ":4449"
	DefaultWSPath            = "/evdash/ws"
	DefaultTokenLifetime     = time.Hour
	DefaultMinPasswordLength = 8
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMetricsPath       = "/metrics"
	DefaultBus               = "system"
)

// Config represents the complete evdash-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Backends BackendsConfig `yaml:"backends" toml:"backends"`
	Requests RequestsConfig `yaml:"requests" toml:"requests"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health listener
	WSPath         string   `yaml:"ws_path" toml:"ws_path"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds credential and token configuration
type AuthConfig struct {
	TokenSecret       string        `yaml:"token_secret" toml:"token_secret"`
	TokenLifetime     time.Duration `yaml:"-" toml:"-"`
	TokenLifetimeRaw  string        `yaml:"token_lifetime" toml:"token_lifetime"`
	MinPasswordLength int           `yaml:"min_password_length" toml:"min_password_length"`
}

// BackendsConfig describes the D-Bus services the gateway mirrors
type BackendsConfig struct {
	// Bus is "system" or "session"
	Bus              string        `yaml:"bus" toml:"bus"`
	Things           BackendConfig `yaml:"things" toml:"things"`
	EnergyManager    BackendConfig `yaml:"energy_manager" toml:"energy_manager"`
	ChargingSessions BackendConfig `yaml:"charging_sessions" toml:"charging_sessions"`
}

// BackendConfig names one D-Bus service and the members used to mirror it.
// Empty signal names disable the corresponding push event.
type BackendConfig struct {
	Service       string `yaml:"service" toml:"service"`
	Path          string `yaml:"path" toml:"path"`
	Interface     string `yaml:"interface" toml:"interface"`
	QueryMethod   string `yaml:"query_method" toml:"query_method"`
	AddedSignal   string `yaml:"added_signal" toml:"added_signal"`
	RemovedSignal string `yaml:"removed_signal" toml:"removed_signal"`
	ChangedSignal string `yaml:"changed_signal" toml:"changed_signal"`
	KeyField      string `yaml:"key_field" toml:"key_field"`
}

// RequestsConfig holds timing for asynchronous backend requests
type RequestsConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
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

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatForPath(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format identifies a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw configuration bytes, applies defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

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
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in every unset value with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Auth.TokenLifetime == 0 {
		c.Auth.TokenLifetime = DefaultTokenLifetime
	}
	if c.Auth.MinPasswordLength == 0 {
		c.Auth.MinPasswordLength = DefaultMinPasswordLength
	}
	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = DefaultRequestTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Backends.Bus == "" {
		c.Backends.Bus = DefaultBus
	}

	fillBackend(&c.Backends.Things, BackendConfig{
		Service:       "io.nymea.things",
		Path:          "/io/nymea/things",
		Interface:     "io.nymea.things",
		QueryMethod:   "Things",
		AddedSignal:   "ThingAdded",
		RemovedSignal: "ThingRemoved",
		ChangedSignal: "ThingChanged",
		KeyField:      "id",
	})
	fillBackend(&c.Backends.EnergyManager, BackendConfig{
		Service:       "io.nymea.energymanager",
		Path:          "/io/nymea/energymanager",
		Interface:     "io.nymea.energymanager",
		QueryMethod:   "chargingInfos",
		AddedSignal:   "chargingInfoAdded",
		RemovedSignal: "chargingInfoRemoved",
		ChangedSignal: "chargingInfoChanged",
		KeyField:      "evChargerId",
	})
	fillBackend(&c.Backends.ChargingSessions, BackendConfig{
		Service:     "io.nymea.energy.chargingsessions",
		Path:        "/io/nymea/energy/chargingsessions",
		Interface:   "io.nymea.energy.chargingsessions",
		QueryMethod: "GetSessions",
		KeyField:    "sessionId",
	})
}

// fillBackend copies every empty field of dst from def.
func fillBackend(dst *BackendConfig, def BackendConfig) {
	if dst.Service == "" {
		dst.Service = def.Service
	}
	if dst.Path == "" {
		dst.Path = def.Path
	}
	if dst.Interface == "" {
		dst.Interface = def.Interface
	}
	if dst.QueryMethod == "" {
		dst.QueryMethod = def.QueryMethod
	}
	if dst.AddedSignal == "" {
		dst.AddedSignal = def.AddedSignal
	}
	if dst.RemovedSignal == "" {
		dst.RemovedSignal = def.RemovedSignal
	}
	if dst.ChangedSignal == "" {
		dst.ChangedSignal = def.ChangedSignal
	}
	if dst.KeyField == "" {
		dst.KeyField = def.KeyField
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/': %q", c.Server.WSPath)
	}

	if c.Auth.TokenLifetime < 0 {
		return fmt.Errorf("auth.token_lifetime must be positive")
	}
	if c.Auth.MinPasswordLength < 0 {
		return fmt.Errorf("auth.min_password_length must not be negative")
	}
	if c.Requests.Timeout < 0 {
		return fmt.Errorf("requests.timeout must be positive")
	}

	switch c.Backends.Bus {
	case "system", "session":
	default:
		return fmt.Errorf("backends.bus must be \"system\" or \"session\", got %q", c.Backends.Bus)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenLifetimeRaw != "" {
		cfg.Auth.TokenLifetime, err = time.ParseDuration(cfg.Auth.TokenLifetimeRaw)
		if err != nil {
			return fmt.Errorf("parsing token_lifetime %q: %w", cfg.Auth.TokenLifetimeRaw, err)
		}
	}

	if cfg.Requests.TimeoutRaw != "" {
		cfg.Requests.Timeout, err = time.ParseDuration(cfg.Requests.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing requests.timeout %q: %w", cfg.Requests.TimeoutRaw, err)
		}
	}

	return nil
}
