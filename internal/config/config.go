package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for engine logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the client engine.
type Config struct {
	Engine  *EngineConfig  `json:"engine,omitempty" toml:"engine,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// EngineConfig holds engine and transport settings.
type EngineConfig struct {
	// StreamIdleTimeout bounds inactivity on one stream, e.g. "15s". Empty
	// disables the idle timeout.
	StreamIdleTimeout *string `json:"stream_idle_timeout,omitempty" toml:"stream_idle_timeout,omitempty"`
	// ConnectTimeout bounds connection establishment, e.g. "30s".
	ConnectTimeout *string `json:"connect_timeout,omitempty" toml:"connect_timeout,omitempty"`
	// ExplicitFlowControl selects the default flow-control mode for streams
	// started by the CLI surface.
	ExplicitFlowControl *bool `json:"explicit_flow_control,omitempty" toml:"explicit_flow_control,omitempty"`
	// CleartextPermitted allows plain http:// requests. Defaults to false;
	// when false the transport rejects cleartext with a synthesized 400.
	CleartextPermitted *bool `json:"cleartext_permitted,omitempty" toml:"cleartext_permitted,omitempty"`
	// DNSCacheFile, when set, points at the persistent address-resolution
	// cache consulted at stream creation.
	DNSCacheFile *string `json:"dns_cache_file,omitempty" toml:"dns_cache_file,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
	// Target is "stderr", "stdout", or an absolute file path.
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// DefaultConfig returns a configuration with every field populated with its
// default.
func DefaultConfig() *Config {
	idle := "15s"
	connect := "30s"
	explicit := false
	cleartext := false
	return &Config{
		Engine: &EngineConfig{
			StreamIdleTimeout:   &idle,
			ConnectTimeout:      &connect,
			ExplicitFlowControl: &explicit,
			CleartextPermitted:  &cleartext,
		},
		Logging: &LoggingConfig{LogLevel: LogLevelInfo, Target: "stderr"},
	}
}

// LoadConfig reads, parses and validates the configuration file at path.
// The format is selected by file extension (.toml / .json); unknown
// extensions are sniffed, trying TOML first and falling back to JSON.
// Missing sections and fields receive defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		if tomlErr := toml.Unmarshal(raw, cfg); tomlErr != nil {
			cfg = &Config{}
			if jsonErr := json.Unmarshal(raw, cfg); jsonErr != nil {
				return nil, fmt.Errorf("config %s is neither valid TOML (%v) nor valid JSON (%v)", path, tomlErr, jsonErr)
			}
		}
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset sections and fields from DefaultConfig.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Engine == nil {
		cfg.Engine = def.Engine
	} else {
		if cfg.Engine.StreamIdleTimeout == nil {
			cfg.Engine.StreamIdleTimeout = def.Engine.StreamIdleTimeout
		}
		if cfg.Engine.ConnectTimeout == nil {
			cfg.Engine.ConnectTimeout = def.Engine.ConnectTimeout
		}
		if cfg.Engine.ExplicitFlowControl == nil {
			cfg.Engine.ExplicitFlowControl = def.Engine.ExplicitFlowControl
		}
		if cfg.Engine.CleartextPermitted == nil {
			cfg.Engine.CleartextPermitted = def.Engine.CleartextPermitted
		}
	}
	if cfg.Logging == nil {
		cfg.Logging = def.Logging
	} else {
		if cfg.Logging.LogLevel == "" {
			cfg.Logging.LogLevel = def.Logging.LogLevel
		}
		if cfg.Logging.Target == "" {
			cfg.Logging.Target = def.Logging.Target
		}
	}
}

// Validate checks the configuration for semantic errors.
func Validate(cfg *Config) error {
	if cfg.Engine != nil {
		if _, err := ParseDuration(cfg.Engine.StreamIdleTimeout); err != nil {
			return fmt.Errorf("invalid stream_idle_timeout: %w", err)
		}
		if _, err := ParseDuration(cfg.Engine.ConnectTimeout); err != nil {
			return fmt.Errorf("invalid connect_timeout: %w", err)
		}
	}
	if cfg.Logging != nil {
		switch cfg.Logging.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("invalid log_level %q", cfg.Logging.LogLevel)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string field. A nil pointer or
// empty string yields zero (feature disabled).
func ParseDuration(s *string) (time.Duration, error) {
	if s == nil || *s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", *s)
	}
	return d, nil
}
