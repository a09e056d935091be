// Package config manages gopunch daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gopunch configuration.
type Config struct {
	RPC     RPCConfig     `koanf:"rpc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Punch   PunchConfig   `koanf:"punch"`
}

// RPCConfig holds the ConnectRPC server configuration.
type RPCConfig struct {
	// Addr is the RPC listen address (e.g., ":50051").
	Addr string `koanf:"addr"`

	// RatePerSec caps unary RPCs per second across all callers.
	// Zero disables rate limiting.
	RatePerSec float64 `koanf:"rate_per_sec"`

	// RateBurst is the token-bucket burst for the rate limit.
	RateBurst int `koanf:"rate_burst"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// PunchConfig holds the rendezvous and hole-punch timing parameters.
type PunchConfig struct {
	// SessionTimeout is how long a session survives with no inbound
	// message before the sweep may evict it.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// JoinTimeout bounds each peer's punch status during a join.
	JoinTimeout time.Duration `koanf:"join_timeout"`

	// SweepChance is the per-RPC probability of running a timeout sweep.
	SweepChance float64 `koanf:"sweep_chance"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The 15 minute session timeout is the production profile; test setups
// shorten it to keep eviction observable. The join timeout matches the
// client's punch receive window so a punching peer and the orchestrator give
// up together.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			Addr:       ":50051",
			RatePerSec: 0,
			RateBurst:  64,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Punch: PunchConfig{
			SessionTimeout: 15 * time.Minute,
			JoinTimeout:    10 * time.Second,
			SweepChance:    0.025,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gopunch configuration.
// Variables are named GOPUNCH_<section>_<key>, e.g., GOPUNCH_RPC_ADDR.
const envPrefix = "GOPUNCH_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOPUNCH_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOPUNCH_RPC_ADDR     -> rpc.addr
//	GOPUNCH_METRICS_ADDR -> metrics.addr
//	GOPUNCH_METRICS_PATH -> metrics.path
//	GOPUNCH_LOG_LEVEL    -> log.level
//	GOPUNCH_LOG_FORMAT   -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOPUNCH_RPC_ADDR -> rpc.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOPUNCH_RPC_ADDR -> rpc.addr.
// Strips the GOPUNCH_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so GOPUNCH_RPC_RATE_PER_SEC -> rpc.rate_per_sec.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"rpc.addr":              defaults.RPC.Addr,
		"rpc.rate_per_sec":      defaults.RPC.RatePerSec,
		"rpc.rate_burst":        defaults.RPC.RateBurst,
		"metrics.addr":          defaults.Metrics.Addr,
		"metrics.path":          defaults.Metrics.Path,
		"log.level":             defaults.Log.Level,
		"log.format":            defaults.Log.Format,
		"punch.session_timeout": defaults.Punch.SessionTimeout.String(),
		"punch.join_timeout":    defaults.Punch.JoinTimeout.String(),
		"punch.sweep_chance":    defaults.Punch.SweepChance,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyRPCAddr indicates the RPC listen address is empty.
	ErrEmptyRPCAddr = errors.New("rpc.addr must not be empty")

	// ErrNegativeRate indicates a negative RPC rate limit.
	ErrNegativeRate = errors.New("rpc.rate_per_sec must be >= 0")

	// ErrInvalidRateBurst indicates a non-positive burst with rate limiting on.
	ErrInvalidRateBurst = errors.New("rpc.rate_burst must be >= 1 when rate limiting is enabled")

	// ErrInvalidSessionTimeout indicates a non-positive session timeout.
	ErrInvalidSessionTimeout = errors.New("punch.session_timeout must be > 0")

	// ErrInvalidJoinTimeout indicates a non-positive join timeout.
	ErrInvalidJoinTimeout = errors.New("punch.join_timeout must be > 0")

	// ErrInvalidSweepChance indicates a sweep chance outside [0, 1].
	ErrInvalidSweepChance = errors.New("punch.sweep_chance must be within [0, 1]")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.RPC.Addr == "" {
		return ErrEmptyRPCAddr
	}

	if cfg.RPC.RatePerSec < 0 {
		return ErrNegativeRate
	}

	if cfg.RPC.RatePerSec > 0 && cfg.RPC.RateBurst < 1 {
		return ErrInvalidRateBurst
	}

	if cfg.Punch.SessionTimeout <= 0 {
		return ErrInvalidSessionTimeout
	}

	if cfg.Punch.JoinTimeout <= 0 {
		return ErrInvalidJoinTimeout
	}

	if cfg.Punch.SweepChance < 0 || cfg.Punch.SweepChance > 1 {
		return ErrInvalidSweepChance
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
