// Package config resolves the daemon's configuration from an optional TOML
// file and CLI flags, CLI taking precedence, following the pattern
// qwexctl/cmd (Quatton-qwex) uses to bind cobra flags onto a viper
// instance that has already loaded a config file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration (spec.md §6).
type Config struct {
	ScriptsDir     string
	Recursive      bool
	BehindProxies  int
	Bind           string
	Jobs           int
	HealthEndpoint bool
	RateLimit      RateLimitSpec
	Env            map[string]string
}

// RateLimitSpec is a parsed "N/<duration>" rate-limit string (spec.md §4.8).
type RateLimitSpec struct {
	Capacity int
	Window   time.Duration
	Raw      string
}

// ParseRateLimit parses strings of the form "10/1m", "5/30s", "100/2h".
func ParseRateLimit(s string) (RateLimitSpec, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return RateLimitSpec{}, fmt.Errorf("invalid rate-limit %q: expected N/<duration>", s)
	}
	capacity, err := strconv.Atoi(parts[0])
	if err != nil || capacity <= 0 {
		return RateLimitSpec{}, fmt.Errorf("invalid rate-limit %q: capacity must be a positive integer", s)
	}
	window, err := parseDuration(parts[1])
	if err != nil {
		return RateLimitSpec{}, fmt.Errorf("invalid rate-limit %q: %w", s, err)
	}
	return RateLimitSpec{Capacity: capacity, Window: window, Raw: s}, nil
}

// parseDuration accepts fisher's compact "Ns|Nm|Nh" grammar (spec.md §4.8),
// distinct from Go's own duration grammar which also allows "ms"/"us"/"ns".
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("expected form like 30s, 5m or 1h")
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected form like 30s, 5m or 1h")
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration unit %q, expected s, m or h", string(unit))
	}
}

// Defaults matches spec.md §6's documented CLI/TOML defaults.
func Defaults() Config {
	rl, _ := ParseRateLimit("10/1m")
	return Config{
		ScriptsDir:     "",
		Recursive:      false,
		BehindProxies:  0,
		Bind:           "127.0.0.1:8000",
		Jobs:           1,
		HealthEndpoint: true,
		RateLimit:      rl,
		Env:            map[string]string{},
	}
}

// Load reads an optional TOML file at path (empty path means "no file") and
// layers CLI overrides on top of it via v, which the caller has already
// bound to the command's flags (v.BindPFlags). Only flags the user actually
// set on the command line override file/default values; viper's own
// precedence (explicit Set > flag > config file > default) implements this.
func Load(v *viper.Viper, path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if v.IsSet("scripts.path") {
		cfg.ScriptsDir = v.GetString("scripts.path")
	}
	if v.IsSet("scripts.recursive") {
		cfg.Recursive = v.GetBool("scripts.recursive")
	}
	if v.IsSet("http.behind-proxies") {
		cfg.BehindProxies = v.GetInt("http.behind-proxies")
	}
	if v.IsSet("http.bind") {
		cfg.Bind = v.GetString("http.bind")
	}
	if v.IsSet("http.health-endpoint") {
		cfg.HealthEndpoint = v.GetBool("http.health-endpoint")
	}
	if v.IsSet("http.rate-limit") {
		rl, err := ParseRateLimit(v.GetString("http.rate-limit"))
		if err != nil {
			return Config{}, err
		}
		cfg.RateLimit = rl
	}
	if v.IsSet("jobs.threads") {
		cfg.Jobs = v.GetInt("jobs.threads")
	}
	if env := v.GetStringMapString("env"); len(env) > 0 {
		for k, val := range env {
			cfg.Env[k] = val
		}
	}

	if cfg.ScriptsDir == "" {
		return Config{}, fmt.Errorf("scripts directory is required")
	}
	if cfg.Jobs <= 0 {
		return Config{}, fmt.Errorf("jobs.threads must be positive, got %d", cfg.Jobs)
	}
	if cfg.BehindProxies < 0 {
		return Config{}, fmt.Errorf("http.behind-proxies must not be negative, got %d", cfg.BehindProxies)
	}

	return cfg, nil
}
