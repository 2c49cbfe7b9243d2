// Package config loads raopd's daemon-level configuration: CLI flags,
// environment variable overrides, and validation, following the teacher's
// flag-then-env-then-validate pattern.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the raopd daemon. Per-session
// parameters (AES key/IV, fmtp, peer ports) are NOT here — those arrive
// per-session over the control API, not baked into the daemon config.
type Config struct {
	DataDir           string
	HTTPPort          int
	LogLevel          string
	LogFormat         string
	RTPPortBase       int
	SessionIdleTimeout time.Duration
	JWTSecret         string // hex-encoded 32-byte secret for control-plane session tokens
	CORSOrigins       string
}

const (
	defaultDataDir            = "./data"
	defaultHTTPPort           = 8080
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
	defaultRTPPortBase        = 6000
	defaultSessionIdleTimeout = 5 * time.Minute
)

// envPrefix is the prefix for all raopd environment variables.
const envPrefix = "RAOPD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("raopd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control-plane HTTP listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.RTPPortBase, "rtp-port-base", defaultRTPPortBase, "starting local UDP port for a session's data/control/timing triplet")
	fs.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", defaultSessionIdleTimeout, "how long a session may go without control-plane activity before being reaped")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for control-plane session tokens (auto-generated if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"http-port":             envPrefix + "HTTP_PORT",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
		"rtp-port-base":         envPrefix + "RTP_PORT_BASE",
		"session-idle-timeout":  envPrefix + "SESSION_IDLE_TIMEOUT",
		"jwt-secret":            envPrefix + "JWT_SECRET",
		"cors-origins":          envPrefix + "CORS_ORIGINS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "rtp-port-base":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortBase = v
			}
		case "session-idle-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SessionIdleTimeout = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "cors-origins":
			cfg.CORSOrigins = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPortBase < 1024 || c.RTPPortBase > 65000 {
		return fmt.Errorf("rtp-port-base must be between 1024 and 65000, got %d", c.RTPPortBase)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("session-idle-timeout must be positive, got %s", c.SessionIdleTimeout)
	}
	if c.JWTSecret != "" {
		key, err := hex.DecodeString(c.JWTSecret)
		if err != nil {
			return fmt.Errorf("jwt-secret must be hex-encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("jwt-secret must decode to 32 bytes, got %d", len(key))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogLevel maps the configured LogLevel string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogHandler builds the configured slog.Handler (text or JSON) writing to w.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// JWTSecretBytes returns the decoded 32-byte control-plane session-token
// signing secret. If none is configured, a random one is generated and
// stored back in the config for the process lifetime (tokens issued
// before a restart won't validate afterward — acceptable for a daemon
// whose admin token bootstrap already requires re-auth on amnesia).
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
