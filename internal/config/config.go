package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the PBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Port          int
	AdminAddr     string
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	MaxExtensions int
	AcceptRate    float64 // sustained accepts/sec allowed by the listener
	AcceptBurst   int     // burst size for the accept-rate limiter
}

// defaults
const (
	defaultAdminAddr     = ":9090"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultMaxExtensions = 1024
	defaultAcceptRate    = 50.0
	defaultAcceptBurst   = 20

	// MinPort is the minimum port number accepted for -port, per the
	// exchange's external interface contract.
	MinPort = 1024
)

// envPrefix is the prefix for all PBX environment variables.
const envPrefix = "PBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
//
// A missing or invalid -port is not a hard error: Load returns
// ErrNoPort so that main can exit successfully without starting the
// server, matching the original exchange's "missing/invalid arguments
// exit successfully" contract.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbx", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var port int
	fs.IntVar(&port, "port", 0, "TCP port the exchange listens on (required, must be >= 1024)")
	fs.IntVar(&port, "p", 0, "alias of -port")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", defaultAdminAddr, "listen address for the admin/metrics HTTP surface")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.MaxExtensions, "max-extensions", defaultMaxExtensions, "maximum number of simultaneously registered extensions")
	fs.Float64Var(&cfg.AcceptRate, "accept-rate", defaultAcceptRate, "sustained new-connection accepts per second (0 disables the limiter)")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", defaultAcceptBurst, "burst size for the connection accept-rate limiter")

	if err := fs.Parse(args); err != nil {
		// -h, a non-integer -port, or any other argument the flag
		// parser rejects is handled like a missing port.
		return nil, ErrNoPort
	}

	applyEnvOverrides(fs, cfg, &port)
	cfg.Port = port

	if cfg.Port < MinPort {
		return nil, ErrNoPort
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ErrNoPort is returned by Load when -port (or -p) is missing or below
// MinPort, or when the arguments cannot be parsed. Callers should treat it as a request to exit(0) without
// starting the server, not as a failure to report.
var ErrNoPort = fmt.Errorf("port must be specified and >= %d", MinPort)

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, port *int) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"port":           envPrefix + "PORT",
		"admin-addr":     envPrefix + "ADMIN_ADDR",
		"log-level":      envPrefix + "LOG_LEVEL",
		"log-format":     envPrefix + "LOG_FORMAT",
		"max-extensions": envPrefix + "MAX_EXTENSIONS",
		"accept-rate":    envPrefix + "ACCEPT_RATE",
		"accept-burst":   envPrefix + "ACCEPT_BURST",
	}

	for flagName, envVar := range envMap {
		if set[flagName] || (flagName == "port" && set["p"]) {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				*port = v
			}
		case "admin-addr":
			cfg.AdminAddr = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "max-extensions":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxExtensions = v
			}
		case "accept-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.AcceptRate = v
			}
		case "accept-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AcceptBurst = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
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

	if c.MaxExtensions < 1 {
		return fmt.Errorf("max-extensions must be positive, got %d", c.MaxExtensions)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept-rate must be non-negative, got %f", c.AcceptRate)
	}
	if c.AcceptBurst < 1 {
		return fmt.Errorf("accept-burst must be positive, got %d", c.AcceptBurst)
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
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
