// Package config loads dashboard configuration from flags, environment
// variables, and an optional YAML file. Precedence is flags over
// environment over file over defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/duration"
)

// Config holds all dashboard configuration options.
type Config struct {
	// Listener settings
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Auth settings
	DashboardToken string `yaml:"dashboard_token"` // legacy shared token, catch-all scope
	JWTSecret      string `yaml:"jwt_secret"`      // HS256 secret for tenant tokens

	// Stream settings
	EventLogCapacity int `yaml:"event_log_capacity"` // replay ring size (default: 100)
	ReplayCount      int `yaml:"replay_count"`       // events replayed to new viewers (default: 50)
	QueueSize        int `yaml:"queue_size"`         // per-subscriber delivery queue (default: 64)

	// Ingestion rate limiting
	RateLimit int `yaml:"rate_limit"` // events per second (default: 200)
	RateBurst int `yaml:"rate_burst"` // burst allowance (default: 50)

	// Kill switch
	KillSwitchDir string `yaml:"kill_switch_dir"` // shared signal directory

	// CORS
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = allow all

	// Telemetry
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty = tracing disabled

	// Shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration a bare invocation runs with.
func Default() *Config {
	return &Config{
		Host:             "0.0.0.0",
		Port:             8000,
		EventLogCapacity: 100,
		ReplayCount:      50,
		QueueSize:        64,
		RateLimit:        200,
		RateBurst:        50,
		KillSwitchDir:    "/tmp/scan-killswitch",
		ShutdownTimeout:  duration.Shutdown,
	}
}

// ParseFlags parses command line arguments and returns Config.
// A -config file is loaded first, then environment variables, then
// flags override both.
func ParseFlags() (*Config, error) {
	fileCfg := Default()

	var configFile string
	flag.StringVar(&configFile, "config", "", "YAML configuration file")

	cfg := *fileCfg
	flag.StringVar(&cfg.Host, "host", cfg.Host, "Listen address")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	flag.StringVar(&cfg.DashboardToken, "token", cfg.DashboardToken, "Legacy shared dashboard token")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for tenant tokens")
	flag.IntVar(&cfg.EventLogCapacity, "log-capacity", cfg.EventLogCapacity, "Event replay ring size")
	flag.IntVar(&cfg.ReplayCount, "replay", cfg.ReplayCount, "Events replayed to new viewers")
	flag.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Per-subscriber delivery queue")
	flag.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Max ingested events per second")
	flag.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Ingestion burst allowance")
	flag.StringVar(&cfg.KillSwitchDir, "killswitch-dir", cfg.KillSwitchDir, "Shared kill signal directory")
	flag.StringVar(&cfg.OTLPEndpoint, "otlp", cfg.OTLPEndpoint, "OTLP collector endpoint (empty disables tracing)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Debug logging")
	flag.Parse()

	if configFile != "" {
		if err := fileCfg.loadFile(configFile); err != nil {
			return nil, err
		}
		// File values fill in everything no flag was passed for.
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		merged := *fileCfg
		mergeFlagged(&merged, &cfg, set)
		cfg = merged
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeFlagged copies explicitly flagged values over the file config.
func mergeFlagged(dst, flagged *Config, set map[string]bool) {
	if set["host"] {
		dst.Host = flagged.Host
	}
	if set["port"] {
		dst.Port = flagged.Port
	}
	if set["token"] {
		dst.DashboardToken = flagged.DashboardToken
	}
	if set["jwt-secret"] {
		dst.JWTSecret = flagged.JWTSecret
	}
	if set["log-capacity"] {
		dst.EventLogCapacity = flagged.EventLogCapacity
	}
	if set["replay"] {
		dst.ReplayCount = flagged.ReplayCount
	}
	if set["queue-size"] {
		dst.QueueSize = flagged.QueueSize
	}
	if set["rate-limit"] {
		dst.RateLimit = flagged.RateLimit
	}
	if set["rate-burst"] {
		dst.RateBurst = flagged.RateBurst
	}
	if set["killswitch-dir"] {
		dst.KillSwitchDir = flagged.KillSwitchDir
	}
	if set["otlp"] {
		dst.OTLPEndpoint = flagged.OTLPEndpoint
	}
	if set["debug"] {
		dst.Debug = flagged.Debug
	}
}

// Load reads configuration from a YAML file over defaults, applies
// environment overrides, and validates. Used by tests and embedding.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// applyEnv overlays DASHBOARD_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("DASHBOARD_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DASHBOARD_TOKEN"); v != "" {
		c.DashboardToken = v
	}
	if v := os.Getenv("DASHBOARD_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("DASHBOARD_KILLSWITCH_DIR"); v != "" {
		c.KillSwitchDir = v
	}
	if v := os.Getenv("DASHBOARD_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("DASHBOARD_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Debug = debug
		}
	}
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.DashboardToken == "" && c.JWTSecret == "" {
		return fmt.Errorf("%w: dashboard_token or jwt_secret", ErrMissingRequired)
	}
	if c.KillSwitchDir == "" {
		return fmt.Errorf("%w: kill_switch_dir", ErrMissingRequired)
	}
	if c.EventLogCapacity <= 0 {
		return fmt.Errorf("%w: event_log_capacity must be positive", ErrInvalidConfig)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%w: rate_limit must be positive", ErrInvalidConfig)
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
