// Package config loads spotsync settings from a YAML file and SPOTSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var Error = errs.Class("config")

const (
	DefaultBaseURL        = "http://127.0.0.1:3000/api/v1"
	DefaultProbeInterval  = 5 * time.Second
	DefaultProbeJitter    = 0.2
	DefaultRequestTimeout = 15 * time.Second
	DefaultEventBuffer    = 256
	DefaultLogLevel       = "info"
)

type Config struct {
	BaseURL        string        `yaml:"base_url"`
	RealtimeURL    string        `yaml:"realtime_url"`
	StorageDSN     string        `yaml:"storage"`
	ProbeURL       string        `yaml:"probe_url"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeJitter    float64       `yaml:"probe_jitter"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RefreshAhead   time.Duration `yaml:"refresh_ahead"`
	EventBuffer    int           `yaml:"event_buffer"`
	LogLevel       string        `yaml:"log_level"`
	DevLog         bool          `yaml:"dev_log"`

	warnings []string
}

// Default returns the built-in settings. Storage lives under the user's
// home directory.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{
		BaseURL:        DefaultBaseURL,
		StorageDSN:     "file://" + filepath.Join(home, ".spotsync"),
		ProbeInterval:  DefaultProbeInterval,
		ProbeJitter:    DefaultProbeJitter,
		RequestTimeout: DefaultRequestTimeout,
		EventBuffer:    DefaultEventBuffer,
		LogLevel:       DefaultLogLevel,
	}
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".spotsync", "config.yaml")
}

// Load applies, in order, the defaults, the YAML file at path and the
// environment, then validates. A missing file is an error only when path
// was given explicitly.
func Load(path string) (Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with a final override step, used for command line
// flags. override runs before derived URLs are filled in.
func LoadWith(path string, override func(*Config)) (Config, error) {
	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, Error.New("parse %s: %v", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, Error.Wrap(err)
		}
	}
	cfg.ApplyEnv()
	if override != nil {
		override(&cfg)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SPOTSYNC_* variables. Unparseable values
// keep the current setting and are reported by Warnings.
func (c *Config) ApplyEnv() {
	c.BaseURL = envOrDefault("SPOTSYNC_BASE_URL", c.BaseURL)
	c.RealtimeURL = envOrDefault("SPOTSYNC_REALTIME_URL", c.RealtimeURL)
	c.StorageDSN = envOrDefault("SPOTSYNC_STORAGE", c.StorageDSN)
	c.ProbeURL = envOrDefault("SPOTSYNC_PROBE_URL", c.ProbeURL)
	c.ProbeInterval = c.durationEnv("SPOTSYNC_PROBE_INTERVAL", c.ProbeInterval)
	c.ProbeJitter = c.floatEnv("SPOTSYNC_PROBE_JITTER", c.ProbeJitter)
	c.RequestTimeout = c.durationEnv("SPOTSYNC_REQUEST_TIMEOUT", c.RequestTimeout)
	c.RefreshAhead = c.durationEnv("SPOTSYNC_REFRESH_AHEAD", c.RefreshAhead)
	c.EventBuffer = c.intEnv("SPOTSYNC_EVENT_BUFFER", c.EventBuffer)
	c.LogLevel = envOrDefault("SPOTSYNC_LOG_LEVEL", c.LogLevel)
}

// Warnings lists environment values that were ignored.
func (c Config) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

func (c Config) Validate() error {
	var group errs.Group
	base, err := url.Parse(c.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		group.Add(Error.New("base_url %q must be an http(s) URL", c.BaseURL))
	}
	if c.RealtimeURL != "" {
		rt, err := url.Parse(c.RealtimeURL)
		if err != nil || (rt.Scheme != "ws" && rt.Scheme != "wss") || rt.Host == "" {
			group.Add(Error.New("realtime_url %q must be a ws(s) URL", c.RealtimeURL))
		}
	}
	if strings.TrimSpace(c.StorageDSN) == "" {
		group.Add(Error.New("storage is required"))
	}
	if c.ProbeInterval <= 0 {
		group.Add(Error.New("probe_interval must be positive"))
	}
	if c.ProbeJitter < 0 || c.ProbeJitter > 1 {
		group.Add(Error.New("probe_jitter must be within [0, 1]"))
	}
	if c.RequestTimeout <= 0 {
		group.Add(Error.New("request_timeout must be positive"))
	}
	if c.RefreshAhead < 0 {
		group.Add(Error.New("refresh_ahead must not be negative"))
	}
	if c.EventBuffer <= 0 {
		group.Add(Error.New("event_buffer must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		group.Add(Error.New("log_level %q: %v", c.LogLevel, err))
	}
	return group.Err()
}

// fillDerived derives the realtime and probe URLs from the base URL when
// they are not set.
func (c *Config) fillDerived() {
	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Host == "" {
		return
	}
	if c.RealtimeURL == "" {
		scheme := "ws"
		if base.Scheme == "https" {
			scheme = "wss"
		}
		c.RealtimeURL = fmt.Sprintf("%s://%s/socket", scheme, base.Host)
	}
	if c.ProbeURL == "" {
		c.ProbeURL = fmt.Sprintf("%s://%s/", base.Scheme, base.Host)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (c *Config) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("invalid %s=%q, using fallback %f", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}
