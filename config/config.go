// Package config loads service configuration from a TOML file, a .env file and
// DRAWDOWN_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "DRAWDOWN_"

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Automation AutomationConfig `toml:"automation"`
	Log        LogConfig        `toml:"log"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// DatabaseConfig selects the store. Driver is "memory", "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	URL    string `toml:"url"`
}

type AutomationConfig struct {
	Enabled bool `toml:"enabled"`
	// CheckInterval is a Go duration string, e.g. "1h".
	CheckInterval string `toml:"check_interval"`
	// Timezone is used when an organization has none of its own.
	Timezone string `toml:"timezone"`
}

// LogConfig controls logger construction. Format is "json" or "console".
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns settings suitable for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "drawdown.db",
		},
		Automation: AutomationConfig{
			Enabled:       true,
			CheckInterval: "1h",
			Timezone:      "UTC",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes TOML text over the defaults without touching the environment.
func Parse(data string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDR":               &c.Server.Addr,
		"DATABASE_DRIVER":           &c.Database.Driver,
		"DATABASE_PATH":             &c.Database.Path,
		"DATABASE_URL":              &c.Database.URL,
		"AUTOMATION_CHECK_INTERVAL": &c.Automation.CheckInterval,
		"AUTOMATION_TIMEZONE":       &c.Automation.Timezone,
		"LOG_LEVEL":                 &c.Log.Level,
		"LOG_FORMAT":                &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := lookup(envPrefix + "AUTOMATION_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sAUTOMATION_ENABLED: %w", envPrefix, err)
		}
		c.Automation.Enabled = enabled
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if _, err := c.CheckInterval(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
		return fmt.Errorf("invalid automation.timezone: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// CheckInterval parses Automation.CheckInterval.
func (c Config) CheckInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Automation.CheckInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid automation.check_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("automation.check_interval must be positive, got %s", d)
	}
	return d, nil
}

// Location loads Automation.Timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Automation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
