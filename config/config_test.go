package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Automation.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())

	interval, err := cfg.CheckInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, interval)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[database]
driver = "postgres"
url = "postgres://localhost/drawdown"

[automation]
check_interval = "15m"
timezone = "Australia/Sydney"
`)

	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr, "unset keys keep their defaults")
	interval, _ := cfg.CheckInterval()
	assert.Equal(t, 15*time.Minute, interval)
	assert.Equal(t, "Australia/Sydney", cfg.Location().String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database driver"},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"bad interval", func(c *Config) { c.Automation.CheckInterval = "soon" }, "check_interval"},
		{"negative interval", func(c *Config) { c.Automation.CheckInterval = "-1m" }, "must be positive"},
		{"bad timezone", func(c *Config) { c.Automation.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DRAWDOWN_SERVER_ADDR":        ":9090",
		"DRAWDOWN_LOG_LEVEL":          "debug",
		"DRAWDOWN_AUTOMATION_ENABLED": "false",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := DefaultConfig()

	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Automation.Enabled)

	env["DRAWDOWN_AUTOMATION_ENABLED"] = "sometimes"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN a config file and an environment override
	dir := t.TempDir()
	path := filepath.Join(dir, "drawdown.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \":7000\"\n[log]\nlevel = \"warn\"\n"), 0o600))
	t.Setenv("DRAWDOWN_LOG_LEVEL", "error")

	// WHEN loading
	cfg, err := Load(path)

	// THEN the environment wins over the file
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "error", cfg.Log.Level)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
