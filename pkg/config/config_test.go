package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/opt/cellar", cfg.Prefix)
	assert.Equal(t, "recipes", cfg.Recipes)
	assert.Equal(t, 1, cfg.Jobs)
	assert.Equal(t, 3, cfg.Fetch.Retries)
	assert.Equal(t, 30*time.Minute, cfg.Fetch.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Backoff)
	assert.Equal(t, "git", cfg.Fetch.Git)
	assert.True(t, cfg.S3.Secure)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, _ := Loader(filepath.Join(t.TempDir(), "none.toml"))
		cfg.Prefix = "/opt/cellar"
		cfg.Jobs = 1
		cfg.Log.Level = "info"
		cfg.Fetch.Retries = 3
		cfg.Fetch.Timeout = time.Minute
		return cfg
	}

	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"empty prefix": func(c *Config) { c.Prefix = "" },
		"zero jobs":    func(c *Config) { c.Jobs = 0 },
		"bad level":    func(c *Config) { c.Log.Level = "loud" },
		"no retries":   func(c *Config) { c.Fetch.Retries = 0 },
		"no timeout":   func(c *Config) { c.Fetch.Timeout = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestScratchDir(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, filepath.Join(os.TempDir(), "cellar"), cfg.ScratchDir())

	cfg.WorkDir = "/var/tmp/builds"
	assert.Equal(t, "/var/tmp/builds", cfg.ScratchDir())
}
