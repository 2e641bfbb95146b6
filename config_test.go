package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigEnvThenFlags(t *testing.T) {
	t.Setenv("BLOCKSTACK_TICK", "250ms")
	t.Setenv("BLOCKSTACK_CAPACITY", "4")
	t.Setenv("BLOCKSTACK_STORE", StoreSQLite)
	t.Setenv("BLOCKSTACK_JWT_SECRET", "s3cret")

	cfg, err := LoadConfig("", []string{"-capacity", "6", "-addr", ":9090"})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Tick)
	assert.Equal(t, 6, cfg.Capacity, "flags win over the environment")
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "s3cret", cfg.JWTSecret)

	lc := cfg.LobbyConfig()
	assert.Equal(t, 6, lc.Capacity)
	assert.Equal(t, 250*time.Millisecond, lc.Tick)
	assert.Equal(t, DefaultSubmitCooldown, lc.SubmitCooldown)
}

func TestLoadConfigEnvFile(t *testing.T) {
	os.Unsetenv("BLOCKSTACK_SUBMIT_COOLDOWN")
	t.Cleanup(func() { os.Unsetenv("BLOCKSTACK_SUBMIT_COOLDOWN") })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BLOCKSTACK_SUBMIT_COOLDOWN=3s\n"), 0o600))

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.SubmitCooldown)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("BLOCKSTACK_TICK", "soon")
		_, err := LoadConfig("", nil)
		assert.ErrorContains(t, err, "BLOCKSTACK_TICK")
	})
	t.Run("bad capacity", func(t *testing.T) {
		t.Setenv("BLOCKSTACK_CAPACITY", "many")
		_, err := LoadConfig("", nil)
		assert.ErrorContains(t, err, "BLOCKSTACK_CAPACITY")
	})
	t.Run("unknown flag", func(t *testing.T) {
		_, err := LoadConfig("", []string{"-bogus"})
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"sqlite store", func(c *Config) { c.Store = StoreSQLite }, true},
		{"sqlite without db", func(c *Config) { c.Store = StoreSQLite; c.DBPath = "" }, false},
		{"memory without db", func(c *Config) { c.DBPath = "" }, true},
		{"unknown store", func(c *Config) { c.Store = "redis" }, false},
		{"zero tick", func(c *Config) { c.Tick = 0 }, false},
		{"zero capacity", func(c *Config) { c.Capacity = 0 }, false},
		{"huge capacity", func(c *Config) { c.Capacity = MaxLobbyCapacity + 1 }, false},
		{"no cooldown", func(c *Config) { c.SubmitCooldown = 0 }, true},
		{"negative cooldown", func(c *Config) { c.SubmitCooldown = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
