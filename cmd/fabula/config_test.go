package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, ":4500", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.False(t, cfg.Panel)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FABULA_LISTEN_ADDR", ":9999")
	t.Setenv("FABULA_LOG_LEVEL", "debug")
	t.Setenv("FABULA_POOL_SIZE", "8")
	t.Setenv("FABULA_PANEL", "1")

	cfg := loadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.True(t, cfg.Panel)
}

func TestLoadConfigIgnoresBadPoolSize(t *testing.T) {
	t.Setenv("FABULA_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, 4, cfg.PoolSize)
}
