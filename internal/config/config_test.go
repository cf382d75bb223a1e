package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
pixel:
  platform_domain: px.example.com
  server_ip: 203.0.113.7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 300, cfg.Pixel.ScriptCacheSeconds)
	assert.Equal(t, 60, cfg.Pixel.SiteCacheSeconds)
	assert.Equal(t, 3, cfg.Scheduler.DailyAtHour)
	assert.Equal(t, 90, cfg.Scheduler.WindowDays)
	assert.InDelta(t, 1e-4, cfg.Attribution.EpsilonCredit, 1e-12)
	assert.InDelta(t, 0.01, cfg.Attribution.EpsilonRevenue, 1e-12)
	assert.Equal(t, 7.0, cfg.Attribution.HalfLifeDays)
	assert.Equal(t, 500, cfg.Attribution.BatchSize)
	assert.Equal(t, "last_click", cfg.Attribution.DefaultModel)
	assert.Equal(t, []int{7, 14, 30, 60, 90, 180, 365, 0}, cfg.Attribution.ValidLookbacks)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
pixel:
  platform_domain: px.example.com
`)

	t.Setenv("DATABASE_URL", "postgres://app@db/optic")
	t.Setenv("PIXEL_SERVER_IP", "198.51.100.9")
	t.Setenv("SCHEDULER_DAILY_AT_HOUR", "5")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://app@db/optic", cfg.Database.URL)
	assert.Equal(t, "198.51.100.9", cfg.Pixel.ServerIP)
	assert.Equal(t, 5, cfg.Scheduler.DailyAtHour)
}

func TestLoadFromEnv_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@db/optic")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://app@db/optic", cfg.Database.URL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "last_click", cfg.Attribution.DefaultModel)
}

func TestValidLookback(t *testing.T) {
	cfg := AttributionConfig{ValidLookbacks: []int{7, 14, 30, 0}}
	assert.True(t, cfg.ValidLookback(7))
	assert.True(t, cfg.ValidLookback(0))
	assert.False(t, cfg.ValidLookback(45))
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	assert.Error(t, cfg.Validate())

	cfg.Database.URL = "postgres://app@db/optic"
	cfg.Pixel.PlatformDomain = "px.example.com"
	assert.NoError(t, cfg.Validate())
}
