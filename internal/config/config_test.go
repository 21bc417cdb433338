package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 100, cfg.PMS.PageSize)
	assert.Equal(t, 30*time.Second, cfg.PMS.Timeout)
	assert.Equal(t, 400*time.Millisecond, cfg.PMS.PageDelayMin)
	assert.Equal(t, time.Second, cfg.PMS.PageDelayMax)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.PMS.Timezone)
	assert.Equal(t, 5, cfg.Extract.MaxConcurrent)
	assert.Equal(t, 800*time.Millisecond, cfg.Extract.JitterMax)
	assert.Equal(t, 15*time.Minute, cfg.Extract.SafetyMargin)
	assert.Equal(t, 30*24*time.Hour, cfg.Extract.Lookback())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxRetryAfter)
	assert.Equal(t, "file", cfg.Watermark.Backend)
	assert.Equal(t, "parquet", cfg.History.Backend)
	assert.Equal(t, "data/quarantine", cfg.History.QuarantineDir)

	epoch, err := cfg.Extract.EpochTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), epoch)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
pms:
  base_url: https://pms.example.com/api
  page_size: 250
extract:
  max_concurrent: 2
  safety_margin: 30m
watermark:
  backend: redis
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://pms.example.com/api", cfg.PMS.BaseURL)
	assert.Equal(t, 250, cfg.PMS.PageSize)
	assert.Equal(t, 2, cfg.Extract.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Extract.SafetyMargin)
	assert.Equal(t, "redis", cfg.Watermark.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PMSSYNC_PMS_TOKEN", "secret-token")
	t.Setenv("PMSSYNC_EXTRACT_LOOKBACK_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.PMS.Token)
	assert.Equal(t, 7, cfg.Extract.LookbackDays)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PMSSYNC_ERP_PASSWORD=hunter2\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PMSSYNC_ERP_PASSWORD") })

	require.NoError(t, LoadDotEnv())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.ERP.Password)
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	chdirTemp(t)
	assert.NoError(t, LoadDotEnv("does-not-exist.env"))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Extract:   ExtractConfig{MaxConcurrent: 1, Epoch: "2023-06-01"},
			Watermark: WatermarkConfig{Backend: "file"},
			History:   HistoryConfig{Backend: "parquet"},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Watermark.Backend = "etcd"
	assert.ErrorContains(t, c.Validate(), "unknown watermark backend")

	c = base()
	c.History.Backend = "postgres"
	assert.ErrorContains(t, c.Validate(), "database.url is required")

	c = base()
	c.Extract.Epoch = "June 2023"
	assert.ErrorContains(t, c.Validate(), "extract.epoch")

	c = base()
	c.PMS.PageDelayMin = time.Second
	assert.ErrorContains(t, c.Validate(), "page_delay_max")
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}

func TestInitLogger_File(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })
	path := filepath.Join(t.TempDir(), "pms-sync.log")

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}))
	zap.L().Info("hello file")
	_ = zap.L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
