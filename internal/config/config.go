// Package config loads pms-sync settings from config.yaml, .env and
// PMSSYNC_* environment variables, and builds the global zap logger.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the full application configuration.
type Config struct {
	PMS       PMSConfig       `yaml:"pms" mapstructure:"pms"`
	ERP       ERPConfig       `yaml:"erp" mapstructure:"erp"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Watermark WatermarkConfig `yaml:"watermark" mapstructure:"watermark"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Report    ReportConfig    `yaml:"report" mapstructure:"report"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`

	// CatalogFile overrides the embedded dataset catalog when set.
	CatalogFile string `yaml:"catalog_file" mapstructure:"catalog_file"`
}

// PMSConfig configures the property-management API client.
type PMSConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	Token        string        `yaml:"token" mapstructure:"token"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PageSize     int           `yaml:"page_size" mapstructure:"page_size"`
	PageDelayMin time.Duration `yaml:"page_delay_min" mapstructure:"page_delay_min"`
	PageDelayMax time.Duration `yaml:"page_delay_max" mapstructure:"page_delay_max"`
	RateLimit    float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second per host
	Timezone     string        `yaml:"timezone" mapstructure:"timezone"`
}

// ERPConfig configures the Odoo-style ERP export client.
type ERPConfig struct {
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	Username string        `yaml:"username" mapstructure:"username"`
	Password string        `yaml:"password" mapstructure:"password"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Export context sent with CSV exports.
	Lang       string `yaml:"lang" mapstructure:"lang"`
	TZ         string `yaml:"tz" mapstructure:"tz"`
	UserID     int    `yaml:"user_id" mapstructure:"user_id"`
	CompanyIDs []int  `yaml:"company_ids" mapstructure:"company_ids"`
}

// ExtractConfig configures windowing and the extraction coordinator.
type ExtractConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	JitterMax     time.Duration `yaml:"jitter_max" mapstructure:"jitter_max"`
	LookbackDays  int           `yaml:"lookback_days" mapstructure:"lookback_days"`
	SafetyMargin  time.Duration `yaml:"safety_margin" mapstructure:"safety_margin"`
	Epoch         string        `yaml:"epoch" mapstructure:"epoch"` // YYYY-MM-DD, UTC
}

// RetryConfig configures HTTP retry behavior.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	MaxRetryAfter  time.Duration `yaml:"max_retry_after" mapstructure:"max_retry_after"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	WAFStep        time.Duration `yaml:"waf_step" mapstructure:"waf_step"`
}

// CircuitConfig configures the per-host circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// DatabaseConfig configures the Postgres pool shared by the postgres backends.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// WatermarkConfig selects the watermark backend.
type WatermarkConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"` // file, sqlite, postgres, redis
	Path     string `yaml:"path" mapstructure:"path"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisKey string `yaml:"redis_key" mapstructure:"redis_key"`
}

// HistoryConfig selects the history table backend.
type HistoryConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // parquet, postgres
	Dir     string `yaml:"dir" mapstructure:"dir"`
	// QuarantineDir receives records that could not be flattened. Empty disables it.
	QuarantineDir string `yaml:"quarantine_dir" mapstructure:"quarantine_dir"`
}

// ArchiveConfig configures S3 archival of history files. Empty bucket disables it.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	Region          string `yaml:"region" mapstructure:"region"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" mapstructure:"use_path_style"`
}

// MetricsConfig configures the Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" mapstructure:"pushgateway_url"`
	Job            string `yaml:"job" mapstructure:"job"`
}

// NotifyConfig configures run alerts.
type NotifyConfig struct {
	WebhookURL       string `yaml:"webhook_url" mapstructure:"webhook_url"`
	FindingThreshold int    `yaml:"finding_threshold" mapstructure:"finding_threshold"`
	// StaleAfter flags watermarks that have not advanced for this long.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// ReportConfig configures where run reports are written.
type ReportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return eris.Wrapf(err, "config: load %s", p)
		}
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PMSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("pms.base_url", "")
	v.SetDefault("pms.token", "")
	v.SetDefault("pms.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("pms.timeout", "30s")
	v.SetDefault("pms.page_size", 100)
	v.SetDefault("pms.page_delay_min", "400ms")
	v.SetDefault("pms.page_delay_max", "1s")
	v.SetDefault("pms.rate_limit", 5.0)
	v.SetDefault("pms.timezone", "Asia/Ho_Chi_Minh")
	v.SetDefault("erp.base_url", "")
	v.SetDefault("erp.username", "")
	v.SetDefault("erp.password", "")
	v.SetDefault("erp.timeout", "60s")
	v.SetDefault("erp.lang", "en_US")
	v.SetDefault("erp.tz", "Asia/Saigon")
	v.SetDefault("erp.user_id", 0)
	v.SetDefault("extract.max_concurrent", 5)
	v.SetDefault("extract.jitter_max", "800ms")
	v.SetDefault("extract.lookback_days", 30)
	v.SetDefault("extract.safety_margin", "15m")
	v.SetDefault("extract.epoch", "2023-06-01")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "1s")
	v.SetDefault("retry.max_backoff", "10s")
	v.SetDefault("retry.max_retry_after", "5m")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.waf_step", "2s")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout", "60s")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("watermark.backend", "file")
	v.SetDefault("watermark.path", "state/watermarks.json")
	v.SetDefault("watermark.redis_url", "redis://localhost:6379/0")
	v.SetDefault("watermark.redis_key", "pms-sync:watermarks")
	v.SetDefault("history.backend", "parquet")
	v.SetDefault("history.dir", "data/history")
	v.SetDefault("history.quarantine_dir", "data/quarantine")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "pms-history")
	v.SetDefault("archive.region", "ap-southeast-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.use_path_style", false)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "pms_sync")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.finding_threshold", 100)
	v.SetDefault("notify.stale_after", "72h")
	v.SetDefault("report.dir", "reports")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("catalog_file", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enum-like settings and value ranges.
func (c *Config) Validate() error {
	switch c.Watermark.Backend {
	case "file", "sqlite", "postgres", "redis":
	default:
		return eris.Errorf("config: unknown watermark backend %q", c.Watermark.Backend)
	}
	switch c.History.Backend {
	case "parquet", "postgres":
	default:
		return eris.Errorf("config: unknown history backend %q", c.History.Backend)
	}
	if (c.Watermark.Backend == "postgres" || c.History.Backend == "postgres") && c.Database.URL == "" {
		return eris.New("config: database.url is required for postgres backends")
	}
	if c.Extract.MaxConcurrent < 1 {
		return eris.Errorf("config: extract.max_concurrent must be >= 1, got %d", c.Extract.MaxConcurrent)
	}
	if c.PMS.PageDelayMax < c.PMS.PageDelayMin {
		return eris.New("config: pms.page_delay_max must not be below pms.page_delay_min")
	}
	if _, err := c.Extract.EpochTime(); err != nil {
		return err
	}
	return nil
}

// EpochTime parses Epoch as a UTC date.
func (e ExtractConfig) EpochTime() (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, e.Epoch, time.UTC)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "config: parse extract.epoch %q", e.Epoch)
	}
	return t, nil
}

// Lookback returns LookbackDays as a duration.
func (e ExtractConfig) Lookback() time.Duration {
	return time.Duration(e.LookbackDays) * 24 * time.Hour
}

// InitLogger builds the global zap logger. When cfg.File is set, entries are
// also written as JSON to a rotating file.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.File != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(RotatingFile(cfg)),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// RotatingFile returns the lumberjack writer used for file logging.
func RotatingFile(cfg LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
