package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the top-level application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Assist     AssistConfig     `yaml:"assist" mapstructure:"assist"`
	Thresholds ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Document   DocumentConfig   `yaml:"document" mapstructure:"document"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the report store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PricingConfig holds per-model token pricing (USD per million tokens).
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing is the price of one model.
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// AssistConfig configures the model-assisted extraction pass.
type AssistConfig struct {
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	CallTimeoutSecs   int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxWindowChars    int     `yaml:"max_window_chars" mapstructure:"max_window_chars"`
	QuestionBatchSize int     `yaml:"question_batch_size" mapstructure:"question_batch_size"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ThresholdsConfig centralizes every confidence and completeness cut-off
// used by the extractors, validator and review policy.
type ThresholdsConfig struct {
	// AutoApprove is the minimum overall confidence for auto-approval.
	AutoApprove float64 `yaml:"auto_approve" mapstructure:"auto_approve"`
	// FuzzyMatch is the minimum token-overlap similarity for a catalog match.
	FuzzyMatch float64 `yaml:"fuzzy_match" mapstructure:"fuzzy_match"`
	// CompletenessWarning is the completeness score below which a warning is raised.
	CompletenessWarning float64 `yaml:"completeness_warning" mapstructure:"completeness_warning"`
	// ReviewConfidence flags individual fields below it.
	ReviewConfidence float64 `yaml:"review_confidence" mapstructure:"review_confidence"`
	// ModelConfidenceCap is the ceiling applied to model-assisted fields.
	ModelConfidenceCap float64 `yaml:"model_confidence_cap" mapstructure:"model_confidence_cap"`
	// DeterministicConfidence is assigned to exact pattern matches.
	DeterministicConfidence float64 `yaml:"deterministic_confidence" mapstructure:"deterministic_confidence"`
	// RecruitmentTolerance is the allowed shortfall in screened >= randomized + failures.
	RecruitmentTolerance int `yaml:"recruitment_tolerance" mapstructure:"recruitment_tolerance"`
}

// CatalogConfig points at an external question catalog. Empty uses the
// embedded default.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DocumentConfig configures text extraction.
type DocumentConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// BatchConfig configures directory processing.
type BatchConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
}

// MonitoringConfig configures the background health checker run by serve.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from an explicit file path, or from
// config.yaml in the working directory when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.movx")
	}

	// Environment
	v.SetEnvPrefix("MOVX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional unless explicit)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "movx.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_upload_bytes", 50<<20)
	v.SetDefault("batch.max_concurrent_documents", 3)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("assist.concurrency", 3)
	v.SetDefault("assist.requests_per_second", 2.0)
	v.SetDefault("assist.call_timeout_secs", 30)
	v.SetDefault("assist.max_attempts", 3)
	v.SetDefault("assist.initial_backoff_ms", 1000)
	v.SetDefault("assist.max_window_chars", 150000)
	v.SetDefault("assist.question_batch_size", 15)
	v.SetDefault("assist.breaker_threshold", 5)
	v.SetDefault("assist.breaker_reset_secs", 60)
	v.SetDefault("thresholds.auto_approve", 0.85)
	v.SetDefault("thresholds.fuzzy_match", 0.85)
	v.SetDefault("thresholds.completeness_warning", 0.70)
	v.SetDefault("thresholds.review_confidence", 0.70)
	v.SetDefault("thresholds.model_confidence_cap", 0.75)
	v.SetDefault("thresholds.deterministic_confidence", 0.95)
	v.SetDefault("thresholds.recruitment_tolerance", 2)
	v.SetDefault("document.pdftotext_path", "")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.review_backlog_threshold", 200)
	v.SetDefault("pricing.anthropic", map[string]any{
		"claude-sonnet-4-5-20250929": map[string]any{"input": 3.0, "output": 15.0, "cache_write_mul": 1.25, "cache_read_mul": 0.1},
		"claude-haiku-4-5-20251001":  map[string]any{"input": 1.0, "output": 5.0, "cache_write_mul": 1.25, "cache_read_mul": 0.1},
	})
}

// Validate checks the configuration for the given command mode
// ("serve", "extract", "batch" or "review").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.MaxUploadBytes <= 0 {
			errs = append(errs, "server.max_upload_bytes must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.LookbackWindowHours <= 0 {
			errs = append(errs, "monitoring.lookback_window_hours must be > 0")
		}
	case "extract", "batch", "review":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Assist.Concurrency < 1 || c.Assist.Concurrency > 32 {
		errs = append(errs, "assist.concurrency must be between 1 and 32")
	}
	if c.Assist.MaxAttempts < 1 {
		errs = append(errs, "assist.max_attempts must be >= 1")
	}
	if c.Assist.CallTimeoutSecs <= 0 {
		errs = append(errs, "assist.call_timeout_secs must be > 0")
	}
	if c.Batch.MaxConcurrentDocuments < 1 || c.Batch.MaxConcurrentDocuments > 50 {
		errs = append(errs, "batch.max_concurrent_documents must be between 1 and 50")
	}

	t := c.Thresholds
	for name, val := range map[string]float64{
		"auto_approve":             t.AutoApprove,
		"fuzzy_match":              t.FuzzyMatch,
		"completeness_warning":     t.CompletenessWarning,
		"review_confidence":        t.ReviewConfidence,
		"model_confidence_cap":     t.ModelConfidenceCap,
		"deterministic_confidence": t.DeterministicConfidence,
	} {
		if val < 0 || val > 1 {
			errs = append(errs, fmt.Sprintf("thresholds.%s must be between 0 and 1", name))
		}
	}
	if t.ModelConfidenceCap > t.DeterministicConfidence {
		errs = append(errs, "thresholds.model_confidence_cap must not exceed deterministic_confidence")
	}
	if t.RecruitmentTolerance < 0 {
		errs = append(errs, "thresholds.recruitment_tolerance must be >= 0")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
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
	zap.ReplaceGlobals(logger)

	return nil
}
