package config

import (
	"os"
	"path/filepath"
	"testing"

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
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "movx.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(50<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, 3, cfg.Batch.MaxConcurrentDocuments)
	assert.Equal(t, 3, cfg.Assist.Concurrency)
	assert.Equal(t, 30, cfg.Assist.CallTimeoutSecs)
	assert.Equal(t, 3, cfg.Assist.MaxAttempts)
	assert.Equal(t, 15, cfg.Assist.QuestionBatchSize)
	assert.InDelta(t, 0.85, cfg.Thresholds.AutoApprove, 0.001)
	assert.InDelta(t, 0.85, cfg.Thresholds.FuzzyMatch, 0.001)
	assert.InDelta(t, 0.70, cfg.Thresholds.CompletenessWarning, 0.001)
	assert.InDelta(t, 0.70, cfg.Thresholds.ReviewConfidence, 0.001)
	assert.InDelta(t, 0.75, cfg.Thresholds.ModelConfidenceCap, 0.001)
	assert.InDelta(t, 0.95, cfg.Thresholds.DeterministicConfidence, 0.001)
	assert.Equal(t, 2, cfg.Thresholds.RecruitmentTolerance)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-sonnet-4-5-20250929")
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 200, cfg.Monitoring.ReviewBacklogThreshold)
	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/movx
log:
  level: debug
  format: console
server:
  port: 9090
thresholds:
  auto_approve: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.9, cfg.Thresholds.AutoApprove, 0.001)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.85, cfg.Thresholds.FuzzyMatch, 0.001)
}

func TestLoadFileExplicitMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MOVX_STORE_DRIVER", "memory")
	t.Setenv("MOVX_LOG_LEVEL", "warn")
	t.Setenv("MOVX_THRESHOLDS_FUZZY_MATCH", "0.9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.InDelta(t, 0.9, cfg.Thresholds.FuzzyMatch, 0.001)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "movx.db"
	cfg.Server.Port = 8080
	cfg.Server.MaxUploadBytes = 1 << 20
	cfg.Batch.MaxConcurrentDocuments = 3
	cfg.Assist.Concurrency = 3
	cfg.Assist.MaxAttempts = 3
	cfg.Assist.CallTimeoutSecs = 30
	cfg.Thresholds = ThresholdsConfig{
		AutoApprove:             0.85,
		FuzzyMatch:              0.85,
		CompletenessWarning:     0.70,
		ReviewConfidence:        0.70,
		ModelConfidenceCap:      0.75,
		DeterministicConfidence: 0.95,
		RecruitmentTolerance:    2,
	}
	return cfg
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// Port is irrelevant outside serve.
	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidateServe_Monitoring(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.Enabled = true

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.lookback_window_hours")

	cfg.Monitoring.LookbackWindowHours = 24
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("batch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "memory"
	assert.NoError(t, cfg.Validate("batch"))

	cfg.Store.Driver = "mongo"
	err = cfg.Validate("batch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.MaxConcurrentDocuments = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_documents must be between 1 and 50")

	cfg.Batch.MaxConcurrentDocuments = 50
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Assist.Concurrency = 33
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "assist.concurrency")
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Thresholds.AutoApprove = 1.1
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds.auto_approve")

	cfg.Thresholds.AutoApprove = 0.85
	cfg.Thresholds.ModelConfidenceCap = 0.99
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "model_confidence_cap must not exceed")

	cfg.Thresholds.ModelConfidenceCap = 0.75
	cfg.Thresholds.RecruitmentTolerance = -1
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "recruitment_tolerance")
}
