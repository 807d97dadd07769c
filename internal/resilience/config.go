package resilience

import (
	"time"

	"github.com/sells-group/mov-extract/internal/config"
)

// RetryFromConfig builds the model-call retry policy.
func RetryFromConfig(cfg config.AssistConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMS > 0 {
		rc.InitialBackoff = time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	}
	return rc
}

// BreakerFromConfig builds the model-service circuit breaker config.
func BreakerFromConfig(cfg config.AssistConfig) CircuitBreakerConfig {
	bc := DefaultCircuitBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		bc.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerResetSecs > 0 {
		bc.ResetTimeout = time.Duration(cfg.BreakerResetSecs) * time.Second
	}
	return bc
}
