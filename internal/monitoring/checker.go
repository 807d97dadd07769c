package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/mov-extract/internal/config"
	"github.com/sells-group/mov-extract/internal/metrics"
)

const defaultCheckInterval = 5 * time.Minute

// Checker samples processing health on a fixed interval, keeps the review
// queue gauge current and raises alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker builds a Checker. A non-positive interval falls back to five
// minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Interval is the time between two checks.
func (c *Checker) Interval() time.Duration { return c.interval }

// Run checks once right away and then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().Named("monitoring").With(
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	if ctx.Err() != nil {
		return
	}
	log.Info("review health checks enabled")
	c.check(ctx, log)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("review health checks stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check returns the number of alerts raised.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("health snapshot failed", zap.Error(err))
		return 0
	}
	metrics.SetQueueDepth(snap.ReviewBacklog)

	alerts := c.alerter.Evaluate(snap)
	log.Debug("health snapshot",
		zap.Int("reports", snap.Reports),
		zap.Int("failures", snap.Failures),
		zap.Int("review_backlog", snap.ReviewBacklog),
		zap.Int("alerts", len(alerts)),
	)
	if len(alerts) > 0 {
		sent := c.alerter.SendAlerts(ctx, alerts)
		log.Warn("health thresholds exceeded",
			zap.Int("alerts", len(alerts)),
			zap.Int("delivered", sent),
		)
	}
	return len(alerts)
}
