package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker refreshes the status gauges from the store in the background.
type Checker struct {
	collector *Collector
	metrics   *Metrics
	interval  time.Duration
}

// NewChecker creates a background refresher. A non-positive interval
// defaults to one minute.
func NewChecker(collector *Collector, metrics *Metrics, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{collector: collector, metrics: metrics, interval: interval}
}

// Run refreshes once, then on every tick. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting status refresher", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("status refresher stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect run status", zap.Error(err))
		return
	}
	c.metrics.Apply(snap)
	log.Debug("monitoring: status refreshed",
		zap.Int("runs", snap.RunsTotal),
		zap.Float64("fail_rate", snap.FailRate),
	)
}
