package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/coverage-watch/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker runs the collect, evaluate and notify cycle on a ticker. An alert
// whose message has not changed since it was last sent is not re-sent;
// once a condition clears, the next breach alerts again.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger

	mu       sync.Mutex
	lastSent map[AlertType]string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		lastSent:  make(map[AlertType]string),
	}
}

// Run checks once immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	c.log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one cycle and returns every alert that fired, including
// repeats that were not re-sent.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	fresh := c.unsent(alerts)
	if len(fresh) == 0 {
		c.log.Debug("monitoring: nothing new to send", zap.Int("alerts_active", len(alerts)))
		return alerts
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_active", len(alerts)),
		zap.Int("alerts_new", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

// unsent filters out alerts identical to the last one sent for their type
// and forgets types that are no longer firing.
func (c *Checker) unsent(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make(map[AlertType]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		active[a.Type] = true
		if c.lastSent[a.Type] == a.Message {
			continue
		}
		c.lastSent[a.Type] = a.Message
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !active[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
