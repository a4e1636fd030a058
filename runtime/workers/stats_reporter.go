package workers

import (
	"context"
	"market-chat/observability"
	"time"
)

// StatsReporter refreshes the /stats snapshot on a fixed interval.
type StatsReporter struct {
	monitoring *observability.MonitoringManager
	interval   time.Duration
}

func NewStatsReporter(monitoring *observability.MonitoringManager, interval time.Duration) *StatsReporter {
	return &StatsReporter{monitoring: monitoring, interval: interval}
}

func (w *StatsReporter) Run(ctx context.Context) error {
	w.monitoring.Refresh()
	return w.monitoring.Listen(ctx, w.interval)
}
