package fleet

import (
	"context"
	"time"

	"github.com/devdoxai/queueworker/internal/contracts"
)

// StatsSource is the subset of Worker a WorkerHealthMonitor needs, narrowed
// so tests and cmd/worker can supply fakes or a real fleet of *Worker
// without either side needing to know the other's concrete type.
type StatsSource interface {
	Stats() Stats
}

// WorkerHealthMonitor periodically samples a fleet of workers and reports
// the fraction still running, so an operator (or a readiness probe) can
// tell a fleet that lost workers to the qualifies=false shutdown path from
// one that is merely idle.
type WorkerHealthMonitor struct {
	workers []StatsSource
	logger  contracts.Logger
	clock   contracts.Clock

	interval time.Duration
	done     chan struct{}
}

// HealthReport is one sampling pass over the fleet.
type HealthReport struct {
	SampledAt     time.Time
	TotalWorkers  int
	RunningCount  int
	HealthyRatio  float64
	PerWorker     []Stats
	TotalJobsDone int64
	TotalJobsFail int64
}

// NewWorkerHealthMonitor constructs a monitor over workers, sampling every
// interval (default 60s if interval<=0).
func NewWorkerHealthMonitor(workers []StatsSource, logger contracts.Logger, clock contracts.Clock, interval time.Duration) *WorkerHealthMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	return &WorkerHealthMonitor{workers: workers, logger: logger, clock: clock, interval: interval}
}

// Sample takes one reading of the fleet's state without waiting for the
// next tick; Run calls this on each interval.
func (m *WorkerHealthMonitor) Sample() HealthReport {
	report := HealthReport{
		SampledAt:    m.clock.Now(),
		TotalWorkers: len(m.workers),
		PerWorker:    make([]Stats, 0, len(m.workers)),
	}
	for _, w := range m.workers {
		s := w.Stats()
		report.PerWorker = append(report.PerWorker, s)
		if s.Running {
			report.RunningCount++
		}
		report.TotalJobsDone += s.JobsProcessed
		report.TotalJobsFail += s.JobsFailed
	}
	if report.TotalWorkers > 0 {
		report.HealthyRatio = float64(report.RunningCount) / float64(report.TotalWorkers)
	}
	return report
}

// Run samples on a fixed tick until ctx is cancelled or Stop is called,
// logging a warning whenever the healthy ratio drops below 1.0.
func (m *WorkerHealthMonitor) Run(ctx context.Context) {
	m.done = make(chan struct{})
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := m.Sample()
			if report.HealthyRatio < 1.0 {
				m.logger.Warning(ctx, "fleet: worker health degraded",
					"running", report.RunningCount, "total", report.TotalWorkers, "ratio", report.HealthyRatio)
			}
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// Stop ends a running Run loop.
func (m *WorkerHealthMonitor) Stop() {
	if m.done != nil {
		close(m.done)
	}
}

var _ StatsSource = (*Worker)(nil)
