package experiments

import (
	"context"
	"log/slog"
	"time"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
)

// Poller sweeps RUNNING experiments at a fixed interval and runs a guardrail
// check on each. Guardrail actions are applied by the monitor; the poller
// only schedules the sweeps.
type Poller struct {
	logger   *slog.Logger
	store    repo.ExperimentStore
	monitor  *GuardrailMonitor
	interval time.Duration

	done chan struct{}
}

// NewPoller builds a poller. A non-positive interval defaults to 30 seconds.
func NewPoller(logger *slog.Logger, store repo.ExperimentStore, monitor *GuardrailMonitor, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		logger:   logger,
		store:    store,
		monitor:  monitor,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Wait blocks until the sweep loop has exited.
func (p *Poller) Wait() { <-p.done }

// Sweep checks guardrails for every RUNNING experiment once. Per-experiment
// failures are logged and do not abort the sweep.
func (p *Poller) Sweep(ctx context.Context) {
	running, err := p.store.ListExperimentsByStatus(ctx, models.StatusRunning)
	if err != nil {
		p.logger.Error("guardrail sweep failed to list running experiments", "error", err)
		return
	}
	if len(running) == 0 {
		return
	}

	tripped := 0
	for i := range running {
		e := &running[i]
		check, err := p.monitor.checkRunning(ctx, e)
		if err != nil {
			p.logger.Error("guardrail check failed",
				"experiment", e.ID, "tenant", e.TenantID, "error", err)
			continue
		}
		if !check.Passed {
			tripped++
		}
	}
	p.logger.Debug("guardrail sweep complete",
		"running", len(running), "tripped", tripped)
}
