// Package jobs runs the periodic work of the dispatch service on a gocron
// scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/example/ride-dispatch/internal/observability"
)

// Job is one scheduled unit of work.
type Job interface {
	Name() string
	Definition() gocron.JobDefinition
	Run(ctx context.Context) error
}

type Manager struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	timeout   time.Duration
}

func NewManager(logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{scheduler: s, logger: logger, ctx: ctx, cancel: cancel, timeout: 10 * time.Minute}, nil
}

// Register adds jobs; overlapping runs of the same job are rescheduled, not
// stacked.
func (m *Manager) Register(jobs ...Job) error {
	for _, j := range jobs {
		_, err := m.scheduler.NewJob(
			j.Definition(),
			gocron.NewTask(m.run, j),
			gocron.WithName(j.Name()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", j.Name(), err)
		}
		m.logger.Info("job registered", "job", j.Name())
	}
	return nil
}

func (m *Manager) run(j Job) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		observability.JobRuns.WithLabelValues(j.Name(), "error").Inc()
		m.logger.Error("job failed", "job", j.Name(), "duration_ms", time.Since(start).Milliseconds(), "err", err)
		return
	}
	observability.JobRuns.WithLabelValues(j.Name(), "ok").Inc()
	m.logger.Debug("job finished", "job", j.Name(), "duration_ms", time.Since(start).Milliseconds())
}

func (m *Manager) Start() {
	m.scheduler.Start()
	m.logger.Info("scheduler started", "jobs", len(m.scheduler.Jobs()))
}

// Stop cancels running jobs and waits for them to return.
func (m *Manager) Stop() error {
	m.cancel()
	if err := m.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	m.logger.Info("scheduler stopped")
	return nil
}
