package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a periodic background task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule pairs a job with its interval. A non-positive interval disables
// the job.
type Schedule struct {
	Job      Job
	Interval time.Duration
}

// Orchestrator runs the decision cycle and the periodic jobs together.
type Orchestrator struct {
	cycle  *Cycle
	jobs   []Schedule
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator. cycle may be nil for job-only
// runs.
func NewOrchestrator(cycle *Cycle, jobs []Schedule, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cycle:  cycle,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every loop under an errgroup. Job failures are logged and the
// job runs again on its next tick; only the cycle can end the group.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if o.cycle != nil {
		g.Go(func() error {
			if err := o.cycle.Run(ctx); err != nil {
				return fmt.Errorf("cycle: %w", err)
			}
			return nil
		})
	}
	for _, s := range o.jobs {
		if s.Interval <= 0 {
			o.logger.Info("job disabled", slog.String("job", s.Job.Name()))
			continue
		}
		g.Go(func() error {
			o.runEvery(ctx, s)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped cleanly")
	return nil
}

func (o *Orchestrator) runEvery(ctx context.Context, s Schedule) {
	log := o.logger.With(slog.String("job", s.Job.Name()))
	log.Info("job scheduled", slog.Duration("interval", s.Interval))

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.Job.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("job failed", slog.String("error", err.Error()))
				continue
			}
			log.Debug("job done", slog.Duration("took", time.Since(start)))
		}
	}
}
