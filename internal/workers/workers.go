package workers

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner ticks every registered job on its own goroutine until the context
// passed to Start is cancelled.
type Runner struct {
	clock  clockwork.Clock
	logger zerolog.Logger
	jobs   []Job
	wg     conc.WaitGroup
}

func NewRunner(clock clockwork.Clock, logger zerolog.Logger) *Runner {
	return &Runner{clock: clock, logger: logger}
}

// Add registers job. Jobs with a non-positive interval are ignored.
func (r *Runner) Add(job Job) {
	if job.Interval <= 0 {
		r.logger.Info().Str("job", job.Name).Msg("Job disabled")
		return
	}
	r.jobs = append(r.jobs, job)
}

func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		job := job
		r.wg.Go(func() { r.loop(ctx, job) })
	}
}

// Wait blocks until every job loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	logger := r.logger.With().Str("job", job.Name).Logger()
	logger.Info().Dur("interval", job.Interval).Msg("Job started")

	ticker := r.clock.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Job stopped")
			return
		case <-ticker.Chan():
			r.runOnce(ctx, job, logger)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job, logger zerolog.Logger) {
	var pc panics.Catcher
	pc.Try(func() {
		if err := job.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Job failed")
		}
	})
	if rec := pc.Recovered(); rec != nil {
		logger.Error().Interface("panic", rec.Value).Msg("Job panicked")
	}
}
