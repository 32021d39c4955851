package webhooks

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// workerPool runs delivery jobs on a fixed set of goroutines. Submit never
// blocks the caller.
type workerPool struct {
	jobs    chan func()
	quit    chan struct{}
	workers int
	logger  zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueSize int, logger zerolog.Logger) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &workerPool{
		jobs:    make(chan func(), queueSize),
		quit:    make(chan struct{}),
		workers: workers,
		logger:  logger,
	}
}

func (p *workerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			runSafely(p.logger, "delivery job", job)
		case <-p.quit:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case job := <-p.jobs:
					runSafely(p.logger, "delivery job", job)
				default:
					return
				}
			}
		}
	}
}

// Submit queues job. When the queue is full a goroutine waits for space so
// the caller can return immediately.
func (p *workerPool) Submit(job func()) bool {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return false
	}

	select {
	case p.jobs <- job:
	default:
		p.logger.Warn().Int("queue_size", cap(p.jobs)).Msg("Delivery queue full, deferring job")
		go func() {
			select {
			case p.jobs <- job:
			case <-p.quit:
			}
		}()
	}
	return true
}

// Stop waits for the workers to finish the queued jobs or for ctx to expire.
func (p *workerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSafely invokes fn and logs a recovered panic instead of crashing.
func runSafely(logger zerolog.Logger, what string, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		logger.Error().
			Interface("panic", r.Value).
			Str("stack", string(r.Stack)).
			Msgf("Recovered panic in %s", what)
	}
}
