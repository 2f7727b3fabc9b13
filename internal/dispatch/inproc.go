package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"storybook/internal/domain"
)

// InProc runs jobs on a pool of goroutines inside the API process. The
// buffered channel is the queue; when it is full, dispatch fails fast rather
// than blocking admission.
type InProc struct {
	runner Runner
	log    zerolog.Logger
	jobs   chan string
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewInProc starts workers goroutines consuming the queue. baseCtx bounds
// every job run; canceling it stops the pool after the in-flight jobs see
// the cancellation (the stall monitor recovers anything cut short).
func NewInProc(baseCtx context.Context, runner Runner, workers, capacity int, log zerolog.Logger) *InProc {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &InProc{
		runner: runner,
		log:    log,
		jobs:   make(chan string, capacity),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(baseCtx)
	}
	return p
}

func (p *InProc) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := p.runner.Run(ctx, jobID); err != nil {
				p.log.Error().Err(err).Str("job_id", jobID).Msg("worker: job run failed")
			}
		}
	}
}

// DispatchGenerate queues a generation job.
func (p *InProc) DispatchGenerate(ctx context.Context, jobID string) error {
	return p.dispatch(jobID)
}

// DispatchRegenerate queues a regeneration job. The job row carries the page
// and target, so the queue entry is just the ID.
func (p *InProc) DispatchRegenerate(ctx context.Context, jobID string, page int, target domain.RegenTarget) error {
	return p.dispatch(jobID)
}

func (p *InProc) dispatch(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("dispatcher closed")
	}
	select {
	case p.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for the pool to drain the queue.
func (p *InProc) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

var _ Dispatcher = (*InProc)(nil)
