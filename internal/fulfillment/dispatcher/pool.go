package dispatcher

import (
	"context"
	"sync"

	"github.com/smallbiznis/fortunepay/internal/fulfillment/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Pool runs report jobs on in-process workers fed by a bounded queue.
type Pool struct {
	log     *zap.Logger
	workers int

	mu     sync.RWMutex
	queue  chan domain.Job
	closed bool
	group  *errgroup.Group
}

func NewPool(workers, queueSize int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Pool{
		log:     log.Named("dispatcher.pool"),
		workers: workers,
		queue:   make(chan domain.Job, queueSize),
	}
}

func (p *Pool) Name() string { return "pool" }

// Dispatch enqueues without blocking. Jobs sent before Start wait in the queue.
func (p *Pool) Dispatch(_ context.Context, job domain.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrDispatcherClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (p *Pool) Start(ctx context.Context, h domain.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrDispatcherClosed
	}
	if p.group != nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(gctx, worker, h)
			return nil
		})
	}
	p.group = g
	p.log.Info("report workers started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
	return nil
}

func (p *Pool) work(ctx context.Context, worker int, h domain.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if err := h(ctx, job); err != nil {
				p.log.Warn("report job failed",
					zap.Int("worker", worker),
					zap.String("order_id", job.OrderID.String()),
					zap.String("job_id", job.JobID),
					zap.Error(err),
				)
			}
		}
	}
}

// Stop refuses new jobs and waits for the workers to drain the queue or for
// ctx to end, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	group := p.group
	p.mu.Unlock()

	if group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		p.log.Info("report workers stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
