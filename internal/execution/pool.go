package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pool runs Handle for queued execution ids on a fixed set of workers. An id
// is never handled by two workers at once; enqueueing an id that is already
// queued or running schedules exactly one more pass.
type Pool struct {
	Workers int
	Handle  func(ctx context.Context, id string) error
	Logger  *zap.Logger

	queue chan string

	mu      sync.Mutex
	pending map[string]bool // id -> another pass requested
}

func NewPool(workers, queueSize int, handle func(ctx context.Context, id string) error, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{
		Workers: workers,
		Handle:  handle,
		Logger:  logger,
		queue:   make(chan string, queueSize),
		pending: map[string]bool{},
	}
}

// Enqueue never blocks. It reports false when the queue is full; the
// reconciler picks such executions up on its next sweep.
func (p *Pool) Enqueue(id string) bool {
	if p == nil || id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; ok {
		p.pending[id] = true
		return true
	}
	select {
	case p.queue <- id:
		p.pending[id] = false
		return true
	default:
		if p.Logger != nil {
			p.Logger.Warn("execution queue full, dropping", zap.String("execution_id", id))
		}
		return false
	}
}

// Len is the number of ids queued or running.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) Run(ctx context.Context) error {
	if p == nil || p.Handle == nil {
		return nil
	}
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	if p.Logger != nil {
		p.Logger.Info("execution workers started", zap.Int("workers", p.Workers))
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.handle(ctx, id)
			p.mu.Lock()
			again := p.pending[id]
			delete(p.pending, id)
			p.mu.Unlock()
			if again && ctx.Err() == nil {
				p.Enqueue(id)
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil && p.Logger != nil {
			p.Logger.Error("execution worker panic", zap.String("execution_id", id), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := p.Handle(ctx, id); err != nil && p.Logger != nil && !errors.Is(err, context.Canceled) {
		p.Logger.Warn("execution handle failed", zap.String("execution_id", id), zap.Error(err))
	}
}
