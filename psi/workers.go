package psi

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// #############################################################################

// WorkerPool runs queued jobs on a fixed set of goroutines.
type WorkerPool struct {
	size int
	jobs chan func()
	wg   sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
}

func NewWorkerPool(size, queue int) *WorkerPool {
	return &WorkerPool{
		size: size,
		jobs: make(chan func(), queue),
	}
}

func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				for job := range p.jobs {
					job()
				}
			}()
		}
	})
}

// Enqueue blocks while the queue is full.
func (p *WorkerPool) Enqueue(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	p.jobs <- job
	return nil
}

// Stop lets queued jobs drain and waits for the workers.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// #############################################################################

// parallelFor splits [0, n) into at most limit contiguous ranges and runs fn
// on each concurrently. The first error cancels ctx for the others.
func parallelFor(ctx context.Context, n, limit int, fn func(ctx context.Context, lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	chunk := (n + limit - 1) / limit
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, lo, hi)
		})
	}
	return g.Wait()
}
