package bus

import (
	"context"
	"sync"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue. It
// fans deliveries out across consumers while each consumer's own loop keeps
// its per-subject ordering.
type workerPool[T any] struct {
	queue   chan T
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T any](ctx context.Context, n, cap int, fn func(context.Context, T)) *workerPool[T] {
	p := &workerPool[T]{
		queue:   make(chan T, cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// Submit blocks until the job is queued or ctx is cancelled. A durable bus
// must not drop work on backpressure, so there is no non-blocking path.
func (p *workerPool[T]) Submit(ctx context.Context, t T) bool {
	select {
	case p.queue <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain closes the queue and waits for all workers to finish.
func (p *workerPool[T]) Drain() {
	close(p.queue)
	p.wg.Wait()
}
