package engine

import (
	"context"
	"sync"

	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
)

type job struct {
	ctx context.Context
	req sink.Request
}

// queue is a bounded dispatch queue drained by a fixed set of workers.
type queue struct {
	mu     sync.RWMutex
	ch     chan job
	closed bool
	wg     sync.WaitGroup
}

func newQueue(size, workers int, run func(job)) *queue {
	q := &queue{ch: make(chan job, size)}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for j := range q.ch {
				run(j)
			}
		}()
	}
	return q
}

// push never blocks. It reports false when the queue is full or closed.
func (q *queue) push(j job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- j:
		return true
	default:
		return false
	}
}

// close stops intake and waits for queued jobs until ctx is done.
func (q *queue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
