package launcher

import (
	"context"
	"errors"
	"sync"
)

var errPoolClosed = errors.New("launcher is closed")

// pool runs backend calls on a fixed set of workers so slow platform calls
// never block the callers' supervision loops beyond their own deadlines.
type pool struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newPool(workers, queue int) *pool {
	p := &pool{
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// run queues fn and waits for it. When ctx ends first the task keeps its
// slot but its result is discarded; fn observes the same ctx.
func (p *pool) run(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	task := func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return errPoolClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
