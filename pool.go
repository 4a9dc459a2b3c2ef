package graphpipe

import (
	"context"
	"sync"
)

// task is one unit of work for the worker pool.
type task func() (any, error)

type taskResult struct {
	Value any
	Err   error
	Index int
}

type poolTask struct {
	fn     task
	result chan<- taskResult
	index  int
}

// workerPool runs independent statements on a fixed set of goroutines.
type workerPool struct {
	workers int
	tasks   chan poolTask
	wg      sync.WaitGroup
	quit    chan struct{}
	once    sync.Once
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	p := &workerPool{
		workers: size,
		tasks:   make(chan poolTask, size*4),
		quit:    make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			v, err := t.fn()
			t.result <- taskResult{Value: v, Err: err, Index: t.index}
		case <-p.quit:
			return
		}
	}
}

// stop shuts the workers down. Queued tasks that have not started are dropped.
func (p *workerPool) stop() {
	p.once.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}

// run executes every task and returns the results in task order. Tasks not
// submitted before ctx is done report ctx.Err().
func (p *workerPool) run(ctx context.Context, tasks []task) []taskResult {
	n := len(tasks)
	if n == 0 {
		return nil
	}
	resultCh := make(chan taskResult, n)
	results := make([]taskResult, n)
	pending := make(map[int]bool, n)

submit:
	for i, t := range tasks {
		select {
		case <-ctx.Done():
			break submit
		case <-p.quit:
			break submit
		case p.tasks <- poolTask{fn: t, result: resultCh, index: i}:
			pending[i] = true
		}
	}
	for i := range tasks {
		if !pending[i] {
			results[i] = taskResult{Err: p.abortErr(ctx), Index: i}
		}
	}
	for len(pending) > 0 {
		select {
		case r := <-resultCh:
			results[r.Index] = r
			delete(pending, r.Index)
		case <-ctx.Done():
			return p.abort(ctx, results, pending)
		case <-p.quit:
			return p.abort(ctx, results, pending)
		}
	}
	return results
}

func (p *workerPool) abort(ctx context.Context, results []taskResult, pending map[int]bool) []taskResult {
	for i := range pending {
		results[i] = taskResult{Err: p.abortErr(ctx), Index: i}
	}
	return results
}

func (p *workerPool) abortErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}
