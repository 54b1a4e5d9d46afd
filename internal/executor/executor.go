// Package executor runs blocking calls on a bounded pool of worker
// goroutines. Callers wait at the call boundary only; the work itself
// blocks ordinarily inside the worker.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many blocking jobs run at once across every
// coordinator that shares it.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a pool with the given number of workers (minimum 1).
func New(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger,
	}
}

// Do runs fn on a worker and waits for its result. If ctx ends before
// fn returns, Do returns ctx.Err() and fn finishes in the background
// with the same (cancelled) context. A panic inside fn is returned as
// an error.
func (p *Pool) Do(ctx context.Context, job string, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("executor job panicked",
					"job", job,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- fmt.Errorf("job %s panicked: %v", job, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call is Do for jobs that produce a value.
func Call[T any](ctx context.Context, p *Pool, job string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, job, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Wait blocks until every job started so far has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
