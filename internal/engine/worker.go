package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/fabula-ai/fabula/pkg/schema"
)

const defaultPoolSize = 4

// Task is one unit of fan-out work, typically a single agent invocation.
type Task func(ctx context.Context) error

// Pool runs tasks with bounded concurrency. A panicking task is converted
// into an EXECUTION_ERROR instead of taking the process down.
type Pool struct {
	size int
}

// NewPool creates a pool with the given concurrency; size <= 0 uses the
// default.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &Pool{size: size}
}

// Run executes all tasks and returns one error slot per task, index-aligned
// with the input. It always waits for every task, even after failures: a
// fan-out state needs the full picture to decide whether a required agent
// failed.
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	sem := make(chan struct{}, p.size)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if r := recover(); r != nil {
					errs[idx] = schema.NewErrorf(schema.ErrCodeExecution,
						"task panicked: %v", r).WithCause(fmt.Errorf("%v", r))
				}
			}()

			if ctx.Err() != nil {
				errs[idx] = schema.NewError(schema.ErrCodeCancelled, "task cancelled").WithCause(ctx.Err())
				return
			}
			errs[idx] = t(ctx)
		}(i, task)
	}

	wg.Wait()
	return errs
}
