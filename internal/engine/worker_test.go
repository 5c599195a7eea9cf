package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/pkg/schema"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(2)

	var ran atomic.Int32
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}
	}

	errs := p.Run(context.Background(), tasks)
	assert.Equal(t, int32(8), ran.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestPoolErrorsAreIndexAligned(t *testing.T) {
	p := NewPool(4)

	boom := errors.New("boom")
	errs := p.Run(context.Background(), []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { return nil },
	})

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}

func TestPoolContinuesAfterFailure(t *testing.T) {
	p := NewPool(1)

	var ran atomic.Int32
	errs := p.Run(context.Background(), []Task{
		func(ctx context.Context) error { ran.Add(1); return errors.New("first fails") },
		func(ctx context.Context) error { ran.Add(1); return nil },
	})

	assert.Equal(t, int32(2), ran.Load(), "a failing task must not cancel its siblings")
	assert.Error(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(2)

	errs := p.Run(context.Background(), []Task{
		func(ctx context.Context) error { panic("agent exploded") },
		func(ctx context.Context) error { return nil },
	})

	var fErr *schema.FabulaError
	require.ErrorAs(t, errs[0], &fErr)
	assert.Equal(t, schema.ErrCodeExecution, fErr.Code)
	assert.Contains(t, fErr.Message, "agent exploded")
	assert.NoError(t, errs[1])
}

func TestPoolCancelledContext(t *testing.T) {
	p := NewPool(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := p.Run(ctx, []Task{
		func(ctx context.Context) error { return nil },
	})

	var fErr *schema.FabulaError
	require.ErrorAs(t, errs[0], &fErr)
	assert.Equal(t, schema.ErrCodeCancelled, fErr.Code)
}

func TestPoolDefaultSize(t *testing.T) {
	p := NewPool(0)
	assert.Equal(t, defaultPoolSize, p.size)
}
