package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampWorkers(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultWorkers},
		{-3, 1},
		{1, 1},
		{3, 3},
		{5, 5},
		{9, MaxWorkers},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampWorkers(tt.in), "clamp(%d)", tt.in)
	}
}

func TestPool_RunsAllTasks(t *testing.T) {
	p := New(3, nil)
	var done atomic.Int64

	for i := 0; i < 20; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			done.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	p.CloseAndWait()

	assert.EqualValues(t, 20, done.Load())
	stats := p.Stats()
	assert.EqualValues(t, 20, stats.Submitted)
	assert.EqualValues(t, 20, stats.Completed)
	assert.EqualValues(t, 0, stats.Failed)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const degree = 2
	p := New(degree, nil)

	var mu sync.Mutex
	active, peak := 0, 0

	for i := 0; i < 12; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	p.CloseAndWait()

	assert.LessOrEqual(t, peak, degree)
	assert.Greater(t, peak, 0)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(1, nil)
	p.CloseAndWait()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_PanicRecovered(t *testing.T) {
	var recovered atomic.Bool
	p := New(1, func(any) { recovered.Store(true) })

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("normal failure")
	}))
	p.CloseAndWait()

	assert.True(t, recovered.Load())
	assert.EqualValues(t, 2, p.Stats().Failed)
}
