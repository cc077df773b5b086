package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinCeilings(t *testing.T) {
	l := New(100, 1000)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	snap := l.Snapshot()
	assert.Equal(t, int64(10), snap.Granted)
	assert.Equal(t, 10, snap.LastMinute)
}

func TestMinuteCeilingBlocks(t *testing.T) {
	l := New(100, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}

	// the fourth grant inside the same minute must block until cancelled
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap := l.Snapshot()
	assert.Equal(t, int64(3), snap.Granted)
	assert.InDelta(t, 1.0, snap.MinuteLoad, 0.001)
}

func TestMinuteCeilingHoldsUnderConcurrency(t *testing.T) {
	// callers queued behind the per-second leg must not all pass the minute
	// gate against the count they saw at arrival
	l := New(4, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(ctx) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted.Load())
	assert.Equal(t, 5, l.Snapshot().LastMinute)
}

func TestPruneDropsAgedGrants(t *testing.T) {
	l := New(100, 10)
	now := time.Now()
	l.window = []time.Time{
		now.Add(-2 * time.Minute),
		now.Add(-61 * time.Second),
		now.Add(-10 * time.Second),
	}

	l.prune(now)
	assert.Len(t, l.window, 1)
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	l := New(1, 1)
	require.NoError(t, l.Acquire(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Acquire(cancelled))
}

func TestDefaultsApplied(t *testing.T) {
	l := New(0, 0)
	snap := l.Snapshot()
	assert.Equal(t, 20, snap.SecondCeil)
	assert.Equal(t, 1200, snap.MinuteCeil)
}
