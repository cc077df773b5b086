package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	sched, err := scheduler.New(nil)
	require.NoError(t, err)
	return NewPool(nil, NewQueue(16), sched, config.PipelineConfig{
		Workers:         workers,
		ScanIntervalSec: 5,
	})
}

func TestAssignedPartitionsCoverEveryInstrument(t *testing.T) {
	p := newTestPool(t, 4)
	epoch := uint64(7)

	for i := 0; i < 200; i++ {
		code := fmt.Sprintf("%06d", i)
		owners := 0
		for w := 0; w < 4; w++ {
			if p.assigned(code, w, epoch) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "instrument %s must have exactly one owner", code)
	}
}

func TestEpochChangeReshufflesAssignments(t *testing.T) {
	p := newTestPool(t, 4)

	moved := 0
	for i := 0; i < 200; i++ {
		code := fmt.Sprintf("%06d", i)
		before, after := -1, -1
		for w := 0; w < 4; w++ {
			if p.assigned(code, w, 1) {
				before = w
			}
			if p.assigned(code, w, 2) {
				after = w
			}
		}
		if before != after {
			moved++
		}
	}
	// the reshuffle must actually move a meaningful share of the set
	assert.Greater(t, moved, 50)
}

func TestProfileTransitionBumpsEpoch(t *testing.T) {
	sched, err := scheduler.New([]config.ProfileConfig{
		{Name: "golden_time", Start: "09:00", End: "09:30", Strategies: map[string]float64{"gap_trading": 1.0}},
	})
	require.NoError(t, err)
	p := NewPool(nil, NewQueue(16), sched, config.PipelineConfig{Workers: 2, ScanIntervalSec: 5})

	before := p.epoch.Load()
	sched.SetClock(func() time.Time {
		return time.Date(2026, 3, 2, 9, 15, 0, 0, time.Local)
	})

	// Run evaluates the schedule immediately; the idle->golden_time
	// transition must reshuffle worker assignments.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	assert.Eventually(t, func() bool {
		return p.epoch.Load() == before+1
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
