package allocator

import (
	"fmt"
	"testing"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	registered map[string]int
	failNext   bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{registered: make(map[string]int)}
}

func (s *fakeStream) Register(code string, kind broker.ChannelKind) error {
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("register refused")
	}
	s.registered[code]++
	return nil
}

func (s *fakeStream) Unregister(code string, kind broker.ChannelKind) error {
	s.registered[code]--
	if s.registered[code] <= 0 {
		delete(s.registered, code)
	}
	return nil
}

type fakeTiers struct {
	upgrades   map[string]feed.Priority
	downgrades map[string]feed.Priority
}

func newFakeTiers() *fakeTiers {
	return &fakeTiers{
		upgrades:   make(map[string]feed.Priority),
		downgrades: make(map[string]feed.Priority),
	}
}

func (f *fakeTiers) UpgradePriority(code string, p feed.Priority)   { f.upgrades[code] = p }
func (f *fakeTiers) DowngradePriority(code string, p feed.Priority) { f.downgrades[code] = p }

func newTestAllocator(capacity int) (*Allocator, *fakeStream, *fakeTiers) {
	stream := newFakeStream()
	tiers := newFakeTiers()
	a := New(config.AllocatorConfig{
		Capacity:        capacity,
		EvictionMargin:  10,
		CooldownSeconds: 60,
		CriticalTargets: 2,
		HighTargets:     2,
	}, stream, tiers)
	return a, stream, tiers
}

func TestRequestSlotGrantsWithFreeCapacity(t *testing.T) {
	a, stream, _ := newTestAllocator(4)

	assert.True(t, a.RequestSlot("A", broker.ChannelTick, 60))
	assert.True(t, a.RequestSlot("A", broker.ChannelOrderBook, 60))
	assert.True(t, a.RequestSlot("B", broker.ChannelTick, 40))

	assert.Equal(t, 3, a.BoundCount())
	assert.Equal(t, 2, a.Holds("A"))
	assert.Equal(t, 2, stream.registered["A"])

	// re-requesting a bound slot is a no-op grant
	assert.True(t, a.RequestSlot("A", broker.ChannelTick, 60))
	assert.Equal(t, 3, a.BoundCount())
}

func TestCapacityNeverExceeded(t *testing.T) {
	a, _, _ := newTestAllocator(3)

	for i := 0; i < 10; i++ {
		a.RequestSlot(fmt.Sprintf("S%02d", i), broker.ChannelTick, 50)
	}
	assert.Equal(t, 3, a.BoundCount())
}

func TestEmergencySubstitutionNeedsMargin(t *testing.T) {
	a, _, _ := newTestAllocator(2)
	require.True(t, a.RequestSlot("weak", broker.ChannelTick, 30))
	require.True(t, a.RequestSlot("mid", broker.ChannelTick, 50))

	// 35 does not beat 30 by the margin of 10
	assert.False(t, a.RequestSlot("close", broker.ChannelTick, 35))
	assert.Equal(t, 0, a.Holds("close"))

	// 45 does: the weakest bound instrument is evicted
	assert.True(t, a.RequestSlot("strong", broker.ChannelTick, 45))
	assert.Equal(t, 2, a.BoundCount())
	assert.Equal(t, 0, a.Holds("weak"))
	assert.Equal(t, 1, a.Holds("strong"))
}

func TestEvictionCooldownSuppressesRebinding(t *testing.T) {
	a, _, _ := newTestAllocator(2)
	require.True(t, a.RequestSlot("weak", broker.ChannelTick, 30))
	require.True(t, a.RequestSlot("mid", broker.ChannelTick, 50))
	require.True(t, a.RequestSlot("strong", broker.ChannelTick, 45)) // evicts weak

	// even with free capacity, the fresh eviction blocks re-entry
	a.Release("mid")
	assert.False(t, a.RequestSlot("weak", broker.ChannelTick, 90))

	// after the cooldown ages out it can come back
	a.evictedAt["weak"] = time.Now().Add(-2 * time.Minute)
	assert.True(t, a.RequestSlot("weak", broker.ChannelTick, 90))
}

func TestReleaseFreesAllSlots(t *testing.T) {
	a, stream, tiers := newTestAllocator(4)
	a.RequestSlot("A", broker.ChannelTick, 60)
	a.RequestSlot("A", broker.ChannelOrderBook, 60)

	freed := a.Release("A")
	assert.Equal(t, 2, freed)
	assert.Equal(t, 0, a.BoundCount())
	assert.NotContains(t, stream.registered, "A")
	assert.Equal(t, feed.PriorityMedium, tiers.downgrades["A"])
}

func TestRebalanceComposition(t *testing.T) {
	a, stream, tiers := newTestAllocator(6)

	a.Rebalance([]Candidate{
		{Code: "C1", Score: 90},
		{Code: "C2", Score: 85},
		{Code: "H1", Score: 70},
		{Code: "H2", Score: 65},
		{Code: "X1", Score: 40},
	})

	// top 2 critical: tick + book; next 2 high: tick only
	assert.Equal(t, 2, a.Holds("C1"))
	assert.Equal(t, 2, a.Holds("C2"))
	assert.Equal(t, 1, a.Holds("H1"))
	assert.Equal(t, 1, a.Holds("H2"))
	assert.Equal(t, 0, a.Holds("X1"))
	assert.Equal(t, 6, a.BoundCount())

	assert.Equal(t, feed.PriorityCritical, tiers.upgrades["C1"])
	assert.Equal(t, feed.PriorityHigh, tiers.upgrades["H1"])
	assert.Equal(t, 2, stream.registered["C1"])
}

func TestRebalanceEvictsBeforeGranting(t *testing.T) {
	a, _, _ := newTestAllocator(4)
	a.RequestSlot("old1", broker.ChannelTick, 50)
	a.RequestSlot("old2", broker.ChannelTick, 50)
	a.RequestSlot("old3", broker.ChannelTick, 50)
	a.RequestSlot("old4", broker.ChannelTick, 50)

	a.Rebalance([]Candidate{
		{Code: "new1", Score: 95},
		{Code: "new2", Score: 90},
	})

	// the full transition stayed under capacity and the old set is gone
	assert.LessOrEqual(t, a.BoundCount(), 4)
	assert.Equal(t, 0, a.Holds("old1"))
	assert.Equal(t, 2, a.Holds("new1"))
	assert.Equal(t, 2, a.Holds("new2"))
}

func TestRebalanceDemotesCriticalToHigh(t *testing.T) {
	a, _, _ := newTestAllocator(6)
	a.Rebalance([]Candidate{
		{Code: "A", Score: 90},
		{Code: "B", Score: 85},
		{Code: "C", Score: 70},
	})
	require.Equal(t, 2, a.Holds("A"))

	// A slips out of the critical set: its book slot must go
	a.Rebalance([]Candidate{
		{Code: "B", Score: 95},
		{Code: "C", Score: 92},
		{Code: "A", Score: 60},
	})
	assert.Equal(t, 1, a.Holds("A"))
	assert.Equal(t, 2, a.Holds("B"))
	assert.Equal(t, 2, a.Holds("C"))
}

func TestRecordOutcomeClamps(t *testing.T) {
	a, _, _ := newTestAllocator(4)

	a.RecordOutcome("A", 60)
	assert.Equal(t, 100.0, a.Score("A")) // 50 baseline + 60, clamped

	a.RecordOutcome("B", -80)
	assert.Equal(t, 0.0, a.Score("B"))

	assert.Equal(t, 50.0, a.Score("unseen"))
}

func TestFailedRegistrationDoesNotLeakSlot(t *testing.T) {
	a, stream, _ := newTestAllocator(4)
	stream.failNext = true

	assert.False(t, a.RequestSlot("A", broker.ChannelTick, 60))
	assert.Equal(t, 0, a.BoundCount())
	assert.Equal(t, 0, a.Holds("A"))
}
