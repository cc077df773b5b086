// Package allocator manages the fixed pool of live-stream registration slots
// under the broker's hard quota, assigning them to the instruments most worth
// real-time coverage.
package allocator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/feed"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
)

// neutral score assigned to instruments with no trade history yet
const baselineScore = 50.0

// Registrar is the stream surface the allocator drives. Slots are the
// allocator's bookkeeping; registrations are the broker's reality.
type Registrar interface {
	Register(code string, kind broker.ChannelKind) error
	Unregister(code string, kind broker.ChannelKind) error
}

// TierSetter lets the allocator keep the feed's tier assignment in step with
// slot grants.
type TierSetter interface {
	UpgradePriority(code string, p feed.Priority)
	DowngradePriority(code string, p feed.Priority)
}

type slotKey struct {
	Code string
	Kind broker.ChannelKind
}

// Candidate is one scored instrument proposed for live coverage.
type Candidate struct {
	Code  string
	Score float64
}

type Allocator struct {
	capacity        int
	margin          float64
	cooldown        time.Duration
	criticalTargets int
	highTargets     int

	stream Registrar
	tiers  TierSetter
	log    *slog.Logger

	mu        sync.Mutex
	slots     map[slotKey]time.Time
	held      map[string]int // slots held per instrument
	scores    map[string]float64
	evictedAt map[string]time.Time
}

func New(cfg config.AllocatorConfig, stream Registrar, tiers TierSetter) *Allocator {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 41
	}
	return &Allocator{
		capacity:        capacity,
		margin:          cfg.EvictionMargin,
		cooldown:        time.Duration(cfg.CooldownSeconds) * time.Second,
		criticalTargets: cfg.CriticalTargets,
		highTargets:     cfg.HighTargets,
		stream:          stream,
		tiers:           tiers,
		log:             logger.Component("allocator"),
		slots:           make(map[slotKey]time.Time),
		held:            make(map[string]int),
		scores:          make(map[string]float64),
		evictedAt:       make(map[string]time.Time),
	}
}

// RequestSlot tries to grant a live slot. With free capacity the grant is
// direct; at capacity the requester must beat the lowest-scoring bound
// instrument by the configured margin (an emergency substitution). A denial
// is not an error: the caller falls back to polled access.
func (a *Allocator) RequestSlot(code string, kind broker.ChannelKind, score float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := slotKey{Code: code, Kind: kind}
	if _, bound := a.slots[key]; bound {
		return true
	}
	a.scores[code] = score

	if since, ok := a.evictedAt[code]; ok && time.Since(since) < a.cooldown {
		return false
	}

	if len(a.slots) < a.capacity {
		return a.bind(key)
	}

	victim, victimScore := a.lowestBound()
	if victim == "" || victim == code {
		return false
	}
	if score < victimScore+a.margin {
		return false
	}

	a.evict(victim)
	metrics.SlotEvictions.Inc()
	a.log.Info("emergency substitution",
		"granted", code, "score", score,
		"evicted", victim, "evicted_score", victimScore)
	return a.bind(key)
}

// Release frees every slot the instrument holds.
func (a *Allocator) Release(code string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.release(code)
}

// Rebalance recomputes the target composition from the ranked candidate
// list: the top criticalTargets instruments get tick+orderbook, the next
// highTargets get tick only. Bound instruments outside the new set are
// evicted first so capacity is never exceeded mid-transition.
func (a *Allocator) Rebalance(ranked []Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	wantCritical := make(map[string]bool)
	wantHigh := make(map[string]bool)
	for i, c := range ranked {
		a.scores[c.Code] = c.Score
		switch {
		case i < a.criticalTargets:
			wantCritical[c.Code] = true
		case i < a.criticalTargets+a.highTargets:
			wantHigh[c.Code] = true
		}
	}

	for code := range a.held {
		if !wantCritical[code] && !wantHigh[code] {
			a.release(code)
		}
	}
	// critical instruments bound only for ticks drop their book slot
	for code := range wantHigh {
		a.unbind(slotKey{Code: code, Kind: broker.ChannelOrderBook})
	}

	grant := func(code string, kinds ...broker.ChannelKind) {
		for _, kind := range kinds {
			key := slotKey{Code: code, Kind: kind}
			if _, bound := a.slots[key]; bound {
				continue
			}
			if len(a.slots) >= a.capacity {
				return
			}
			a.bind(key)
		}
	}
	for i, c := range ranked {
		switch {
		case i < a.criticalTargets:
			grant(c.Code, broker.ChannelTick, broker.ChannelOrderBook)
			a.tiers.UpgradePriority(c.Code, feed.PriorityCritical)
		case i < a.criticalTargets+a.highTargets:
			grant(c.Code, broker.ChannelTick)
			a.tiers.UpgradePriority(c.Code, feed.PriorityHigh)
		}
	}

	metrics.SlotsBound.Set(float64(len(a.slots)))
	a.log.Info("rebalanced", "bound", len(a.slots), "capacity", a.capacity,
		"critical", len(wantCritical), "high", len(wantHigh))
}

// RecordOutcome nudges an instrument's score from a realized trade or signal
// outcome, clamped to keep one streak from dominating allocation.
func (a *Allocator) RecordOutcome(code string, delta float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	score, ok := a.scores[code]
	if !ok {
		score = baselineScore
	}
	score += delta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	a.scores[code] = score
}

func (a *Allocator) Score(code string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if score, ok := a.scores[code]; ok {
		return score
	}
	return baselineScore
}

func (a *Allocator) BoundCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

func (a *Allocator) Holds(code string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[code]
}

// BoundInstruments lists instruments currently holding at least one slot.
func (a *Allocator) BoundInstruments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	codes := make([]string, 0, len(a.held))
	for code := range a.held {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// bind registers the slot; caller holds the lock and has checked capacity.
func (a *Allocator) bind(key slotKey) bool {
	if err := a.stream.Register(key.Code, key.Kind); err != nil {
		a.log.Error("stream registration failed", "code", key.Code, "kind", key.Kind, "error", err)
		return false
	}
	a.slots[key] = time.Now()
	a.held[key.Code]++
	metrics.SlotsBound.Set(float64(len(a.slots)))
	return true
}

func (a *Allocator) unbind(key slotKey) {
	if _, bound := a.slots[key]; !bound {
		return
	}
	if err := a.stream.Unregister(key.Code, key.Kind); err != nil {
		a.log.Error("stream unregister failed", "code", key.Code, "kind", key.Kind, "error", err)
	}
	delete(a.slots, key)
	a.held[key.Code]--
	if a.held[key.Code] <= 0 {
		delete(a.held, key.Code)
	}
	metrics.SlotsBound.Set(float64(len(a.slots)))
}

func (a *Allocator) release(code string) int {
	freed := 0
	for _, kind := range []broker.ChannelKind{broker.ChannelTick, broker.ChannelOrderBook} {
		key := slotKey{Code: code, Kind: kind}
		if _, bound := a.slots[key]; bound {
			a.unbind(key)
			freed++
		}
	}
	if freed > 0 {
		a.tiers.DowngradePriority(code, feed.PriorityMedium)
	}
	return freed
}

func (a *Allocator) evict(code string) {
	a.release(code)
	a.evictedAt[code] = time.Now()
}

func (a *Allocator) lowestBound() (string, float64) {
	lowest := ""
	lowestScore := 0.0
	for code := range a.held {
		score, ok := a.scores[code]
		if !ok {
			score = baselineScore
		}
		if lowest == "" || score < lowestScore {
			lowest = code
			lowestScore = score
		}
	}
	return lowest, lowestScore
}
