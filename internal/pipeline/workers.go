package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/feed"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"github.com/kospibot/daytrader/internal/scheduler"
	"github.com/kospibot/daytrader/internal/strategy"
)

const historyTTL = 30 * time.Minute

// Pool runs the analysis workers. Each worker owns a disjoint slice of the
// watched set, reshuffled periodically and on profile transitions, and
// enqueues candidate signals; it never places orders.
type Pool struct {
	feed  *feed.Feed
	queue *Queue
	sched *scheduler.Scheduler
	cfg   config.PipelineConfig
	log   *slog.Logger

	epoch atomic.Uint64

	stratMu    sync.Mutex
	strategies map[string]strategy.Strategy

	histMu    sync.Mutex
	histories map[string]historyEntry
}

type historyEntry struct {
	candles   []broker.Candle
	fetchedAt time.Time
}

func NewPool(f *feed.Feed, q *Queue, sched *scheduler.Scheduler, cfg config.PipelineConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ScanIntervalSec <= 0 {
		cfg.ScanIntervalSec = 5
	}
	p := &Pool{
		feed:       f,
		queue:      q,
		sched:      sched,
		cfg:        cfg,
		log:        logger.Component("workers"),
		strategies: make(map[string]strategy.Strategy),
		histories:  make(map[string]historyEntry),
	}
	// profile transitions reshuffle worker assignments immediately
	sched.Subscribe(func(*scheduler.Profile) { p.epoch.Add(1) })
	return p
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.worker(ctx, idx)
		}(w)
	}

	// periodic reshuffle so no instrument is stuck with a slow worker
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.epoch.Add(1)
			}
		}
	}()

	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, idx int) {
	ticker := time.NewTicker(time.Duration(p.cfg.ScanIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx, idx)
		}
	}
}

func (p *Pool) scan(ctx context.Context, idx int) {
	profile := p.sched.Active()
	if profile == nil {
		return // idle window: no strategies enabled
	}
	epoch := p.epoch.Load()

	for _, code := range p.feed.Tracked() {
		if !p.assigned(code, idx, epoch) {
			continue
		}
		if err := p.analyze(ctx, code, profile); err != nil {
			// one bad instrument must not stall the rest of the subset
			p.log.Warn("analysis skipped", "code", code, "worker", idx, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// assigned partitions the watched set across workers; the epoch folds into
// the hash so partitions reshuffle without coordination.
func (p *Pool) assigned(code string, idx int, epoch uint64) bool {
	h := fnv.New32a()
	h.Write([]byte(code))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(epoch >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum32())%p.cfg.Workers == idx
}

func (p *Pool) analyze(ctx context.Context, code string, profile *scheduler.Profile) error {
	quote, err := p.feed.GetQuote(ctx, code)
	if err != nil {
		return err
	}
	history := p.history(ctx, code)

	verdicts := make(map[string]*strategy.Verdict, len(profile.Strategies))
	for name := range profile.Strategies {
		verdicts[name] = p.strategy(name).Evaluate(quote, history)
	}

	outcome := strategy.Combine(verdicts, profile.Strategies)
	if outcome == nil {
		return nil
	}
	if outcome.Agreement < p.cfg.MinAgreement && len(profile.Strategies) >= p.cfg.MinAgreement {
		return nil
	}
	if outcome.Score < p.cfg.MinEnsembleScore {
		return nil
	}

	sig := &Signal{
		Code:        code,
		Strategy:    outcome.Leader,
		Direction:   outcome.Direction,
		Strength:    outcome.Score,
		Score:       outcome.Score,
		Price:       quote.Price,
		GeneratedAt: time.Now(),
	}
	if p.queue.Push(sig) {
		metrics.SignalsTotal.WithLabelValues(sig.Strategy, string(sig.Direction)).Inc()
		p.log.Debug("signal enqueued", "code", code, "direction", sig.Direction, "score", sig.Score)
	}
	return nil
}

// history returns cached daily candles, refreshing lazily. Failures degrade
// to snapshot-only evaluation instead of blocking the scan.
func (p *Pool) history(ctx context.Context, code string) []broker.Candle {
	p.histMu.Lock()
	cached, ok := p.histories[code]
	p.histMu.Unlock()
	if ok && time.Since(cached.fetchedAt) < historyTTL {
		return cached.candles
	}

	candles, err := p.feed.GetHistorical(ctx, code, 20)
	if err != nil {
		p.log.Debug("history fetch failed", "code", code, "error", err)
		if ok {
			return cached.candles
		}
		return nil
	}
	p.histMu.Lock()
	p.histories[code] = historyEntry{candles: candles, fetchedAt: time.Now()}
	p.histMu.Unlock()
	return candles
}

func (p *Pool) strategy(name string) strategy.Strategy {
	p.stratMu.Lock()
	defer p.stratMu.Unlock()
	s, ok := p.strategies[name]
	if !ok {
		s = strategy.Build(name)
		p.strategies[name] = s
	}
	return s
}
