// Package engine assembles the trading components and owns their lifecycle:
// feed, allocator, scheduler, analysis pool, executor, risk monitor, and the
// pending order monitor all start and stop together.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/allocator"
	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/executor"
	"github.com/kospibot/daytrader/internal/feed"
	"github.com/kospibot/daytrader/internal/pending"
	"github.com/kospibot/daytrader/internal/pipeline"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/ratelimit"
	"github.com/kospibot/daytrader/internal/risk"
	"github.com/kospibot/daytrader/internal/scheduler"
	"github.com/kospibot/daytrader/internal/store"
	"github.com/shopspring/decimal"
)

const balanceRefreshInterval = time.Minute

// Engine wires the trading loop together. Construction connects the pieces;
// Run starts them and blocks until ctx is cancelled.
type Engine struct {
	cfg       *config.Config
	client    broker.Client
	stream    *broker.Stream
	limiter   *ratelimit.Limiter
	feed      *feed.Feed
	allocator *allocator.Allocator
	scheduler *scheduler.Scheduler
	queue     *pipeline.Queue
	pool      *pipeline.Pool
	risk      *risk.Manager
	executor  *executor.Executor
	monitor   *pending.Monitor
	journal   store.Journal
	log       *slog.Logger

	watchedMu sync.Mutex
	watched   []string

	startedAt time.Time
}

// New builds the full component graph. usage and journal may be nil; the risk
// manager and executor degrade to in-process behavior.
func New(cfg *config.Config, client broker.Client, usage risk.UsageStore, journal store.Journal) (*Engine, error) {
	if journal == nil {
		journal = store.NopJournal{}
	}
	limiter := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.PerMinute)
	stream := broker.NewStream(cfg.Broker.WSURL)
	fd := feed.New(client, limiter, cfg.Feed)
	alloc := allocator.New(cfg.Allocator, stream, fd)

	sched, err := scheduler.New(cfg.Profiles)
	if err != nil {
		return nil, err
	}

	queue := pipeline.NewQueue(cfg.Pipeline.QueueCapacity)
	pool := pipeline.NewPool(fd, queue, sched, cfg.Pipeline)
	rm := risk.NewManager(cfg.Risk, fd, queue, usage)
	rm.SetOutcomeHook(alloc.RecordOutcome)

	exec := executor.New(queue, fd, rm, cfg.Pipeline, journal)
	mon := pending.NewMonitor(client, limiter, cfg.Pending, exec)
	exec.SetMonitor(mon)

	e := &Engine{
		cfg:       cfg,
		client:    client,
		stream:    stream,
		limiter:   limiter,
		feed:      fd,
		allocator: alloc,
		scheduler: sched,
		queue:     queue,
		pool:      pool,
		risk:      rm,
		executor:  exec,
		monitor:   mon,
		journal:   journal,
		log:       logger.Component("engine"),
	}
	// a profile transition reshuffles live coverage right away
	sched.Subscribe(func(*scheduler.Profile) { e.rebalance() })
	return e, nil
}

// Watch adds instruments to the watched set at polled priority; the next
// rebalance promotes the best of them to live coverage.
func (e *Engine) Watch(codes []string) {
	e.watchedMu.Lock()
	defer e.watchedMu.Unlock()
	seen := make(map[string]bool, len(e.watched))
	for _, code := range e.watched {
		seen[code] = true
	}
	added := 0
	for _, code := range codes {
		if seen[code] {
			continue
		}
		seen[code] = true
		e.feed.Track(code, feed.PriorityMedium)
		e.watched = append(e.watched, code)
		added++
	}
	e.log.Info("watch list extended", "added", added, "total", len(e.watched))
}

// Unwatch drops instruments entirely: slots released, cache cleared.
func (e *Engine) Unwatch(codes []string) {
	e.watchedMu.Lock()
	defer e.watchedMu.Unlock()
	drop := make(map[string]bool, len(codes))
	for _, code := range codes {
		drop[code] = true
		e.allocator.Release(code)
		e.feed.Untrack(code)
	}
	kept := e.watched[:0]
	for _, code := range e.watched {
		if !drop[code] {
			kept = append(kept, code)
		}
	}
	e.watched = kept
}

// Run starts every component and blocks until ctx is cancelled. Shutdown
// order matters: the monitor drains pending orders before the stream drops.
func (e *Engine) Run(ctx context.Context) {
	e.startedAt = time.Now()
	e.risk.Restore(ctx)
	e.refreshBalance(ctx)

	e.stream.Start()
	defer e.stream.Stop()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(func(ctx context.Context) { e.feed.Run(ctx, e.stream.Events()) })
	run(e.scheduler.Run)
	run(e.pool.Run)
	run(e.executor.Run)
	run(e.risk.RunMonitor)
	run(e.monitor.Run)
	run(e.rebalanceLoop)
	run(e.balanceLoop)

	e.log.Info("engine started", "watched", len(e.watched), "workers", e.cfg.Pipeline.Workers)
	wg.Wait()
	e.log.Info("engine stopped")
}

func (e *Engine) Pause()  { e.executor.Pause(); e.log.Warn("trading paused") }
func (e *Engine) Resume() { e.executor.Resume(); e.log.Info("trading resumed") }

func (e *Engine) rebalanceLoop(ctx context.Context) {
	minutes := e.cfg.Allocator.RebalanceMinutes
	if minutes <= 0 {
		minutes = 5
	}
	ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
	defer ticker.Stop()

	e.rebalance()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.rebalance()
		}
	}
}

// rebalance ranks the watched set by allocation score and hands the ranking
// to the allocator. Instruments with open positions rank first regardless:
// exit evaluation needs their freshest prices.
func (e *Engine) rebalance() {
	held := make(map[string]bool)
	for _, pos := range e.risk.Positions() {
		held[pos.Code] = true
	}

	candidates := make([]allocator.Candidate, 0, len(e.feed.Tracked()))
	for _, code := range e.feed.Tracked() {
		score := e.allocator.Score(code)
		if held[code] {
			score += 100 // positions always outrank watch-only instruments
		}
		candidates = append(candidates, allocator.Candidate{Code: code, Score: score})
	}
	if len(candidates) == 0 {
		return
	}
	e.allocator.Rebalance(candidates)
}

func (e *Engine) balanceLoop(ctx context.Context) {
	ticker := time.NewTicker(balanceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshBalance(ctx)
		}
	}
}

func (e *Engine) refreshBalance(ctx context.Context) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return
	}
	bal, err := e.client.GetBalance(ctx)
	if err != nil {
		e.log.Warn("balance refresh failed", "error", err)
		return
	}
	e.risk.SetCash(bal.Cash)
}

// Status is the control-channel snapshot.
type Status struct {
	StartedAt     time.Time       `json:"started_at"`
	Paused        bool            `json:"paused"`
	Profile       string          `json:"profile"`
	Watched       int             `json:"watched"`
	SlotsBound    int             `json:"slots_bound"`
	SlotCapacity  int             `json:"slot_capacity"`
	QueueDepth    int             `json:"queue_depth"`
	OpenPositions int             `json:"open_positions"`
	PendingOrders int             `json:"pending_orders"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LimiterLoad   float64         `json:"limiter_load"`
}

func (e *Engine) Status() Status {
	profile := "idle"
	if p := e.scheduler.Active(); p != nil {
		profile = p.Name
	}
	realized, unrealized := e.risk.DailyPnL()
	snap := e.limiter.Snapshot()

	e.watchedMu.Lock()
	watched := len(e.watched)
	e.watchedMu.Unlock()

	return Status{
		StartedAt:     e.startedAt,
		Paused:        e.executor.Paused(),
		Profile:       profile,
		Watched:       watched,
		SlotsBound:    e.allocator.BoundCount(),
		SlotCapacity:  e.cfg.Allocator.Capacity,
		QueueDepth:    e.queue.Len(),
		OpenPositions: len(e.risk.Positions()),
		PendingOrders: len(e.monitor.Pending()),
		Cash:          e.risk.AvailableCash(),
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		LimiterLoad:   snap.MinuteLoad,
	}
}

// Positions exposes open positions for the control channel.
func (e *Engine) Positions() []risk.Position { return e.risk.Positions() }

// PendingOrders exposes in-flight orders for the control channel.
func (e *Engine) PendingOrders() []pending.Order { return e.monitor.Pending() }

// Balance queries the broker for a fresh account balance.
func (e *Engine) Balance(ctx context.Context) (broker.Balance, error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return broker.Balance{}, err
	}
	return e.client.GetBalance(ctx)
}

// TradesToday reads the day's journal entries.
func (e *Engine) TradesToday(ctx context.Context) ([]store.TradeRecord, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return e.journal.TradesSince(ctx, midnight)
}
