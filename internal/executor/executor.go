// Package executor drains the signal queue one signal at a time. Analysis is
// concurrent, execution is serialized: account state is only ever touched
// from this single goroutine plus confirmed-fill callbacks.
package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/feed"
	"github.com/kospibot/daytrader/internal/pending"
	"github.com/kospibot/daytrader/internal/pipeline"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"github.com/kospibot/daytrader/internal/risk"
	"github.com/kospibot/daytrader/internal/store"
	"github.com/kospibot/daytrader/internal/strategy"
	"github.com/shopspring/decimal"
)

// slight premium/discount applied to limit prices to improve fill odds
var (
	buyPremium   = decimal.NewFromFloat(1.002)
	sellDiscount = decimal.NewFromFloat(0.998)
)

type Executor struct {
	queue   *pipeline.Queue
	feed    *feed.Feed
	risk    *risk.Manager
	monitor *pending.Monitor
	journal store.Journal
	cfg     config.PipelineConfig
	log     *slog.Logger

	paused atomic.Bool
}

func New(q *pipeline.Queue, f *feed.Feed, rm *risk.Manager, cfg config.PipelineConfig, journal store.Journal) *Executor {
	return &Executor{
		queue:   q,
		feed:    f,
		risk:    rm,
		journal: journal,
		cfg:     cfg,
		log:     logger.Component("executor"),
	}
}

// SetMonitor wires the pending order monitor after construction; the monitor
// needs the executor as its fill handler.
func (e *Executor) SetMonitor(m *pending.Monitor) {
	e.monitor = m
}

// Pause stops order submission; analysis keeps running.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume re-enables order submission.
func (e *Executor) Resume() { e.paused.Store(false) }

func (e *Executor) Paused() bool { return e.paused.Load() }

// Run processes signals until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	for {
		sig, err := e.queue.Pop(ctx)
		if err != nil {
			return
		}
		e.process(ctx, sig)
	}
}

func (e *Executor) process(ctx context.Context, sig *pipeline.Signal) {
	maxAge := time.Duration(e.cfg.MaxSignalAgeSec) * time.Second
	if sig.Expired(time.Now(), maxAge) {
		metrics.SignalsDropped.WithLabelValues("expired").Inc()
		e.log.Debug("signal expired", "code", sig.Code, "age", time.Since(sig.GeneratedAt))
		e.releaseExit(sig)
		return
	}
	if e.paused.Load() {
		metrics.SignalsDropped.WithLabelValues("paused").Inc()
		e.releaseExit(sig)
		return
	}

	quote, err := e.feed.GetQuote(ctx, sig.Code)
	if err != nil {
		e.log.Warn("execution skipped, no quote", "code", sig.Code, "error", err)
		e.releaseExit(sig)
		return
	}

	// entries are price-sensitive; exits fire at whatever the market gives
	if !sig.Exit && e.drifted(sig.Price, quote.Price) {
		metrics.SignalsDropped.WithLabelValues("price_drift").Inc()
		e.log.Info("signal dropped, price moved", "code", sig.Code,
			"signal_price", sig.Price, "current", quote.Price)
		e.journalSignal(sig, false)
		return
	}

	if sig.Direction == strategy.DirectionBuy {
		e.executeBuy(ctx, sig, quote)
	} else {
		e.executeSell(ctx, sig, quote)
	}
}

func (e *Executor) drifted(signalPrice, current decimal.Decimal) bool {
	if signalPrice.IsZero() {
		return false
	}
	band := decimal.NewFromFloat(e.cfg.PriceBandPct / 100)
	drift := current.Sub(signalPrice).Abs().Div(signalPrice)
	return drift.GreaterThan(band)
}

func (e *Executor) executeBuy(ctx context.Context, sig *pipeline.Signal, quote broker.Quote) {
	// the signal pipeline re-emits every scan cycle while an order rests
	if e.monitor.HasOpenOrder(sig.Code, broker.SideBuy) {
		metrics.SignalsDropped.WithLabelValues("in_flight").Inc()
		e.log.Debug("buy skipped, order already in flight", "code", sig.Code)
		return
	}
	price := quote.Price.Mul(buyPremium).Round(0)
	budget := e.risk.PositionSize()
	if price.IsZero() {
		return
	}
	qty := budget.Div(price).IntPart()
	if qty <= 0 {
		metrics.SignalsDropped.WithLabelValues("sizing").Inc()
		e.log.Debug("buy skipped, budget below one share", "code", sig.Code, "budget", budget)
		return
	}
	value := price.Mul(decimal.NewFromInt(qty))

	if err := e.risk.CanBuy(sig.Code, quote, value); err != nil {
		e.log.Info("risk rejected buy", "code", sig.Code, "reason", err.Error())
		return
	}

	ord, err := e.monitor.Submit(ctx, broker.OrderRequest{
		Code:     sig.Code,
		Side:     broker.SideBuy,
		Type:     broker.OrderLimit,
		Quantity: qty,
		Price:    price,
	}, sig.Strategy, sig.Reason)
	if err != nil {
		e.log.Error("buy submission failed", "code", sig.Code, "error", err)
		return
	}
	e.journalSignal(sig, true)
	e.journalTrade(*ord, price, "submitted")
}

func (e *Executor) executeSell(ctx context.Context, sig *pipeline.Signal, quote broker.Quote) {
	qty, held := e.risk.HasPosition(sig.Code)
	if !held {
		metrics.SignalsDropped.WithLabelValues("no_position").Inc()
		return
	}
	if e.monitor.HasOpenOrder(sig.Code, broker.SideSell) {
		// the resting sell already covers this position; its fill or
		// cancellation decides what happens next
		metrics.SignalsDropped.WithLabelValues("in_flight").Inc()
		return
	}
	price := quote.Price.Mul(sellDiscount).Round(0)

	_, err := e.monitor.Submit(ctx, broker.OrderRequest{
		Code:     sig.Code,
		Side:     broker.SideSell,
		Type:     broker.OrderLimit,
		Quantity: qty,
		Price:    price,
	}, sig.Strategy, sig.Reason)
	if err != nil {
		e.log.Error("sell submission failed", "code", sig.Code, "error", err)
		e.releaseExit(sig)
		return
	}
	e.journalSignal(sig, true)
}

// releaseExit re-arms exit evaluation when an exit signal could not be acted
// on; the monitor pass will fire it again.
func (e *Executor) releaseExit(sig *pipeline.Signal) {
	if sig.Exit {
		e.risk.ClearExitPending(sig.Code)
	}
}

// OnFill implements pending.FillHandler. Runs on the monitor goroutine;
// position mutation happens inside the risk manager's lock.
func (e *Executor) OnFill(ord pending.Order, avgPrice decimal.Decimal, qty int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if avgPrice.IsZero() {
		avgPrice = ord.Price
	}
	if qty <= 0 {
		qty = ord.Quantity
	}

	if ord.Side == broker.SideBuy {
		e.risk.OpenPosition(ord.Code, qty, avgPrice, ord.Strategy)
		e.journalTrade(ord, avgPrice, "filled")
		return
	}
	realized, closed := e.risk.ClosePosition(ctx, ord.Code, avgPrice, ord.Reason)
	if closed {
		e.journalClose(ord, avgPrice, realized)
	}
}

// OnCancelled implements pending.FillHandler.
func (e *Executor) OnCancelled(ord pending.Order) {
	if ord.Side == broker.SideSell {
		// the position is still open; let the monitor try again
		e.risk.ClearExitPending(ord.Code)
	}
	e.journalTrade(ord, ord.Price, "cancelled")
	e.log.Warn("order cancelled", "id", ord.ID, "code", ord.Code, "side", ord.Side)
}

func (e *Executor) journalSignal(sig *pipeline.Signal, executed bool) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec := store.SignalRecord{
		Code:      sig.Code,
		Strategy:  sig.Strategy,
		Direction: string(sig.Direction),
		Score:     sig.Score,
		Price:     sig.Price,
		Executed:  executed,
		At:        sig.GeneratedAt,
	}
	if err := e.journal.RecordSignal(ctx, rec); err != nil {
		e.log.Warn("signal journaling failed", "code", sig.Code, "error", err)
	}
}

func (e *Executor) journalTrade(ord pending.Order, price decimal.Decimal, status string) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec := store.TradeRecord{
		OrderID:  ord.ID,
		Code:     ord.Code,
		Side:     string(ord.Side),
		Quantity: ord.Quantity,
		Price:    price,
		Strategy: ord.Strategy,
		Status:   status,
		At:       time.Now(),
	}
	if err := e.journal.RecordTrade(ctx, rec); err != nil {
		e.log.Warn("trade journaling failed", "order", ord.ID, "error", err)
	}
}

func (e *Executor) journalClose(ord pending.Order, price decimal.Decimal, realized decimal.Decimal) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec := store.TradeRecord{
		OrderID:    ord.ID,
		Code:       ord.Code,
		Side:       string(ord.Side),
		Quantity:   ord.Quantity,
		Price:      price,
		Strategy:   ord.Strategy,
		Status:     "filled",
		ExitReason: ord.Reason,
		Realized:   realized,
		At:         time.Now(),
	}
	if err := e.journal.RecordTrade(ctx, rec); err != nil {
		e.log.Warn("trade journaling failed", "order", ord.ID, "error", err)
	}
}
