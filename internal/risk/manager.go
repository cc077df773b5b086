// Package risk gates candidate orders against account limits and owns the
// protective exit evaluation for open positions.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/feed"
	"github.com/kospibot/daytrader/internal/pipeline"
	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"github.com/kospibot/daytrader/internal/strategy"
	"github.com/shopspring/decimal"
)

// Position is one open holding. Mutated only by the executor (on fill) and
// the risk manager (on exit decision), always under the manager's lock.
type Position struct {
	Code         string
	Quantity     int64
	EntryPrice   decimal.Decimal
	EntryAt      time.Time
	Strategy     string
	Exits        ExitParams
	MaxProfitPct float64
	LastPrice    decimal.Decimal
	ExitPending  bool // exit signal already enqueued
}

func (p *Position) profitPct(price decimal.Decimal) float64 {
	if p.EntryPrice.IsZero() {
		return 0
	}
	diff := price.Sub(p.EntryPrice).Div(p.EntryPrice)
	pct, _ := diff.Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// UsageStore persists the day's realized results so the daily-loss limit
// survives restarts.
type UsageStore interface {
	GetDaily(ctx context.Context) (orders int, realized decimal.Decimal, err error)
	AddDaily(ctx context.Context, orders int, realized decimal.Decimal) error
}

// Manager owns positions, the pre-trade checks, and the exit monitor.
type Manager struct {
	cfg   config.RiskConfig
	exits map[string]ExitParams
	feed  *feed.Feed
	queue *pipeline.Queue
	store UsageStore
	log   *slog.Logger

	outcomeHook func(code string, delta float64)

	mu            sync.Mutex
	positions     map[string]*Position
	cash          decimal.Decimal
	realizedToday decimal.Decimal
	unrealized    decimal.Decimal // refreshed by the monitor pass
}

func NewManager(cfg config.RiskConfig, f *feed.Feed, q *pipeline.Queue, store UsageStore) *Manager {
	exits := make(map[string]ExitParams, len(cfg.Exits))
	for name, e := range cfg.Exits {
		exits[name] = exitParamsFrom(e)
	}
	return &Manager{
		cfg:       cfg,
		exits:     exits,
		feed:      f,
		queue:     q,
		store:     store,
		log:       logger.Component("risk"),
		positions: make(map[string]*Position),
	}
}

// Restore seeds today's realized P&L from the usage store.
func (m *Manager) Restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	_, realized, err := m.store.GetDaily(ctx)
	if err != nil {
		m.log.Warn("could not restore daily usage", "error", err)
		return
	}
	m.mu.Lock()
	m.realizedToday = realized
	m.mu.Unlock()
}

// SetOutcomeHook wires realized results back into allocation scoring.
func (m *Manager) SetOutcomeHook(fn func(code string, delta float64)) {
	m.outcomeHook = fn
}

// SetCash updates the cash picture from a fresh broker balance.
func (m *Manager) SetCash(cash decimal.Decimal) {
	m.mu.Lock()
	m.cash = cash
	m.mu.Unlock()
}

func (m *Manager) AvailableCash() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// PositionSize returns the cash budget for one new position.
func (m *Manager) PositionSize() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash.Mul(decimal.NewFromFloat(m.cfg.PositionSizePct / 100))
}

// CanBuy runs the pre-trade checks in order; the first failing check rejects
// with its reason. Rejections are validation errors, never retried.
func (m *Manager) CanBuy(code string, quote broker.Quote, proposedValue decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.positions[code]; held {
		metrics.RiskRejects.WithLabelValues("already_held").Inc()
		return apperrors.NewValidation("position already open for " + code)
	}
	if len(m.positions) >= m.cfg.MaxPositions {
		metrics.RiskRejects.WithLabelValues("max_positions").Inc()
		return apperrors.Newf(apperrors.ErrValidation, "position count %d at limit %d", len(m.positions), m.cfg.MaxPositions)
	}
	budget := m.cash.Mul(decimal.NewFromFloat(m.cfg.PositionSizePct / 100))
	if proposedValue.GreaterThan(budget) {
		metrics.RiskRejects.WithLabelValues("insufficient_cash").Inc()
		return apperrors.Newf(apperrors.ErrValidation, "order value %s exceeds budget %s", proposedValue, budget)
	}
	if m.cfg.DailyLossLimit > 0 {
		loss := m.realizedToday.Add(m.unrealized)
		if loss.LessThanOrEqual(decimal.NewFromFloat(-m.cfg.DailyLossLimit)) {
			metrics.RiskRejects.WithLabelValues("daily_loss").Inc()
			return apperrors.Newf(apperrors.ErrValidation, "daily loss %s breaches limit", loss)
		}
	}
	if m.cfg.VolatilityCeiling > 0 {
		vol := quote.ChangeRate
		if vol < 0 {
			vol = -vol
		}
		if vol > m.cfg.VolatilityCeiling {
			metrics.RiskRejects.WithLabelValues("volatility").Inc()
			return apperrors.Newf(apperrors.ErrValidation, "volatility %.1f%% above ceiling %.1f%%", vol, m.cfg.VolatilityCeiling)
		}
	}
	return nil
}

// OpenPosition records a confirmed buy fill.
func (m *Manager) OpenPosition(code string, qty int64, price decimal.Decimal, strategyName string) {
	params, ok := m.exits[strategyName]
	if !ok {
		params = m.exits["default"]
	}
	m.mu.Lock()
	m.positions[code] = &Position{
		Code:       code,
		Quantity:   qty,
		EntryPrice: price,
		EntryAt:    time.Now(),
		Strategy:   strategyName,
		Exits:      params,
		LastPrice:  price,
	}
	m.cash = m.cash.Sub(price.Mul(decimal.NewFromInt(qty)))
	m.mu.Unlock()
	m.log.Info("position opened", "code", code, "qty", qty, "price", price, "strategy", strategyName)
}

// ClosePosition records a confirmed sell fill and returns the realized P&L.
func (m *Manager) ClosePosition(ctx context.Context, code string, price decimal.Decimal, reason string) (decimal.Decimal, bool) {
	m.mu.Lock()
	pos, ok := m.positions[code]
	if !ok {
		m.mu.Unlock()
		return decimal.Zero, false
	}
	delete(m.positions, code)
	proceeds := price.Mul(decimal.NewFromInt(pos.Quantity))
	cost := pos.EntryPrice.Mul(decimal.NewFromInt(pos.Quantity))
	realized := proceeds.Sub(cost)
	m.cash = m.cash.Add(proceeds)
	m.realizedToday = m.realizedToday.Add(realized)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.AddDaily(ctx, 1, realized); err != nil {
			m.log.Warn("usage store update failed", "error", err)
		}
	}
	if m.outcomeHook != nil {
		delta := 5.0
		if realized.IsNegative() {
			delta = -5.0
		}
		m.outcomeHook(code, delta)
	}
	m.log.Info("position closed", "code", code, "price", price, "realized", realized, "reason", reason)
	return realized, true
}

// HasPosition reports whether code is held; used by the executor to route
// sell signals.
func (m *Manager) HasPosition(code string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[code]; ok {
		return pos.Quantity, true
	}
	return 0, false
}

// ClearExitPending re-arms exit evaluation after a failed sell attempt.
func (m *Manager) ClearExitPending(code string) {
	m.mu.Lock()
	if pos, ok := m.positions[code]; ok {
		pos.ExitPending = false
	}
	m.mu.Unlock()
}

// Positions returns copies for the status surface.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// DailyPnL returns (realized, unrealized) for today.
func (m *Manager) DailyPnL() (decimal.Decimal, decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedToday, m.unrealized
}

// RunMonitor evaluates exit conditions for every open position on a fixed
// cadence until ctx is cancelled.
func (m *Manager) RunMonitor(ctx context.Context) {
	interval := time.Duration(m.cfg.MonitorIntervalSec) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.monitorPass(ctx)
		}
	}
}

func (m *Manager) monitorPass(ctx context.Context) {
	m.mu.Lock()
	codes := make([]string, 0, len(m.positions))
	for code := range m.positions {
		codes = append(codes, code)
	}
	m.mu.Unlock()

	unrealized := decimal.Zero
	for _, code := range codes {
		quote, err := m.feed.GetQuote(ctx, code)
		if err != nil {
			m.log.Warn("exit check skipped, no quote", "code", code, "error", err)
			continue
		}

		m.mu.Lock()
		pos, ok := m.positions[code]
		if !ok {
			m.mu.Unlock()
			continue
		}
		pos.LastPrice = quote.Price
		profit := pos.profitPct(quote.Price)
		if profit > pos.MaxProfitPct {
			pos.MaxProfitPct = profit
		}
		unrealized = unrealized.Add(quote.Price.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity)))

		if pos.ExitPending {
			m.mu.Unlock()
			continue
		}
		reason, detail, fire := evaluateExit(pos.Exits, profit, pos.MaxProfitPct, time.Since(pos.EntryAt))
		if !fire {
			m.mu.Unlock()
			continue
		}
		pos.ExitPending = true
		origin := pos.Strategy
		m.mu.Unlock()

		metrics.PositionExits.WithLabelValues(string(reason)).Inc()
		m.log.Info("exit condition fired", "code", code, "reason", reason, "detail", detail)
		m.queue.Push(&pipeline.Signal{
			Code:        code,
			Strategy:    origin,
			Direction:   strategy.DirectionSell,
			Strength:    1.0,
			Score:       1.0, // exits outrank any entry signal
			Price:       quote.Price,
			Reason:      detail,
			Exit:        true,
			GeneratedAt: time.Now(),
		})
	}

	m.mu.Lock()
	m.unrealized = unrealized
	m.mu.Unlock()
}
