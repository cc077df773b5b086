// Package pending tracks submitted orders and escalates the unfilled ones:
// price adjustments first, forced market conversion when the budgets run out.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"github.com/kospibot/daytrader/internal/ratelimit"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateSubmitted    State = "SUBMITTED"
	StateAdjusting    State = "ADJUSTING"
	StateForcedMarket State = "FORCED_MARKET"
	StateFilled       State = "FILLED"
	StateCancelled    State = "CANCELLED"
)

// Order is the monitor's view of one in-flight order. OrderNo changes on
// every resubmission; ID is stable.
type Order struct {
	ID           string
	OrderNo      string
	Code         string
	Side         broker.Side
	Type         broker.OrderType
	Quantity     int64
	Price        decimal.Decimal
	State        State
	Strategy     string
	Reason       string
	SubmittedAt  time.Time // original submission
	LastActionAt time.Time
	Adjustments  int
}

// FillHandler receives terminal order outcomes. Implemented by the executor
// side to create/close positions and journal trades.
type FillHandler interface {
	OnFill(ord Order, avgPrice decimal.Decimal, qty int64)
	OnCancelled(ord Order)
}

// Monitor drives escalation from an independent periodic check so a stuck
// order can never stall the signal pipeline.
type Monitor struct {
	client  broker.Client
	limiter *ratelimit.Limiter
	cfg     config.PendingConfig
	handler FillHandler
	log     *slog.Logger

	mu     sync.Mutex
	orders map[string]*Order
}

func NewMonitor(client broker.Client, limiter *ratelimit.Limiter, cfg config.PendingConfig, handler FillHandler) *Monitor {
	return &Monitor{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		handler: handler,
		log:     logger.Component("pending"),
		orders:  make(map[string]*Order),
	}
}

// Submit places the order with the broker and starts tracking it.
func (m *Monitor) Submit(ctx context.Context, req broker.OrderRequest, strategyName, reason string) (*Order, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if err := m.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	resp, err := m.client.SubmitOrder(ctx, req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues("submit_failed", string(req.Side)).Inc()
		return nil, err
	}

	ord := &Order{
		ID:           req.ClientID,
		OrderNo:      resp.OrderNo,
		Code:         req.Code,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		State:        StateSubmitted,
		Strategy:     strategyName,
		Reason:       reason,
		SubmittedAt:  resp.SubmittedAt,
		LastActionAt: resp.SubmittedAt,
	}
	m.mu.Lock()
	m.orders[ord.ID] = ord
	m.mu.Unlock()

	metrics.OrdersTotal.WithLabelValues("submitted", string(req.Side)).Inc()
	m.log.Info("order submitted", "id", ord.ID, "order_no", ord.OrderNo, "code", ord.Code,
		"side", ord.Side, "type", ord.Type, "qty", ord.Quantity, "price", ord.Price)
	return ord, nil
}

// HasOpenOrder reports whether an order for the instrument on the given side
// is still in flight. Positions open only on fill, so this is the sole guard
// against re-submitting while an earlier order rests at the broker.
func (m *Monitor) HasOpenOrder(code string, side broker.Side) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ord := range m.orders {
		if ord.Code == code && ord.Side == side {
			return true
		}
	}
	return false
}

// Pending returns copies of all tracked orders.
func (m *Monitor) Pending() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders))
	for _, ord := range m.orders {
		out = append(out, *ord)
	}
	return out
}

// Run sweeps tracked orders until ctx is cancelled, then abandons nothing:
// remaining orders are cancelled explicitly so none is forgotten mid-flight.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, id)
	}
}

func (m *Monitor) check(ctx context.Context, id string) {
	m.mu.Lock()
	ord, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *ord
	m.mu.Unlock()

	if err := m.limiter.Acquire(ctx); err != nil {
		return
	}
	status, err := m.client.GetOrderStatus(ctx, snapshot.OrderNo)
	if err != nil {
		m.log.Warn("order status check failed", "id", id, "error", err)
		return
	}
	if status.Filled {
		m.finish(id, StateFilled)
		metrics.OrdersTotal.WithLabelValues("filled", string(snapshot.Side)).Inc()
		m.handler.OnFill(snapshot, status.AvgPrice, status.FilledQty)
		return
	}

	now := time.Now()
	timeout := time.Duration(m.cfg.TimeoutSec) * time.Second
	if snapshot.State == StateAdjusting {
		timeout = time.Duration(m.cfg.AdjustTimeoutSec) * time.Second
	}
	if now.Sub(snapshot.LastActionAt) < timeout {
		return
	}

	elapsed := now.Sub(snapshot.SubmittedAt)
	action := m.cfg.BuyTimeoutAction
	if snapshot.Side == broker.SideSell {
		action = m.cfg.SellTimeoutAction
	}

	forceCeiling := time.Duration(m.cfg.ForceMarketSec) * time.Second
	canAdjust := action == "price_adjust" &&
		snapshot.Adjustments < m.cfg.MaxAdjustments &&
		elapsed < forceCeiling &&
		snapshot.Type == broker.OrderLimit &&
		snapshot.State != StateForcedMarket

	if canAdjust {
		m.adjust(ctx, id, snapshot)
		return
	}
	if snapshot.State != StateForcedMarket {
		m.forceMarket(ctx, id, snapshot)
	}
	// already forced to market and still unfilled: wait for the next sweep
}

// adjust nudges the limit price toward the market and resubmits.
func (m *Monitor) adjust(ctx context.Context, id string, snapshot Order) {
	step := decimal.NewFromFloat(m.cfg.AdjustStepPct / 100)
	factor := decimal.NewFromInt(1).Add(step)
	if snapshot.Side == broker.SideSell {
		factor = decimal.NewFromInt(1).Sub(step)
	}
	newPrice := snapshot.Price.Mul(factor).Round(0)

	orderNo, cancelled, err := m.replace(ctx, snapshot, broker.OrderLimit, newPrice)
	if err != nil {
		if !cancelled {
			// the resting order is still live at the broker; retry next sweep
			m.log.Warn("price adjustment cancel failed, keeping order", "id", id, "error", err)
			return
		}
		m.log.Error("price adjustment resubmit failed", "id", id, "error", err)
		m.cancelTracked(id, snapshot)
		return
	}

	m.mu.Lock()
	if ord, ok := m.orders[id]; ok {
		ord.OrderNo = orderNo
		ord.Price = newPrice
		ord.State = StateAdjusting
		ord.Adjustments++
		ord.LastActionAt = time.Now()
	}
	m.mu.Unlock()

	metrics.OrderAdjustments.Inc()
	m.log.Info("order price adjusted", "id", id, "new_price", newPrice,
		"adjustment", snapshot.Adjustments+1, "max", m.cfg.MaxAdjustments)
}

// forceMarket cancels the resting order and resubmits it as a market order.
func (m *Monitor) forceMarket(ctx context.Context, id string, snapshot Order) {
	orderNo, cancelled, err := m.replace(ctx, snapshot, broker.OrderMarket, decimal.Zero)
	if err != nil {
		if !cancelled {
			m.log.Warn("forced market cancel failed, keeping order", "id", id, "error", err)
			return
		}
		m.log.Error("forced market resubmit failed", "id", id, "error", err)
		m.cancelTracked(id, snapshot)
		return
	}

	m.mu.Lock()
	if ord, ok := m.orders[id]; ok {
		ord.OrderNo = orderNo
		ord.Type = broker.OrderMarket
		ord.State = StateForcedMarket
		ord.LastActionAt = time.Now()
	}
	m.mu.Unlock()

	metrics.OrdersTotal.WithLabelValues("forced_market", string(snapshot.Side)).Inc()
	m.log.Warn("order forced to market", "id", id, "code", snapshot.Code,
		"elapsed", time.Since(snapshot.SubmittedAt).Round(time.Second))
}

// replace cancels the current resting order and submits a replacement,
// returning the new broker order number. cancelled reports whether the broker
// accepted the cancellation: until it does, the order is still live and must
// stay tracked; after it does, a failed resubmission means the order really
// is gone.
func (m *Monitor) replace(ctx context.Context, snapshot Order, typ broker.OrderType, price decimal.Decimal) (orderNo string, cancelled bool, err error) {
	if err := m.limiter.Acquire(ctx); err != nil {
		return "", false, err
	}
	if err := m.client.CancelOrder(ctx, snapshot.OrderNo, snapshot.Code); err != nil {
		return "", false, err
	}
	if err := m.limiter.Acquire(ctx); err != nil {
		return "", true, err
	}
	resp, err := m.client.SubmitOrder(ctx, broker.OrderRequest{
		ClientID: uuid.NewString(),
		Code:     snapshot.Code,
		Side:     snapshot.Side,
		Type:     typ,
		Quantity: snapshot.Quantity,
		Price:    price,
	})
	if err != nil {
		return "", true, err
	}
	return resp.OrderNo, true, nil
}

// cancelTracked marks the order terminally cancelled and reports it.
func (m *Monitor) cancelTracked(id string, snapshot Order) {
	m.finish(id, StateCancelled)
	metrics.OrdersTotal.WithLabelValues("cancelled", string(snapshot.Side)).Inc()
	snapshot.State = StateCancelled
	m.handler.OnCancelled(snapshot)
}

func (m *Monitor) finish(id string, state State) {
	m.mu.Lock()
	if ord, ok := m.orders[id]; ok {
		ord.State = state
		delete(m.orders, id)
	}
	m.mu.Unlock()
}

// drain cancels every remaining order on shutdown with a short deadline.
func (m *Monitor) drain() {
	remaining := m.Pending()
	if len(remaining) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ord := range remaining {
		if err := m.client.CancelOrder(ctx, ord.OrderNo, ord.Code); err != nil {
			m.log.Error("shutdown cancel failed", "id", ord.ID, "error", err)
			continue
		}
		m.cancelTracked(ord.ID, ord)
	}
	m.log.Info("pending orders drained", "count", len(remaining))
}
