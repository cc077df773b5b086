package pending

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/ratelimit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu         sync.Mutex
	nextNo     int
	filled     map[string]broker.OrderStatus
	submitted  []broker.OrderRequest
	cancelled  []string
	submitErr  error
	cancelErr  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{filled: make(map[string]broker.OrderStatus)}
}

func (f *fakeBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return broker.OrderResponse{}, f.submitErr
	}
	f.nextNo++
	f.submitted = append(f.submitted, req)
	return broker.OrderResponse{OrderNo: fmt.Sprintf("ORD%03d", f.nextNo), SubmittedAt: time.Now()}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderNo, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderNo)
	return nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, orderNo string) (broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.filled[orderNo]; ok {
		return st, nil
	}
	return broker.OrderStatus{OrderNo: orderNo}, nil
}

func (f *fakeBroker) markFilled(orderNo string, qty int64, price int64) {
	f.mu.Lock()
	f.filled[orderNo] = broker.OrderStatus{
		OrderNo: orderNo, Filled: true, FilledQty: qty, AvgPrice: decimal.NewFromInt(price),
	}
	f.mu.Unlock()
}

func (f *fakeBroker) lastSubmitted() broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}

func (f *fakeBroker) GetQuote(context.Context, string) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeBroker) GetHistorical(context.Context, string, int) ([]broker.Candle, error) {
	return nil, nil
}
func (f *fakeBroker) GetOrderBook(context.Context, string) (broker.OrderBook, error) {
	return broker.OrderBook{}, nil
}
func (f *fakeBroker) GetBalance(context.Context) (broker.Balance, error) {
	return broker.Balance{}, nil
}

type recordingHandler struct {
	mu        sync.Mutex
	fills     []Order
	cancelled []Order
}

func (h *recordingHandler) OnFill(ord Order, _ decimal.Decimal, _ int64) {
	h.mu.Lock()
	h.fills = append(h.fills, ord)
	h.mu.Unlock()
}

func (h *recordingHandler) OnCancelled(ord Order) {
	h.mu.Lock()
	h.cancelled = append(h.cancelled, ord)
	h.mu.Unlock()
}

func testPendingConfig() config.PendingConfig {
	return config.PendingConfig{
		TimeoutSec:        300,
		AdjustTimeoutSec:  60,
		MaxAdjustments:    3,
		AdjustStepPct:     0.5,
		ForceMarketSec:    600,
		BuyTimeoutAction:  "price_adjust",
		SellTimeoutAction: "market_order",
		CheckIntervalSec:  10,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeBroker, *recordingHandler) {
	t.Helper()
	fb := newFakeBroker()
	h := &recordingHandler{}
	m := NewMonitor(fb, ratelimit.New(1000, 10000), testPendingConfig(), h)
	return m, fb, h
}

func submitBuy(t *testing.T, m *Monitor) *Order {
	t.Helper()
	ord, err := m.Submit(context.Background(), broker.OrderRequest{
		Code:     "005930",
		Side:     broker.SideBuy,
		Type:     broker.OrderLimit,
		Quantity: 10,
		Price:    decimal.NewFromInt(70000),
	}, "momentum", "entry")
	require.NoError(t, err)
	return ord
}

// age rewinds the order's timestamps so the next check sees a timeout.
func (m *Monitor) age(id string, lastAction, submitted time.Duration) {
	m.mu.Lock()
	if ord, ok := m.orders[id]; ok {
		ord.LastActionAt = time.Now().Add(-lastAction)
		ord.SubmittedAt = time.Now().Add(-submitted)
	}
	m.mu.Unlock()
}

func TestFilledOrderReported(t *testing.T) {
	m, fb, h := newTestMonitor(t)
	ord := submitBuy(t, m)
	fb.markFilled(ord.OrderNo, 10, 70000)

	m.check(context.Background(), ord.ID)

	require.Len(t, h.fills, 1)
	assert.Equal(t, ord.ID, h.fills[0].ID)
	assert.Empty(t, m.Pending())
}

func TestFreshOrderLeftAlone(t *testing.T) {
	m, fb, _ := newTestMonitor(t)
	ord := submitBuy(t, m)

	m.check(context.Background(), ord.ID)

	assert.Len(t, fb.cancelled, 0)
	require.Len(t, m.Pending(), 1)
	assert.Equal(t, StateSubmitted, m.Pending()[0].State)
}

func TestBuyTimeoutAdjustsPriceUpward(t *testing.T) {
	m, fb, _ := newTestMonitor(t)
	ord := submitBuy(t, m)

	m.age(ord.ID, 301*time.Second, 301*time.Second)
	m.check(context.Background(), ord.ID)

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, StateAdjusting, pending[0].State)
	assert.Equal(t, 1, pending[0].Adjustments)
	// 70000 * 1.005
	assert.True(t, pending[0].Price.Equal(decimal.NewFromInt(70350)),
		"got %s", pending[0].Price)
	assert.Len(t, fb.cancelled, 1)
	assert.Equal(t, broker.OrderLimit, fb.lastSubmitted().Type)
}

func TestAdjustBudgetThenForceMarket(t *testing.T) {
	m, fb, _ := newTestMonitor(t)
	ord := submitBuy(t, m)

	for i := 1; i <= 3; i++ {
		m.age(ord.ID, 301*time.Second, 305*time.Second)
		m.check(context.Background(), ord.ID)
		require.Equal(t, i, m.Pending()[0].Adjustments)
	}

	// fourth timeout: adjustments exhausted, converts to market
	m.age(ord.ID, 301*time.Second, 400*time.Second)
	m.check(context.Background(), ord.ID)

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, StateForcedMarket, pending[0].State)
	assert.Equal(t, broker.OrderMarket, fb.lastSubmitted().Type)
}

func TestForceMarketCeilingOverridesAdjustBudget(t *testing.T) {
	m, fb, _ := newTestMonitor(t)
	ord := submitBuy(t, m)

	// only one adjustment used, but total elapsed passed the hard ceiling
	m.age(ord.ID, 301*time.Second, 601*time.Second)
	m.check(context.Background(), ord.ID)

	require.Len(t, m.Pending(), 1)
	assert.Equal(t, StateForcedMarket, m.Pending()[0].State)
	assert.Equal(t, broker.OrderMarket, fb.lastSubmitted().Type)
}

func TestSellTimeoutGoesStraightToMarket(t *testing.T) {
	m, fb, _ := newTestMonitor(t)
	ord, err := m.Submit(context.Background(), broker.OrderRequest{
		Code:     "005930",
		Side:     broker.SideSell,
		Type:     broker.OrderLimit,
		Quantity: 10,
		Price:    decimal.NewFromInt(70000),
	}, "momentum", "take profit")
	require.NoError(t, err)

	m.age(ord.ID, 301*time.Second, 301*time.Second)
	m.check(context.Background(), ord.ID)

	require.Len(t, m.Pending(), 1)
	assert.Equal(t, StateForcedMarket, m.Pending()[0].State)
	assert.Equal(t, broker.OrderMarket, fb.lastSubmitted().Type)
}

func TestCancelFailureKeepsOrderTracked(t *testing.T) {
	m, fb, h := newTestMonitor(t)
	ord := submitBuy(t, m)

	fb.mu.Lock()
	fb.cancelErr = fmt.Errorf("broker unavailable")
	fb.mu.Unlock()

	m.age(ord.ID, 301*time.Second, 301*time.Second)
	m.check(context.Background(), ord.ID)

	// the resting order may still be live at the broker: keep watching it
	require.Len(t, m.Pending(), 1)
	assert.Equal(t, StateSubmitted, m.Pending()[0].State)
	assert.Empty(t, h.cancelled)

	// broker recovers; the next sweep completes the adjustment
	fb.mu.Lock()
	fb.cancelErr = nil
	fb.mu.Unlock()

	m.age(ord.ID, 301*time.Second, 305*time.Second)
	m.check(context.Background(), ord.ID)

	require.Len(t, m.Pending(), 1)
	assert.Equal(t, StateAdjusting, m.Pending()[0].State)
	assert.Equal(t, 1, m.Pending()[0].Adjustments)
}

func TestResubmitFailureAfterCancelReportsCancelled(t *testing.T) {
	m, fb, h := newTestMonitor(t)
	ord := submitBuy(t, m)

	fb.mu.Lock()
	fb.submitErr = fmt.Errorf("broker unavailable")
	fb.mu.Unlock()

	m.age(ord.ID, 301*time.Second, 301*time.Second)
	m.check(context.Background(), ord.ID)

	// the broker confirmed the cancel, the replacement never went out
	assert.Empty(t, m.Pending())
	assert.Len(t, fb.cancelled, 1)
	require.Len(t, h.cancelled, 1)
	assert.Equal(t, ord.ID, h.cancelled[0].ID)
}

func TestHasOpenOrderMatchesCodeAndSide(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	ord := submitBuy(t, m)

	assert.True(t, m.HasOpenOrder("005930", broker.SideBuy))
	assert.False(t, m.HasOpenOrder("005930", broker.SideSell))
	assert.False(t, m.HasOpenOrder("000660", broker.SideBuy))

	m.finish(ord.ID, StateFilled)
	assert.False(t, m.HasOpenOrder("005930", broker.SideBuy))
}

func TestDrainCancelsEverything(t *testing.T) {
	m, fb, h := newTestMonitor(t)
	submitBuy(t, m)
	ord2, err := m.Submit(context.Background(), broker.OrderRequest{
		Code: "000660", Side: broker.SideBuy, Type: broker.OrderLimit,
		Quantity: 5, Price: decimal.NewFromInt(50000),
	}, "momentum", "entry")
	require.NoError(t, err)
	_ = ord2

	m.drain()

	assert.Empty(t, m.Pending())
	assert.Len(t, fb.cancelled, 2)
	assert.Len(t, h.cancelled, 2)
}
