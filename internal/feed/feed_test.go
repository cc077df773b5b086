package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"github.com/kospibot/daytrader/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	mu       sync.Mutex
	calls    int
	quote    broker.Quote
	quoteErr error
}

func (s *stubClient) GetQuote(context.Context, string) (broker.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.quoteErr != nil {
		return broker.Quote{}, s.quoteErr
	}
	return s.quote, nil
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubClient) setErr(err error) {
	s.mu.Lock()
	s.quoteErr = err
	s.mu.Unlock()
}

func (s *stubClient) GetHistorical(context.Context, string, int) ([]broker.Candle, error) {
	return []broker.Candle{{Volume: 100}}, nil
}
func (s *stubClient) GetOrderBook(context.Context, string) (broker.OrderBook, error) {
	return broker.OrderBook{Timestamp: time.Now()}, nil
}
func (s *stubClient) GetBalance(context.Context) (broker.Balance, error) {
	return broker.Balance{}, nil
}
func (s *stubClient) SubmitOrder(context.Context, broker.OrderRequest) (broker.OrderResponse, error) {
	return broker.OrderResponse{OrderNo: "X"}, nil
}
func (s *stubClient) CancelOrder(context.Context, string, string) error { return nil }
func (s *stubClient) GetOrderStatus(context.Context, string) (broker.OrderStatus, error) {
	return broker.OrderStatus{}, nil
}

func newTestFeed(client broker.Client) *Feed {
	return New(client, ratelimit.New(1000, 10000), config.FeedConfig{
		RetryBaseMs: 1,
		MaxRetries:  3,
	})
}

func testQuote(price int64) broker.Quote {
	return broker.Quote{
		Code:      "005930",
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now(),
	}
}

func TestGetQuoteCachesWithinTTL(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityMedium)

	ctx := context.Background()
	q1, err := f.GetQuote(ctx, "005930")
	require.NoError(t, err)
	assert.True(t, q1.Price.Equal(decimal.NewFromInt(70000)))

	// second read inside the 30s medium TTL never hits the broker
	_, err = f.GetQuote(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 1, client.callCount())
}

func TestGetQuoteRefetchesPastTTL(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityMedium)

	ctx := context.Background()
	_, err := f.GetQuote(ctx, "005930")
	require.NoError(t, err)

	// age the cache entry beyond the tier TTL
	f.mu.Lock()
	f.cache["005930"].fetchedAt = time.Now().Add(-time.Minute)
	f.mu.Unlock()

	_, err = f.GetQuote(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount())
}

func TestGetQuoteDegradesToStaleOnTransientFailure(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityMedium)

	ctx := context.Background()
	_, err := f.GetQuote(ctx, "005930")
	require.NoError(t, err)

	f.mu.Lock()
	f.cache["005930"].fetchedAt = time.Now().Add(-time.Minute)
	f.mu.Unlock()
	client.setErr(apperrors.NewTransient("broker down", nil))

	q, err := f.GetQuote(ctx, "005930")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(70000)))
}

func TestGetQuoteDegradesToStaleOnQuotaPressure(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityMedium)

	ctx := context.Background()
	_, err := f.GetQuote(ctx, "005930")
	require.NoError(t, err)

	f.mu.Lock()
	f.cache["005930"].fetchedAt = time.Now().Add(-time.Minute)
	f.mu.Unlock()
	client.setErr(apperrors.New(apperrors.ErrQuota, "rate limited by broker", nil))

	// quota pressure degrades like an outage, it never surfaces as an error
	q, err := f.GetQuote(ctx, "005930")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(70000)))
	// and is not retried either
	assert.Equal(t, 2, client.callCount())
}

func TestGetQuoteValidationErrorNotRetried(t *testing.T) {
	client := &stubClient{}
	client.setErr(apperrors.NewValidation("unknown instrument"))
	f := newTestFeed(client)
	f.Track("bogus", PriorityMedium)

	_, err := f.GetQuote(context.Background(), "bogus")
	require.Error(t, err)
	assert.Equal(t, 1, client.callCount())
}

func TestGetQuoteTransientErrorRetries(t *testing.T) {
	client := &stubClient{}
	client.setErr(apperrors.NewTransient("flaky", nil))
	f := newTestFeed(client)
	f.Track("005930", PriorityMedium)

	_, err := f.GetQuote(context.Background(), "005930")
	require.Error(t, err)
	assert.Equal(t, 3, client.callCount())
}

func TestPushBypassesTTL(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityCritical)

	pushed := testQuote(71500)
	f.apply(broker.Event{
		Kind:     broker.ChannelTick,
		Code:     "005930",
		Quote:    &pushed,
		Received: time.Now(),
	})

	q, err := f.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(71500)))
	assert.Equal(t, 0, client.callCount())
}

func TestPushedQuoteHitCountedSeparately(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityCritical)

	pushed := testQuote(71500)
	f.apply(broker.Event{
		Kind:     broker.ChannelTick,
		Code:     "005930",
		Quote:    &pushed,
		Received: time.Now(),
	})

	before := testutil.ToFloat64(metrics.QuoteCache.WithLabelValues("hit_push"))
	_, err := f.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QuoteCache.WithLabelValues("hit_push")))
}

func TestPriorityTransitionsAreMonotone(t *testing.T) {
	f := newTestFeed(&stubClient{})
	f.Track("005930", PriorityMedium)

	f.UpgradePriority("005930", PriorityCritical)
	assert.Equal(t, PriorityCritical, f.Priority("005930"))

	// upgrade never lowers
	f.UpgradePriority("005930", PriorityLow)
	assert.Equal(t, PriorityCritical, f.Priority("005930"))

	f.DowngradePriority("005930", PriorityHigh)
	assert.Equal(t, PriorityHigh, f.Priority("005930"))

	// downgrade never raises
	f.DowngradePriority("005930", PriorityCritical)
	assert.Equal(t, PriorityHigh, f.Priority("005930"))
}

func TestUntrackClearsState(t *testing.T) {
	client := &stubClient{quote: testQuote(70000)}
	f := newTestFeed(client)
	f.Track("005930", PriorityMedium)
	_, err := f.GetQuote(context.Background(), "005930")
	require.NoError(t, err)

	f.Untrack("005930")
	assert.Empty(t, f.Tracked())

	// next read misses the cache
	_, err = f.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 2, client.callCount())
}

func TestTierTTLs(t *testing.T) {
	assert.Equal(t, time.Second, PriorityCritical.TTL())
	assert.Equal(t, 5*time.Second, PriorityHigh.TTL())
	assert.Equal(t, 30*time.Second, PriorityMedium.TTL())
	assert.Equal(t, time.Minute, PriorityLow.TTL())
	assert.Equal(t, 5*time.Minute, PriorityBackground.TTL())

	assert.Equal(t, 2, PriorityCritical.StreamSlots())
	assert.Equal(t, 1, PriorityHigh.StreamSlots())
	assert.Equal(t, 0, PriorityMedium.StreamSlots())
}
