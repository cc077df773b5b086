// Package feed unifies the broker's push stream and polled REST quotes
// behind one per-instrument access API with tier-dependent caching.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/pkg/metrics"
	"github.com/kospibot/daytrader/internal/ratelimit"
)

type entry struct {
	quote     broker.Quote
	fetchedAt time.Time
	fromPush  bool
}

// Feed owns the latest-quote snapshot for every tracked instrument. Quotes
// arriving on the push stream overwrite the cache immediately; polled reads
// go through the rate limiter and honor the instrument's tier TTL.
type Feed struct {
	client  broker.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger

	retryBase  time.Duration
	maxRetries int

	mu         sync.RWMutex
	cache      map[string]*entry
	priorities map[string]Priority
	books      map[string]broker.OrderBook
}

func New(client broker.Client, limiter *ratelimit.Limiter, cfg config.FeedConfig) *Feed {
	retryBase := time.Duration(cfg.RetryBaseMs) * time.Millisecond
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Feed{
		client:     client,
		limiter:    limiter,
		log:        logger.Component("feed"),
		retryBase:  retryBase,
		maxRetries: maxRetries,
		cache:      make(map[string]*entry),
		priorities: make(map[string]Priority),
		books:      make(map[string]broker.OrderBook),
	}
}

// Run consumes push events until ctx is cancelled. Stream pushes bypass the
// cache TTL entirely.
func (f *Feed) Run(ctx context.Context, events <-chan broker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.apply(ev)
		}
	}
}

func (f *Feed) apply(ev broker.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case ev.Quote != nil:
		f.cache[ev.Code] = &entry{quote: *ev.Quote, fetchedAt: ev.Received, fromPush: true}
	case ev.OrderBook != nil:
		f.books[ev.Code] = *ev.OrderBook
	}
}

// Track registers an instrument at the given tier. Tracking is idempotent;
// re-tracking adjusts the tier.
func (f *Feed) Track(code string, p Priority) {
	f.mu.Lock()
	f.priorities[code] = p
	f.mu.Unlock()
}

func (f *Feed) Untrack(code string) {
	f.mu.Lock()
	delete(f.priorities, code)
	delete(f.cache, code)
	delete(f.books, code)
	f.mu.Unlock()
}

// UpgradePriority raises the tier; it never lowers an existing one.
func (f *Feed) UpgradePriority(code string, p Priority) {
	f.mu.Lock()
	if cur, ok := f.priorities[code]; !ok || p > cur {
		f.priorities[code] = p
	}
	f.mu.Unlock()
}

// DowngradePriority lowers the tier; it never raises an existing one.
func (f *Feed) DowngradePriority(code string, p Priority) {
	f.mu.Lock()
	if cur, ok := f.priorities[code]; ok && p < cur {
		f.priorities[code] = p
	}
	f.mu.Unlock()
}

func (f *Feed) Priority(code string) Priority {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.priorities[code]
}

// Tracked returns the watched set, the union every analysis worker scans.
func (f *Feed) Tracked() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	codes := make([]string, 0, len(f.priorities))
	for code := range f.priorities {
		codes = append(codes, code)
	}
	return codes
}

// GetQuote serves from cache when fresher than the tier TTL, otherwise polls
// the broker through the rate limiter. After exhausting retries it degrades
// to the last-known snapshot marked stale rather than failing the caller.
func (f *Feed) GetQuote(ctx context.Context, code string) (broker.Quote, error) {
	f.mu.RLock()
	cached, ok := f.cache[code]
	ttl := f.priorities[code].TTL()
	f.mu.RUnlock()

	if ok && time.Since(cached.fetchedAt) < ttl {
		outcome := "hit"
		if cached.fromPush {
			outcome = "hit_push"
		}
		metrics.QuoteCache.WithLabelValues(outcome).Inc()
		return cached.quote, nil
	}
	metrics.QuoteCache.WithLabelValues("miss").Inc()

	quote, err := f.fetchQuote(ctx, code)
	if err == nil {
		f.mu.Lock()
		f.cache[code] = &entry{quote: quote, fetchedAt: time.Now()}
		f.mu.Unlock()
		return quote, nil
	}

	// degraded mode: stale data beats no data. Quota pressure degrades the
	// same way as a transient outage, it is never surfaced as an error.
	if ok && (apperrors.Retryable(err) || apperrors.IsType(err, apperrors.ErrQuota)) {
		metrics.QuoteCache.WithLabelValues("stale").Inc()
		f.log.Warn("serving stale quote after remote failure", "code", code, "error", err)
		stale := cached.quote
		stale.Stale = true
		return stale, nil
	}
	return broker.Quote{}, err
}

func (f *Feed) fetchQuote(ctx context.Context, code string) (broker.Quote, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return broker.Quote{}, apperrors.NewTransient("quote fetch cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err := f.limiter.Acquire(ctx); err != nil {
			return broker.Quote{}, apperrors.NewTransient("rate limiter interrupted", err)
		}
		quote, err := f.client.GetQuote(ctx, code)
		if err == nil {
			return quote, nil
		}
		lastErr = err
		if !apperrors.Retryable(err) {
			return broker.Quote{}, err
		}
		f.log.Debug("quote fetch retry", "code", code, "attempt", attempt+1, "error", err)
	}
	return broker.Quote{}, apperrors.Wrap(lastErr)
}

// GetOrderBook prefers the streamed book and falls back to a polled fetch.
func (f *Feed) GetOrderBook(ctx context.Context, code string) (broker.OrderBook, error) {
	f.mu.RLock()
	book, ok := f.books[code]
	f.mu.RUnlock()
	if ok && time.Since(book.Timestamp) < 5*time.Second {
		return book, nil
	}

	if err := f.limiter.Acquire(ctx); err != nil {
		return broker.OrderBook{}, apperrors.NewTransient("rate limiter interrupted", err)
	}
	fetched, err := f.client.GetOrderBook(ctx, code)
	if err != nil {
		if ok {
			return book, nil
		}
		return broker.OrderBook{}, err
	}
	f.mu.Lock()
	f.books[code] = fetched
	f.mu.Unlock()
	return fetched, nil
}

// GetHistorical is a rate-limited passthrough; daily candles are immutable so
// strategies cache what they need themselves.
func (f *Feed) GetHistorical(ctx context.Context, code string, days int) ([]broker.Candle, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, apperrors.NewTransient("rate limiter interrupted", err)
	}
	return f.client.GetHistorical(ctx, code, days)
}
