package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisUsage keeps the day's order count and realized P&L in redis so the
// daily-loss limit survives a restart. Keys roll over with the trading day.
type RedisUsage struct {
	client *redis.Client
}

func NewRedisUsage(cfg config.RedisConfig) (*RedisUsage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	return &RedisUsage{client: rdb}, nil
}

func usageKeys() (orders, realized string) {
	day := time.Now().Format("2006-01-02")
	return fmt.Sprintf("usage:%s:orders", day), fmt.Sprintf("usage:%s:realized", day)
}

func (r *RedisUsage) GetDaily(ctx context.Context) (int, decimal.Decimal, error) {
	keyOrders, keyRealized := usageKeys()

	pipe := r.client.Pipeline()
	ordersCmd := pipe.Get(ctx, keyOrders)
	realizedCmd := pipe.Get(ctx, keyRealized)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, decimal.Zero, err
	}

	orders, _ := ordersCmd.Int()
	realizedStr, err := realizedCmd.Result()
	if err == redis.Nil || realizedStr == "" {
		return orders, decimal.Zero, nil
	}
	realized, err := decimal.NewFromString(realizedStr)
	if err != nil {
		return orders, decimal.Zero, nil
	}
	return orders, realized, nil
}

func (r *RedisUsage) AddDaily(ctx context.Context, orders int, realized decimal.Decimal) error {
	keyOrders, keyRealized := usageKeys()

	pipe := r.client.Pipeline()
	if orders != 0 {
		pipe.IncrBy(ctx, keyOrders, int64(orders))
	}
	if !realized.IsZero() {
		f, _ := realized.Float64()
		pipe.IncrByFloat(ctx, keyRealized, f)
	}
	// keys outlive the session but not the week
	pipe.Expire(ctx, keyOrders, 48*time.Hour)
	pipe.Expire(ctx, keyRealized, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisUsage) Close() error { return r.client.Close() }

// MemoryUsage is the single-process fallback when redis is not configured.
// Counters reset when the day changes.
type MemoryUsage struct {
	mu       sync.Mutex
	day      string
	orders   int
	realized decimal.Decimal
}

func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{day: time.Now().Format("2006-01-02")}
}

func (m *MemoryUsage) roll() {
	today := time.Now().Format("2006-01-02")
	if m.day != today {
		m.day = today
		m.orders = 0
		m.realized = decimal.Zero
	}
}

func (m *MemoryUsage) GetDaily(context.Context) (int, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	return m.orders, m.realized, nil
}

func (m *MemoryUsage) AddDaily(_ context.Context, orders int, realized decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.orders += orders
	m.realized = m.realized.Add(realized)
	return nil
}
