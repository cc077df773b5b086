package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daytrader_signals_total",
		Help: "Candidate signals emitted by analysis workers",
	}, []string{"strategy", "direction"})

	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daytrader_signals_dropped_total",
		Help: "Signals dropped before execution",
	}, []string{"reason"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daytrader_orders_total",
		Help: "Orders by lifecycle outcome",
	}, []string{"status", "side"})

	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daytrader_risk_rejects_total",
		Help: "Pre-trade checks rejected by the risk manager",
	}, []string{"reason"})

	PositionExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daytrader_position_exits_total",
		Help: "Position exits by trigger",
	}, []string{"reason"})

	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "daytrader_ratelimit_wait_seconds",
		Help:    "Time callers spent blocked in the rate limiter",
		Buckets: prometheus.DefBuckets,
	})

	QuoteCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daytrader_quote_cache_total",
		Help: "Quote cache lookups by outcome",
	}, []string{"outcome"}) // hit, hit_push, miss, stale

	SlotEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daytrader_slot_evictions_total",
		Help: "Emergency substitutions performed by the subscription allocator",
	})

	SlotsBound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daytrader_slots_bound",
		Help: "Live-stream slots currently bound",
	})

	OrderAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daytrader_order_adjustments_total",
		Help: "Price adjustments issued by the pending order monitor",
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "daytrader_http_request_seconds",
		Help:    "Control-channel request latency by path",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)
