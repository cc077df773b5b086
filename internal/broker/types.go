package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChannelKind selects which live-stream channel a subscription binds.
type ChannelKind string

const (
	ChannelTick      ChannelKind = "tick"
	ChannelOrderBook ChannelKind = "orderbook"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// Quote is the latest snapshot for one instrument. Owned by the data feed;
// everyone else receives copies.
type Quote struct {
	Code       string
	Price      decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Volume     int64
	ChangeRate float64 // percent vs previous close
	Timestamp  time.Time
	Stale      bool // served past TTL after remote failures
}

type Candle struct {
	Code   string
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

type OrderBookLevel struct {
	Price decimal.Decimal
	Size  int64
}

type OrderBook struct {
	Code      string
	Bids      []OrderBookLevel // high to low
	Asks      []OrderBookLevel // low to high
	Timestamp time.Time
}

type OrderRequest struct {
	ClientID string // uuid assigned by the engine
	Code     string
	Side     Side
	Type     OrderType
	Quantity int64
	Price    decimal.Decimal // ignored for market orders
}

type OrderResponse struct {
	OrderNo     string
	SubmittedAt time.Time
}

type Balance struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	FetchedAt time.Time
}

// Event is one push message from the live stream.
type Event struct {
	Kind      ChannelKind
	Code      string
	Quote     *Quote     // set for tick events
	OrderBook *OrderBook // set for orderbook events
	Received  time.Time
}

// Client is the REST-style broker surface. Every engine component takes it
// explicitly at construction; tests inject fakes.
type Client interface {
	GetQuote(ctx context.Context, code string) (Quote, error)
	GetHistorical(ctx context.Context, code string, days int) ([]Candle, error)
	GetOrderBook(ctx context.Context, code string) (OrderBook, error)
	GetBalance(ctx context.Context) (Balance, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, orderNo, code string) error
	GetOrderStatus(ctx context.Context, orderNo string) (OrderStatus, error)
}

type OrderStatus struct {
	OrderNo   string
	Filled    bool
	FilledQty int64
	AvgPrice  decimal.Decimal
}
