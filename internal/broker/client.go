package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

// RESTClient talks to the broker's REST endpoints. Wire-level auth (token
// issuance, request signing) is the broker gateway's concern; this client
// only attaches the configured credentials as headers.
type RESTClient struct {
	baseURL   string
	appKey    string
	appSecret string
	accountNo string
	http      *http.Client
}

func NewRESTClient(cfg config.BrokerConfig) *RESTClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RESTClient{
		baseURL:   cfg.BaseURL,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		accountNo: cfg.AccountNo,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}
}

type quotePayload struct {
	Code       string `json:"code"`
	Price      string `json:"price"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	Volume     int64  `json:"volume"`
	ChangeRate string `json:"change_rate"`
}

func (c *RESTClient) GetQuote(ctx context.Context, code string) (Quote, error) {
	var payload quotePayload
	if err := c.get(ctx, "/v1/quotes/"+code, &payload); err != nil {
		return Quote{}, err
	}
	q := Quote{
		Code:      code,
		Volume:    payload.Volume,
		Timestamp: time.Now(),
	}
	var err error
	if q.Price, err = decimal.NewFromString(payload.Price); err != nil {
		return Quote{}, apperrors.New(apperrors.ErrInternal, "malformed quote price", err)
	}
	q.Bid, _ = decimal.NewFromString(payload.Bid)
	q.Ask, _ = decimal.NewFromString(payload.Ask)
	q.ChangeRate, _ = strconv.ParseFloat(payload.ChangeRate, 64)
	return q, nil
}

type candlePayload struct {
	Date   string `json:"date"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume int64  `json:"volume"`
}

func (c *RESTClient) GetHistorical(ctx context.Context, code string, days int) ([]Candle, error) {
	var payload []candlePayload
	path := fmt.Sprintf("/v1/quotes/%s/daily?days=%d", code, days)
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(payload))
	for _, p := range payload {
		date, err := time.Parse("20060102", p.Date)
		if err != nil {
			continue
		}
		candle := Candle{Code: code, Date: date, Volume: p.Volume}
		candle.Open, _ = decimal.NewFromString(p.Open)
		candle.High, _ = decimal.NewFromString(p.High)
		candle.Low, _ = decimal.NewFromString(p.Low)
		candle.Close, _ = decimal.NewFromString(p.Close)
		candles = append(candles, candle)
	}
	return candles, nil
}

type bookPayload struct {
	Bids []levelPayload `json:"bids"`
	Asks []levelPayload `json:"asks"`
}

type levelPayload struct {
	Price string `json:"price"`
	Size  int64  `json:"size"`
}

func (c *RESTClient) GetOrderBook(ctx context.Context, code string) (OrderBook, error) {
	var payload bookPayload
	if err := c.get(ctx, "/v1/quotes/"+code+"/book", &payload); err != nil {
		return OrderBook{}, err
	}
	book := OrderBook{Code: code, Timestamp: time.Now()}
	for _, b := range payload.Bids {
		price, err := decimal.NewFromString(b.Price)
		if err != nil {
			continue
		}
		book.Bids = append(book.Bids, OrderBookLevel{Price: price, Size: b.Size})
	}
	for _, a := range payload.Asks {
		price, err := decimal.NewFromString(a.Price)
		if err != nil {
			continue
		}
		book.Asks = append(book.Asks, OrderBookLevel{Price: price, Size: a.Size})
	}
	return book, nil
}

func (c *RESTClient) GetBalance(ctx context.Context) (Balance, error) {
	var payload struct {
		Cash   string `json:"cash"`
		Equity string `json:"equity"`
	}
	if err := c.get(ctx, "/v1/accounts/"+c.accountNo+"/balance", &payload); err != nil {
		return Balance{}, err
	}
	bal := Balance{FetchedAt: time.Now()}
	var err error
	if bal.Cash, err = decimal.NewFromString(payload.Cash); err != nil {
		return Balance{}, apperrors.New(apperrors.ErrInternal, "malformed balance", err)
	}
	bal.Equity, _ = decimal.NewFromString(payload.Equity)
	return bal, nil
}

func (c *RESTClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	body := map[string]any{
		"client_id": req.ClientID,
		"account":   c.accountNo,
		"code":      req.Code,
		"side":      string(req.Side),
		"type":      string(req.Type),
		"quantity":  req.Quantity,
	}
	if req.Type == OrderLimit {
		body["price"] = req.Price.String()
	}
	var payload struct {
		OrderNo string `json:"order_no"`
	}
	if err := c.post(ctx, "/v1/orders", body, &payload); err != nil {
		return OrderResponse{}, err
	}
	if payload.OrderNo == "" {
		return OrderResponse{}, apperrors.Newf(apperrors.ErrOrderLifecycle, "broker returned no order number for %s", req.Code)
	}
	return OrderResponse{OrderNo: payload.OrderNo, SubmittedAt: time.Now()}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, orderNo, code string) error {
	body := map[string]any{"account": c.accountNo, "code": code}
	return c.post(ctx, "/v1/orders/"+orderNo+"/cancel", body, nil)
}

func (c *RESTClient) GetOrderStatus(ctx context.Context, orderNo string) (OrderStatus, error) {
	var payload struct {
		Status    string `json:"status"`
		FilledQty int64  `json:"filled_qty"`
		AvgPrice  string `json:"avg_price"`
	}
	if err := c.get(ctx, "/v1/orders/"+orderNo, &payload); err != nil {
		return OrderStatus{}, err
	}
	status := OrderStatus{
		OrderNo:   orderNo,
		Filled:    payload.Status == "filled",
		FilledQty: payload.FilledQty,
	}
	status.AvgPrice, _ = decimal.NewFromString(payload.AvgPrice)
	return status, nil
}

func (c *RESTClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "build request", err)
	}
	return c.do(req, out)
}

func (c *RESTClient) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out any) error {
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewTransient("broker request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.Newf(apperrors.ErrQuota, "broker throttled %s", req.URL.Path)
	case resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.ErrTransient, "broker %s returned %d", req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.Newf(apperrors.ErrOrderLifecycle, "broker rejected %s: %s", req.URL.Path, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.New(apperrors.ErrInternal, "decode broker response", err)
	}
	return nil
}
