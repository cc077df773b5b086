package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	reconnBaseDelay = 1 * time.Second
	reconnMaxDelay  = 30 * time.Second
	pingPeriod      = 15 * time.Second
)

type streamKey struct {
	Code string
	Kind ChannelKind
}

// Stream maintains the push connection to the broker. Registrations are
// replayed after every reconnect; incoming messages are delivered on Events()
// so consumers never run inside the read loop.
type Stream struct {
	url    string
	conn   *websocket.Conn
	mu     sync.Mutex
	subs   map[streamKey]struct{}
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	connected bool
}

func NewStream(url string) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		url:    url,
		subs:   make(map[streamKey]struct{}),
		events: make(chan Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events delivers tick and orderbook pushes. The channel is buffered; if a
// consumer stalls long enough to fill it, the oldest pushes are dropped.
func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) Start() {
	go s.runLoop()
}

func (s *Stream) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Register asks the broker to push the given channel for the instrument. The
// caller (subscription allocator) owns the quota; the stream just relays.
func (s *Stream) Register(code string, kind ChannelKind) error {
	key := streamKey{Code: code, Kind: kind}

	s.mu.Lock()
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.subs[key] = struct{}{}
	connected := s.connected
	s.mu.Unlock()

	if connected {
		return s.send("subscribe", code, kind)
	}
	return nil
}

func (s *Stream) Unregister(code string, kind ChannelKind) error {
	key := streamKey{Code: code, Kind: kind}

	s.mu.Lock()
	if _, ok := s.subs[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, key)
	connected := s.connected
	s.mu.Unlock()

	if connected {
		return s.send("unsubscribe", code, kind)
	}
	return nil
}

func (s *Stream) runLoop() {
	log := logger.Component("stream")
	delay := reconnBaseDelay

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Error("connection failed", "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnMaxDelay {
				delay = reconnMaxDelay
			}
			continue
		}

		delay = reconnBaseDelay
		s.mu.Lock()
		s.connected = true
		pending := make([]streamKey, 0, len(s.subs))
		for key := range s.subs {
			pending = append(pending, key)
		}
		s.mu.Unlock()

		resubFailed := false
		for _, key := range pending {
			if err := s.send("subscribe", key.Code, key.Kind); err != nil {
				log.Error("resubscribe failed", "code", key.Code, "error", err)
				resubFailed = true
				break
			}
		}
		if !resubFailed {
			s.readLoop()
		}

		s.mu.Lock()
		s.connected = false
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	}
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	readTimeout := pingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.connected || s.conn == nil {
					s.mu.Unlock()
					return
				}
				err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	return nil
}

type wsMessage struct {
	Channel    string `json:"channel"` // "tick" or "orderbook"
	Code       string `json:"code"`
	Price      string `json:"price"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	Volume     int64  `json:"volume"`
	ChangeRate string `json:"change_rate"`

	Bids []levelPayload `json:"bids"`
	Asks []levelPayload `json:"asks"`
}

func (s *Stream) readLoop() {
	log := logger.Component("stream")
	readTimeout := pingPeriod + 10*time.Second

	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			log.Error("read error", "error", err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// control or keep-alive frame
			continue
		}
		if msg.Code == "" {
			continue
		}

		event, ok := s.decode(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- event:
		default:
			// consumer stalled; shed the oldest push
			select {
			case <-s.events:
			default:
			}
			select {
			case s.events <- event:
			default:
			}
		}
	}
}

func (s *Stream) decode(msg wsMessage) (Event, bool) {
	now := time.Now()
	switch ChannelKind(msg.Channel) {
	case ChannelTick:
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return Event{}, false
		}
		quote := &Quote{
			Code:      msg.Code,
			Price:     price,
			Volume:    msg.Volume,
			Timestamp: now,
		}
		quote.Bid, _ = decimal.NewFromString(msg.Bid)
		quote.Ask, _ = decimal.NewFromString(msg.Ask)
		quote.ChangeRate, _ = strconv.ParseFloat(msg.ChangeRate, 64)
		return Event{Kind: ChannelTick, Code: msg.Code, Quote: quote, Received: now}, true
	case ChannelOrderBook:
		book := &OrderBook{Code: msg.Code, Timestamp: now}
		for _, b := range msg.Bids {
			price, err := decimal.NewFromString(b.Price)
			if err != nil {
				continue
			}
			book.Bids = append(book.Bids, OrderBookLevel{Price: price, Size: b.Size})
		}
		for _, a := range msg.Asks {
			price, err := decimal.NewFromString(a.Price)
			if err != nil {
				continue
			}
			book.Asks = append(book.Asks, OrderBookLevel{Price: price, Size: a.Size})
		}
		return Event{Kind: ChannelOrderBook, Code: msg.Code, OrderBook: book, Received: now}, true
	}
	return Event{}, false
}

func (s *Stream) send(msgType, code string, kind ChannelKind) error {
	msg := map[string]any{
		"type":    msgType,
		"channel": string(kind),
		"code":    code,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no connection")
	}
	return s.conn.WriteJSON(msg)
}
