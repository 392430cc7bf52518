// ws.go implements the CLOB market-channel WebSocket.
//
// The socket subscribes by asset ID (token ID) and receives "book" snapshots,
// "price_change" deltas, and "last_trade_price" events. It reconnects with
// the shared adapter backoff policy (1s doubling to 30s, at most 5 attempts
// per outage) and re-sends the full subscription set after every reconnect.
// A read deadline catches silent server failures within ~2 missed pings.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"clodds/internal/feed"
)

const (
	pingInterval    = 50 * time.Second // PING keep-alive cadence
	readTimeout     = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout    = 10 * time.Second // deadline for outgoing messages
	bookBufferSize  = 256
	priceBufferSize = 256
)

// Wire shapes of the market channel. Prices and sizes arrive as decimal
// strings.

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookEvent struct {
	EventType string      `json:"event_type"` // "book"
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"` // condition ID
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
	Buys      []wireLevel `json:"buys"`
	Sells     []wireLevel `json:"sells"`
}

type priceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type priceChangeEvent struct {
	EventType    string        `json:"event_type"` // "price_change"
	Market       string        `json:"market"`
	Timestamp    string        `json:"timestamp"`
	PriceChanges []priceChange `json:"price_changes"`
}

type lastTradeEvent struct {
	EventType string `json:"event_type"` // "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

type subscribeMsg struct {
	Type     string   `json:"type"` // "market"
	AssetIDs []string `json:"assets_ids"`
}

type updateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// marketSocket manages the market-channel connection: lifecycle,
// subscription tracking, message routing, and reconnection.
type marketSocket struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // asset IDs

	bookCh  chan bookEvent
	priceCh chan priceChangeEvent
	tradeCh chan lastTradeEvent

	healthy sync.Map // single "up" key; avoids a dedicated mutex
	logger  *slog.Logger
}

func newMarketSocket(wsURL string, logger *slog.Logger) *marketSocket {
	return &marketSocket{
		url:        wsURL,
		subscribed: make(map[string]bool),
		bookCh:     make(chan bookEvent, bookBufferSize),
		priceCh:    make(chan priceChangeEvent, priceBufferSize),
		tradeCh:    make(chan lastTradeEvent, priceBufferSize),
		logger:     logger.With("component", "polymarket_ws"),
	}
}

func (s *marketSocket) BookEvents() <-chan bookEvent         { return s.bookCh }
func (s *marketSocket) PriceEvents() <-chan priceChangeEvent { return s.priceCh }
func (s *marketSocket) TradeEvents() <-chan lastTradeEvent   { return s.tradeCh }

func (s *marketSocket) Healthy() bool {
	_, up := s.healthy.Load("up")
	return up
}

// Run connects and maintains the connection until ctx is cancelled or the
// reconnect budget is spent.
func (s *marketSocket) Run(ctx context.Context) error {
	bo := feed.NewReconnectBackoff()
	attempts := 0

	for {
		connected, err := s.connectAndRead(ctx)
		s.healthy.Delete("up")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The outage starts fresh after any successful session.
			attempts = 0
			bo.Reset()
		}

		attempts++
		if attempts > feed.MaxReconnectAttempts {
			s.logger.Error("websocket reconnect attempts exhausted",
				"attempts", attempts-1,
				"error", err,
			)
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = feed.ReconnectMaxWait
		}
		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds asset IDs and announces them on the live connection.
func (s *marketSocket) Subscribe(ids []string) error {
	s.subscribedMu.Lock()
	for _, id := range ids {
		s.subscribed[id] = true
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(updateMsg{Operation: "subscribe", AssetIDs: ids})
}

// Unsubscribe removes asset IDs from the tracked set and the connection.
func (s *marketSocket) Unsubscribe(ids []string) error {
	s.subscribedMu.Lock()
	for _, id := range ids {
		delete(s.subscribed, id)
	}
	s.subscribedMu.Unlock()

	return s.writeJSON(updateMsg{Operation: "unsubscribe", AssetIDs: ids})
}

// Close closes the current connection, if any.
func (s *marketSocket) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// connectAndRead dials, subscribes, and reads until failure. The first
// return value reports whether the dial + initial subscription succeeded, so
// the caller can reset its attempt counter.
func (s *marketSocket) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.healthy.Store("up", true)
	s.logger.Info("websocket connected", "subscriptions", s.subscriptionCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *marketSocket) sendInitialSubscription() error {
	s.subscribedMu.RLock()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.subscribedMu.RUnlock()

	return s.writeJSON(subscribeMsg{Type: "market", AssetIDs: ids})
}

func (s *marketSocket) subscriptionCount() int {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	return len(s.subscribed)
}

func (s *marketSocket) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt bookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case s.bookCh <- evt:
		default:
			s.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}

	case "price_change":
		var evt priceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		select {
		case s.priceCh <- evt:
		default:
			s.logger.Warn("price_change channel full, dropping event")
		}

	case "last_trade_price":
		var evt lastTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		select {
		case s.tradeCh <- evt:
		default:
			s.logger.Warn("trade channel full, dropping event", "asset", evt.AssetID)
		}

	case "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		s.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (s *marketSocket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *marketSocket) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeMessage(websocket.TextMessage, data)
}

func (s *marketSocket) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
