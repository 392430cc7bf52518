// ws.go implements the Binance combined-stream WebSocket.
//
// Streams are carried on one connection; the set in effect is rebuilt into
// the dial URL on every reconnect, and live changes go out as SUBSCRIBE and
// UNSUBSCRIBE frames. Binance pings from the server side, which gorilla's
// default handler answers, so the socket sends no pings of its own.
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"clodds/internal/feed"
)

const (
	readTimeout     = 90 * time.Second
	writeTimeout    = 10 * time.Second
	tradeBufferSize = 256
)

// wsTrade is the spot @trade event. Binance uses single-letter keys.
type wsTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// streamEnvelope is the combined-stream wrapper.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type streamCommand struct {
	Method string   `json:"method"` // SUBSCRIBE or UNSUBSCRIBE
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type spotSocket struct {
	baseURL string
	conn    *websocket.Conn
	connMu  sync.Mutex

	streamsMu sync.RWMutex
	streams   map[string]bool // e.g. "btcusdt@trade"
	cmdID     int64

	tradeCh chan wsTrade
	healthy sync.Map
	logger  *slog.Logger
}

func newSpotSocket(baseURL string, logger *slog.Logger) *spotSocket {
	return &spotSocket{
		baseURL: baseURL,
		streams: make(map[string]bool),
		tradeCh: make(chan wsTrade, tradeBufferSize),
		logger:  logger.With("component", "binance_ws"),
	}
}

func (s *spotSocket) Trades() <-chan wsTrade { return s.tradeCh }

func (s *spotSocket) Healthy() bool {
	_, up := s.healthy.Load("up")
	return up
}

// Run maintains the connection until ctx is cancelled or the reconnect
// budget is spent.
func (s *spotSocket) Run(ctx context.Context) error {
	bo := feed.NewReconnectBackoff()
	attempts := 0

	for {
		connected, err := s.connectAndRead(ctx)
		s.healthy.Delete("up")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
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

// Subscribe adds stream names and announces them on the live connection.
func (s *spotSocket) Subscribe(streams []string) error {
	s.streamsMu.Lock()
	for _, st := range streams {
		s.streams[st] = true
	}
	s.cmdID++
	id := s.cmdID
	s.streamsMu.Unlock()

	return s.writeJSON(streamCommand{Method: "SUBSCRIBE", Params: streams, ID: id})
}

func (s *spotSocket) Unsubscribe(streams []string) error {
	s.streamsMu.Lock()
	for _, st := range streams {
		delete(s.streams, st)
	}
	s.cmdID++
	id := s.cmdID
	s.streamsMu.Unlock()

	return s.writeJSON(streamCommand{Method: "UNSUBSCRIBE", Params: streams, ID: id})
}

func (s *spotSocket) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// dialURL folds the current stream set into the combined endpoint so a
// reconnect restores every subscription in one step.
func (s *spotSocket) dialURL() string {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()

	if len(s.streams) == 0 {
		return s.baseURL + "/stream"
	}
	names := make([]string, 0, len(s.streams))
	for st := range s.streams {
		names = append(names, st)
	}
	return s.baseURL + "/stream?streams=" + strings.Join(names, "/")
}

func (s *spotSocket) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.dialURL(), nil)
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

	s.healthy.Store("up", true)
	s.logger.Info("websocket connected", "streams", s.streamCount())

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

func (s *spotSocket) streamCount() int {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	return len(s.streams)
}

func (s *spotSocket) dispatchMessage(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if env.Stream == "" {
		// Command acks arrive as {"result":null,"id":n}.
		return
	}

	if !strings.HasSuffix(env.Stream, "@trade") {
		s.logger.Debug("ignoring stream", "stream", env.Stream)
		return
	}

	var trade wsTrade
	if err := json.Unmarshal(env.Data, &trade); err != nil {
		s.logger.Error("unmarshal trade event", "error", err, "stream", env.Stream)
		return
	}

	select {
	case s.tradeCh <- trade:
	default:
		s.logger.Warn("trade channel full, dropping event", "symbol", trade.Symbol)
	}
}

func (s *spotSocket) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
