// Package userws maintains one authenticated WebSocket per user to the
// venue's user channel, delivering that user's fills and order lifecycle
// events in real time.
//
// A Socket walks disconnected -> connecting -> open_unsubscribed ->
// subscribed, holding subscribed only after the venue acknowledges the
// channel. Connection loss with a non-normal close code schedules a
// reconnect at 5s growing 1.5x to a 60s ceiling; after 10 failed attempts
// the socket goes terminal and stays down until the manager rebuilds it.
// Every per-connection goroutine and timer closes over the *websocket.Conn
// it was started for and exits as soon as the socket has moved on to a
// newer conn, so a torn-down connection can never mutate its successor's
// state.
package userws

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"clodds/pkg/types"
)

// State is the socket lifecycle phase.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateOpenUnsubscribed State = "open_unsubscribed"
	StateSubscribed       State = "subscribed"
	StateClosing          State = "closing"
)

const (
	pingInterval         = 10 * time.Second
	readTimeout          = 30 * time.Second // 3 missed pings
	writeTimeout         = 10 * time.Second
	reconnectInitialWait = 5 * time.Second
	reconnectMultiplier  = 1.5
	reconnectMaxWait     = 60 * time.Second
	maxReconnectAttempts = 10
)

// Outbound frames.

type authPayload struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type subscribeFrame struct {
	Type    string      `json:"type"` // "subscribe"
	Channel string      `json:"channel"`
	Auth    authPayload `json:"auth"`
}

type pingFrame struct {
	Type string `json:"type"` // "ping"
}

// Inbound frames. Control frames carry "type"; venue data events carry
// "event_type". The envelope reads both.

type envelope struct {
	Type      string `json:"type"`
	EventType string `json:"event_type"`
	Channel   string `json:"channel"`
}

func (e envelope) kind() string {
	if e.Type != "" {
		return e.Type
	}
	return e.EventType
}

type userTradeEvent struct {
	ID              string `json:"id"`
	Market          string `json:"market"`
	AssetID         string `json:"asset_id"`
	Side            string `json:"side"`
	Size            string `json:"size"`
	Price           string `json:"price"`
	Status          string `json:"status"`
	Timestamp       string `json:"timestamp"`
	TakerOrderID    string `json:"taker_order_id"`
	TransactionHash string `json:"transaction_hash"`
}

type userOrderEvent struct {
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	OrderType    string `json:"order_type"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Timestamp    string `json:"timestamp"`
}

// Socket is one user's connection to the venue user channel.
type Socket struct {
	url    string
	userID string
	creds  types.VenueCredentials
	logger *slog.Logger

	onFill     func(types.Fill)
	onOrder    func(types.OrderEvent)
	onTerminal func(error)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connCancel context.CancelFunc
	stale      bool
	attempts   int
	backoff    *backoff.ExponentialBackOff
	retryTimer *time.Timer
	readyCh    chan error // resolves the first Connect

	writeMu sync.Mutex
}

// NewSocket builds a disconnected socket. Handlers may be nil.
func NewSocket(url, userID string, creds types.VenueCredentials, logger *slog.Logger) *Socket {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialWait
	bo.Multiplier = reconnectMultiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = reconnectMaxWait

	return &Socket{
		url:     url,
		userID:  userID,
		creds:   creds,
		state:   StateDisconnected,
		backoff: bo,
		logger:  logger.With("component", "user_ws", "user", userID),
	}
}

// OnFill sets the fill handler. Call before Connect.
func (s *Socket) OnFill(fn func(types.Fill)) { s.onFill = fn }

// OnOrder sets the order event handler. Call before Connect.
func (s *Socket) OnOrder(fn func(types.OrderEvent)) { s.onOrder = fn }

// OnTerminal sets the handler invoked when the reconnect budget is spent.
func (s *Socket) OnTerminal(fn func(error)) { s.onTerminal = fn }

func (s *Socket) UserID() string { return s.userID }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the venue has acknowledged the subscription.
func (s *Socket) Connected() bool {
	return s.State() == StateSubscribed
}

// Connect dials and blocks until the venue acknowledges the subscription,
// the reconnect budget is spent, or ctx expires. Reconnection after a later
// drop happens in the background.
func (s *Socket) Connect(ctx context.Context) error {
	ready := make(chan error, 1)

	s.mu.Lock()
	if s.stale {
		s.mu.Unlock()
		return fmt.Errorf("socket is stale")
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("connect called in state %s", s.state)
	}
	s.readyCh = ready
	s.mu.Unlock()

	go s.connect()

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect is the user-initiated teardown: pending reconnects and pings
// are cancelled, the connection closes with code 1000, and the socket is
// marked stale so late callbacks from the old connection are ignored.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.stale = true
	s.state = StateClosing
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.logger.Info("user socket disconnected")
}

// current reports whether conn is still the socket's live connection. Every
// per-connection callback checks this first and bails when superseded.
func (s *Socket) current(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

func (s *Socket) connect() {
	s.mu.Lock()
	if s.stale {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		s.handleClose(nil, fmt.Errorf("dial: %w", err), websocket.CloseAbnormalClosure)
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.stale {
		s.mu.Unlock()
		cancel()
		conn.Close()
		return
	}
	s.conn = conn
	s.connCancel = cancel
	s.state = StateOpenUnsubscribed
	s.mu.Unlock()

	if err := s.sendSubscribe(conn); err != nil {
		s.handleClose(conn, fmt.Errorf("subscribe: %w", err), websocket.CloseAbnormalClosure)
		return
	}

	go s.pingLoop(connCtx, conn)
	go s.readLoop(conn)
}

func (s *Socket) sendSubscribe(conn *websocket.Conn) error {
	return s.writeJSON(conn, subscribeFrame{
		Type:    "subscribe",
		Channel: "user",
		Auth: authPayload{
			APIKey:     s.creds.APIKey,
			Secret:     s.creds.Secret,
			Passphrase: s.creds.Passphrase,
		},
	})
}

func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.current(conn) {
				return
			}
			if err := s.writeJSON(conn, pingFrame{Type: "ping"}); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		if !s.current(conn) {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.current(conn) {
				s.handleClose(conn, err, closeCode(err))
			}
			return
		}

		s.handleMessage(conn, data)
	}
}

// closeCode extracts the close status; read errors without one count as
// abnormal.
func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (s *Socket) handleMessage(conn *websocket.Conn, data []byte) {
	if !s.current(conn) {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-json message", "data", string(data))
		return
	}

	switch env.kind() {
	case "subscribed":
		if env.Channel != "user" {
			s.logger.Warn("ack for unexpected channel", "channel", env.Channel)
			return
		}
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.state = StateSubscribed
		s.attempts = 0
		s.backoff.Reset()
		ready := s.readyCh
		s.readyCh = nil
		s.mu.Unlock()

		s.logger.Info("user channel subscribed")
		if ready != nil {
			ready <- nil
		}

	case "pong":
		// Keep-alive answer, no state change.

	case "trade":
		var evt userTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal trade event", "error", err)
			return
		}
		if s.onFill != nil {
			s.onFill(normalizeFill(evt))
		}

	case "order":
		var evt userOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal order event", "error", err)
			return
		}
		if s.onOrder != nil {
			s.onOrder(normalizeOrder(evt))
		}

	default:
		s.logger.Debug("unknown user channel message", "kind", env.kind())
	}
}

// handleClose runs once per dropped connection: it decides between retiring
// the socket and scheduling a reconnect. Callbacks fire outside the lock.
func (s *Socket) handleClose(conn *websocket.Conn, err error, code int) {
	s.mu.Lock()
	if conn != nil && s.conn != conn {
		// A newer connection owns the socket now.
		s.mu.Unlock()
		return
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if s.stale || s.state == StateClosing || code == websocket.CloseNormalClosure {
		s.state = StateDisconnected
		s.mu.Unlock()
		return
	}

	s.attempts++
	if s.attempts >= maxReconnectAttempts {
		s.state = StateDisconnected
		attempts := s.attempts
		ready := s.readyCh
		s.readyCh = nil
		fn := s.onTerminal
		s.mu.Unlock()

		terminalErr := fmt.Errorf("gave up after %d reconnect attempts: %w", attempts, err)
		s.logger.Error("user socket terminal", "error", terminalErr)
		if ready != nil {
			ready <- terminalErr
		}
		if fn != nil {
			fn(terminalErr)
		}
		return
	}

	wait := s.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = reconnectMaxWait
	}
	s.state = StateDisconnected
	attempt := s.attempts
	s.retryTimer = time.AfterFunc(wait, s.connect)
	s.mu.Unlock()

	s.logger.Warn("user socket dropped, reconnecting",
		"error", err,
		"code", code,
		"attempt", attempt,
		"backoff", wait,
	)
}

func (s *Socket) writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ——————————————————————————————————————————————————————————————————————————
// Normalization
// ——————————————————————————————————————————————————————————————————————————

func normalizeFill(evt userTradeEvent) types.Fill {
	orderID := evt.TakerOrderID
	if orderID == "" {
		orderID = evt.ID
	}
	return types.Fill{
		OrderID:     orderID,
		MarketID:    evt.Market,
		TokenID:     evt.AssetID,
		Side:        parseSide(evt.Side),
		Size:        parseFloat(evt.Size),
		Price:       parseFloat(evt.Price),
		Status:      types.ParseFillStatus(evt.Status),
		TimestampMs: parseTimestampMs(evt.Timestamp),
		TxHash:      evt.TransactionHash,
	}
}

func normalizeOrder(evt userOrderEvent) types.OrderEvent {
	return types.OrderEvent{
		OrderID:      evt.ID,
		MarketID:     evt.Market,
		TokenID:      evt.AssetID,
		Type:         types.ParseOrderEventType(evt.OrderType),
		Side:         parseSide(evt.Side),
		Price:        parseFloat(evt.Price),
		OriginalSize: parseFloat(evt.OriginalSize),
		SizeMatched:  parseFloat(evt.SizeMatched),
		TimestampMs:  parseTimestampMs(evt.Timestamp),
	}
}

func parseSide(s string) types.Side {
	if strings.EqualFold(s, "SELL") {
		return types.SideSell
	}
	return types.SideBuy
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseTimestampMs accepts seconds or milliseconds since epoch; the local
// clock covers malformed values.
func parseTimestampMs(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Now().UnixMilli()
	}
	if v < 1_000_000_000_000 {
		return v * 1000
	}
	return v
}
