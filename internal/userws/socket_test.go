package userws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"clodds/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds() types.VenueCredentials {
	return types.VenueCredentials{APIKey: "key", Secret: "sec", Passphrase: "pass"}
}

// wsServer is a scripted user-channel endpoint. It answers pings, records
// subscribe frames, and acks with the configured channel name ("" = never
// ack automatically).
type wsServer struct {
	t          *testing.T
	srv        *httptest.Server
	ackChannel string

	mu    sync.Mutex
	conns int
	conn  *websocket.Conn

	subscribes chan subscribeFrame
}

func newWSServer(t *testing.T, ackChannel string) *wsServer {
	t.Helper()

	s := &wsServer{
		t:          t,
		ackChannel: ackChannel,
		subscribes: make(chan subscribeFrame, 8),
	}

	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.conn = conn
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame subscribeFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case "subscribe":
				s.subscribes <- frame
				if s.ackChannel != "" {
					s.writeTo(conn, `{"type":"subscribed","channel":"`+s.ackChannel+`"}`)
				}
			case "ping":
				s.writeTo(conn, `{"type":"pong"}`)
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) writeTo(conn *websocket.Conn, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// send writes to the most recent connection.
func (s *wsServer) send(payload string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no connection to send on")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectSubscribesAndAcks(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	sock := NewSocket(srv.url(), "u1", testCreds(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sock.Disconnect()

	if got := sock.State(); got != StateSubscribed {
		t.Errorf("state = %s, want %s", got, StateSubscribed)
	}

	select {
	case frame := <-srv.subscribes:
		if frame.Channel != "user" {
			t.Errorf("subscribe channel = %q, want user", frame.Channel)
		}
		if frame.Auth.APIKey != "key" || frame.Auth.Secret != "sec" || frame.Auth.Passphrase != "pass" {
			t.Errorf("auth = %+v, credentials not forwarded", frame.Auth)
		}
	default:
		t.Fatal("server never received a subscribe frame")
	}
}

func TestAckStrictness(t *testing.T) {
	t.Parallel()

	// Server acks the wrong channel; the socket must not treat it as
	// subscribed.
	srv := newWSServer(t, "market")
	sock := NewSocket(srv.url(), "u1", testCreds(), testLogger())
	defer sock.Disconnect()

	connectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		connectErr <- sock.Connect(ctx)
	}()

	waitFor(t, func() bool { return sock.State() == StateOpenUnsubscribed },
		"socket never reached open_unsubscribed")

	// Give the wrong ack time to arrive, then confirm it changed nothing.
	time.Sleep(100 * time.Millisecond)
	if got := sock.State(); got != StateOpenUnsubscribed {
		t.Fatalf("state = %s after wrong-channel ack, want %s", got, StateOpenUnsubscribed)
	}

	// The correct ack completes the pending Connect.
	srv.send(`{"type":"subscribed","channel":"user"}`)
	select {
	case err := <-connectErr:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not resolve after correct ack")
	}
	if got := sock.State(); got != StateSubscribed {
		t.Errorf("state = %s, want %s", got, StateSubscribed)
	}
}

func TestFillAndOrderDelivery(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	sock := NewSocket(srv.url(), "u1", testCreds(), testLogger())

	fills := make(chan types.Fill, 1)
	orders := make(chan types.OrderEvent, 1)
	sock.OnFill(func(f types.Fill) { fills <- f })
	sock.OnOrder(func(e types.OrderEvent) { orders <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sock.Disconnect()

	srv.send(`{
		"event_type": "trade",
		"id": "trade-1",
		"taker_order_id": "order-9",
		"market": "0xcond",
		"asset_id": "111",
		"side": "SELL",
		"size": "25",
		"price": "0.62",
		"status": "CONFIRMED",
		"timestamp": "1700000000",
		"transaction_hash": "0xdeadbeef"
	}`)

	select {
	case f := <-fills:
		if f.OrderID != "order-9" {
			t.Errorf("orderID = %q, want taker order ID", f.OrderID)
		}
		if f.Side != types.SideSell || f.Size != 25 || f.Price != 0.62 {
			t.Errorf("fill = %+v", f)
		}
		if f.Status != types.FillConfirmed {
			t.Errorf("status = %s, want CONFIRMED", f.Status)
		}
		if f.TimestampMs != 1700000000000 {
			t.Errorf("timestamp = %d, want seconds scaled to ms", f.TimestampMs)
		}
		if f.TxHash != "0xdeadbeef" {
			t.Errorf("txHash = %q", f.TxHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fill never delivered")
	}

	// Unknown order types fall back to UPDATE.
	srv.send(`{
		"event_type": "order",
		"id": "order-9",
		"market": "0xcond",
		"asset_id": "111",
		"order_type": "SOMETHING_NEW",
		"side": "BUY",
		"price": "0.61",
		"original_size": "100",
		"size_matched": "40",
		"timestamp": "1700000000500"
	}`)

	select {
	case e := <-orders:
		if e.Type != types.OrderUpdate {
			t.Errorf("type = %s, want UPDATE fallback", e.Type)
		}
		if e.OriginalSize != 100 || e.SizeMatched != 40 {
			t.Errorf("order = %+v", e)
		}
		if e.TimestampMs != 1700000000500 {
			t.Errorf("timestamp = %d, want ms passthrough", e.TimestampMs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order event never delivered")
	}
}

func TestDisconnectMarksStale(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	sock := NewSocket(srv.url(), "u1", testCreds(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sock.Disconnect()
	if got := sock.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s", got, StateDisconnected)
	}

	// A stale socket refuses to connect again.
	if err := sock.Connect(context.Background()); err == nil {
		t.Error("connect on a stale socket should fail")
	}
	if srv.connCount() != 1 {
		t.Errorf("connections = %d, disconnect must not reconnect", srv.connCount())
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	t.Parallel()

	sock := NewSocket("ws://unused", "u1", testCreds(), testLogger())
	sock.handleClose(nil, io.EOF, websocket.CloseNormalClosure)

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.retryTimer != nil {
		t.Error("normal close must not schedule a reconnect")
	}
	if sock.state != StateDisconnected {
		t.Errorf("state = %s, want %s", sock.state, StateDisconnected)
	}
	if sock.attempts != 0 {
		t.Errorf("attempts = %d, want 0", sock.attempts)
	}
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	t.Parallel()

	sock := NewSocket("ws://unused", "u1", testCreds(), testLogger())
	sock.handleClose(nil, io.EOF, websocket.CloseAbnormalClosure)

	sock.mu.Lock()
	if sock.retryTimer == nil {
		t.Error("abnormal close should schedule a reconnect")
	} else {
		sock.retryTimer.Stop()
	}
	if sock.attempts != 1 {
		t.Errorf("attempts = %d, want 1", sock.attempts)
	}
	sock.mu.Unlock()

	// The first delay is the initial interval, then 1.5x growth.
	if got := sock.backoff.InitialInterval; got != 5*time.Second {
		t.Errorf("initial interval = %v, want 5s", got)
	}
	if got := sock.backoff.Multiplier; got != 1.5 {
		t.Errorf("multiplier = %v, want 1.5", got)
	}
	if got := sock.backoff.MaxInterval; got != 60*time.Second {
		t.Errorf("max interval = %v, want 60s", got)
	}
}

func TestTerminalAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sock := NewSocket("ws://unused", "u1", testCreds(), testLogger())

	var terminal error
	sock.OnTerminal(func(err error) { terminal = err })

	sock.mu.Lock()
	sock.attempts = maxReconnectAttempts - 1
	sock.mu.Unlock()

	sock.handleClose(nil, io.EOF, websocket.CloseAbnormalClosure)

	if terminal == nil {
		t.Fatal("terminal handler not invoked at max attempts")
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.retryTimer != nil {
		t.Error("terminal socket must not schedule another reconnect")
	}
}

func TestStaleConnCallbacksIgnored(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	sock := NewSocket(srv.url(), "u1", testCreds(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sock.Disconnect()

	// A message attributed to a superseded conn must not change state.
	oldConn, _, err := websocket.DefaultDialer.Dial(srv.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer oldConn.Close()

	if sock.current(oldConn) {
		t.Fatal("foreign conn must not be current")
	}
	sock.handleMessage(oldConn, []byte(`{"type":"subscribed","channel":"user"}`))
	sock.handleClose(oldConn, io.EOF, websocket.CloseAbnormalClosure)

	if got := sock.State(); got != StateSubscribed {
		t.Errorf("state = %s, stale callbacks must not mutate it", got)
	}
}

func TestParseTimestampMs(t *testing.T) {
	t.Parallel()

	if got := parseTimestampMs("1700000000"); got != 1700000000000 {
		t.Errorf("seconds = %d, want scaled to ms", got)
	}
	if got := parseTimestampMs("1700000000123"); got != 1700000000123 {
		t.Errorf("ms = %d, want passthrough", got)
	}
	if got := parseTimestampMs("junk"); got <= 0 {
		t.Errorf("malformed = %d, want now fallback", got)
	}
}

func TestEnvelopeKind(t *testing.T) {
	t.Parallel()

	if (envelope{Type: "ping"}).kind() != "ping" {
		t.Error("type field should win")
	}
	if (envelope{EventType: "trade"}).kind() != "trade" {
		t.Error("event_type should back-fill")
	}
	if (envelope{Type: "order", EventType: "trade"}).kind() != "order" {
		t.Error("type takes precedence over event_type")
	}
}
