package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"clodds/pkg/types"
)

func startHub(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)
	t.Cleanup(cancel)
}

func dialWS(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(base, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, s *Server, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.hub.ClientCount(channel) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients on %q (have %d)", want, channel, s.hub.ClientCount(channel))
}

func readFrame(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
}

func sendRequest(t *testing.T, conn *websocket.Conn, req wsRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

type wsTestResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

type wsTestEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ————————————————————————————————————————————————————————————————————————
// Request/response
// ————————————————————————————————————————————————————————————————————————

func TestWSMarketsSearch(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, func(d *Deps) {
		d.Feeds = &fakeFeeds{
			status:  map[string]bool{"polymarket": true},
			results: []types.Market{{ID: "m1", Venue: "polymarket", Question: "Will BTC close above 100k?"}},
		}
	})
	startHub(t, s)

	conn := dialWS(t, ts.URL, "/ws")
	sendRequest(t, conn, wsRequest{ID: "1", Type: "markets.search", Params: json.RawMessage(`{"query":"btc"}`)})

	var resp wsTestResponse
	readFrame(t, conn, &resp)
	if resp.Type != "res" || resp.ID != "1" {
		t.Fatalf("frame = %+v, want res with id 1", resp)
	}
	if !resp.OK {
		t.Fatalf("ok = false, error = %q", resp.Error)
	}
	var markets []types.Market
	if err := json.Unmarshal(resp.Payload, &markets); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(markets) != 1 || markets[0].ID != "m1" {
		t.Fatalf("markets = %+v, want one result m1", markets)
	}
}

func TestWSPriceGet(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, func(d *Deps) {
		d.Feeds = &fakeFeeds{
			status: map[string]bool{"polymarket": true},
			prices: map[string]float64{"polymarket/tok-1": 0.42},
		}
	})
	startHub(t, s)

	conn := dialWS(t, ts.URL, "/ws")
	sendRequest(t, conn, wsRequest{ID: "p1", Type: "price.get", Params: json.RawMessage(`{"venue":"polymarket","id":"tok-1"}`)})

	var resp wsTestResponse
	readFrame(t, conn, &resp)
	if !resp.OK {
		t.Fatalf("ok = false, error = %q", resp.Error)
	}
	var payload struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Price != 0.42 {
		t.Fatalf("price = %v, want 0.42", payload.Price)
	}
}

func TestWSUnknownRequestType(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)

	conn := dialWS(t, ts.URL, "/ws")
	sendRequest(t, conn, wsRequest{ID: "9", Type: "bogus"})

	var resp wsTestResponse
	readFrame(t, conn, &resp)
	if resp.OK {
		t.Fatal("ok = true for unknown request type")
	}
	if !strings.Contains(resp.Error, "unknown request type") {
		t.Fatalf("error = %q, want unknown request type", resp.Error)
	}
	if resp.ID != "9" {
		t.Fatalf("id = %q, want 9 so the client can correlate the failure", resp.ID)
	}
}

func TestWSMalformedRequest(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)

	conn := dialWS(t, ts.URL, "/ws")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp wsTestResponse
	readFrame(t, conn, &resp)
	if resp.OK {
		t.Fatal("ok = true for malformed request")
	}
	if !strings.Contains(resp.Error, "malformed") {
		t.Fatalf("error = %q, want malformed request", resp.Error)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tick fan-out
// ————————————————————————————————————————————————————————————————————————

func TestWSSubscribeGatesTicks(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)
	s.attachBus()
	t.Cleanup(s.detachBus)

	silent := dialWS(t, ts.URL, "/ws")
	conn := dialWS(t, ts.URL, "/ws")
	waitForClients(t, s, channelWS, 2)

	sendRequest(t, conn, wsRequest{ID: "s", Type: "subscribe"})
	var resp wsTestResponse
	readFrame(t, conn, &resp)
	if !resp.OK {
		t.Fatalf("subscribe failed: %q", resp.Error)
	}

	s.deps.Bus.EmitTick(types.PriceUpdate{
		Venue:       "polymarket",
		MarketID:    "cond-1",
		OutcomeID:   "tok-up",
		Price:       0.55,
		TimestampMs: 1700000000000,
	})

	var ev wsTestEvent
	readFrame(t, conn, &ev)
	if ev.Type != "tick" {
		t.Fatalf("frame type = %q, want tick", ev.Type)
	}
	var u types.PriceUpdate
	if err := json.Unmarshal(ev.Payload, &u); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if u.MarketID != "cond-1" || u.Price != 0.55 {
		t.Fatalf("tick = %+v, want cond-1 at 0.55", u)
	}

	// The unsubscribed socket must have seen nothing: the subscriber's tick
	// already proves the fan-out ran.
	silent.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := silent.ReadMessage(); err == nil {
		t.Fatal("unsubscribed client received a frame")
	}
}

func TestTickStreamBroadcastsWithoutSubscribe(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)
	s.attachBus()
	t.Cleanup(s.detachBus)

	conn := dialWS(t, ts.URL, "/api/ticks/stream")
	waitForClients(t, s, channelTicks, 1)

	s.deps.Bus.EmitTick(types.PriceUpdate{Venue: "binance", MarketID: "BTCUSDT", Price: 101250.5, TimestampMs: 1700000000000})

	var ev wsTestEvent
	readFrame(t, conn, &ev)
	if ev.Type != "tick" {
		t.Fatalf("frame type = %q, want tick", ev.Type)
	}
	var u types.PriceUpdate
	if err := json.Unmarshal(ev.Payload, &u); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if u.Venue != "binance" || u.MarketID != "BTCUSDT" {
		t.Fatalf("tick = %+v, want binance BTCUSDT", u)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Chat and alerts
// ————————————————————————————————————————————————————————————————————————

func TestChatFanoutIsScopedToUser(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)

	// Two sockets for u1, one for u2.
	sender := dialWS(t, ts.URL, "/chat?user=u1")
	peer := dialWS(t, ts.URL, "/chat?user=u1")
	other := dialWS(t, ts.URL, "/chat?user=u2")
	waitForClients(t, s, channelChat, 3)

	if err := sender.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello"}`)); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	var ev wsTestEvent
	readFrame(t, peer, &ev)
	if ev.Type != "message" {
		t.Fatalf("peer frame type = %q, want message", ev.Type)
	}
	var msg chatMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		t.Fatalf("decode chat payload: %v", err)
	}
	if msg.UserID != "u1" || msg.Text != "hello" {
		t.Fatalf("message = %+v, want hello from u1", msg)
	}

	// u2's first frame is the alert below. If the chat message had leaked
	// across users it would arrive first and fail the type check.
	if err := s.SendAlert(context.Background(), "u2", "BTC crossed 100k"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	readFrame(t, other, &ev)
	if ev.Type != "alert" {
		t.Fatalf("u2 frame type = %q, want alert", ev.Type)
	}
	var alert chatMessage
	if err := json.Unmarshal(ev.Payload, &alert); err != nil {
		t.Fatalf("decode alert payload: %v", err)
	}
	if alert.Text != "BTC crossed 100k" {
		t.Fatalf("alert text = %q, want BTC crossed 100k", alert.Text)
	}
}

func TestSendAlertWithNoSocketsIsBestEffort(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Config{}, nil)
	startHub(t, s)

	if err := s.SendAlert(context.Background(), "nobody-home", "ping"); err != nil {
		t.Fatalf("SendAlert to offline user = %v, want nil", err)
	}
}

func TestChatRequiresUser(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)

	resp, err := http.Get(ts.URL + "/chat")
	if err != nil {
		t.Fatalf("GET /chat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWSConnectionCountsInHealth(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Config{}, nil)
	startHub(t, s)

	dialWS(t, ts.URL, "/ws")
	waitForClients(t, s, channelWS, 1)

	var got healthResponse
	getJSON(t, ts.URL+"/health", &got)
	if got.Services["ws"] != "1 clients" {
		t.Fatalf("ws = %q, want 1 clients", got.Services["ws"])
	}
}
