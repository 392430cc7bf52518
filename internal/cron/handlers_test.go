package cron

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"clodds/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarkets struct {
	mu      sync.Mutex
	markets map[string]*types.Market
	books   map[string]*types.OrderbookSnapshot
	err     error
	gets    []string
}

func (f *fakeMarkets) GetMarket(_ context.Context, id, venue string) (*types.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, venue+"/"+id)
	if f.err != nil {
		return nil, f.err
	}
	return f.markets[venue+"/"+id], nil
}

func (f *fakeMarkets) GetOrderbook(_ context.Context, venue, id string) (*types.OrderbookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.books[venue+"/"+id], nil
}

type fakeAlerts struct {
	mu      sync.Mutex
	alerts  map[int64]*types.Alert
	marked  []int64
	markErr error
	listErr error
}

func (f *fakeAlerts) ListActiveAlerts(context.Context) ([]types.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []types.Alert
	for _, a := range f.alerts {
		if a.Enabled && !a.Triggered {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAlerts) GetAlert(_ context.Context, id int64) (*types.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAlerts) MarkAlertTriggered(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	if a, ok := f.alerts[id]; ok {
		a.Triggered = true
		a.LastTriggeredAt = &at
	}
	return nil
}

type sentMessage struct {
	userID string
	text   string
}

type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recorder) send(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{userID, text})
	return nil
}

func (r *recorder) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func yesNoMarket(price float64) *types.Market {
	return &types.Market{
		Venue:    types.VenuePolymarket,
		ID:       "mkt-1",
		Question: "Will it resolve yes?",
		Outcomes: []types.Outcome{
			{ID: "tok-yes", Name: "Yes", Price: price},
			{ID: "tok-no", Name: "No", Price: 1 - price},
		},
	}
}

func newTestHandlers(markets *fakeMarkets, alerts *fakeAlerts, rec *recorder) *Handlers {
	h := &Handlers{Markets: markets, Alerts: alerts, Logger: testLogger()}
	if rec != nil {
		h.Send = rec.send
	}
	return h
}

func TestExecuteSystemEvent(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeMarkets{}, &fakeAlerts{}, nil)
	if err := h.Execute(context.Background(), Payload{Kind: PayloadSystemEvent, Text: "rebooted"}); err != nil {
		t.Errorf("Execute() error = %v", err)
	}
}

func TestExecuteAgentTurn(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeMarkets{}, &fakeAlerts{}, nil)

	// No runtime configured: the turn is silently skipped.
	if err := h.Execute(context.Background(), Payload{Kind: PayloadAgentTurn, Message: "hi"}); err != nil {
		t.Errorf("Execute() without runtime error = %v", err)
	}

	var gotMsg string
	var gotOpts map[string]any
	h.AgentTurn = func(_ context.Context, message string, options map[string]any) error {
		gotMsg = message
		gotOpts = options
		return nil
	}
	p := Payload{Kind: PayloadAgentTurn, Message: "scan positions", Options: map[string]any{"depth": 3}}
	if err := h.Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotMsg != "scan positions" {
		t.Errorf("message = %q, want %q", gotMsg, "scan positions")
	}
	if gotOpts["depth"] != 3 {
		t.Errorf("options = %v, want depth 3", gotOpts)
	}
}

func TestExecuteMarketCheck(t *testing.T) {
	t.Parallel()

	markets := &fakeMarkets{markets: map[string]*types.Market{
		"polymarket/mkt-1": yesNoMarket(0.5),
	}}
	h := newTestHandlers(markets, &fakeAlerts{}, nil)

	p := Payload{Kind: PayloadMarketCheck, MarketID: "mkt-1", Venue: "polymarket"}
	if err := h.Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(markets.gets) != 1 || markets.gets[0] != "polymarket/mkt-1" {
		t.Errorf("market fetches = %v, want one polymarket/mkt-1", markets.gets)
	}
}

func TestExecuteAlertNotFound(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeMarkets{}, &fakeAlerts{alerts: map[int64]*types.Alert{}}, nil)
	err := h.Execute(context.Background(), Payload{Kind: PayloadAlert, AlertID: 7})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Execute() error = %v, want not-found", err)
	}
}

func TestExecuteUnknownKind(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeMarkets{}, &fakeAlerts{}, nil)
	if err := h.Execute(context.Background(), Payload{Kind: "bogus"}); err == nil {
		t.Error("Execute() with unknown kind should error")
	}
}

func TestCheckAlertPriceAbove(t *testing.T) {
	t.Parallel()

	markets := &fakeMarkets{markets: map[string]*types.Market{
		"polymarket/mkt-1": yesNoMarket(0.61),
	}}
	alerts := &fakeAlerts{alerts: map[int64]*types.Alert{
		1: {ID: 1, UserID: "u1", Kind: types.AlertPriceAbove, Name: "btc yes", MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.60, Enabled: true},
	}}
	rec := &recorder{}
	h := newTestHandlers(markets, alerts, rec)

	if err := h.Execute(context.Background(), Payload{Kind: PayloadAlert, AlertID: 1}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(alerts.marked) != 1 || alerts.marked[0] != 1 {
		t.Fatalf("marked = %v, want [1]", alerts.marked)
	}
	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].userID != "u1" {
		t.Errorf("notified %q, want u1", msgs[0].userID)
	}
	if !strings.Contains(msgs[0].text, "btc yes") || !strings.Contains(msgs[0].text, "mkt-1") {
		t.Errorf("message %q should name the alert and market", msgs[0].text)
	}
}

func TestCheckAlertBelowThresholdStaysQuiet(t *testing.T) {
	t.Parallel()

	markets := &fakeMarkets{markets: map[string]*types.Market{
		"polymarket/mkt-1": yesNoMarket(0.59),
	}}
	alerts := &fakeAlerts{alerts: map[int64]*types.Alert{
		1: {ID: 1, UserID: "u1", Kind: types.AlertPriceAbove, MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.60, Enabled: true},
	}}
	rec := &recorder{}
	h := newTestHandlers(markets, alerts, rec)

	if err := h.Execute(context.Background(), Payload{Kind: PayloadAlert, AlertID: 1}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(alerts.marked) != 0 || len(rec.messages()) != 0 {
		t.Errorf("alert below threshold fired: marked=%v sent=%v", alerts.marked, rec.messages())
	}
}

func TestCheckAlertSkipsDisabledAndTriggered(t *testing.T) {
	t.Parallel()

	markets := &fakeMarkets{markets: map[string]*types.Market{
		"polymarket/mkt-1": yesNoMarket(0.99),
	}}
	rec := &recorder{}
	for _, a := range []types.Alert{
		{ID: 1, Kind: types.AlertPriceAbove, MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.5, Enabled: false},
		{ID: 2, Kind: types.AlertPriceAbove, MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.5, Enabled: true, Triggered: true},
	} {
		alerts := &fakeAlerts{}
		h := newTestHandlers(markets, alerts, rec)
		if err := h.checkAlert(context.Background(), a); err != nil {
			t.Fatalf("checkAlert(%d) error = %v", a.ID, err)
		}
		if len(alerts.marked) != 0 {
			t.Errorf("alert %d should not fire", a.ID)
		}
	}
	if len(rec.messages()) != 0 {
		t.Errorf("sent = %v, want none", rec.messages())
	}
}

func TestCheckAlertPriceCross(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		fires bool
	}{
		{0.600, true},
		{0.598, true},
		{0.604, true},
		{0.580, false},
		{0.620, false},
	}
	for _, tt := range tests {
		markets := &fakeMarkets{markets: map[string]*types.Market{
			"polymarket/mkt-1": yesNoMarket(tt.price),
		}}
		alerts := &fakeAlerts{}
		h := newTestHandlers(markets, alerts, nil)

		a := types.Alert{ID: 1, Kind: types.AlertPriceCross, MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.60, Enabled: true}
		if err := h.checkAlert(context.Background(), a); err != nil {
			t.Fatalf("checkAlert(price=%v) error = %v", tt.price, err)
		}
		if fired := len(alerts.marked) == 1; fired != tt.fires {
			t.Errorf("price %v: fired = %v, want %v", tt.price, fired, tt.fires)
		}
	}
}

func TestCheckAlertSpreadBelow(t *testing.T) {
	t.Parallel()

	book := &types.OrderbookSnapshot{
		Venue: types.VenuePolymarket, MarketID: "mkt-1",
		BestBid: 0.49, BestAsk: 0.50, Spread: 0.01,
	}
	markets := &fakeMarkets{books: map[string]*types.OrderbookSnapshot{
		"polymarket/mkt-1": book,
	}}
	alerts := &fakeAlerts{}
	h := newTestHandlers(markets, alerts, nil)

	a := types.Alert{ID: 3, Kind: types.AlertSpreadBelow, MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.02, Enabled: true}
	if err := h.checkAlert(context.Background(), a); err != nil {
		t.Fatalf("checkAlert() error = %v", err)
	}
	if len(alerts.marked) != 1 {
		t.Fatalf("spread 0.01 under 0.02 should fire, marked = %v", alerts.marked)
	}

	// One-sided books carry no usable spread.
	markets.books["polymarket/mkt-1"] = &types.OrderbookSnapshot{BestBid: 0.49, Spread: 0}
	alerts.marked = nil
	if err := h.checkAlert(context.Background(), a); err != nil {
		t.Fatalf("checkAlert() one-sided error = %v", err)
	}
	if len(alerts.marked) != 0 {
		t.Error("one-sided book should not fire a spread alert")
	}
}

func TestCheckAlertMarkFailureSuppressesSend(t *testing.T) {
	t.Parallel()

	markets := &fakeMarkets{markets: map[string]*types.Market{
		"polymarket/mkt-1": yesNoMarket(0.70),
	}}
	alerts := &fakeAlerts{markErr: fmt.Errorf("db locked")}
	rec := &recorder{}
	h := newTestHandlers(markets, alerts, rec)

	a := types.Alert{ID: 1, UserID: "u1", Kind: types.AlertPriceAbove, MarketID: "mkt-1", Venue: "polymarket", Threshold: 0.60, Enabled: true}
	if err := h.checkAlert(context.Background(), a); err == nil {
		t.Fatal("checkAlert() should surface the mark failure")
	}
	if len(rec.messages()) != 0 {
		t.Errorf("sent = %v, want none when mark fails", rec.messages())
	}
}

func TestAlertScanIsolatesFailures(t *testing.T) {
	t.Parallel()

	// Only the second alert's market exists; the first check fails but must
	// not stop the sweep.
	markets := &fakeMarkets{markets: map[string]*types.Market{
		"polymarket/mkt-2": yesNoMarket(0.75),
	}}
	alerts := &fakeAlerts{alerts: map[int64]*types.Alert{
		1: {ID: 1, UserID: "u1", Kind: "bogus_kind", MarketID: "mkt-2", Venue: "polymarket", Threshold: 0.5, Enabled: true},
		2: {ID: 2, UserID: "u2", Kind: types.AlertPriceAbove, MarketID: "mkt-2", Venue: "polymarket", Threshold: 0.60, Enabled: true},
	}}
	rec := &recorder{}
	h := newTestHandlers(markets, alerts, rec)

	if err := h.Execute(context.Background(), Payload{Kind: PayloadAlertScan}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(alerts.marked) != 1 || alerts.marked[0] != 2 {
		t.Errorf("marked = %v, want [2]", alerts.marked)
	}
	msgs := rec.messages()
	if len(msgs) != 1 || msgs[0].userID != "u2" {
		t.Errorf("sent = %v, want one message to u2", msgs)
	}
}
