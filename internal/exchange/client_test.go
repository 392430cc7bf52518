package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"clodds/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDryRunClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{DryRun: true}, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func newLiveClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    baseURL,
		PrivateKey: testKey,
		ChainID:    137,
		APIKey:     "key-1",
		Secret:     "c2VjcmV0LXNlY3JldC1zZWNyZXQ=",
		Passphrase: "pass-1",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func buyReq(price, size float64) types.OrderRequest {
	return types.OrderRequest{
		Venue:     types.VenuePolymarket,
		MarketID:  "cond-1",
		TokenID:   "7110198979584892668",
		Price:     price,
		Size:      size,
		OrderType: types.OrderTypeGTC,
	}
}

func TestNewClientRequiresKeyForLiveTrading(t *testing.T) {
	t.Parallel()
	if _, err := NewClient(Config{DryRun: false}, testLogger()); err == nil {
		t.Error("expected an error without a wallet key")
	}
}

func TestDryRunBuyLimit(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	res, err := c.BuyLimit(context.Background(), buyReq(0.48, 20))
	if err != nil {
		t.Fatalf("BuyLimit: %v", err)
	}
	if !res.Success {
		t.Fatal("dry-run order should succeed")
	}
	if !strings.HasPrefix(res.OrderID, "dry-") {
		t.Errorf("OrderID = %q, want a dry- prefix", res.OrderID)
	}
	if res.FilledSize != 20 || res.AvgPrice != 0.48 {
		t.Errorf("fill = %v@%v, want 20@0.48", res.FilledSize, res.AvgPrice)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	if err := c.CancelOrder(context.Background(), types.VenuePolymarket, "o1"); err != nil {
		t.Errorf("CancelOrder: %v", err)
	}
}

func TestDryRunCancelAll(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	n, err := c.CancelAll(context.Background())
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if n != 0 {
		t.Errorf("canceled = %d, want 0", n)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  types.OrderRequest
	}{
		{"zero price", buyReq(0, 20)},
		{"price at 1", buyReq(1.0, 20)},
		{"zero size", buyReq(0.5, 0)},
		{"wrong venue", types.OrderRequest{Venue: "kalshi", TokenID: "t", Price: 0.5, Size: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.BuyLimit(ctx, tc.req); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestBuyLimitPostsSignedOrder(t *testing.T) {
	t.Parallel()

	var got orderPayload
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"orderID":"ord-1","status":"live"}`)
	}))
	defer server.Close()

	c := newLiveClient(t, server.URL)
	res, err := c.BuyLimit(context.Background(), buyReq(0.48, 20))
	if err != nil {
		t.Fatalf("BuyLimit: %v", err)
	}
	if !res.Success || res.OrderID != "ord-1" {
		t.Errorf("result = %+v, want success ord-1", res)
	}
	if res.FilledSize != 0 {
		t.Errorf("FilledSize = %v, want 0 while the order rests", res.FilledSize)
	}

	if gotHeaders.Get("POLY_ADDRESS") != testAddress {
		t.Errorf("POLY_ADDRESS = %q, want %s", gotHeaders.Get("POLY_ADDRESS"), testAddress)
	}
	if gotHeaders.Get("POLY_API_KEY") != "key-1" || gotHeaders.Get("POLY_SIGNATURE") == "" {
		t.Error("missing L2 auth headers")
	}

	if got.Order.Side != types.SideBuy {
		t.Errorf("side = %s, want BUY", got.Order.Side)
	}
	if got.Order.MakerAmount != "9600000" { // 20 * 0.48 USDC
		t.Errorf("makerAmount = %s, want 9600000", got.Order.MakerAmount)
	}
	if got.Order.TakerAmount != "20000000" { // 20 tokens
		t.Errorf("takerAmount = %s, want 20000000", got.Order.TakerAmount)
	}
	if !strings.HasPrefix(got.Order.Signature, "0x") {
		t.Errorf("order signature missing: %q", got.Order.Signature)
	}
	if got.Order.Maker != testAddress || got.Order.Signer != testAddress {
		t.Errorf("maker/signer = %s/%s, want the wallet address", got.Order.Maker, got.Order.Signer)
	}
	if got.OrderType != types.OrderTypeGTC {
		t.Errorf("orderType = %s, want GTC", got.OrderType)
	}
	if got.Owner != "key-1" {
		t.Errorf("owner = %s, want the API key", got.Owner)
	}
}

func TestSellLimitMatchedReportsFill(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"orderID":"ord-2","status":"matched"}`)
	}))
	defer server.Close()

	c := newLiveClient(t, server.URL)
	req := buyReq(0.55, 10)
	req.OrderType = types.OrderTypeFOK
	res, err := c.SellLimit(context.Background(), req)
	if err != nil {
		t.Fatalf("SellLimit: %v", err)
	}
	if res.FilledSize != 10 || res.AvgPrice != 0.55 {
		t.Errorf("fill = %v@%v, want 10@0.55", res.FilledSize, res.AvgPrice)
	}
}

func TestPlaceOrderRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":false,"errorMsg":"not enough balance"}`)
	}))
	defer server.Close()

	c := newLiveClient(t, server.URL)
	res, err := c.BuyLimit(context.Background(), buyReq(0.48, 20))
	if err != nil {
		t.Fatalf("BuyLimit: %v", err)
	}
	if res.Success {
		t.Error("rejected order reported as success")
	}
	if res.Error != "not enough balance" {
		t.Errorf("error = %q, want the venue message", res.Error)
	}
}

func TestCancelOrderOutcomes(t *testing.T) {
	t.Parallel()

	var reply string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
	}))
	defer server.Close()

	c := newLiveClient(t, server.URL)
	ctx := context.Background()

	reply = `{"canceled":["o1"]}`
	if err := c.CancelOrder(ctx, types.VenuePolymarket, "o1"); err != nil {
		t.Errorf("expected a clean cancel, got %v", err)
	}

	// A matched order cannot be cancelled; the caller reads this as a fill.
	reply = `{"canceled":[],"not_canceled":{"o1":"order already matched"}}`
	err := c.CancelOrder(ctx, types.VenuePolymarket, "o1")
	if err == nil {
		t.Fatal("expected an error for a non-cancelable order")
	}
	if !strings.Contains(err.Error(), "already matched") {
		t.Errorf("error %q should carry the venue reason", err)
	}
}

func TestDeriveAPIKeyInstallsCredentials(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/derive-api-key" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("POLY_ADDRESS") != testAddress || r.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("missing L1 auth headers")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"apiKey":"derived-key","secret":"ZGVyaXZlZA==","passphrase":"derived-pass"}`)
	}))
	defer server.Close()

	c, err := NewClient(Config{
		BaseURL:    server.URL,
		PrivateKey: testKey,
		ChainID:    137,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := c.EnsureCredentials(context.Background()); err != nil {
		t.Fatalf("EnsureCredentials: %v", err)
	}
	creds := c.Credentials()
	if creds.APIKey != "derived-key" || creds.Passphrase != "derived-pass" {
		t.Errorf("credentials = %+v, want the derived triplet", creds)
	}
}

func TestEnsureCredentialsSkipsWhenConfigured(t *testing.T) {
	t.Parallel()

	// No server: a network call would fail the test.
	c := newLiveClient(t, "http://127.0.0.1:0")
	if err := c.EnsureCredentials(context.Background()); err != nil {
		t.Errorf("EnsureCredentials with configured creds: %v", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newLiveClient(t, server.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
