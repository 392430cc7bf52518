package binance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"

	"clodds/pkg/types"
)

const (
	restBaseURL = "https://api.binance.com"
	wsBaseURL   = "wss://stream.binance.com:9443"

	httpTimeout = 15 * time.Second
)

// defaultWatchlist backs empty searches with the usual suspects.
var defaultWatchlist = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT"}

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH"}

// Config holds the REST and WebSocket endpoints plus the symbols an empty
// search returns. Zero values select production endpoints.
type Config struct {
	RESTURL   string
	WSURL     string
	Watchlist []string
}

func (c *Config) applyDefaults() {
	if c.RESTURL == "" {
		c.RESTURL = restBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = wsBaseURL
	}
	if len(c.Watchlist) == 0 {
		c.Watchlist = defaultWatchlist
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type subEntry struct {
	refs int
	key  string // the ID the caller subscribed with, stamped onto ticks
}

// Adapter serves Binance spot prices: ticker REST for lookups and the
// combined trade stream for ticks. Spot symbols surface as synthetic
// markets whose first outcome carries the last price, so the rest of the
// feed layer treats them like any venue market.
type Adapter struct {
	cfg    Config
	rest   *resty.Client
	logger *slog.Logger

	handlerMu sync.RWMutex
	tickFn    func(types.PriceUpdate)
	bookFn    func(types.OrderbookSnapshot)

	mu            sync.Mutex
	runCtx        context.Context
	cancel        context.CancelFunc
	started       bool
	socket        *spotSocket
	socketStarted bool
	subs          map[string]*subEntry // symbol -> refcount
	lastPrice     map[string]float64   // symbol -> last emitted price
}

func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()

	return &Adapter{
		cfg: cfg,
		rest: resty.New().
			SetBaseURL(cfg.RESTURL).
			SetTimeout(httpTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		logger:    logger.With("component", "binance"),
		subs:      make(map[string]*subEntry),
		lastPrice: make(map[string]float64),
	}
}

func (a *Adapter) Name() string { return types.VenueBinance }

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.started = true
	a.logger.Info("adapter started", "rest", a.cfg.RESTURL, "ws", a.cfg.WSURL)
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.cancel()
	if a.socket != nil {
		a.socket.Close()
		a.socket = nil
	}
	a.socketStarted = false
	a.subs = make(map[string]*subEntry)
	a.lastPrice = make(map[string]float64)
	a.logger.Info("adapter stopped")
	return nil
}

func (a *Adapter) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return false
	}
	if !a.socketStarted {
		return true
	}
	return a.socket.Healthy()
}

// SearchMarkets resolves each query term to a spot symbol and returns their
// synthetic markets. An empty query returns the configured watchlist.
func (a *Adapter) SearchMarkets(ctx context.Context, query string) ([]types.Market, error) {
	symbols := a.cfg.Watchlist
	if terms := strings.Fields(query); len(terms) > 0 {
		symbols = make([]string, 0, len(terms))
		for _, t := range terms {
			symbols = append(symbols, normalizeSymbol(t))
		}
	}

	prices, err := a.fetchPrices(ctx, symbols)
	if err != nil {
		return nil, err
	}

	out := make([]types.Market, 0, len(prices))
	for _, tp := range prices {
		if m := syntheticMarket(tp); m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// GetMarket fetches the spot price for one symbol. Unknown symbols return
// (nil, nil).
func (a *Adapter) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	symbol := normalizeSymbol(id)

	var tp tickerPrice
	resp, err := a.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&tp).
		Get("/api/v3/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusNotFound {
		// Binance answers 400 for unknown symbols.
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("binance returned status %d", resp.StatusCode())
	}
	return syntheticMarket(tp), nil
}

// fetchPrices uses the batched symbols form of the ticker endpoint, one
// request regardless of watchlist size.
func (a *Adapter) fetchPrices(ctx context.Context, symbols []string) ([]tickerPrice, error) {
	encoded, err := json.Marshal(symbols)
	if err != nil {
		return nil, err
	}

	var prices []tickerPrice
	resp, err := a.rest.R().
		SetContext(ctx).
		SetQueryParam("symbols", string(encoded)).
		SetResult(&prices).
		Get("/api/v3/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	if resp.StatusCode() == http.StatusBadRequest {
		// One bad symbol fails the whole batch; retry individually.
		return a.fetchPricesOneByOne(ctx, symbols)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("binance returned status %d", resp.StatusCode())
	}
	return prices, nil
}

func (a *Adapter) fetchPricesOneByOne(ctx context.Context, symbols []string) ([]tickerPrice, error) {
	var out []tickerPrice
	for _, sym := range symbols {
		var tp tickerPrice
		resp, err := a.rest.R().
			SetContext(ctx).
			SetQueryParam("symbol", sym).
			SetResult(&tp).
			Get("/api/v3/ticker/price")
		if err != nil {
			return nil, fmt.Errorf("fetch ticker %s: %w", sym, err)
		}
		if resp.StatusCode() == http.StatusOK {
			out = append(out, tp)
		}
	}
	return out, nil
}

// ——————————————————————————————————————————————————————————————————————————
// Streaming
// ——————————————————————————————————————————————————————————————————————————

func (a *Adapter) SetTickHandler(fn func(types.PriceUpdate)) {
	a.handlerMu.Lock()
	a.tickFn = fn
	a.handlerMu.Unlock()
}

func (a *Adapter) SetBookHandler(fn func(types.OrderbookSnapshot)) {
	a.handlerMu.Lock()
	a.bookFn = fn
	a.handlerMu.Unlock()
}

// SubscribeMarket begins streaming trades for the symbol. Ticks carry the
// caller's ID so listeners filtered on it match.
func (a *Adapter) SubscribeMarket(id string) error {
	symbol := normalizeSymbol(id)

	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return fmt.Errorf("binance adapter not started")
	}
	if e, ok := a.subs[symbol]; ok {
		e.refs++
		a.mu.Unlock()
		return nil
	}
	a.subs[symbol] = &subEntry{refs: 1, key: id}
	a.ensureSocketLocked()
	sock := a.socket
	a.mu.Unlock()

	if err := sock.Subscribe([]string{streamName(symbol)}); err != nil {
		a.logger.Debug("subscription queued until connect", "symbol", symbol)
	}
	a.logger.Info("subscribed", "symbol", symbol)
	return nil
}

func (a *Adapter) UnsubscribeMarket(id string) error {
	symbol := normalizeSymbol(id)

	a.mu.Lock()
	e, ok := a.subs[symbol]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		a.mu.Unlock()
		return nil
	}
	delete(a.subs, symbol)
	delete(a.lastPrice, symbol)
	sock := a.socket
	a.mu.Unlock()

	if sock != nil {
		if err := sock.Unsubscribe([]string{streamName(symbol)}); err != nil {
			a.logger.Debug("unsubscribe write failed", "symbol", symbol, "error", err)
		}
	}
	a.logger.Info("unsubscribed", "symbol", symbol)
	return nil
}

func (a *Adapter) ensureSocketLocked() {
	if a.socketStarted {
		return
	}
	a.socket = newSpotSocket(a.cfg.WSURL, a.logger)
	a.socketStarted = true

	ctx := a.runCtx
	sock := a.socket
	go func() {
		if err := sock.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("spot socket stopped", "error", err)
		}
	}()
	go a.pumpTrades(ctx, sock)
}

func (a *Adapter) pumpTrades(ctx context.Context, sock *spotSocket) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-sock.Trades():
			a.handleTrade(trade)
		}
	}
}

func (a *Adapter) handleTrade(trade wsTrade) {
	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil || price <= 0 {
		return
	}

	a.mu.Lock()
	e, known := a.subs[trade.Symbol]
	var prev *float64
	if last, ok := a.lastPrice[trade.Symbol]; ok {
		p := last
		prev = &p
	}
	a.lastPrice[trade.Symbol] = price
	a.mu.Unlock()
	if !known {
		return
	}

	a.handlerMu.RLock()
	fn := a.tickFn
	a.handlerMu.RUnlock()
	if fn == nil {
		return
	}

	ts := trade.TradeTime
	if ts <= 0 {
		ts = trade.EventTime
	}
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	fn(types.PriceUpdate{
		Venue:         types.VenueBinance,
		MarketID:      e.key,
		OutcomeID:     trade.Symbol,
		Price:         price,
		PreviousPrice: prev,
		TimestampMs:   ts,
	})
}

// ——————————————————————————————————————————————————————————————————————————
// Symbol helpers
// ——————————————————————————————————————————————————————————————————————————

// normalizeSymbol turns "btc", "BTC/USDT", or "btc-usdt" into "BTCUSDT".
// Bare base assets get the USDT quote appended.
func normalizeSymbol(id string) string {
	s := strings.ToUpper(id)
	s = strings.NewReplacer("/", "", "-", "", " ", "").Replace(s)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	return s + "USDT"
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// splitSymbol separates base and quote by known quote suffixes.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

// syntheticMarket wraps a spot ticker in the venue-generic market shape.
// Outcome 0 carries the spot price; outcome 1 is the quote leg.
func syntheticMarket(tp tickerPrice) *types.Market {
	price, err := strconv.ParseFloat(tp.Price, 64)
	if err != nil || tp.Symbol == "" {
		return nil
	}

	base, quote := splitSymbol(tp.Symbol)
	name := base
	if name == "" {
		name = tp.Symbol
	}
	question := tp.Symbol + " spot price"
	if quote != "" {
		question = base + "/" + quote + " spot price"
	}

	now := time.Now().UTC()
	return &types.Market{
		Venue:    types.VenueBinance,
		ID:       tp.Symbol,
		Slug:     strings.ToLower(tp.Symbol),
		Question: question,
		Outcomes: []types.Outcome{
			{ID: tp.Symbol, Name: name, Price: price},
			{ID: tp.Symbol + ":" + quote, Name: quote, Price: 1},
		},
		URL:       "https://www.binance.com/en/trade/" + tp.Symbol,
		UpdatedAt: now,
	}
}
