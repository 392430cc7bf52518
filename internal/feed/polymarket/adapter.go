package polymarket

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

	"clodds/internal/feed"
	"clodds/internal/market"
	"clodds/pkg/types"
)

const (
	gammaBaseURL = "https://gamma-api.polymarket.com"
	clobBaseURL  = "https://clob.polymarket.com"
	wsMarketURL  = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	httpTimeout    = 15 * time.Second
	searchPageSize = 100
	searchMaxPages = 3
	liveBookMaxAge = 10 * time.Second
)

// Config holds the endpoints for the Gamma metadata API, the CLOB REST API,
// and the market-channel WebSocket. Zero values select production endpoints.
type Config struct {
	GammaURL string
	ClobURL  string
	WSURL    string
}

func (c *Config) applyDefaults() {
	if c.GammaURL == "" {
		c.GammaURL = gammaBaseURL
	}
	if c.ClobURL == "" {
		c.ClobURL = clobBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = wsMarketURL
	}
}

// gammaMarket is the Gamma API market shape. Outcomes, OutcomePrices, and
// ClobTokenIDs arrive as JSON-encoded string arrays inside strings.
type gammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	EndDate         string  `json:"endDate"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
	Liquidity       string  `json:"liquidity"`
	Volume          string  `json:"volume"`
	Volume24hr      float64 `json:"volume24hr"`
	Outcomes        string  `json:"outcomes"`
	OutcomePrices   string  `json:"outcomePrices"`
	ClobTokenIDs    string  `json:"clobTokenIds"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	NegRisk         bool    `json:"negRisk"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
}

// clobBook is the CLOB REST /book response. Bids arrive sorted ascending
// with the best bid last; Book.ApplySnapshot re-sorts either way.
type clobBook struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

// subEntry tracks one streaming subscription keyed by the caller's market ID.
type subEntry struct {
	refs   int
	tokens []string
}

// Adapter serves Polymarket market data: Gamma REST for metadata and search,
// CLOB REST for on-demand books, and the market WebSocket for streaming.
type Adapter struct {
	cfg    Config
	gamma  *resty.Client
	clob   *resty.Client
	logger *slog.Logger

	handlerMu sync.RWMutex
	tickFn    func(types.PriceUpdate)
	bookFn    func(types.OrderbookSnapshot)

	mu            sync.Mutex
	runCtx        context.Context
	cancel        context.CancelFunc
	started       bool
	socket        *marketSocket
	socketStarted bool
	subs          map[string]*subEntry    // subscription key -> refcount + tokens
	owner         map[string]string       // token ID -> subscription key
	books         map[string]*market.Book // token ID -> live book
	lastPrice     map[string]float64      // token ID -> last emitted price
}

// New builds an Adapter for the given endpoints.
func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()

	return &Adapter{
		cfg: cfg,
		gamma: resty.New().
			SetBaseURL(cfg.GammaURL).
			SetTimeout(httpTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		clob: resty.New().
			SetBaseURL(cfg.ClobURL).
			SetTimeout(httpTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		logger:    logger.With("component", "polymarket"),
		subs:      make(map[string]*subEntry),
		owner:     make(map[string]string),
		books:     make(map[string]*market.Book),
		lastPrice: make(map[string]float64),
	}
}

func (a *Adapter) Name() string { return types.VenuePolymarket }

// Start arms the adapter. The WebSocket is dialed lazily on the first
// subscription so a metadata-only deployment never holds a socket open.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.started = true
	a.logger.Info("adapter started", "gamma", a.cfg.GammaURL, "ws", a.cfg.WSURL)
	return nil
}

// Stop tears down streaming. Subscription refcounts are dropped; callers
// re-subscribe after a restart.
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
	a.owner = make(map[string]string)
	a.books = make(map[string]*market.Book)
	a.lastPrice = make(map[string]float64)
	a.logger.Info("adapter stopped")
	return nil
}

// Healthy reports false only when streaming is expected and down.
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

// SearchMarkets scans active markets ordered by 24h volume and keeps those
// whose question or slug contains every query term. An empty query returns
// the first page as-is.
func (a *Adapter) SearchMarkets(ctx context.Context, query string) ([]types.Market, error) {
	terms := strings.Fields(strings.ToLower(query))

	var out []types.Market
	for page := 0; page < searchMaxPages; page++ {
		batch, err := a.fetchMarketPage(ctx, page*searchPageSize)
		if err != nil {
			return nil, err
		}

		for i := range batch {
			gm := &batch[i]
			if !matchesTerms(gm, terms) {
				continue
			}
			if m := a.convert(gm); m != nil {
				out = append(out, *m)
			}
		}

		if len(batch) < searchPageSize {
			break
		}
		if len(terms) == 0 {
			// Unfiltered listing needs one page only.
			break
		}
	}

	return out, nil
}

func (a *Adapter) fetchMarketPage(ctx context.Context, offset int) ([]gammaMarket, error) {
	var page []gammaMarket
	resp, err := a.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":     strconv.Itoa(searchPageSize),
			"offset":    strconv.Itoa(offset),
			"active":    "true",
			"closed":    "false",
			"order":     "volume24hr",
			"ascending": "false",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("gamma returned status %d", resp.StatusCode())
	}
	return page, nil
}

func matchesTerms(gm *gammaMarket, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(gm.Question + " " + gm.Slug)
	for _, t := range terms {
		if !strings.Contains(haystack, t) {
			return false
		}
	}
	return true
}

// GetMarket resolves a Gamma numeric ID, a slug, or a condition ID. A miss
// returns (nil, nil); errors are reserved for transport failures.
func (a *Adapter) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	if isNumeric(id) && !looksLikeTokenID(id) {
		var gm gammaMarket
		resp, err := a.gamma.R().
			SetContext(ctx).
			SetResult(&gm).
			Get("/markets/" + id)
		if err != nil {
			return nil, fmt.Errorf("fetch market %s: %w", id, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("gamma returned status %d", resp.StatusCode())
		}
		return a.convert(&gm), nil
	}

	for _, param := range []string{"slug", "condition_ids"} {
		var page []gammaMarket
		resp, err := a.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{param: id, "limit": "1"}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("lookup market %s: %w", id, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("gamma returned status %d", resp.StatusCode())
		}
		if len(page) > 0 {
			return a.convert(&page[0]), nil
		}
	}

	return nil, nil
}

// GetOrderbook prefers a fresh streamed book and falls back to CLOB REST.
// The ID may be a subscription key, a token ID, or a Gamma market ID.
func (a *Adapter) GetOrderbook(ctx context.Context, id string) (*types.OrderbookSnapshot, error) {
	tokenID := id
	a.mu.Lock()
	if e, ok := a.subs[id]; ok && len(e.tokens) > 0 {
		tokenID = e.tokens[0]
	}
	b := a.books[tokenID]
	a.mu.Unlock()

	if b != nil && !b.IsStale(liveBookMaxAge) {
		snap := b.Snapshot()
		return &snap, nil
	}

	if looksLikeTokenID(tokenID) {
		return a.fetchBook(ctx, tokenID)
	}

	mkt, err := a.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if mkt == nil || len(mkt.Outcomes) == 0 {
		return nil, feed.ErrNotFound
	}
	return a.fetchBook(ctx, mkt.Outcomes[0].ID)
}

func (a *Adapter) fetchBook(ctx context.Context, tokenID string) (*types.OrderbookSnapshot, error) {
	var cb clobBook
	resp, err := a.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&cb).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("fetch book %s: %w", tokenID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("clob returned status %d", resp.StatusCode())
	}

	a.mu.Lock()
	marketID := a.owner[tokenID]
	a.mu.Unlock()
	if marketID == "" {
		marketID = cb.Market
	}

	b := market.NewBook(types.VenuePolymarket, marketID, tokenID)
	b.ApplySnapshot(toStringLevels(cb.Bids), toStringLevels(cb.Asks))
	snap := b.Snapshot()
	return &snap, nil
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

// SubscribeMarket begins streaming the market's tokens. The ID may be a
// CLOB token ID, which subscribes that single token, or any ID GetMarket
// resolves, which subscribes every outcome token. Repeat subscriptions
// increment a refcount.
func (a *Adapter) SubscribeMarket(id string) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return fmt.Errorf("polymarket adapter not started")
	}
	if e, ok := a.subs[id]; ok {
		e.refs++
		a.mu.Unlock()
		return nil
	}
	ctx := a.runCtx
	a.mu.Unlock()

	tokens := []string{id}
	if !looksLikeTokenID(id) {
		mkt, err := a.GetMarket(ctx, id)
		if err != nil {
			return err
		}
		if mkt == nil || len(mkt.Outcomes) == 0 {
			return feed.ErrNotFound
		}
		tokens = make([]string, 0, len(mkt.Outcomes))
		for _, o := range mkt.Outcomes {
			tokens = append(tokens, o.ID)
		}
	}

	a.mu.Lock()
	if e, ok := a.subs[id]; ok {
		// A concurrent subscriber won the resolve race.
		e.refs++
		a.mu.Unlock()
		return nil
	}
	a.subs[id] = &subEntry{refs: 1, tokens: tokens}
	for _, t := range tokens {
		a.owner[t] = id
		a.books[t] = market.NewBook(types.VenuePolymarket, id, t)
	}
	a.ensureSocketLocked()
	sock := a.socket
	a.mu.Unlock()

	if err := sock.Subscribe(tokens); err != nil {
		// Pre-connect subscriptions ride along with the initial frame.
		a.logger.Debug("subscription queued until connect", "market", id)
	}
	a.logger.Info("subscribed", "market", id, "tokens", len(tokens))
	return nil
}

// UnsubscribeMarket drops one reference and releases the venue subscription
// when the count hits zero. Unknown IDs are a no-op.
func (a *Adapter) UnsubscribeMarket(id string) error {
	a.mu.Lock()
	e, ok := a.subs[id]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		a.mu.Unlock()
		return nil
	}
	delete(a.subs, id)
	for _, t := range e.tokens {
		delete(a.owner, t)
		delete(a.books, t)
		delete(a.lastPrice, t)
	}
	sock := a.socket
	a.mu.Unlock()

	if sock != nil {
		if err := sock.Unsubscribe(e.tokens); err != nil {
			a.logger.Debug("unsubscribe write failed", "market", id, "error", err)
		}
	}
	a.logger.Info("unsubscribed", "market", id)
	return nil
}

// ensureSocketLocked starts the socket goroutines once per adapter lifetime.
// Callers hold a.mu.
func (a *Adapter) ensureSocketLocked() {
	if a.socketStarted {
		return
	}
	a.socket = newMarketSocket(a.cfg.WSURL, a.logger)
	a.socketStarted = true

	ctx := a.runCtx
	sock := a.socket
	go func() {
		if err := sock.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("market socket stopped", "error", err)
		}
	}()
	go a.pumpEvents(ctx, sock)
}

func (a *Adapter) pumpEvents(ctx context.Context, sock *marketSocket) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sock.BookEvents():
			a.handleBook(evt)
		case evt := <-sock.PriceEvents():
			a.handlePriceChange(evt)
		case evt := <-sock.TradeEvents():
			a.handleTrade(evt)
		}
	}
}

func (a *Adapter) handleBook(evt bookEvent) {
	a.mu.Lock()
	b := a.books[evt.AssetID]
	a.mu.Unlock()
	if b == nil {
		return
	}

	b.ApplySnapshot(toStringLevels(evt.Buys), toStringLevels(evt.Sells))
	a.emitBook(b)
	if mid, ok := b.MidPrice(); ok {
		a.emitTick(evt.AssetID, mid, parseEventTime(evt.Timestamp))
	}
}

func (a *Adapter) handlePriceChange(evt priceChangeEvent) {
	touched := make(map[string]bool, len(evt.PriceChanges))

	for _, pc := range evt.PriceChanges {
		a.mu.Lock()
		b := a.books[pc.AssetID]
		a.mu.Unlock()
		if b == nil {
			continue
		}

		side := types.SideBuy
		if strings.EqualFold(pc.Side, "SELL") {
			side = types.SideSell
		}
		b.ApplyLevel(side, pc.Price, pc.Size)
		touched[pc.AssetID] = true
	}

	ts := parseEventTime(evt.Timestamp)
	for assetID := range touched {
		a.mu.Lock()
		b := a.books[assetID]
		a.mu.Unlock()
		if b == nil {
			continue
		}
		a.emitBook(b)
		if mid, ok := b.MidPrice(); ok {
			a.emitTick(assetID, mid, ts)
		}
	}
}

func (a *Adapter) handleTrade(evt lastTradeEvent) {
	price, err := strconv.ParseFloat(evt.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	a.emitTick(evt.AssetID, price, parseEventTime(evt.Timestamp))
}

func (a *Adapter) emitBook(b *market.Book) {
	a.handlerMu.RLock()
	fn := a.bookFn
	a.handlerMu.RUnlock()
	if fn == nil {
		return
	}
	fn(b.Snapshot())
}

func (a *Adapter) emitTick(tokenID string, price float64, tsMs int64) {
	a.mu.Lock()
	marketID, known := a.owner[tokenID]
	var prev *float64
	if last, ok := a.lastPrice[tokenID]; ok {
		p := last
		prev = &p
	}
	a.lastPrice[tokenID] = price
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

	fn(types.PriceUpdate{
		Venue:         types.VenuePolymarket,
		MarketID:      marketID,
		OutcomeID:     tokenID,
		Price:         price,
		PreviousPrice: prev,
		TimestampMs:   tsMs,
	})
}

// ——————————————————————————————————————————————————————————————————————————
// Conversion helpers
// ——————————————————————————————————————————————————————————————————————————

// convert normalizes a Gamma market. Markets without parseable outcomes are
// dropped.
func (a *Adapter) convert(gm *gammaMarket) *types.Market {
	names := parseJSONArray(gm.Outcomes)
	prices := parseJSONArray(gm.OutcomePrices)
	tokens := parseJSONArray(gm.ClobTokenIDs)
	if len(names) == 0 {
		return nil
	}

	outcomes := make([]types.Outcome, 0, len(names))
	for i, name := range names {
		o := types.Outcome{Name: name}
		if i < len(tokens) {
			o.ID = tokens[i]
		} else {
			o.ID = fmt.Sprintf("%s:%d", gm.ID, i)
		}
		if i < len(prices) {
			o.Price = parseDecimalString(prices[i])
		}
		outcomes = append(outcomes, o)
	}

	m := &types.Market{
		Venue:     types.VenuePolymarket,
		ID:        gm.ID,
		Slug:      gm.Slug,
		Question:  gm.Question,
		Outcomes:  outcomes,
		Volume24h: gm.Volume24hr,
		Liquidity: parseDecimalString(gm.Liquidity),
		Resolved:  gm.Closed,
		URL:       "https://polymarket.com/market/" + gm.Slug,
		CreatedAt: parseRFC3339(gm.CreatedAt),
		UpdatedAt: parseRFC3339(gm.UpdatedAt),
	}
	if t := parseRFC3339(gm.EndDate); !t.IsZero() {
		m.EndDate = &t
	}
	return m
}

// parseJSONArray decodes Gamma's JSON-encoded string arrays, e.g.
// "[\"Yes\", \"No\"]".
func parseJSONArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func parseDecimalString(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseEventTime converts the wire's millisecond-epoch string; the local
// clock covers malformed values.
func parseEventTime(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UnixMilli()
	}
	return ms
}

func toStringLevels(in []wireLevel) []market.StringLevel {
	out := make([]market.StringLevel, len(in))
	for i, l := range in {
		out[i] = market.StringLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// looksLikeTokenID distinguishes CLOB token IDs (uint256 decimals, dozens of
// digits) from short Gamma market IDs.
func looksLikeTokenID(s string) bool {
	return len(s) >= 40 && isNumeric(s)
}
