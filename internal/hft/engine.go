package hft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"clodds/pkg/types"
)

var (
	metricTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clodds_hft_ticks_total",
		Help: "Price ticks consumed by the trading engine.",
	}, []string{"venue"})
	metricSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clodds_hft_signals_total",
		Help: "Trade signals produced by the evaluators.",
	}, []string{"strategy"})
	metricOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clodds_hft_orders_total",
		Help: "Orders submitted to the execution layer.",
	}, []string{"side", "mode"})
	metricExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clodds_hft_exits_total",
		Help: "Position exits by reason.",
	}, []string{"reason"})
	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clodds_hft_open_positions",
		Help: "Currently open positions.",
	})
)

// staleAgeSec stands in for the poly age before the first tick arrives.
const staleAgeSec = 1e9

// Executor is the slice of the execution layer the engine needs.
type Executor interface {
	BuyLimit(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
	SellLimit(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, venue, orderID string) error
}

// FeedSource is the slice of the feed manager the engine needs.
type FeedSource interface {
	marketSearcher
	OnBook(fn func(types.OrderbookSnapshot)) uint64
	Off(id uint64)
	SubscribePrice(venue, id string, cb func(types.PriceUpdate)) (func(), error)
}

// TradeRecorder persists closed positions. Optional.
type TradeRecorder interface {
	RecordClosedPosition(ctx context.Context, cp types.ClosedPosition) error
}

// EngineConfig tunes the trading engine.
type EngineConfig struct {
	Enabled  bool
	DryRun   bool
	StakeUSD float64

	SellCooldownMs      int64
	CheckExitsInterval  time.Duration
	MakerTimeoutEntryMs int64
	MakerTimeoutExitMs  int64
	TakerBufferCents    float64

	Strategies StrategiesConfig
	Scanner    ScannerConfig
	Positions  PositionsConfig
}

func (c *EngineConfig) applyDefaults() {
	if c.StakeUSD == 0 {
		c.StakeUSD = 10
	}
	if c.SellCooldownMs == 0 {
		c.SellCooldownMs = 2000
	}
	if c.CheckExitsInterval == 0 {
		c.CheckExitsInterval = 500 * time.Millisecond
	}
	if c.MakerTimeoutEntryMs == 0 {
		c.MakerTimeoutEntryMs = 15000
	}
	if c.MakerTimeoutExitMs == 0 {
		c.MakerTimeoutExitMs = 1000
	}
	if c.TakerBufferCents == 0 {
		c.TakerBufferCents = 0.01
	}
}

// fill is the engine-internal outcome of one order-mode execution.
type fill struct {
	Price float64
	Size  float64
	Maker bool
}

// Engine runs the round-based trading loop: spot ticks drive entries,
// a 500ms timer drives exits, and the scanner keeps the tradable market
// set current.
type Engine struct {
	cfg       EngineConfig
	feed      FeedSource
	exec      Executor
	scanner   *Scanner
	positions *PositionManager
	evals     []Evaluator
	recorder  TradeRecorder
	signalFn  func(types.TradeSignal)
	logger    *slog.Logger

	mu         sync.RWMutex
	spot       map[string]*PriceBuffer // asset -> spot buffer
	poly       map[string]*PriceBuffer // tokenID -> poly buffer
	polyLastMs map[string]int64
	books      map[string]*types.OrderbookSnapshot // tokenID -> latest book
	features   map[string]map[string]float64       // asset|direction -> last evaluation
	polyUnsubs map[string]func()
	spotUnsubs []func()
	bookSub    uint64

	orderInFlight atomic.Bool
	lastSellAtMs  atomic.Int64

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires the engine against a feed source and an executor.
func NewEngine(cfg EngineConfig, feed FeedSource, exec Executor, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		feed:       feed,
		exec:       exec,
		positions:  NewPositionManager(cfg.Positions, logger),
		evals:      DefaultEvaluators(cfg.Strategies),
		logger:     logger.With("component", "hft"),
		spot:       make(map[string]*PriceBuffer),
		poly:       make(map[string]*PriceBuffer),
		polyLastMs: make(map[string]int64),
		books:      make(map[string]*types.OrderbookSnapshot),
		features:   make(map[string]map[string]float64),
		polyUnsubs: make(map[string]func()),
	}
	e.scanner = NewScanner(feed, cfg.Scanner, e.onMarketsUpdate, logger)
	return e
}

// SetRecorder installs the closed-trade sink. Must be called before Start.
func (e *Engine) SetRecorder(r TradeRecorder) { e.recorder = r }

// SetSignalFunc installs an observer for the signal chosen on each tick,
// called whether or not the entry goes through. Must be called before Start.
func (e *Engine) SetSignalFunc(fn func(types.TradeSignal)) { e.signalFn = fn }

// Positions exposes the position manager for the gateway.
func (e *Engine) Positions() *PositionManager { return e.positions }

// Markets returns the scanner's current round markets.
func (e *Engine) Markets() []CryptoMarket { return e.scanner.Markets() }

// Round returns the current 15-minute round.
func (e *Engine) Round() RoundInfo { return e.scanner.Round(time.Now()) }

// DryRun reports whether order execution is simulated.
func (e *Engine) DryRun() bool { return e.cfg.DryRun }

// Start subscribes the spot feeds, launches the scanner and the exit loop.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.bookSub = e.feed.OnBook(e.handleBook)

	for _, asset := range e.scanner.Assets() {
		e.mu.Lock()
		e.spot[asset] = NewPriceBuffer()
		e.mu.Unlock()
		unsub, err := e.feed.SubscribePrice(types.VenueBinance, asset, e.handleSpotTick)
		if err != nil {
			e.logger.Warn("spot subscription failed", "asset", asset, "error", err)
			continue
		}
		e.spotUnsubs = append(e.spotUnsubs, unsub)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.exitLoop(e.ctx)
	}()

	e.logger.Info("engine started",
		"enabled", e.cfg.Enabled, "dryRun", e.cfg.DryRun,
		"stakeUsd", e.cfg.StakeUSD, "assets", e.scanner.Assets())
	return nil
}

// Stop cancels the exit timer, detaches all feed listeners, and stops the
// scanner. Open positions are left untouched.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.runMu.Unlock()

	for _, unsub := range e.spotUnsubs {
		unsub()
	}
	e.spotUnsubs = nil

	e.mu.Lock()
	unsubs := make([]func(), 0, len(e.polyUnsubs))
	for _, u := range e.polyUnsubs {
		unsubs = append(unsubs, u)
	}
	e.polyUnsubs = make(map[string]func())
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	e.feed.Off(e.bookSub)
	e.wg.Wait()
	e.logger.Info("engine stopped", "openPositions", len(e.positions.OpenPositions()))
}

// onMarketsUpdate reconciles the poly subscriptions with the scanner's
// latest round market set.
func (e *Engine) onMarketsUpdate(markets []CryptoMarket) {
	want := make(map[string]bool, len(markets)*2)
	for _, m := range markets {
		want[m.UpTokenID] = true
		want[m.DownTokenID] = true
	}

	e.mu.Lock()
	var stale []func()
	for token, unsub := range e.polyUnsubs {
		if !want[token] {
			stale = append(stale, unsub)
			delete(e.polyUnsubs, token)
			delete(e.poly, token)
			delete(e.polyLastMs, token)
			delete(e.books, token)
		}
	}
	var missing []string
	for token := range want {
		if _, ok := e.polyUnsubs[token]; !ok {
			missing = append(missing, token)
		}
	}
	e.mu.Unlock()

	for _, unsub := range stale {
		unsub()
	}
	for _, token := range missing {
		unsub, err := e.feed.SubscribePrice(types.VenuePolymarket, token, e.handlePolyTick)
		if err != nil {
			e.logger.Warn("poly subscription failed", "token", token, "error", err)
			continue
		}
		e.mu.Lock()
		e.polyUnsubs[token] = unsub
		e.poly[token] = NewPriceBuffer()
		e.mu.Unlock()
	}
}

func (e *Engine) handleSpotTick(u types.PriceUpdate) {
	metricTicks.WithLabelValues(types.VenueBinance).Inc()

	asset := u.MarketID
	e.mu.Lock()
	buf, ok := e.spot[asset]
	if !ok {
		buf = NewPriceBuffer()
		e.spot[asset] = buf
	}
	e.mu.Unlock()
	buf.PushAt(u.Price, u.TimestampMs)

	e.evaluateEntries(asset, time.Now())
}

func (e *Engine) handlePolyTick(u types.PriceUpdate) {
	metricTicks.WithLabelValues(types.VenuePolymarket).Inc()

	token := u.MarketID
	e.mu.Lock()
	buf, ok := e.poly[token]
	if !ok {
		buf = NewPriceBuffer()
		e.poly[token] = buf
	}
	e.polyLastMs[token] = u.TimestampMs
	book := e.books[token]
	e.mu.Unlock()

	buf.PushAt(u.Price, u.TimestampMs)
	e.scanner.ApplyTick(token, u.Price)
	e.positions.TickToken(token, u.Price, book)
}

// handleBook caches the latest snapshot for tokens the engine cares about.
func (e *Engine) handleBook(s types.OrderbookSnapshot) {
	token := s.MarketID
	if _, known := e.scanner.AssetForToken(token); !known && !e.hasPositionOn(token) {
		return
	}
	snap := s
	e.mu.Lock()
	e.books[token] = &snap
	e.mu.Unlock()
}

func (e *Engine) hasPositionOn(token string) bool {
	for _, p := range e.positions.OpenPositions() {
		if p.TokenID == token {
			return true
		}
	}
	return false
}

// bookFor is the non-blocking getBook passed to CheckExits.
func (e *Engine) bookFor(tokenID string) *types.OrderbookSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[tokenID]
}

// evaluateEntries runs every evaluator against both sides of the asset's
// round market and submits the highest-confidence signal.
func (e *Engine) evaluateEntries(asset string, now time.Time) {
	if !e.cfg.Enabled || e.orderInFlight.Load() {
		return
	}
	if !e.scanner.CanTrade(now) {
		return
	}
	m, ok := e.scanner.Market(asset)
	if !ok {
		return
	}
	round := e.scanner.Round(now)
	nowMs := now.UnixMilli()

	e.mu.RLock()
	spotBuf := e.spot[asset]
	e.mu.RUnlock()
	if spotBuf == nil {
		return
	}

	var best *types.TradeSignal
	for _, dir := range []types.Direction{types.DirUp, types.DirDown} {
		token := m.Token(dir)
		price := m.Price(dir)
		if token == "" || price <= 0 {
			continue
		}

		e.mu.RLock()
		book := e.books[token]
		polyBuf := e.poly[token]
		lastMs := e.polyLastMs[token]
		e.mu.RUnlock()

		polyAge := staleAgeSec
		if lastMs > 0 {
			polyAge = float64(nowMs-lastMs) / 1000
		}

		ec := EvalContext{
			Market:     m,
			Direction:  dir,
			Price:      price,
			Book:       book,
			Spot:       spotBuf,
			Poly:       polyBuf,
			Round:      round,
			PolyAgeSec: polyAge,
			Now:        now,
		}
		e.snapshotFeatures(asset, dir, ec)

		for _, ev := range e.evals {
			sig := ev.Evaluate(ec)
			if sig == nil {
				continue
			}
			metricSignals.WithLabelValues(sig.Strategy).Inc()
			e.mergeSignalFeatures(asset, dir, sig)
			if best == nil || sig.Confidence > best.Confidence {
				best = sig
			}
		}
	}
	if best == nil {
		return
	}
	if e.signalFn != nil {
		e.signalFn(*best)
	}

	if err := e.positions.CanOpen(asset, best.Direction); err != nil {
		e.logger.Debug("entry blocked", "asset", asset, "reason", err)
		return
	}
	if !e.orderInFlight.CompareAndSwap(false, true) {
		return
	}

	sig := *best
	expiresAt := m.ExpiresAt
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.orderInFlight.Store(false)
		e.submitEntry(e.ctx, &sig, expiresAt)
	}()
}

// snapshotFeatures records the per-side observables every evaluation pass.
func (e *Engine) snapshotFeatures(asset string, dir types.Direction, ec EvalContext) {
	f := map[string]float64{
		"price":        ec.Price,
		"roundAgeSec":  ec.Round.AgeSec,
		"timeLeftSec":  ec.Round.TimeLeftSec,
		"polyAgeSec":   math.Min(ec.PolyAgeSec, staleAgeSec),
		"spotMove30s":  0,
		"spotMove120s": 0,
	}
	if ec.Spot != nil {
		f["spotMove30s"] = ec.Spot.MovePct(30 * time.Second)
		f["spotMove120s"] = ec.Spot.MovePct(120 * time.Second)
	}
	if ec.Book != nil {
		f["spread"] = ec.Book.Spread
		f["spreadPct"] = ec.Book.SpreadPct
		f["obi"] = ec.Book.Imbalance
		f["bidDepth"] = ec.Book.BidDepth
	}
	e.mu.Lock()
	e.features[featureKey(asset, dir)] = f
	e.mu.Unlock()
}

func (e *Engine) mergeSignalFeatures(asset string, dir types.Direction, sig *types.TradeSignal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.features[featureKey(asset, dir)]
	if f == nil {
		f = make(map[string]float64)
		e.features[featureKey(asset, dir)] = f
	}
	for k, v := range sig.Features {
		f[sig.Strategy+"_"+k] = v
	}
	f[sig.Strategy+"_confidence"] = sig.Confidence
}

func featureKey(asset string, dir types.Direction) string {
	return asset + "|" + string(dir)
}

// FeaturesForMarket returns the latest feature snapshot for a round market,
// addressed by condition ID or asset symbol. Keys are prefixed up_/down_.
func (e *Engine) FeaturesForMarket(marketID string) map[string]float64 {
	asset := ""
	for _, m := range e.scanner.Markets() {
		if m.ConditionID == marketID || m.Asset == marketID {
			asset = m.Asset
			break
		}
	}
	if asset == "" {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64)
	for dir, prefix := range map[types.Direction]string{types.DirUp: "up_", types.DirDown: "down_"} {
		for k, v := range e.features[featureKey(asset, dir)] {
			out[prefix+k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// submitEntry executes the signal's order mode and opens the position on
// fill.
func (e *Engine) submitEntry(ctx context.Context, sig *types.TradeSignal, expiresAt time.Time) {
	if sig.Price <= 0 {
		return
	}
	shares := e.cfg.StakeUSD / sig.Price

	if e.cfg.DryRun {
		pos := e.positions.Open(sig, shares, sig.Price, expiresAt, sig.Mode != types.ModeTaker && sig.Mode != types.ModeFOK)
		metricOpenPositions.Set(float64(len(e.positions.OpenPositions())))
		e.logger.Info("dry-run entry filled",
			"strategy", sig.Strategy, "asset", sig.Asset, "direction", sig.Direction,
			"price", sig.Price, "shares", shares, "confidence", sig.Confidence,
			"position", pos.ID)
		return
	}

	req := types.OrderRequest{
		Venue:     types.VenuePolymarket,
		MarketID:  sig.ConditionID,
		TokenID:   sig.TokenID,
		Side:      types.SideBuy,
		Price:     sig.Price,
		Size:      shares,
		OrderType: types.OrderTypeGTC,
	}
	timeout := time.Duration(e.cfg.MakerTimeoutEntryMs) * time.Millisecond

	fl, err := e.submitWithMode(ctx, sig.Mode, req, timeout)
	if err != nil {
		e.logger.Warn("entry order failed",
			"strategy", sig.Strategy, "asset", sig.Asset, "error", err)
		return
	}
	if fl == nil {
		e.logger.Info("entry rested unfilled, canceled",
			"strategy", sig.Strategy, "asset", sig.Asset, "price", sig.Price)
		return
	}

	pos := e.positions.Open(sig, fl.Size, fl.Price, expiresAt, fl.Maker)
	metricOpenPositions.Set(float64(len(e.positions.OpenPositions())))
	e.logger.Info("entry filled",
		"strategy", sig.Strategy, "asset", sig.Asset, "direction", sig.Direction,
		"price", fl.Price, "shares", fl.Size, "maker", fl.Maker, "position", pos.ID)
}

// exitLoop evaluates the exit rules on a fixed timer.
func (e *Engine) exitLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckExitsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.runExitPass(ctx, now)
		}
	}
}

// runExitPass dispatches at most one exit, most urgent reason first, and
// only outside the sell cooldown.
func (e *Engine) runExitPass(ctx context.Context, now time.Time) {
	decisions := e.positions.CheckExits(now, e.bookFor)
	if len(decisions) == 0 {
		return
	}
	if now.UnixMilli()-e.lastSellAtMs.Load() < e.cfg.SellCooldownMs {
		return
	}

	best := decisions[0]
	for _, d := range decisions[1:] {
		if exitPriority(d.Reason) < exitPriority(best.Reason) {
			best = d
		}
	}
	e.lastSellAtMs.Store(now.UnixMilli())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.submitExit(ctx, best)
	}()
}

func exitPriority(r types.ExitReason) int {
	switch r {
	case types.ExitForce:
		return 0
	case types.ExitStopLoss:
		return 1
	case types.ExitTakeProfit:
		return 2
	case types.ExitRatchet:
		return 3
	case types.ExitTrailingStop:
		return 4
	case types.ExitStaleProfit:
		return 5
	case types.ExitStagnantProfit:
		return 6
	case types.ExitDepthCollapse:
		return 7
	default:
		return 8
	}
}

// submitExit sells the position per the decision's mode and closes it on
// fill.
func (e *Engine) submitExit(ctx context.Context, d ExitDecision) {
	metricExits.WithLabelValues(string(d.Reason)).Inc()

	if e.cfg.DryRun {
		e.finishClose(ctx, d.Position.ID, d.ExitPrice, d.Reason, d.UseMaker)
		return
	}

	mode := types.ModeTaker
	switch {
	case d.Reason == types.ExitStopLoss:
		// Stop loss overrides the maker flag.
		mode = types.ModeFOK
	case d.UseMaker:
		mode = types.ModeMakerThenTaker
	}

	req := types.OrderRequest{
		Venue:     types.VenuePolymarket,
		MarketID:  d.Position.ConditionID,
		TokenID:   d.Position.TokenID,
		Side:      types.SideSell,
		Price:     d.ExitPrice,
		Size:      d.Position.Shares,
		OrderType: types.OrderTypeGTC,
	}
	timeout := time.Duration(e.cfg.MakerTimeoutExitMs) * time.Millisecond

	fl, err := e.submitWithMode(ctx, mode, req, timeout)
	if err != nil {
		e.logger.Warn("exit order failed",
			"position", d.Position.ID, "reason", d.Reason, "error", err)
		return
	}
	if fl == nil {
		e.logger.Info("exit rested unfilled, canceled",
			"position", d.Position.ID, "reason", d.Reason)
		return
	}
	e.finishClose(ctx, d.Position.ID, fl.Price, d.Reason, fl.Maker)
}

func (e *Engine) finishClose(ctx context.Context, id string, exitPrice float64, reason types.ExitReason, wasMaker bool) {
	closed, err := e.positions.Close(id, exitPrice, reason, wasMaker)
	if err != nil {
		e.logger.Warn("close failed", "position", id, "error", err)
		return
	}
	metricOpenPositions.Set(float64(len(e.positions.OpenPositions())))
	if e.recorder != nil {
		if err := e.recorder.RecordClosedPosition(ctx, *closed); err != nil {
			e.logger.Error("failed to persist closed position", "position", id, "error", err)
		}
	}
}

// submitWithMode runs the order-mode protocol. A nil fill with nil error
// means a maker order rested past its timeout and was canceled. Fill
// detection for resting orders is cancel-based: a failed cancel means the
// order no longer rests, so it is treated as filled.
func (e *Engine) submitWithMode(ctx context.Context, mode types.OrderMode, req types.OrderRequest, makerTimeout time.Duration) (*fill, error) {
	switch mode {
	case types.ModeTaker, types.ModeFOK:
		req.PostOnly = false
		req.Price = e.takerPrice(req.Side, req.TokenID, req.Price)
		if mode == types.ModeFOK {
			req.OrderType = types.OrderTypeFOK
		} else {
			req.OrderType = types.OrderTypeGTC
		}
		res, err := e.place(ctx, req)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, fmt.Errorf("order rejected: %s", res.Error)
		}
		size := res.FilledSize
		if size <= 0 {
			size = req.Size
		}
		price := res.AvgPrice
		if price <= 0 {
			price = req.Price
		}
		return &fill{Price: price, Size: size, Maker: false}, nil

	case types.ModeMaker, types.ModeMakerThenTaker:
		req.PostOnly = true
		req.OrderType = types.OrderTypeGTC
		res, err := e.place(ctx, req)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, fmt.Errorf("order rejected: %s", res.Error)
		}
		if res.FilledSize > 0 {
			price := res.AvgPrice
			if price <= 0 {
				price = req.Price
			}
			return &fill{Price: price, Size: res.FilledSize, Maker: true}, nil
		}
		if res.OrderID == "" {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			_ = e.exec.CancelOrder(context.Background(), req.Venue, res.OrderID)
			return nil, ctx.Err()
		case <-time.After(makerTimeout):
		}

		if err := e.exec.CancelOrder(ctx, req.Venue, res.OrderID); err != nil {
			// Cancel failed: the order matched while resting.
			return &fill{Price: req.Price, Size: req.Size, Maker: true}, nil
		}
		if mode == types.ModeMakerThenTaker {
			return e.submitWithMode(ctx, types.ModeTaker, req, 0)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown order mode %q", mode)
	}
}

func (e *Engine) place(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	metricOrders.WithLabelValues(string(req.Side), string(req.OrderType)).Inc()
	if req.Side == types.SideBuy {
		return e.exec.BuyLimit(ctx, req)
	}
	return e.exec.SellLimit(ctx, req)
}

// takerPrice crosses the book by the configured buffer, clamped to the
// venue's valid price range.
func (e *Engine) takerPrice(side types.Side, tokenID string, fallback float64) float64 {
	price := fallback
	if book := e.bookFor(tokenID); book != nil {
		if side == types.SideBuy && book.BestAsk > 0 {
			price = book.BestAsk
		} else if side == types.SideSell && book.BestBid > 0 {
			price = book.BestBid
		}
	}
	if side == types.SideBuy {
		price += e.cfg.TakerBufferCents
	} else {
		price -= e.cfg.TakerBufferCents
	}
	return math.Min(0.99, math.Max(0.01, price))
}
