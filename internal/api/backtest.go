package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"clodds/internal/hft"
	"clodds/pkg/types"
)

// BacktestTick is one observed price in a replayed series.
type BacktestTick struct {
	Price       float64 `json:"price"`
	TimestampMs int64   `json:"timestamp"`
}

// BacktestRequest replays a spot series and an up-side market series
// through one strategy evaluator. The down side is priced as the binary
// complement.
type BacktestRequest struct {
	Strategy      string         `json:"strategy"`
	Asset         string         `json:"asset"`
	StakeUSD      float64        `json:"stakeUsd"`
	TakeProfitPct float64        `json:"takeProfitPct"`
	StopLossPct   float64        `json:"stopLossPct"`
	SpreadPct     float64        `json:"spreadPct"`  // synthetic book spread
	ExpiresAtMs   int64          `json:"expiresAt"`  // round expiry; defaults past the series
	Spot          []BacktestTick `json:"spot"`
	Market        []BacktestTick `json:"market"`
}

// BacktestTrade is one hypothetical round trip.
type BacktestTrade struct {
	Direction   types.Direction `json:"direction"`
	EntryPrice  float64         `json:"entryPrice"`
	ExitPrice   float64         `json:"exitPrice"`
	EntryTsMs   int64           `json:"entryTimestamp"`
	ExitTsMs    int64           `json:"exitTimestamp"`
	Shares      float64         `json:"shares"`
	PnlPct      float64         `json:"pnlPct"`
	PnlUSD      float64         `json:"pnlUsd"`
	Reason      string          `json:"reason"`
}

// BacktestStats summarizes a replay.
type BacktestStats struct {
	Ticks       int     `json:"ticks"`
	Signals     int     `json:"signals"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	WinRate     float64 `json:"winRate"`
	TotalPnlUSD float64 `json:"totalPnlUsd"`
	AvgPnlPct   float64 `json:"avgPnlPct"`
	EndPrice    float64 `json:"endPrice"`
}

// BacktestResult is the /api/backtest response body.
type BacktestResult struct {
	Strategy string              `json:"strategy"`
	Asset    string              `json:"asset"`
	Signals  []types.TradeSignal `json:"signals"`
	Trades   []BacktestTrade     `json:"trades"`
	Stats    BacktestStats       `json:"stats"`
}

func (r *BacktestRequest) applyDefaults() {
	if r.Asset == "" {
		r.Asset = "BTC"
	}
	if r.StakeUSD == 0 {
		r.StakeUSD = 100
	}
	if r.TakeProfitPct == 0 {
		r.TakeProfitPct = 15
	}
	if r.StopLossPct == 0 {
		r.StopLossPct = 12
	}
	if r.SpreadPct == 0 {
		r.SpreadPct = 1.0
	}
}

func newEvaluator(name string) (hft.Evaluator, error) {
	switch name {
	case "momentum":
		return hft.NewMomentum(hft.MomentumConfig{}), nil
	case "mean_reversion":
		return hft.NewMeanReversion(hft.MeanReversionConfig{}), nil
	case "penny_clipper":
		return hft.NewPennyClipper(hft.PennyClipperConfig{}), nil
	case "expiry_fade":
		return hft.NewExpiryFade(hft.ExpiryFadeConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	result, err := runBacktest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// openTrade is the in-flight hypothetical position during a replay.
type openTrade struct {
	dir     types.Direction
	entry   float64
	shares  float64
	tsMs    int64
}

// runBacktest replays the request's series through one evaluator, opening
// a hypothetical position per signal and closing on the take-profit or
// stop-loss thresholds. The remaining position closes at the final price.
func runBacktest(req BacktestRequest) (*BacktestResult, error) {
	req.applyDefaults()
	eval, err := newEvaluator(req.Strategy)
	if err != nil {
		return nil, err
	}
	if len(req.Spot) == 0 {
		return nil, errors.New("spot series is empty")
	}
	if len(req.Market) == 0 {
		return nil, errors.New("market series is empty")
	}

	spot := append([]BacktestTick(nil), req.Spot...)
	market := append([]BacktestTick(nil), req.Market...)
	sort.Slice(spot, func(i, j int) bool { return spot[i].TimestampMs < spot[j].TimestampMs })
	sort.Slice(market, func(i, j int) bool { return market[i].TimestampMs < market[j].TimestampMs })

	lastTs := spot[len(spot)-1].TimestampMs
	if mts := market[len(market)-1].TimestampMs; mts > lastTs {
		lastTs = mts
	}
	expiresAt := time.UnixMilli(lastTs).Add(5 * time.Minute)
	if req.ExpiresAtMs > 0 {
		expiresAt = time.UnixMilli(req.ExpiresAtMs)
	}

	spotBuf := hft.NewPriceBuffer()
	polyUp := hft.NewPriceBuffer()
	polyDown := hft.NewPriceBuffer()

	result := &BacktestResult{Strategy: req.Strategy, Asset: req.Asset}
	var (
		open       *openTrade
		curUp      float64
		lastPolyTs int64
	)

	closeTrade := func(price float64, tsMs int64, reason string) {
		pnlPct := 0.0
		if open.entry > 0 {
			pnlPct = (price - open.entry) / open.entry * 100
		}
		result.Trades = append(result.Trades, BacktestTrade{
			Direction:  open.dir,
			EntryPrice: open.entry,
			ExitPrice:  price,
			EntryTsMs:  open.tsMs,
			ExitTsMs:   tsMs,
			Shares:     open.shares,
			PnlPct:     pnlPct,
			PnlUSD:     open.shares * (price - open.entry),
			Reason:     reason,
		})
		open = nil
	}

	sidePrice := func(dir types.Direction) float64 {
		if dir == types.DirUp {
			return curUp
		}
		return 1 - curUp
	}

	evalSide := func(dir types.Direction, tsMs int64) *types.TradeSignal {
		price := sidePrice(dir)
		if price <= 0 || price >= 1 {
			return nil
		}
		poly := polyUp
		if dir == types.DirDown {
			poly = polyDown
		}
		timeLeft := expiresAt.Sub(time.UnixMilli(tsMs)).Seconds()
		age := 900 - timeLeft
		if age < 0 {
			age = 0
		}
		ec := hft.EvalContext{
			Market: hft.CryptoMarket{
				Asset:       req.Asset,
				ConditionID: "backtest",
				UpTokenID:   "up",
				DownTokenID: "down",
				UpPrice:     curUp,
				DownPrice:   1 - curUp,
				ExpiresAt:   expiresAt,
			},
			Direction:  dir,
			Price:      price,
			Book:       syntheticBook(price, req.SpreadPct, tsMs),
			Spot:       spotBuf,
			Poly:       poly,
			Round:      hft.RoundInfo{Slot: tsMs / 900_000, AgeSec: age, TimeLeftSec: timeLeft, ExpiresAt: expiresAt},
			PolyAgeSec: float64(tsMs-lastPolyTs) / 1000,
			Now:        time.UnixMilli(tsMs),
		}
		return eval.Evaluate(ec)
	}

	si, mi := 0, 0
	for si < len(spot) || mi < len(market) {
		// Market events at the same timestamp land first so evaluations
		// see the current price.
		takeMarket := mi < len(market) &&
			(si >= len(spot) || market[mi].TimestampMs <= spot[si].TimestampMs)

		if takeMarket {
			tick := market[mi]
			mi++
			curUp = tick.Price
			lastPolyTs = tick.TimestampMs
			polyUp.PushAt(tick.Price, tick.TimestampMs)
			polyDown.PushAt(1-tick.Price, tick.TimestampMs)

			if open != nil {
				price := sidePrice(open.dir)
				pnlPct := (price - open.entry) / open.entry * 100
				switch {
				case pnlPct >= req.TakeProfitPct:
					closeTrade(price, tick.TimestampMs, "take_profit")
				case pnlPct <= -req.StopLossPct:
					closeTrade(price, tick.TimestampMs, "stop_loss")
				}
			}
			continue
		}

		tick := spot[si]
		si++
		spotBuf.PushAt(tick.Price, tick.TimestampMs)

		if open != nil || curUp <= 0 {
			continue
		}
		sig := evalSide(types.DirUp, tick.TimestampMs)
		if down := evalSide(types.DirDown, tick.TimestampMs); down != nil {
			if sig == nil || down.Confidence > sig.Confidence {
				sig = down
			}
		}
		if sig == nil {
			continue
		}
		result.Signals = append(result.Signals, *sig)
		entry := sig.Price
		open = &openTrade{
			dir:    sig.Direction,
			entry:  entry,
			shares: req.StakeUSD / entry,
			tsMs:   tick.TimestampMs,
		}
	}

	if open != nil && curUp > 0 {
		closeTrade(sidePrice(open.dir), lastTs, "end_of_data")
	}

	stats := BacktestStats{
		Ticks:    len(spot) + len(market),
		Signals:  len(result.Signals),
		Trades:   len(result.Trades),
		EndPrice: curUp,
	}
	for _, tr := range result.Trades {
		stats.TotalPnlUSD += tr.PnlUSD
		stats.AvgPnlPct += tr.PnlPct
		if tr.PnlUSD > 0 {
			stats.Wins++
		}
	}
	if stats.Trades > 0 {
		stats.AvgPnlPct /= float64(stats.Trades)
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades) * 100
	}
	result.Stats = stats
	return result, nil
}

// syntheticBook builds a book with the requested spread around the price,
// balanced depth, and neutral imbalance.
func syntheticBook(price, spreadPct float64, tsMs int64) *types.OrderbookSnapshot {
	spread := price * spreadPct / 100
	bid := clampPrice(price - spread/2)
	ask := clampPrice(price + spread/2)
	mid := (bid + ask) / 2
	sp := ask - bid
	spPct := 0.0
	if mid > 0 {
		spPct = sp / mid * 100
	}
	return &types.OrderbookSnapshot{
		Venue:       types.VenuePolymarket,
		MarketID:    "backtest",
		TokenID:     "backtest",
		Bids:        []types.Level{{Price: bid, Size: 100}},
		Asks:        []types.Level{{Price: ask, Size: 100}},
		BestBid:     bid,
		BestAsk:     ask,
		Spread:      sp,
		SpreadPct:   spPct,
		MidPrice:    mid,
		BidDepth:    100,
		AskDepth:    100,
		Imbalance:   0,
		TimestampMs: tsMs,
	}
}

func clampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}
