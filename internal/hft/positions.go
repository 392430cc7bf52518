package hft

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"clodds/pkg/types"
)

// maxClosedRetained bounds the in-memory closed list; the store keeps the
// full history.
const maxClosedRetained = 500

// PositionsConfig tunes the portfolio caps and exit rules.
type PositionsConfig struct {
	MaxOpenPositions int

	ForceExitSec        float64
	StopLossPct         float64
	TakeProfitPct       float64
	MakerExitsForTpOnly bool

	RatchetConfirmTicks        int
	RatchetConfirmTolerancePct float64

	TrailingLatePct float64 // band when close to expiry
	TrailingMidPct  float64
	TrailingWidePct float64
	TrailingLateSec float64 // time-left bound of the late bucket
	TrailingMidSec  float64

	StaleProfitPct             float64
	StaleProfitBidUnchangedSec float64
	StagnantProfitPct          float64
	StagnantDurationSec        float64
	DepthCollapseThresholdPct  float64
}

func (c *PositionsConfig) applyDefaults() {
	if c.MaxOpenPositions == 0 {
		c.MaxOpenPositions = 3
	}
	if c.ForceExitSec == 0 {
		c.ForceExitSec = 30
	}
	if c.StopLossPct == 0 {
		c.StopLossPct = 12
	}
	if c.TakeProfitPct == 0 {
		c.TakeProfitPct = 15
	}
	if c.RatchetConfirmTicks == 0 {
		c.RatchetConfirmTicks = 3
	}
	if c.RatchetConfirmTolerancePct == 0 {
		c.RatchetConfirmTolerancePct = 0.5
	}
	if c.TrailingLatePct == 0 {
		c.TrailingLatePct = 7
	}
	if c.TrailingMidPct == 0 {
		c.TrailingMidPct = 10
	}
	if c.TrailingWidePct == 0 {
		c.TrailingWidePct = 15
	}
	if c.TrailingLateSec == 0 {
		c.TrailingLateSec = 120
	}
	if c.TrailingMidSec == 0 {
		c.TrailingMidSec = 300
	}
	if c.StaleProfitPct == 0 {
		c.StaleProfitPct = 9
	}
	if c.StaleProfitBidUnchangedSec == 0 {
		c.StaleProfitBidUnchangedSec = 7
	}
	if c.StagnantProfitPct == 0 {
		c.StagnantProfitPct = 3
	}
	if c.StagnantDurationSec == 0 {
		c.StagnantDurationSec = 13
	}
	if c.DepthCollapseThresholdPct == 0 {
		c.DepthCollapseThresholdPct = 60
	}
}

// ExitDecision is one exit the manager wants dispatched.
type ExitDecision struct {
	Position  types.Position
	Reason    types.ExitReason
	ExitPrice float64
	UseMaker  bool
}

// positionState wraps the published position with the exit-rule counters
// that never leave the manager.
type positionState struct {
	pos types.Position

	lockedPeak    float64 // PnL % locked by ratchet confirmation
	ratchetLocked bool
	peakConfirm   int // consecutive ticks near the current peak

	stagnantSince time.Time // first tick at/above the stagnant threshold
	peakBidDepth  float64
}

// StrategyPerf aggregates closed trades for one strategy.
type StrategyPerf struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	PnlUSD float64 `json:"pnlUsd"`
}

// PerfStats is the aggregate view served by the performance endpoint.
type PerfStats struct {
	OpenCount   int                     `json:"openCount"`
	ClosedCount int                     `json:"closedCount"`
	Wins        int                     `json:"wins"`
	Losses      int                     `json:"losses"`
	WinRate     float64                 `json:"winRate"`
	TotalPnlUSD float64                 `json:"totalPnlUsd"`
	AvgPnlPct   float64                 `json:"avgPnlPct"`
	ByStrategy  map[string]StrategyPerf `json:"byStrategy"`
}

// PositionManager owns all open positions and decides exits. All methods
// are safe for concurrent use.
type PositionManager struct {
	cfg    PositionsConfig
	logger *slog.Logger

	mu     sync.RWMutex
	open   map[string]*positionState
	closed []types.ClosedPosition

	totalPnlUSD float64
	sumPnlPct   float64
	wins        int
	losses      int
	closedTotal int
}

// NewPositionManager builds an empty manager.
func NewPositionManager(cfg PositionsConfig, logger *slog.Logger) *PositionManager {
	cfg.applyDefaults()
	return &PositionManager{
		cfg:    cfg,
		logger: logger.With("component", "positions"),
		open:   make(map[string]*positionState),
	}
}

// CanOpen reports whether a new position on the asset is allowed: one
// position per asset, and at most MaxOpenPositions overall.
func (pm *PositionManager) CanOpen(asset string, dir types.Direction) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if len(pm.open) >= pm.cfg.MaxOpenPositions {
		return fmt.Errorf("portfolio cap reached (%d open)", len(pm.open))
	}
	for _, st := range pm.open {
		if st.pos.Asset == asset {
			return fmt.Errorf("position already open on %s (%s)", asset, st.pos.Direction)
		}
	}
	return nil
}

// Open records a filled entry and returns the new position.
func (pm *PositionManager) Open(sig *types.TradeSignal, shares, entryPrice float64, expiresAt time.Time, wasMaker bool) types.Position {
	now := time.Now()
	pos := types.Position{
		ID:            uuid.NewString(),
		Strategy:      sig.Strategy,
		Asset:         sig.Asset,
		Direction:     sig.Direction,
		TokenID:       sig.TokenID,
		ConditionID:   sig.ConditionID,
		EntryPrice:    entryPrice,
		Shares:        shares,
		CurrentPrice:  entryPrice,
		ExpiresAt:     expiresAt,
		OpenedAt:      now,
		UpdatedAt:     now,
		WasMakerEntry: wasMaker,
	}

	pm.mu.Lock()
	pm.open[pos.ID] = &positionState{pos: pos}
	pm.mu.Unlock()

	pm.logger.Info("position opened",
		"id", pos.ID, "strategy", pos.Strategy, "asset", pos.Asset,
		"direction", pos.Direction, "entry", entryPrice, "shares", shares,
		"maker", wasMaker)
	return pos
}

// Tick applies a fresh price (and optionally a book) to one position,
// updating the peak, ratchet confirmation, bid stillness, stagnant window,
// and depth peak.
func (pm *PositionManager) Tick(id string, price float64, book *types.OrderbookSnapshot) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if st, ok := pm.open[id]; ok {
		pm.tickLocked(st, price, book, time.Now())
	}
}

// TickToken applies a price to every open position on the token.
func (pm *PositionManager) TickToken(tokenID string, price float64, book *types.OrderbookSnapshot) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	now := time.Now()
	for _, st := range pm.open {
		if st.pos.TokenID == tokenID {
			pm.tickLocked(st, price, book, now)
		}
	}
}

func (pm *PositionManager) tickLocked(st *positionState, price float64, book *types.OrderbookSnapshot, now time.Time) {
	if price > 0 {
		st.pos.CurrentPrice = price
	}
	st.pos.UpdatedAt = now

	pnl := st.pos.PnlPct()
	switch {
	case pnl > st.pos.PeakPnlPct:
		// New peak restarts the ratchet confirmation count.
		st.pos.PeakPnlPct = pnl
		st.peakConfirm = 0
	case st.pos.PeakPnlPct > 0 && pnl >= st.pos.PeakPnlPct-pm.cfg.RatchetConfirmTolerancePct:
		st.peakConfirm++
		if st.peakConfirm >= pm.cfg.RatchetConfirmTicks && st.pos.PeakPnlPct > st.lockedPeak {
			st.lockedPeak = st.pos.PeakPnlPct
			st.ratchetLocked = true
		}
	default:
		st.peakConfirm = 0
	}

	if pnl >= pm.cfg.StagnantProfitPct {
		if st.stagnantSince.IsZero() {
			st.stagnantSince = now
		}
	} else {
		st.stagnantSince = time.Time{}
	}

	if book != nil && book.BestBid > 0 {
		if book.BestBid != st.pos.LastBid || st.pos.LastBidAt.IsZero() {
			st.pos.LastBid = book.BestBid
			st.pos.LastBidAt = now
		}
		if book.BidDepth > st.peakBidDepth {
			st.peakBidDepth = book.BidDepth
		}
	}
}

// CheckExits refreshes each open position from getBook and returns at most
// one exit decision per position, highest priority first within each.
// getBook must be a fast in-memory lookup; it is called under the manager
// lock.
func (pm *PositionManager) CheckExits(now time.Time, getBook func(tokenID string) *types.OrderbookSnapshot) []ExitDecision {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var out []ExitDecision
	for _, st := range pm.open {
		var book *types.OrderbookSnapshot
		if getBook != nil {
			book = getBook(st.pos.TokenID)
		}
		if book != nil && book.BestBid > 0 {
			pm.tickLocked(st, book.BestBid, book, now)
		}
		if d := pm.evalExitLocked(st, book, now); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// evalExitLocked walks the exit rules in priority order and returns the
// first that holds.
func (pm *PositionManager) evalExitLocked(st *positionState, book *types.OrderbookSnapshot, now time.Time) *ExitDecision {
	pnl := st.pos.PnlPct()

	bid := st.pos.CurrentPrice
	if book != nil && book.BestBid > 0 {
		bid = book.BestBid
	}
	exit := func(reason types.ExitReason, price float64, maker bool) *ExitDecision {
		return &ExitDecision{Position: st.pos, Reason: reason, ExitPrice: price, UseMaker: maker}
	}

	// 1. Force exit near expiry.
	if !st.pos.ExpiresAt.IsZero() && st.pos.ExpiresAt.Sub(now).Seconds() <= pm.cfg.ForceExitSec {
		return exit(types.ExitForce, bid, false)
	}

	// 2. Stop loss. Always a taker; the engine submits it FOK.
	if pnl <= -pm.cfg.StopLossPct {
		return exit(types.ExitStopLoss, bid, false)
	}

	// 3. Take profit.
	if pnl >= pm.cfg.TakeProfitPct {
		if pm.cfg.MakerExitsForTpOnly {
			return exit(types.ExitTakeProfit, st.pos.CurrentPrice, true)
		}
		return exit(types.ExitTakeProfit, bid, false)
	}

	band := pm.trailingBand(st.pos.ExpiresAt, now)

	// 4. Ratchet on the confirmed peak.
	if st.ratchetLocked && pnl < st.lockedPeak-band {
		return exit(types.ExitRatchet, bid, false)
	}

	// 5. Trailing on the raw peak.
	if pnl < st.pos.PeakPnlPct-band {
		return exit(types.ExitTrailingStop, bid, false)
	}

	// 6. Stale profit: decent PnL but the bid stopped moving.
	if pnl >= pm.cfg.StaleProfitPct && !st.pos.LastBidAt.IsZero() &&
		now.Sub(st.pos.LastBidAt).Seconds() >= pm.cfg.StaleProfitBidUnchangedSec {
		return exit(types.ExitStaleProfit, bid, false)
	}

	// 7. Stagnant profit: small PnL held too long.
	if !st.stagnantSince.IsZero() && now.Sub(st.stagnantSince).Seconds() >= pm.cfg.StagnantDurationSec {
		return exit(types.ExitStagnantProfit, bid, false)
	}

	// 8. Depth collapse under the peak bid depth.
	if st.peakBidDepth > 0 && book != nil &&
		book.BidDepth < st.peakBidDepth*pm.cfg.DepthCollapseThresholdPct/100 {
		return exit(types.ExitDepthCollapse, bid, false)
	}

	return nil
}

// trailingBand picks the band (in PnL % points) by time to expiry: tight
// when the round is almost over, wide early on.
func (pm *PositionManager) trailingBand(expiresAt time.Time, now time.Time) float64 {
	if expiresAt.IsZero() {
		return pm.cfg.TrailingWidePct
	}
	secLeft := expiresAt.Sub(now).Seconds()
	switch {
	case secLeft <= pm.cfg.TrailingLateSec:
		return pm.cfg.TrailingLatePct
	case secLeft <= pm.cfg.TrailingMidSec:
		return pm.cfg.TrailingMidPct
	default:
		return pm.cfg.TrailingWidePct
	}
}

// Close removes the position and records the realized outcome.
func (pm *PositionManager) Close(id string, exitPrice float64, reason types.ExitReason, wasMakerExit bool) (*types.ClosedPosition, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	st, ok := pm.open[id]
	if !ok {
		return nil, fmt.Errorf("position %s not open", id)
	}
	delete(pm.open, id)

	pos := st.pos
	realizedPct := 0.0
	if pos.EntryPrice > 0 {
		realizedPct = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}
	closed := types.ClosedPosition{
		Position:     pos,
		ExitPrice:    exitPrice,
		RealizedPct:  realizedPct,
		RealizedUSD:  (exitPrice - pos.EntryPrice) * pos.Shares,
		ExitReason:   reason,
		WasMakerExit: wasMakerExit,
		ClosedAt:     time.Now(),
	}

	pm.closed = append(pm.closed, closed)
	if len(pm.closed) > maxClosedRetained {
		pm.closed = pm.closed[len(pm.closed)-maxClosedRetained:]
	}
	pm.closedTotal++
	pm.totalPnlUSD += closed.RealizedUSD
	pm.sumPnlPct += realizedPct
	if closed.RealizedUSD >= 0 {
		pm.wins++
	} else {
		pm.losses++
	}

	pm.logger.Info("position closed",
		"id", id, "strategy", pos.Strategy, "asset", pos.Asset,
		"reason", reason, "entry", pos.EntryPrice, "exit", exitPrice,
		"pnlPct", realizedPct, "pnlUsd", closed.RealizedUSD)
	return &closed, nil
}

// OpenPositions returns snapshots of all open positions.
func (pm *PositionManager) OpenPositions() []types.Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]types.Position, 0, len(pm.open))
	for _, st := range pm.open {
		out = append(out, st.pos)
	}
	return out
}

// ClosedPositions returns the retained closed positions, oldest first.
func (pm *PositionManager) ClosedPositions() []types.ClosedPosition {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return append([]types.ClosedPosition(nil), pm.closed...)
}

// Stats aggregates the realized performance.
func (pm *PositionManager) Stats() PerfStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := PerfStats{
		OpenCount:   len(pm.open),
		ClosedCount: pm.closedTotal,
		Wins:        pm.wins,
		Losses:      pm.losses,
		TotalPnlUSD: pm.totalPnlUSD,
		ByStrategy:  make(map[string]StrategyPerf),
	}
	if pm.closedTotal > 0 {
		stats.WinRate = float64(pm.wins) / float64(pm.closedTotal)
		stats.AvgPnlPct = pm.sumPnlPct / float64(pm.closedTotal)
	}
	for _, c := range pm.closed {
		sp := stats.ByStrategy[c.Strategy]
		sp.Trades++
		if c.RealizedUSD >= 0 {
			sp.Wins++
		}
		sp.PnlUSD += c.RealizedUSD
		stats.ByStrategy[c.Strategy] = sp
	}
	return stats
}
