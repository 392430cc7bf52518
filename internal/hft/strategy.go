package hft

import (
	"fmt"
	"math"
	"time"

	"clodds/pkg/types"
)

// EvalContext is everything an evaluator may look at for one side of one
// asset's round market. Evaluators are pure: they read the context and
// return a signal or nil, never mutating anything.
type EvalContext struct {
	Market     CryptoMarket
	Direction  types.Direction
	Price      float64 // current poly price of this side
	Book       *types.OrderbookSnapshot
	Spot       *PriceBuffer
	Poly       *PriceBuffer
	Round      RoundInfo
	PolyAgeSec float64 // seconds since the last poly tick for this side
	Now        time.Time
}

func (ec EvalContext) tokenID() string {
	return ec.Market.Token(ec.Direction)
}

func (ec EvalContext) signal(strategy string, confidence float64, mode types.OrderMode, reason string, features map[string]float64) *types.TradeSignal {
	return &types.TradeSignal{
		Strategy:    strategy,
		Asset:       ec.Market.Asset,
		Direction:   ec.Direction,
		TokenID:     ec.tokenID(),
		ConditionID: ec.Market.ConditionID,
		Price:       ec.Price,
		Confidence:  math.Min(1, confidence),
		Reason:      reason,
		Mode:        mode,
		Features:    features,
		TimestampMs: ec.Now.UnixMilli(),
	}
}

// Evaluator is one entry strategy evaluated per side per tick.
type Evaluator interface {
	Name() string
	Evaluate(ec EvalContext) *types.TradeSignal
}

// StrategiesConfig aggregates the per-evaluator tuning knobs.
type StrategiesConfig struct {
	Momentum      MomentumConfig
	MeanReversion MeanReversionConfig
	PennyClipper  PennyClipperConfig
	ExpiryFade    ExpiryFadeConfig
}

// DefaultEvaluators builds all four evaluators with the given config.
func DefaultEvaluators(cfg StrategiesConfig) []Evaluator {
	return []Evaluator{
		NewMomentum(cfg.Momentum),
		NewMeanReversion(cfg.MeanReversion),
		NewPennyClipper(cfg.PennyClipper),
		NewExpiryFade(cfg.ExpiryFade),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Momentum
// ————————————————————————————————————————————————————————————————————————

// MomentumConfig tunes the spot-leads-poly entry.
type MomentumConfig struct {
	Window          time.Duration // spot move lookback
	MinSpotMovePct  float64
	MaxPolyStaleSec float64
	MaxSpreadPct    float64
	MinLagCents     float64
}

func (c *MomentumConfig) applyDefaults() {
	if c.Window == 0 {
		c.Window = 30 * time.Second
	}
	if c.MinSpotMovePct == 0 {
		c.MinSpotMovePct = 0.15
	}
	if c.MaxPolyStaleSec == 0 {
		c.MaxPolyStaleSec = 5
	}
	if c.MaxSpreadPct == 0 {
		c.MaxSpreadPct = 2.0
	}
	if c.MinLagCents == 0 {
		c.MinLagCents = 0.02
	}
}

// Momentum buys the side the spot market just moved toward while the poly
// price still lags the move. The expected price 0.5 + |move|*5/100 is a
// fixed heuristic, kept verbatim as the contract.
type Momentum struct {
	cfg MomentumConfig
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	cfg.applyDefaults()
	return &Momentum{cfg: cfg}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Evaluate(ec EvalContext) *types.TradeSignal {
	if ec.Book == nil || ec.Price <= 0 || ec.Spot == nil {
		return nil
	}
	move := ec.Spot.MovePct(m.cfg.Window)
	if math.Abs(move) < m.cfg.MinSpotMovePct {
		return nil
	}
	if ec.PolyAgeSec > m.cfg.MaxPolyStaleSec {
		return nil
	}
	if ec.Book.SpreadPct > m.cfg.MaxSpreadPct {
		return nil
	}

	dir := types.DirUp
	if move < 0 {
		dir = types.DirDown
	}
	if dir != ec.Direction {
		return nil
	}

	expected := 0.5 + math.Abs(move)*5/100
	lag := expected - ec.Price
	if lag < m.cfg.MinLagCents {
		return nil
	}

	return ec.signal("momentum",
		math.Abs(move)/0.30,
		types.ModeMakerThenTaker,
		fmt.Sprintf("spot %+.2f%% in %s, poly %.3f lags expected %.3f", move, m.cfg.Window, ec.Price, expected),
		map[string]float64{
			"spotMovePct": move,
			"expected":    expected,
			"lag":         lag,
			"spreadPct":   ec.Book.SpreadPct,
			"polyAgeSec":  ec.PolyAgeSec,
		})
}

// ————————————————————————————————————————————————————————————————————————
// Mean reversion
// ————————————————————————————————————————————————————————————————————————

// MeanReversionConfig tunes the quiet-market cheap-side entry.
type MeanReversionConfig struct {
	Window             time.Duration // long spot lookback
	MinRoundAgeSec     float64
	MaxSpotMovePct     float64
	CheapThreshold     float64
	ExpensiveThreshold float64
	MinObi             float64
}

func (c *MeanReversionConfig) applyDefaults() {
	if c.Window == 0 {
		c.Window = 120 * time.Second
	}
	if c.MinRoundAgeSec == 0 {
		c.MinRoundAgeSec = 120
	}
	if c.MaxSpotMovePct == 0 {
		c.MaxSpotMovePct = 0.08
	}
	if c.CheapThreshold == 0 {
		c.CheapThreshold = 0.30
	}
	if c.ExpensiveThreshold == 0 {
		c.ExpensiveThreshold = 0.72
	}
	if c.MinObi == 0 {
		c.MinObi = -0.1
	}
}

// MeanReversion buys a side priced far from 0.5 in a round where spot has
// gone quiet, betting the poly price drifts back. The OBI floor keeps it
// from fighting one-way order flow.
type MeanReversion struct {
	cfg MeanReversionConfig
}

func NewMeanReversion(cfg MeanReversionConfig) *MeanReversion {
	cfg.applyDefaults()
	return &MeanReversion{cfg: cfg}
}

func (m *MeanReversion) Name() string { return "mean_reversion" }

func (m *MeanReversion) Evaluate(ec EvalContext) *types.TradeSignal {
	if ec.Book == nil || ec.Price <= 0 || ec.Spot == nil {
		return nil
	}
	if ec.Round.AgeSec < m.cfg.MinRoundAgeSec {
		return nil
	}
	move := ec.Spot.MovePct(m.cfg.Window)
	if math.Abs(move) > m.cfg.MaxSpotMovePct {
		return nil
	}

	opposite := ec.Market.Price(ec.Direction.Opposite())
	cheap := ec.Price <= m.cfg.CheapThreshold
	expensive := opposite >= m.cfg.ExpensiveThreshold && opposite > 0
	if !cheap && !expensive {
		return nil
	}
	if ec.Book.Imbalance < m.cfg.MinObi {
		return nil
	}

	return ec.signal("mean_reversion",
		(1-ec.Price)*1.5,
		types.ModeMaker,
		fmt.Sprintf("quiet spot %+.2f%%, %s at %.3f vs %.3f", move, ec.Direction, ec.Price, opposite),
		map[string]float64{
			"spotMovePct": move,
			"obi":         ec.Book.Imbalance,
			"opposite":    opposite,
			"roundAgeSec": ec.Round.AgeSec,
		})
}

// ————————————————————————————————————————————————————————————————————————
// Penny clipper
// ————————————————————————————————————————————————————————————————————————

// PennyClipperConfig tunes the oscillation-discount entry.
type PennyClipperConfig struct {
	Window        time.Duration // oscillation lookback
	ConfirmWindow time.Duration // spot confirmation lookback
	MaxSpread     float64       // absolute, in price units
	MinPrice      float64
	MaxPrice      float64
	MinOscRange   float64
	MinReversals  int
	ReversalStep  float64
	EntryDiscount float64
}

func (c *PennyClipperConfig) applyDefaults() {
	if c.Window == 0 {
		c.Window = 30 * time.Second
	}
	if c.ConfirmWindow == 0 {
		c.ConfirmWindow = 10 * time.Second
	}
	if c.MaxSpread == 0 {
		c.MaxSpread = 0.02
	}
	if c.MinPrice == 0 {
		c.MinPrice = 0.08
	}
	if c.MaxPrice == 0 {
		c.MaxPrice = 0.50
	}
	if c.MinOscRange == 0 {
		c.MinOscRange = 0.03
	}
	if c.MinReversals == 0 {
		c.MinReversals = 3
	}
	if c.ReversalStep == 0 {
		c.ReversalStep = 0.01
	}
	if c.EntryDiscount == 0 {
		c.EntryDiscount = 0.01
	}
}

// PennyClipper buys dips of a cheap token that keeps oscillating in a tight
// book, scalping the bounce back to its rolling mean.
type PennyClipper struct {
	cfg PennyClipperConfig
}

func NewPennyClipper(cfg PennyClipperConfig) *PennyClipper {
	cfg.applyDefaults()
	return &PennyClipper{cfg: cfg}
}

func (p *PennyClipper) Name() string { return "penny_clipper" }

func (p *PennyClipper) Evaluate(ec EvalContext) *types.TradeSignal {
	if ec.Book == nil || ec.Price <= 0 || ec.Poly == nil || ec.Spot == nil {
		return nil
	}
	if ec.Book.Spread > p.cfg.MaxSpread {
		return nil
	}
	if ec.Price < p.cfg.MinPrice || ec.Price > p.cfg.MaxPrice {
		return nil
	}

	oscRange := ec.Poly.Range(p.cfg.Window)
	if oscRange < p.cfg.MinOscRange {
		return nil
	}
	reversals := ec.Poly.Reversals(p.cfg.Window, p.cfg.ReversalStep)
	if reversals < p.cfg.MinReversals {
		return nil
	}
	mean := ec.Poly.Mean(p.cfg.Window)
	discount := mean - ec.Price
	if discount < p.cfg.EntryDiscount {
		return nil
	}

	// Spot must not be moving against the side we would buy.
	confirm := ec.Spot.MovePct(p.cfg.ConfirmWindow)
	if ec.Direction == types.DirUp && confirm < 0 {
		return nil
	}
	if ec.Direction == types.DirDown && confirm > 0 {
		return nil
	}

	return ec.signal("penny_clipper",
		float64(reversals)/5*(oscRange/0.05),
		types.ModeMaker,
		fmt.Sprintf("%d reversals, range %.3f, %.3f under mean %.3f", reversals, oscRange, discount, mean),
		map[string]float64{
			"reversals":  float64(reversals),
			"oscRange":   oscRange,
			"discount":   discount,
			"mean":       mean,
			"confirmPct": confirm,
		})
}

// ————————————————————————————————————————————————————————————————————————
// Expiry fade
// ————————————————————————————————————————————————————————————————————————

// ExpiryFadeConfig tunes the late-round longshot entry.
type ExpiryFadeConfig struct {
	SpotWindow           time.Duration
	MinSecLeft           float64
	MaxSecLeft           float64
	MaxRecentSpotMovePct float64
	MaxSpreadPct         float64
	MinSkewFromMid       float64
}

func (c *ExpiryFadeConfig) applyDefaults() {
	if c.SpotWindow == 0 {
		c.SpotWindow = 30 * time.Second
	}
	if c.MinSecLeft == 0 {
		c.MinSecLeft = 60
	}
	if c.MaxSecLeft == 0 {
		c.MaxSecLeft = 300
	}
	if c.MaxRecentSpotMovePct == 0 {
		c.MaxRecentSpotMovePct = 0.06
	}
	if c.MaxSpreadPct == 0 {
		c.MaxSpreadPct = 2.5
	}
	if c.MinSkewFromMid == 0 {
		c.MinSkewFromMid = 0.15
	}
}

// ExpiryFade buys the heavily discounted side late in a quiet round, when
// the market prices the outcome as nearly decided but time remains for a
// snap back.
type ExpiryFade struct {
	cfg ExpiryFadeConfig
}

func NewExpiryFade(cfg ExpiryFadeConfig) *ExpiryFade {
	cfg.applyDefaults()
	return &ExpiryFade{cfg: cfg}
}

func (e *ExpiryFade) Name() string { return "expiry_fade" }

func (e *ExpiryFade) Evaluate(ec EvalContext) *types.TradeSignal {
	if ec.Book == nil || ec.Price <= 0 || ec.Spot == nil {
		return nil
	}
	secLeft := ec.Round.TimeLeftSec
	if secLeft < e.cfg.MinSecLeft || secLeft > e.cfg.MaxSecLeft {
		return nil
	}
	move := ec.Spot.MovePct(e.cfg.SpotWindow)
	if math.Abs(move) > e.cfg.MaxRecentSpotMovePct {
		return nil
	}
	if ec.Book.SpreadPct > e.cfg.MaxSpreadPct {
		return nil
	}

	// Only the cheaper side is faded.
	opposite := ec.Market.Price(ec.Direction.Opposite())
	if opposite > 0 && ec.Price > opposite {
		return nil
	}
	skew := 0.5 - ec.Price
	if skew < e.cfg.MinSkewFromMid {
		return nil
	}

	return ec.signal("expiry_fade",
		skew*3,
		types.ModeTaker,
		fmt.Sprintf("%s at %.3f with %.0fs left, spot quiet %+.2f%%", ec.Direction, ec.Price, secLeft, move),
		map[string]float64{
			"skew":        skew,
			"secLeft":     secLeft,
			"spotMovePct": move,
			"spreadPct":   ec.Book.SpreadPct,
		})
}
