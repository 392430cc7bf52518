// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service — market metadata,
// price and orderbook events, trade signals, fills, alerts, and execution
// requests. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fills completely on submission or cancels
)

// OrderMode is how a strategy wants its order worked.
type OrderMode string

const (
	ModeMaker          OrderMode = "maker"            // post-only limit, never escalates
	ModeTaker          OrderMode = "taker"            // crosses the book immediately
	ModeFOK            OrderMode = "fok"              // taker with fill-or-kill semantics
	ModeMakerThenTaker OrderMode = "maker_then_taker" // post-only first, taker after timeout
)

// Direction is the side of a binary up/down market a position is on.
type Direction string

const (
	DirUp   Direction = "up"
	DirDown Direction = "down"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirUp {
		return DirDown
	}
	return DirUp
}

// ExitReason labels why a position was closed.
type ExitReason string

const (
	ExitTakeProfit     ExitReason = "take_profit"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitRatchet        ExitReason = "ratchet"
	ExitTrailingStop   ExitReason = "trailing_stop"
	ExitStaleProfit    ExitReason = "stale_profit"
	ExitStagnantProfit ExitReason = "stagnant_profit"
	ExitDepthCollapse  ExitReason = "depth_collapse"
	ExitForce          ExitReason = "force_exit"
)

// FillStatus tracks a fill through venue settlement.
type FillStatus string

const (
	FillMatched   FillStatus = "MATCHED"
	FillMined     FillStatus = "MINED"
	FillConfirmed FillStatus = "CONFIRMED"
	FillFailed    FillStatus = "FAILED"
)

// ParseFillStatus maps a venue's status string onto the known set.
// Unknown strings fall back to MATCHED, the earliest settlement stage.
func ParseFillStatus(s string) FillStatus {
	switch s {
	case string(FillMined):
		return FillMined
	case string(FillConfirmed):
		return FillConfirmed
	case string(FillFailed):
		return FillFailed
	default:
		return FillMatched
	}
}

// OrderEventType labels an order lifecycle notification.
type OrderEventType string

const (
	OrderPlacement    OrderEventType = "PLACEMENT"
	OrderUpdate       OrderEventType = "UPDATE"
	OrderCancellation OrderEventType = "CANCELLATION"
)

// ParseOrderEventType maps a venue's type string onto the known set.
// Unknown strings fall back to UPDATE.
func ParseOrderEventType(s string) OrderEventType {
	switch s {
	case string(OrderPlacement):
		return OrderPlacement
	case string(OrderCancellation):
		return OrderCancellation
	default:
		return OrderUpdate
	}
}

// Known venue identifiers. Adapters register under these keys; the strings
// also appear in config, persisted rows, and API paths.
const (
	VenuePolymarket = "polymarket"
	VenueKalshi     = "kalshi"
	VenueManifold   = "manifold"
	VenueMetaculus  = "metaculus"
	VenuePredictIt  = "predictit"
	VenueDrift      = "drift"
	VenueBetfair    = "betfair"
	VenueSmarkets   = "smarkets"
	VenueBinance    = "binance"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Outcome is one tradable outcome of a market.
type Outcome struct {
	ID        string  `json:"id"`   // venue token / outcome ID
	Name      string  `json:"name"` // e.g. "Yes", "Up"
	Price     float64 `json:"price"`
	Volume24h float64 `json:"volume24h,omitempty"`
}

// Market is the normalized representation of one prediction-market entity.
// Created by a feed adapter on fetch and superseded by later fetches or
// price events; never mutated in place by consumers. For binary markets the
// outcome prices sum to ~1.
type Market struct {
	Venue      string     `json:"venue"`
	ID         string     `json:"id"`   // venue-specific market ID
	Slug       string     `json:"slug"` // human-readable URL slug
	Question   string     `json:"question"`
	Outcomes   []Outcome  `json:"outcomes"`
	Volume24h  float64    `json:"volume24h"`
	Liquidity  float64    `json:"liquidity"`
	EndDate    *time.Time `json:"endDate,omitempty"` // scheduled close/resolution time
	Resolved   bool       `json:"resolved"`
	Resolution string     `json:"resolution,omitempty"` // winning outcome when resolved
	Tags       []string   `json:"tags,omitempty"`
	URL        string     `json:"url,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Bus events
// ————————————————————————————————————————————————————————————————————————

// PriceUpdate is an immutable price tick produced by a feed adapter.
// PreviousPrice is nil for the first observation of an outcome.
type PriceUpdate struct {
	Venue         string   `json:"venue"`
	MarketID      string   `json:"marketId"`
	OutcomeID     string   `json:"outcomeId"`
	Price         float64  `json:"price"`
	PreviousPrice *float64 `json:"previousPrice,omitempty"`
	TimestampMs   int64    `json:"timestamp"` // epoch millis
}

// Level is one price level of an orderbook side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is an immutable point-in-time view of one token's book
// with the derived stats the strategies consume. Bids are sorted descending
// by price, asks ascending. Invariant: BestBid <= BestAsk when both sides
// are non-empty, so Spread >= 0.
type OrderbookSnapshot struct {
	Venue       string  `json:"venue"`
	MarketID    string  `json:"marketId"`
	TokenID     string  `json:"tokenId"`
	Bids        []Level `json:"bids"`
	Asks        []Level `json:"asks"`
	BestBid     float64 `json:"bestBid"`
	BestAsk     float64 `json:"bestAsk"`
	Spread      float64 `json:"spread"`    // bestAsk - bestBid
	SpreadPct   float64 `json:"spreadPct"` // spread as % of mid
	MidPrice    float64 `json:"midPrice"`
	BidDepth    float64 `json:"bidDepth"` // total size on the bid side
	AskDepth    float64 `json:"askDepth"`
	Imbalance   float64 `json:"imbalance"` // (bidDepth-askDepth)/(bidDepth+askDepth), in [-1,1]
	TimestampMs int64   `json:"timestamp"`
}

// TradeSignal is an immutable entry decision produced by a strategy
// evaluator. Features captures the inputs that produced the decision so it
// can be inspected later.
type TradeSignal struct {
	Strategy    string             `json:"strategy"`
	Asset       string             `json:"asset"`
	Direction   Direction          `json:"direction"`
	TokenID     string             `json:"tokenId"`
	ConditionID string             `json:"conditionId"`
	Price       float64            `json:"price"`
	Confidence  float64            `json:"confidence"` // in [0,1]
	Reason      string             `json:"reason"`
	Mode        OrderMode          `json:"orderMode"`
	Features    map[string]float64 `json:"features,omitempty"`
	TimestampMs int64              `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// User-channel events
// ————————————————————————————————————————————————————————————————————————

// Fill is a normalized trade notification from a per-user venue socket.
type Fill struct {
	OrderID     string     `json:"orderId"`
	MarketID    string     `json:"marketId"`
	TokenID     string     `json:"tokenId"`
	Side        Side       `json:"side"`
	Size        float64    `json:"size"`
	Price       float64    `json:"price"`
	Status      FillStatus `json:"status"`
	TimestampMs int64      `json:"timestamp"`
	TxHash      string     `json:"txHash,omitempty"`
}

// OrderEvent is a normalized order lifecycle notification from a per-user
// venue socket.
type OrderEvent struct {
	OrderID      string         `json:"orderId"`
	MarketID     string         `json:"marketId"`
	TokenID      string         `json:"tokenId"`
	Type         OrderEventType `json:"type"`
	Side         Side           `json:"side"`
	Price        float64        `json:"price"`
	OriginalSize float64        `json:"originalSize"`
	SizeMatched  float64        `json:"sizeMatched"`
	TimestampMs  int64          `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution contract
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is a limit order handed to the execution layer.
type OrderRequest struct {
	Venue     string    `json:"venue"`
	MarketID  string    `json:"marketId"` // condition ID
	TokenID   string    `json:"tokenId"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"` // shares
	NegRisk   bool      `json:"negRisk"`
	OrderType OrderType `json:"orderType"`
	PostOnly  bool      `json:"postOnly"`
}

// OrderResult is the execution layer's synchronous answer to an OrderRequest.
// Success false carries Error; a successful post-only order may have
// FilledSize 0 while it rests.
type OrderResult struct {
	Success    bool    `json:"success"`
	OrderID    string  `json:"orderId,omitempty"`
	FilledSize float64 `json:"filledSize,omitempty"`
	AvgPrice   float64 `json:"avgPrice,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is one open HFT position on a binary outcome token. Shares > 0.
// PeakPnlPct, LastBid, and LastBidAt feed the exit rules and are updated on
// every tick.
type Position struct {
	ID            string    `json:"id"`
	Strategy      string    `json:"strategy"`
	Asset         string    `json:"asset"`
	Direction     Direction `json:"direction"`
	TokenID       string    `json:"tokenId"`
	ConditionID   string    `json:"conditionId"`
	EntryPrice    float64   `json:"entryPrice"`
	Shares        float64   `json:"shares"`
	CurrentPrice  float64   `json:"currentPrice"`
	ExpiresAt     time.Time `json:"expiresAt"`
	OpenedAt      time.Time `json:"openedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	PeakPnlPct    float64   `json:"peakPnlPct"`
	LastBid       float64   `json:"lastBid"`
	LastBidAt     time.Time `json:"lastBidAt"`
	WasMakerEntry bool      `json:"wasMakerEntry"`
}

// PnlPct returns the unrealized PnL of the position in percent of entry.
func (p Position) PnlPct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
}

// ClosedPosition is the terminal snapshot of a position after its exit
// order filled.
type ClosedPosition struct {
	Position
	ExitPrice    float64    `json:"exitPrice"`
	RealizedPct  float64    `json:"pnlPct"`
	RealizedUSD  float64    `json:"pnlUsd"`
	ExitReason   ExitReason `json:"exitReason"`
	WasMakerExit bool       `json:"wasMakerExit"`
	ClosedAt     time.Time  `json:"closedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// AlertKind is the condition an alert evaluates against outcome[0].price.
type AlertKind string

const (
	AlertPriceAbove  AlertKind = "price_above"
	AlertPriceBelow  AlertKind = "price_below"
	AlertPriceCross  AlertKind = "price_cross"  // crossed the threshold in either direction
	AlertSpreadBelow AlertKind = "spread_below" // book spread fell under the threshold
)

// Alert is a persistent conditional owned by a user. A triggered alert is
// not evaluated again until re-armed.
type Alert struct {
	ID              int64      `json:"id"`
	UserID          string     `json:"userId"`
	Kind            AlertKind  `json:"kind"`
	Name            string     `json:"name,omitempty"`
	MarketID        string     `json:"marketId"`
	Venue           string     `json:"venue"`
	Threshold       float64    `json:"threshold"`
	Enabled         bool       `json:"enabled"`
	Triggered       bool       `json:"triggered"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Users & sessions
// ————————————————————————————————————————————————————————————————————————

// User is a chat/API principal that owns alerts and trading credentials.
type User struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one authenticated surface session for a user.
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// VenueCredentials are the per-user API credentials for a venue's user
// channel. Stored encrypted at rest.
type VenueCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}
