// Package market provides local order book state for venue markets.
//
// Book mirrors one token's order book as assembled from venue snapshots and
// incremental level updates. Venues deliver prices and sizes as decimal
// strings; Book parses them exactly and exposes a derived
// types.OrderbookSnapshot (best bid/ask, spread, mid, depth, imbalance) for
// the strategy layer. Concurrency-safe behind an RWMutex.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"clodds/pkg/types"
)

// StringLevel is a price level as venues deliver it: decimal strings that
// preserve exact precision on the wire.
type StringLevel struct {
	Price string
	Size  string
}

// Book maintains a local mirror of the order book for one token.
type Book struct {
	mu       sync.RWMutex
	venue    string
	marketID string
	tokenID  string
	bids     []types.Level // sorted descending by price
	asks     []types.Level // sorted ascending by price
	updated  time.Time
}

// NewBook creates an empty book for one token.
func NewBook(venue, marketID, tokenID string) *Book {
	return &Book{venue: venue, marketID: marketID, tokenID: tokenID}
}

// TokenID returns the token this book belongs to.
func (b *Book) TokenID() string {
	return b.tokenID
}

// ApplySnapshot replaces both sides with a full venue snapshot.
func (b *Book) ApplySnapshot(bids, asks []StringLevel) {
	newBids := parseLevels(bids)
	newAsks := parseLevels(asks)
	sort.Slice(newBids, func(i, j int) bool { return newBids[i].Price > newBids[j].Price })
	sort.Slice(newAsks, func(i, j int) bool { return newAsks[i].Price < newAsks[j].Price })

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.updated = time.Now()
	b.mu.Unlock()
}

// ApplyLevel applies a single incremental level change. Size "0" removes the
// level; otherwise the level is inserted or replaced keeping sides sorted.
func (b *Book) ApplyLevel(side types.Side, price, size string) {
	p := parseDecimal(price)
	s := parseDecimal(size)

	b.mu.Lock()
	defer b.mu.Unlock()

	if side == types.SideBuy {
		b.bids = updateSide(b.bids, p, s, func(a, bb float64) bool { return a > bb })
	} else {
		b.asks = updateSide(b.asks, p, s, func(a, bb float64) bool { return a < bb })
	}
	b.updated = time.Now()
}

// Snapshot derives the immutable orderbook view with all computed stats.
func (b *Book) Snapshot() types.OrderbookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.OrderbookSnapshot{
		Venue:       b.venue,
		MarketID:    b.marketID,
		TokenID:     b.tokenID,
		Bids:        append([]types.Level(nil), b.bids...),
		Asks:        append([]types.Level(nil), b.asks...),
		TimestampMs: b.updated.UnixMilli(),
	}

	if len(b.bids) > 0 {
		snap.BestBid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		snap.BestAsk = b.asks[0].Price
	}
	if len(b.bids) > 0 && len(b.asks) > 0 {
		snap.Spread = snap.BestAsk - snap.BestBid
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
		if snap.MidPrice > 0 {
			snap.SpreadPct = snap.Spread / snap.MidPrice * 100
		}
	}
	for _, l := range b.bids {
		snap.BidDepth += l.Size
	}
	for _, l := range b.asks {
		snap.AskDepth += l.Size
	}
	if total := snap.BidDepth + snap.AskDepth; total > 0 {
		snap.Imbalance = (snap.BidDepth - snap.AskDepth) / total
	}
	return snap
}

// BestBidAsk returns top of book. ok is false while either side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// MidPrice returns (bestBid+bestAsk)/2, false while the book is one-sided.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok || (bid == 0 && ask == 0) {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// IsStale reports whether no update has arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// updateSide inserts, replaces, or removes one level keeping the side sorted
// by the supplied ordering.
func updateSide(side []types.Level, price, size float64, before func(a, b float64) bool) []types.Level {
	for i, l := range side {
		if l.Price == price {
			if size == 0 {
				return append(side[:i], side[i+1:]...)
			}
			side[i].Size = size
			return side
		}
	}
	if size == 0 {
		return side
	}
	idx := len(side)
	for i, l := range side {
		if before(price, l.Price) {
			idx = i
			break
		}
	}
	side = append(side, types.Level{})
	copy(side[idx+1:], side[idx:])
	side[idx] = types.Level{Price: price, Size: size}
	return side
}

func parseLevels(raw []StringLevel) []types.Level {
	out := make([]types.Level, 0, len(raw))
	for _, l := range raw {
		out = append(out, types.Level{Price: parseDecimal(l.Price), Size: parseDecimal(l.Size)})
	}
	return out
}

// parseDecimal parses a venue decimal string exactly, then narrows to
// float64 at this boundary. Malformed strings become 0.
func parseDecimal(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
