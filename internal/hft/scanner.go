package hft

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clodds/pkg/types"
)

// roundSeconds is the length of one trading round. Round markets expire at
// the next boundary.
const roundSeconds = 900

// expiryTolerance is how far a market's end date may sit from the round
// boundary and still count as this round's market.
const expiryTolerance = time.Minute

// CryptoMarket is the pair of binary tokens for one asset in the current
// round.
type CryptoMarket struct {
	Asset       string    `json:"asset"`
	ConditionID string    `json:"conditionId"`
	UpTokenID   string    `json:"upTokenId"`
	DownTokenID string    `json:"downTokenId"`
	UpPrice     float64   `json:"upPrice"`
	DownPrice   float64   `json:"downPrice"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Token returns the token ID for the given direction.
func (m CryptoMarket) Token(dir types.Direction) string {
	if dir == types.DirUp {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// Price returns the last scanned price for the given direction.
func (m CryptoMarket) Price(dir types.Direction) float64 {
	if dir == types.DirUp {
		return m.UpPrice
	}
	return m.DownPrice
}

// RoundInfo describes where the clock sits inside the current round.
type RoundInfo struct {
	Slot        int64   `json:"slot"`
	AgeSec      float64 `json:"ageSec"`
	TimeLeftSec float64 `json:"timeLeftSec"`
	ExpiresAt   time.Time
}

// ScannerConfig bounds when rounds are tradable and how markets are found.
type ScannerConfig struct {
	Assets         []string
	MinRoundAgeSec int
	MinTimeLeftSec int
	RescanInterval time.Duration
}

func (c *ScannerConfig) applyDefaults() {
	if len(c.Assets) == 0 {
		c.Assets = []string{"BTC", "ETH", "SOL", "XRP"}
	}
	if c.MinRoundAgeSec == 0 {
		c.MinRoundAgeSec = 15
	}
	if c.MinTimeLeftSec == 0 {
		c.MinTimeLeftSec = 45
	}
	if c.RescanInterval == 0 {
		c.RescanInterval = 30 * time.Second
	}
}

// marketSearcher is the slice of the feed manager the scanner needs.
type marketSearcher interface {
	SearchMarkets(ctx context.Context, query, venue string) ([]types.Market, error)
}

// Scanner discovers the current round's up/down markets per asset and
// tracks round timing. onUpdate fires after every scan that changes the
// market set, with a snapshot of all current markets.
type Scanner struct {
	feed     marketSearcher
	cfg      ScannerConfig
	onUpdate func([]CryptoMarket)
	logger   *slog.Logger

	mu       sync.RWMutex
	markets  map[string]CryptoMarket // by asset
	byToken  map[string]string       // token ID -> asset
	lastSlot int64
}

// NewScanner builds a scanner over the feed manager. onUpdate may be nil.
func NewScanner(feed marketSearcher, cfg ScannerConfig, onUpdate func([]CryptoMarket), logger *slog.Logger) *Scanner {
	cfg.applyDefaults()
	return &Scanner{
		feed:     feed,
		cfg:      cfg,
		onUpdate: onUpdate,
		logger:   logger.With("component", "hft_scanner"),
		markets:  make(map[string]CryptoMarket),
		byToken:  make(map[string]string),
	}
}

// Round computes the round position for the given instant.
func (s *Scanner) Round(now time.Time) RoundInfo {
	slot := now.Unix() / roundSeconds
	start := slot * roundSeconds
	end := start + roundSeconds
	return RoundInfo{
		Slot:        slot,
		AgeSec:      float64(now.Unix()-start) + float64(now.Nanosecond())/1e9,
		TimeLeftSec: float64(end-now.Unix()) - float64(now.Nanosecond())/1e9,
		ExpiresAt:   time.Unix(end, 0).UTC(),
	}
}

// CanTrade reports whether the round is old enough and has enough time
// left for entries.
func (s *Scanner) CanTrade(now time.Time) bool {
	r := s.Round(now)
	return r.AgeSec >= float64(s.cfg.MinRoundAgeSec) && r.TimeLeftSec >= float64(s.cfg.MinTimeLeftSec)
}

// Markets returns a snapshot of the current round's markets.
func (s *Scanner) Markets() []CryptoMarket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CryptoMarket, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	return out
}

// Assets returns the configured asset list.
func (s *Scanner) Assets() []string {
	return append([]string(nil), s.cfg.Assets...)
}

// Market returns the current market for one asset.
func (s *Scanner) Market(asset string) (CryptoMarket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[strings.ToUpper(asset)]
	return m, ok
}

// AssetForToken maps a tick's token ID back to its asset.
func (s *Scanner) AssetForToken(tokenID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byToken[tokenID]
	return a, ok
}

// ApplyTick refreshes the scanned price for whichever side the token
// belongs to.
func (s *Scanner) ApplyTick(tokenID string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.byToken[tokenID]
	if !ok {
		return
	}
	m := s.markets[asset]
	switch tokenID {
	case m.UpTokenID:
		m.UpPrice = price
	case m.DownTokenID:
		m.DownPrice = price
	}
	s.markets[asset] = m
}

// Run scans immediately, then on every rescan tick and on round rollover,
// until the context ends.
func (s *Scanner) Run(ctx context.Context) {
	s.Scan(ctx)

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	// Rollover checks run finer-grained than rescans so a new round's
	// markets are picked up promptly.
	rollover := time.NewTicker(time.Second)
	defer rollover.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		case now := <-rollover.C:
			slot := now.Unix() / roundSeconds
			s.mu.RLock()
			last := s.lastSlot
			s.mu.RUnlock()
			if slot != last {
				s.Scan(ctx)
			}
		}
	}
}

// Scan searches each asset's round market and swaps the snapshot. Assets
// whose market cannot be found are dropped from the set.
func (s *Scanner) Scan(ctx context.Context) {
	now := time.Now()
	round := s.Round(now)

	found := make(map[string]CryptoMarket, len(s.cfg.Assets))
	for _, asset := range s.cfg.Assets {
		m, err := s.findRoundMarket(ctx, asset, round.ExpiresAt)
		if err != nil {
			s.logger.Warn("round market scan failed", "asset", asset, "error", err)
			continue
		}
		if m == nil {
			continue
		}
		found[strings.ToUpper(asset)] = *m
	}

	s.mu.Lock()
	changed := len(found) != len(s.markets)
	if !changed {
		for asset, m := range found {
			if prev, ok := s.markets[asset]; !ok || prev.ConditionID != m.ConditionID {
				changed = true
				break
			}
		}
	}
	s.markets = found
	s.byToken = make(map[string]string, 2*len(found))
	for asset, m := range found {
		s.byToken[m.UpTokenID] = asset
		s.byToken[m.DownTokenID] = asset
	}
	s.lastSlot = round.Slot
	snapshot := make([]CryptoMarket, 0, len(found))
	for _, m := range found {
		snapshot = append(snapshot, m)
	}
	s.mu.Unlock()

	if changed {
		s.logger.Info("round markets updated",
			"slot", round.Slot, "markets", len(snapshot), "expires", round.ExpiresAt)
		if s.onUpdate != nil {
			s.onUpdate(snapshot)
		}
	}
}

// findRoundMarket searches "<asset> up or down" and keeps the market whose
// end date sits on the current round boundary.
func (s *Scanner) findRoundMarket(ctx context.Context, asset string, expiresAt time.Time) (*CryptoMarket, error) {
	query := fmt.Sprintf("%s up or down", strings.ToLower(asset))
	results, err := s.feed.SearchMarkets(ctx, query, types.VenuePolymarket)
	if err != nil {
		return nil, err
	}

	for _, mkt := range results {
		if mkt.EndDate == nil || mkt.Resolved {
			continue
		}
		gap := mkt.EndDate.Sub(expiresAt)
		if gap < -expiryTolerance || gap > expiryTolerance {
			continue
		}
		cm := buildCryptoMarket(asset, mkt)
		if cm == nil {
			continue
		}
		return cm, nil
	}
	return nil, nil
}

// buildCryptoMarket maps a two-outcome up/down market onto a CryptoMarket.
func buildCryptoMarket(asset string, mkt types.Market) *CryptoMarket {
	if len(mkt.Outcomes) != 2 {
		return nil
	}
	cm := &CryptoMarket{
		Asset:       strings.ToUpper(asset),
		ConditionID: mkt.ID,
	}
	if mkt.EndDate != nil {
		cm.ExpiresAt = *mkt.EndDate
	}
	for _, o := range mkt.Outcomes {
		switch strings.ToLower(o.Name) {
		case "up", "yes":
			cm.UpTokenID = o.ID
			cm.UpPrice = o.Price
		case "down", "no":
			cm.DownTokenID = o.ID
			cm.DownPrice = o.Price
		}
	}
	if cm.UpTokenID == "" || cm.DownTokenID == "" {
		return nil
	}
	return cm
}
