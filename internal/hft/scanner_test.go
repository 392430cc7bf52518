package hft

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"clodds/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]types.Market // query -> markets
	err     error
	queries []string
}

func (f *fakeSearcher) SearchMarkets(_ context.Context, query, venue string) ([]types.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, venue+":"+query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func (f *fakeSearcher) setResults(query string, markets []types.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string][]types.Market)
	}
	f.results[query] = markets
}

func upDownMarket(id string, endDate time.Time, upPrice, downPrice float64) types.Market {
	end := endDate
	return types.Market{
		Venue:   types.VenuePolymarket,
		ID:      id,
		EndDate: &end,
		Outcomes: []types.Outcome{
			{ID: id + "-up", Name: "Up", Price: upPrice},
			{ID: id + "-down", Name: "Down", Price: downPrice},
		},
	}
}

func TestRoundMath(t *testing.T) {
	t.Parallel()

	s := NewScanner(&fakeSearcher{}, ScannerConfig{}, nil, testLogger())

	// 1_725_451_200 is a 900s boundary.
	base := int64(1_725_451_200)

	r := s.Round(time.Unix(base+450, 0))
	if r.Slot != base/900 {
		t.Errorf("Slot = %d, want %d", r.Slot, base/900)
	}
	if !almostEqual(r.AgeSec, 450) || !almostEqual(r.TimeLeftSec, 450) {
		t.Errorf("age/left = %v/%v, want 450/450", r.AgeSec, r.TimeLeftSec)
	}
	if want := time.Unix(base+900, 0).UTC(); !r.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", r.ExpiresAt, want)
	}

	// Fractional seconds count toward age.
	r = s.Round(time.Unix(base+10, 500_000_000))
	if !almostEqual(r.AgeSec, 10.5) || !almostEqual(r.TimeLeftSec, 889.5) {
		t.Errorf("age/left = %v/%v, want 10.5/889.5", r.AgeSec, r.TimeLeftSec)
	}
}

func TestCanTrade(t *testing.T) {
	t.Parallel()

	s := NewScanner(&fakeSearcher{}, ScannerConfig{MinRoundAgeSec: 15, MinTimeLeftSec: 45}, nil, testLogger())
	base := int64(1_725_451_200)

	tests := []struct {
		name   string
		offset int64
		want   bool
	}{
		{"round too young", 10, false},
		{"age at threshold", 15, true},
		{"mid round", 450, true},
		{"time left at threshold", 855, true},
		{"round almost over", 870, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := s.CanTrade(time.Unix(base+tt.offset, 0)); got != tt.want {
				t.Errorf("CanTrade(+%ds) = %v, want %v", tt.offset, got, tt.want)
			}
		})
	}
}

func TestBuildCryptoMarket(t *testing.T) {
	t.Parallel()

	end := time.Now().Add(10 * time.Minute)

	t.Run("up down outcomes", func(t *testing.T) {
		t.Parallel()
		cm := buildCryptoMarket("btc", upDownMarket("c1", end, 0.55, 0.45))
		if cm == nil {
			t.Fatal("expected a market")
		}
		if cm.Asset != "BTC" || cm.ConditionID != "c1" {
			t.Errorf("asset/condition = %s/%s, want BTC/c1", cm.Asset, cm.ConditionID)
		}
		if cm.UpTokenID != "c1-up" || cm.DownTokenID != "c1-down" {
			t.Errorf("tokens = %s/%s", cm.UpTokenID, cm.DownTokenID)
		}
		if cm.UpPrice != 0.55 || cm.DownPrice != 0.45 {
			t.Errorf("prices = %v/%v, want 0.55/0.45", cm.UpPrice, cm.DownPrice)
		}
	})

	t.Run("yes no outcomes map to up down", func(t *testing.T) {
		t.Parallel()
		mkt := upDownMarket("c2", end, 0.60, 0.40)
		mkt.Outcomes[0].Name = "Yes"
		mkt.Outcomes[1].Name = "No"
		cm := buildCryptoMarket("eth", mkt)
		if cm == nil {
			t.Fatal("expected a market")
		}
		if cm.UpTokenID != "c2-up" || cm.DownTokenID != "c2-down" {
			t.Errorf("tokens = %s/%s", cm.UpTokenID, cm.DownTokenID)
		}
	})

	t.Run("wrong outcome count", func(t *testing.T) {
		t.Parallel()
		mkt := upDownMarket("c3", end, 0.5, 0.5)
		mkt.Outcomes = append(mkt.Outcomes, types.Outcome{ID: "x", Name: "Maybe"})
		if cm := buildCryptoMarket("btc", mkt); cm != nil {
			t.Errorf("expected nil for 3 outcomes, got %+v", cm)
		}
	})

	t.Run("unrecognized outcome names", func(t *testing.T) {
		t.Parallel()
		mkt := upDownMarket("c4", end, 0.5, 0.5)
		mkt.Outcomes[1].Name = "Sideways"
		if cm := buildCryptoMarket("btc", mkt); cm != nil {
			t.Errorf("expected nil for missing down token, got %+v", cm)
		}
	})
}

func TestScanPicksRoundMarket(t *testing.T) {
	t.Parallel()

	feed := &fakeSearcher{}
	var mu sync.Mutex
	var updates [][]CryptoMarket
	s := NewScanner(feed, ScannerConfig{Assets: []string{"BTC"}}, func(ms []CryptoMarket) {
		mu.Lock()
		updates = append(updates, ms)
		mu.Unlock()
	}, testLogger())

	roundEnd := s.Round(time.Now()).ExpiresAt

	offRound := upDownMarket("next-round", roundEnd.Add(2*time.Hour), 0.5, 0.5)
	resolved := upDownMarket("resolved", roundEnd, 0.5, 0.5)
	resolved.Resolved = true
	good := upDownMarket("this-round", roundEnd.Add(20*time.Second), 0.52, 0.48)
	feed.setResults("btc up or down", []types.Market{offRound, resolved, good})

	s.Scan(context.Background())

	m, ok := s.Market("btc")
	if !ok {
		t.Fatal("expected a BTC market after scan")
	}
	if m.ConditionID != "this-round" {
		t.Errorf("ConditionID = %s, want this-round", m.ConditionID)
	}
	if asset, ok := s.AssetForToken("this-round-up"); !ok || asset != "BTC" {
		t.Errorf("AssetForToken = %q/%v, want BTC/true", asset, ok)
	}

	mu.Lock()
	n := len(updates)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("onUpdate fired %d times, want 1", n)
	}

	// Unchanged market set does not re-fire the callback.
	s.Scan(context.Background())
	mu.Lock()
	n = len(updates)
	mu.Unlock()
	if n != 1 {
		t.Errorf("onUpdate fired %d times after identical rescan, want 1", n)
	}

	// A new condition ID is a change.
	replacement := upDownMarket("fresh-round", roundEnd, 0.5, 0.5)
	feed.setResults("btc up or down", []types.Market{replacement})
	s.Scan(context.Background())
	mu.Lock()
	n = len(updates)
	mu.Unlock()
	if n != 2 {
		t.Errorf("onUpdate fired %d times after market change, want 2", n)
	}
	if m, _ := s.Market("BTC"); m.ConditionID != "fresh-round" {
		t.Errorf("ConditionID = %s, want fresh-round", m.ConditionID)
	}
}

func TestApplyTick(t *testing.T) {
	t.Parallel()

	feed := &fakeSearcher{}
	s := NewScanner(feed, ScannerConfig{Assets: []string{"SOL"}}, nil, testLogger())
	roundEnd := s.Round(time.Now()).ExpiresAt
	feed.setResults("sol up or down", []types.Market{upDownMarket("sol-mkt", roundEnd, 0.50, 0.50)})
	s.Scan(context.Background())

	s.ApplyTick("sol-mkt-up", 0.57)
	s.ApplyTick("sol-mkt-down", 0.43)
	s.ApplyTick("unknown-token", 0.99)

	m, ok := s.Market("SOL")
	if !ok {
		t.Fatal("expected a SOL market")
	}
	if m.UpPrice != 0.57 || m.DownPrice != 0.43 {
		t.Errorf("prices = %v/%v, want 0.57/0.43", m.UpPrice, m.DownPrice)
	}
}
