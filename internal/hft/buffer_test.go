package hft

import (
	"testing"
	"time"
)

func TestPriceBufferLatest(t *testing.T) {
	t.Parallel()

	b := NewPriceBuffer()
	if _, _, ok := b.Latest(); ok {
		t.Fatal("empty buffer should have no latest point")
	}

	b.PushAt(0.41, 1000)
	b.PushAt(0.43, 2000)

	price, tsMs, ok := b.Latest()
	if !ok {
		t.Fatal("expected a latest point")
	}
	if price != 0.43 || tsMs != 2000 {
		t.Errorf("Latest() = (%v, %v), want (0.43, 2000)", price, tsMs)
	}
	if got := b.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestPriceBufferCountPrune(t *testing.T) {
	t.Parallel()

	b := NewPriceBuffer()
	b.maxLen = 5
	for i := 0; i < 8; i++ {
		b.PushAt(float64(i), int64(i)*1000)
	}

	if got := b.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
	// Oldest surviving point is the fourth pushed.
	if got := b.points[0].price; got != 3 {
		t.Errorf("oldest price = %v, want 3", got)
	}
}

func TestPriceBufferAgePrune(t *testing.T) {
	t.Parallel()

	b := NewPriceBuffer()
	b.PushAt(1, 0)
	b.PushAt(2, 100_000)
	if got := b.Len(); got != 2 {
		t.Fatalf("Len() = %d before aging, want 2", got)
	}

	// A point 200s after the first pushes it past the 180s horizon.
	b.PushAt(3, 200_000)
	if got := b.Len(); got != 2 {
		t.Fatalf("Len() = %d after aging, want 2", got)
	}
	if got := b.points[0].price; got != 2 {
		t.Errorf("oldest price = %v, want 2", got)
	}
}

func TestPriceBufferMovePct(t *testing.T) {
	t.Parallel()

	b := NewPriceBuffer()
	if got := b.MovePct(30 * time.Second); got != 0 {
		t.Errorf("MovePct on empty buffer = %v, want 0", got)
	}

	b.PushAt(100, 0)
	b.PushAt(101, 10_000)

	if got := b.MovePct(30 * time.Second); got != 1.0 {
		t.Errorf("MovePct(30s) = %v, want 1.0", got)
	}
	// A 5s window sees only the newest point.
	if got := b.MovePct(5 * time.Second); got != 0 {
		t.Errorf("MovePct(5s) = %v, want 0", got)
	}
}

func TestPriceBufferRangeAndMean(t *testing.T) {
	t.Parallel()

	b := NewPriceBuffer()
	b.PushAt(0.30, 0)
	b.PushAt(0.40, 1000)
	b.PushAt(0.20, 2000)

	if got := b.Range(30 * time.Second); !almostEqual(got, 0.20) {
		t.Errorf("Range = %v, want 0.20", got)
	}
	if got := b.Mean(30 * time.Second); !almostEqual(got, 0.30) {
		t.Errorf("Mean = %v, want 0.30", got)
	}
	// Window trims the first two points.
	if got := b.Range(500 * time.Millisecond); got != 0 {
		t.Errorf("Range(500ms) = %v, want 0", got)
	}
}

func TestPriceBufferReversals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prices  []float64
		minStep float64
		want    int
	}{
		{"oscillating", []float64{0.30, 0.32, 0.29, 0.33, 0.30}, 0.01, 3},
		{"steps below threshold", []float64{0.30, 0.32, 0.29, 0.33, 0.30}, 0.05, 0},
		{"monotonic", []float64{0.30, 0.31, 0.32, 0.33}, 0.01, 0},
		{"too few points", []float64{0.30, 0.35}, 0.01, 0},
		{"single zigzag", []float64{0.30, 0.34, 0.30}, 0.01, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewPriceBuffer()
			for i, p := range tt.prices {
				b.PushAt(p, int64(i)*1000)
			}
			if got := b.Reversals(30*time.Second, tt.minStep); got != tt.want {
				t.Errorf("Reversals = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPriceBufferWindowExcludesOldPoints(t *testing.T) {
	t.Parallel()

	b := NewPriceBuffer()
	b.PushAt(0.10, 0)
	b.PushAt(0.50, 40_000)
	b.PushAt(0.52, 50_000)

	// 30s window anchored at the newest point excludes the first point.
	if got := b.Range(30 * time.Second); !almostEqual(got, 0.02) {
		t.Errorf("Range(30s) = %v, want 0.02", got)
	}
	if got := b.Range(time.Hour); !almostEqual(got, 0.42) {
		t.Errorf("Range(1h) = %v, want 0.42", got)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
