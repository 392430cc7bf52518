// Package hft implements the round-based trading engine: rolling price
// buffers, the 15-minute round scanner, the strategy evaluators, and the
// position manager with its exit rules.
package hft

import (
	"sync"
	"time"
)

const (
	defaultBufferCap = 2000
	defaultBufferAge = 180 * time.Second
)

// pricePoint is one observed price.
type pricePoint struct {
	price float64
	tsMs  int64
}

// PriceBuffer holds recent prices for one series, oldest first, pruned by
// count and by age relative to the newest point. Window queries measure
// backwards from the newest point so replayed history behaves like live
// data.
type PriceBuffer struct {
	mu     sync.RWMutex
	points []pricePoint
	maxLen int
	maxAge time.Duration
}

// NewPriceBuffer creates a buffer bounded at 2000 points and 180s of age.
func NewPriceBuffer() *PriceBuffer {
	return &PriceBuffer{
		points: make([]pricePoint, 0, 256),
		maxLen: defaultBufferCap,
		maxAge: defaultBufferAge,
	}
}

// Push appends a price stamped now.
func (b *PriceBuffer) Push(price float64) {
	b.PushAt(price, time.Now().UnixMilli())
}

// PushAt appends a price with an explicit timestamp and prunes.
func (b *PriceBuffer) PushAt(price float64, tsMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points = append(b.points, pricePoint{price: price, tsMs: tsMs})
	b.pruneLocked()
}

func (b *PriceBuffer) pruneLocked() {
	if over := len(b.points) - b.maxLen; over > 0 {
		b.points = b.points[over:]
	}
	if len(b.points) == 0 {
		return
	}
	cutoff := b.points[len(b.points)-1].tsMs - b.maxAge.Milliseconds()
	idx := 0
	for idx < len(b.points) && b.points[idx].tsMs < cutoff {
		idx++
	}
	if idx > 0 {
		b.points = b.points[idx:]
	}
}

// windowLocked returns the points within the last w, oldest first.
func (b *PriceBuffer) windowLocked(w time.Duration) []pricePoint {
	if len(b.points) == 0 {
		return nil
	}
	cutoff := b.points[len(b.points)-1].tsMs - w.Milliseconds()
	idx := 0
	for idx < len(b.points) && b.points[idx].tsMs < cutoff {
		idx++
	}
	return b.points[idx:]
}

// Len returns the number of retained points.
func (b *PriceBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.points)
}

// Latest returns the newest price and its timestamp.
func (b *PriceBuffer) Latest() (price float64, tsMs int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.points) == 0 {
		return 0, 0, false
	}
	p := b.points[len(b.points)-1]
	return p.price, p.tsMs, true
}

// Reversals walks newest to oldest over the window, keeping only moves of
// at least minStep, and counts direction changes between those moves.
func (b *PriceBuffer) Reversals(w time.Duration, minStep float64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pts := b.windowLocked(w)
	if len(pts) < 3 {
		return 0
	}

	ref := pts[len(pts)-1].price
	prevDir := 0
	reversals := 0
	for i := len(pts) - 2; i >= 0; i-- {
		d := pts[i].price - ref
		if d < 0 {
			d = -d
		}
		if d < minStep {
			continue
		}
		dir := 1
		if pts[i].price < ref {
			dir = -1
		}
		if prevDir != 0 && dir != prevDir {
			reversals++
		}
		prevDir = dir
		ref = pts[i].price
	}
	return reversals
}

// Range returns max minus min over the window.
func (b *PriceBuffer) Range(w time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pts := b.windowLocked(w)
	if len(pts) == 0 {
		return 0
	}
	lo, hi := pts[0].price, pts[0].price
	for _, p := range pts[1:] {
		if p.price < lo {
			lo = p.price
		}
		if p.price > hi {
			hi = p.price
		}
	}
	return hi - lo
}

// Mean returns the arithmetic mean over the window.
func (b *PriceBuffer) Mean(w time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pts := b.windowLocked(w)
	if len(pts) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range pts {
		sum += p.price
	}
	return sum / float64(len(pts))
}

// MovePct returns (newest - oldest) / oldest * 100 over the window.
func (b *PriceBuffer) MovePct(w time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pts := b.windowLocked(w)
	if len(pts) < 2 {
		return 0
	}
	oldest := pts[0].price
	if oldest == 0 {
		return 0
	}
	newest := pts[len(pts)-1].price
	return (newest - oldest) / oldest * 100
}
