// Package bus implements the typed fan-out hub between feed producers and
// event consumers.
//
// Three event kinds flow through the bus: price ticks, orderbook snapshots,
// and generated trade signals. Dispatch is synchronous and in registration
// order; each listener runs inside its own recover boundary so one failing
// consumer cannot starve the others. The bus owns nothing but its listener
// table — producers keep responsibility for their own errors and retries.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"clodds/pkg/types"
)

var (
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clodds_bus_events_total",
		Help: "Events emitted on the signal bus by kind.",
	}, []string{"kind"})

	listenerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clodds_bus_listener_failures_total",
		Help: "Listener panics recovered during bus dispatch by kind.",
	}, []string{"kind"})
)

// TickListener consumes price updates.
type TickListener func(types.PriceUpdate)

// BookListener consumes orderbook snapshots.
type BookListener func(types.OrderbookSnapshot)

// SignalListener consumes trade signals.
type SignalListener func(types.TradeSignal)

// FeedSource is the producer surface the bus binds to. The feed manager
// implements it.
type FeedSource interface {
	OnPrice(fn func(types.PriceUpdate)) uint64
	OnBook(fn func(types.OrderbookSnapshot)) uint64
	Off(id uint64)
}

type tickEntry struct {
	id uint64
	fn TickListener
}

type bookEntry struct {
	id uint64
	fn BookListener
}

type signalEntry struct {
	id uint64
	fn SignalListener
}

// Bus is the in-process event hub. Zero value is not usable; construct with
// New.
type Bus struct {
	logger *slog.Logger
	nextID atomic.Uint64

	mu      sync.RWMutex
	ticks   []tickEntry
	books   []bookEntry
	signals []signalEntry

	// Active feed binding. Rewiring detaches the previous one first.
	feedMu      sync.Mutex
	feedSrc     FeedSource
	feedPriceID uint64
	feedBookID  uint64
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "bus")}
}

// ConnectFeeds subscribes the bus to the manager's price and orderbook
// streams so adapter events re-emerge as bus events. Calling it again
// disconnects any previous binding before attaching the new one.
func (b *Bus) ConnectFeeds(src FeedSource) {
	b.feedMu.Lock()
	defer b.feedMu.Unlock()

	b.disconnectLocked()
	b.feedSrc = src
	b.feedPriceID = src.OnPrice(func(u types.PriceUpdate) { b.EmitTick(u) })
	b.feedBookID = src.OnBook(func(s types.OrderbookSnapshot) { b.EmitBook(s) })
	b.logger.Info("feeds connected to bus")
}

// DisconnectFeeds drops the producer binding. Direct Emit calls keep working.
func (b *Bus) DisconnectFeeds() {
	b.feedMu.Lock()
	defer b.feedMu.Unlock()
	b.disconnectLocked()
}

func (b *Bus) disconnectLocked() {
	if b.feedSrc == nil {
		return
	}
	b.feedSrc.Off(b.feedPriceID)
	b.feedSrc.Off(b.feedBookID)
	b.feedSrc = nil
}

// OnTick attaches a price listener and returns its detach id.
func (b *Bus) OnTick(fn TickListener) uint64 {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.ticks = append(b.ticks, tickEntry{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// OnOrderbook attaches an orderbook listener and returns its detach id.
func (b *Bus) OnOrderbook(fn BookListener) uint64 {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.books = append(b.books, bookEntry{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// OnSignal attaches a trade-signal listener and returns its detach id.
func (b *Bus) OnSignal(fn SignalListener) uint64 {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.signals = append(b.signals, signalEntry{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Off removes the listener with the given id, whatever its kind. Unknown ids
// are ignored.
func (b *Bus) Off(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.ticks {
		if e.id == id {
			b.ticks = append(b.ticks[:i], b.ticks[i+1:]...)
			return
		}
	}
	for i, e := range b.books {
		if e.id == id {
			b.books = append(b.books[:i], b.books[i+1:]...)
			return
		}
	}
	for i, e := range b.signals {
		if e.id == id {
			b.signals = append(b.signals[:i], b.signals[i+1:]...)
			return
		}
	}
}

// EmitTick delivers a price update to every tick listener in registration
// order. Returns true iff at least one listener was attached.
func (b *Bus) EmitTick(u types.PriceUpdate) bool {
	b.mu.RLock()
	entries := make([]tickEntry, len(b.ticks))
	copy(entries, b.ticks)
	b.mu.RUnlock()

	eventsEmitted.WithLabelValues("tick").Inc()
	for _, e := range entries {
		b.dispatch("tick", func() { e.fn(u) })
	}
	return len(entries) > 0
}

// EmitBook delivers an orderbook snapshot to every orderbook listener.
func (b *Bus) EmitBook(s types.OrderbookSnapshot) bool {
	b.mu.RLock()
	entries := make([]bookEntry, len(b.books))
	copy(entries, b.books)
	b.mu.RUnlock()

	eventsEmitted.WithLabelValues("orderbook").Inc()
	for _, e := range entries {
		b.dispatch("orderbook", func() { e.fn(s) })
	}
	return len(entries) > 0
}

// EmitSignal delivers a trade signal to every signal listener.
func (b *Bus) EmitSignal(sig types.TradeSignal) bool {
	b.mu.RLock()
	entries := make([]signalEntry, len(b.signals))
	copy(entries, b.signals)
	b.mu.RUnlock()

	eventsEmitted.WithLabelValues("signal").Inc()
	for _, e := range entries {
		b.dispatch("signal", func() { e.fn(sig) })
	}
	return len(entries) > 0
}

// ListenerCount reports attached listeners per kind, for health reporting.
func (b *Bus) ListenerCount() (ticks, books, signals int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ticks), len(b.books), len(b.signals)
}

// dispatch runs one listener inside a recover boundary. A panicking listener
// is logged and the loop in the caller continues with the next one.
func (b *Bus) dispatch(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			listenerFailures.WithLabelValues(kind).Inc()
			b.logger.Error("bus listener failed", "kind", kind, "panic", r)
		}
	}()
	fn()
}
