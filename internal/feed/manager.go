package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"

	"clodds/pkg/types"
)

// HealthReporter is implemented by adapters that can report liveness, e.g.
// socket-owning adapters whose stream may be down while the process is up.
type HealthReporter interface {
	Healthy() bool
}

type priceEntry struct {
	id uint64
	fn func(types.PriceUpdate)
}

type bookEntry struct {
	id uint64
	fn func(types.OrderbookSnapshot)
}

// Manager owns the venue adapters. The adapters map is built before Start
// and append-only afterwards; listener tables are mutex-guarded.
type Manager struct {
	logger *slog.Logger

	adapters map[string]Adapter
	order    []string // registration order, for deterministic venue scans

	mu     sync.RWMutex
	nextID uint64
	prices []priceEntry
	books  []bookEntry

	startMu sync.Mutex
	started bool
}

// NewManager creates an empty manager. Register adapters before Start.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger.With("component", "feeds"),
		adapters: make(map[string]Adapter),
	}
}

// Register adds one adapter under its venue name and installs the manager's
// publish handlers if the adapter streams. Registering after Start is not
// supported.
func (m *Manager) Register(a Adapter) {
	name := a.Name()
	if _, dup := m.adapters[name]; dup {
		m.logger.Warn("duplicate adapter registration ignored", "venue", name)
		return
	}
	m.adapters[name] = a
	m.order = append(m.order, name)

	if s, ok := a.(Streamer); ok {
		s.SetTickHandler(m.publishPrice)
		s.SetBookHandler(m.publishBook)
	}
}

// Venues returns the registered venue names in registration order.
func (m *Manager) Venues() []string {
	return append([]string(nil), m.order...)
}

// Start starts every adapter concurrently and returns once all attempts have
// completed. Individual failures are joined into the returned error; the
// manager stays usable with whichever adapters came up.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	var (
		wg    conc.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, name := range m.order {
		a := m.adapters[name]
		wg.Go(func() {
			if err := a.Start(ctx); err != nil {
				m.logger.Warn("adapter start failed", "venue", a.Name(), "error", err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	m.started = true
	m.logger.Info("feed manager started", "venues", len(m.order), "failed", len(errs))
	return errors.Join(errs...)
}

// Stop stops every adapter concurrently.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	var wg conc.WaitGroup
	for _, name := range m.order {
		a := m.adapters[name]
		wg.Go(func() {
			if err := a.Stop(); err != nil {
				m.logger.Warn("adapter stop failed", "venue", a.Name(), "error", err)
			}
		})
	}
	wg.Wait()
	m.started = false
	m.logger.Info("feed manager stopped")
}

// Status reports per-venue liveness for the health endpoint.
func (m *Manager) Status() map[string]bool {
	out := make(map[string]bool, len(m.order))
	for _, name := range m.order {
		if hr, ok := m.adapters[name].(HealthReporter); ok {
			out[name] = hr.Healthy()
			continue
		}
		out[name] = m.started
	}
	return out
}

// GetMarket fetches one market. With a venue the call is dispatched to that
// adapter; without one every adapter is tried in registration order and the
// first hit wins. Adapter transport errors are logged and treated as a miss.
func (m *Manager) GetMarket(ctx context.Context, id, venue string) (*types.Market, error) {
	if venue != "" {
		a, ok := m.adapters[venue]
		if !ok {
			return nil, ErrNoAdapter
		}
		mkt, err := a.GetMarket(ctx, id)
		if err != nil {
			m.logger.Warn("get market failed", "venue", venue, "market", id, "error", err)
			return nil, nil
		}
		return mkt, nil
	}

	for _, name := range m.order {
		mkt, err := m.adapters[name].GetMarket(ctx, id)
		if err != nil {
			m.logger.Warn("get market failed", "venue", name, "market", id, "error", err)
			continue
		}
		if mkt != nil {
			return mkt, nil
		}
	}
	return nil, nil
}

// SearchMarkets queries one venue, or fans out to all of them in parallel
// and returns the merged results sorted by 24h volume descending.
func (m *Manager) SearchMarkets(ctx context.Context, query, venue string) ([]types.Market, error) {
	if venue != "" {
		a, ok := m.adapters[venue]
		if !ok {
			return nil, ErrNoAdapter
		}
		markets, err := a.SearchMarkets(ctx, query)
		if err != nil {
			m.logger.Warn("search failed", "venue", venue, "query", query, "error", err)
			return nil, nil
		}
		sortByVolume(markets)
		return markets, nil
	}

	var (
		mu  sync.Mutex
		all []types.Market
	)
	p := concpool.New().WithMaxGoroutines(len(m.order) + 1)
	for _, name := range m.order {
		a := m.adapters[name]
		p.Go(func() {
			markets, err := a.SearchMarkets(ctx, query)
			if err != nil {
				m.logger.Warn("search failed", "venue", a.Name(), "query", query, "error", err)
				return
			}
			mu.Lock()
			all = append(all, markets...)
			mu.Unlock()
		})
	}
	p.Wait()
	sortByVolume(all)
	return all, nil
}

// GetPrice returns outcome[0].price of the market.
func (m *Manager) GetPrice(ctx context.Context, venue, id string) (float64, error) {
	mkt, err := m.GetMarket(ctx, id, venue)
	if err != nil {
		return 0, err
	}
	if mkt == nil || len(mkt.Outcomes) == 0 {
		return 0, ErrNotFound
	}
	return mkt.Outcomes[0].Price, nil
}

// GetOrderbook forwards to the adapter when it serves real books; otherwise
// it synthesizes a degenerate single-level book around outcome[0] with size
// max(1, outcome or market 24h volume).
func (m *Manager) GetOrderbook(ctx context.Context, venue, id string) (*types.OrderbookSnapshot, error) {
	a, ok := m.adapters[venue]
	if !ok {
		return nil, ErrNoAdapter
	}

	if op, ok := a.(OrderbookProvider); ok {
		book, err := op.GetOrderbook(ctx, id)
		if err != nil {
			m.logger.Warn("get orderbook failed", "venue", venue, "market", id, "error", err)
			return nil, nil
		}
		return book, nil
	}

	mkt, err := m.GetMarket(ctx, id, venue)
	if err != nil {
		return nil, err
	}
	if mkt == nil || len(mkt.Outcomes) == 0 {
		return nil, ErrNotFound
	}
	return synthesizeBook(mkt), nil
}

// SubscribePrice starts venue streaming for the market when the adapter
// supports it and attaches a listener filtered on (venue, id). The returned
// closure detaches the listener and releases the venue subscription; calling
// it more than once is safe.
func (m *Manager) SubscribePrice(venue, id string, cb func(types.PriceUpdate)) (func(), error) {
	a, ok := m.adapters[venue]
	if !ok {
		return nil, ErrNoAdapter
	}

	streamer, streams := a.(Streamer)
	if streams {
		if err := streamer.SubscribeMarket(id); err != nil {
			return nil, err
		}
	}

	listenerID := m.OnPrice(func(u types.PriceUpdate) {
		if u.Venue == venue && u.MarketID == id {
			cb(u)
		}
	})

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.Off(listenerID)
			if streams {
				if err := streamer.UnsubscribeMarket(id); err != nil {
					m.logger.Warn("unsubscribe failed", "venue", venue, "market", id, "error", err)
				}
			}
		})
	}
	return unsub, nil
}

// OnPrice attaches a raw price listener. Part of the bus.FeedSource surface.
func (m *Manager) OnPrice(fn func(types.PriceUpdate)) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.prices = append(m.prices, priceEntry{id: m.nextID, fn: fn})
	return m.nextID
}

// OnBook attaches a raw orderbook listener. Part of the bus.FeedSource surface.
func (m *Manager) OnBook(fn func(types.OrderbookSnapshot)) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.books = append(m.books, bookEntry{id: m.nextID, fn: fn})
	return m.nextID
}

// Off removes a listener by id.
func (m *Manager) Off(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.prices {
		if e.id == id {
			m.prices = append(m.prices[:i], m.prices[i+1:]...)
			return
		}
	}
	for i, e := range m.books {
		if e.id == id {
			m.books = append(m.books[:i], m.books[i+1:]...)
			return
		}
	}
}

func (m *Manager) publishPrice(u types.PriceUpdate) {
	m.mu.RLock()
	entries := make([]priceEntry, len(m.prices))
	copy(entries, m.prices)
	m.mu.RUnlock()

	for _, e := range entries {
		e.fn(u)
	}
}

func (m *Manager) publishBook(s types.OrderbookSnapshot) {
	m.mu.RLock()
	entries := make([]bookEntry, len(m.books))
	copy(entries, m.books)
	m.mu.RUnlock()

	for _, e := range entries {
		e.fn(s)
	}
}

func sortByVolume(markets []types.Market) {
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Volume24h > markets[j].Volume24h
	})
}

func synthesizeBook(mkt *types.Market) *types.OrderbookSnapshot {
	out := mkt.Outcomes[0]
	size := out.Volume24h
	if size == 0 {
		size = mkt.Volume24h
	}
	if size < 1 {
		size = 1
	}
	level := types.Level{Price: out.Price, Size: size}
	return &types.OrderbookSnapshot{
		Venue:       mkt.Venue,
		MarketID:    mkt.ID,
		TokenID:     out.ID,
		Bids:        []types.Level{level},
		Asks:        []types.Level{level},
		BestBid:     out.Price,
		BestAsk:     out.Price,
		MidPrice:    out.Price,
		BidDepth:    size,
		AskDepth:    size,
		TimestampMs: time.Now().UnixMilli(),
	}
}
