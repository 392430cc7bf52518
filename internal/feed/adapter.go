// Package feed owns venue adapters and composes their market data into one
// surface.
//
// The Manager constructs adapters from config, starts and stops them
// together, and exposes unified search / get / price / orderbook / subscribe
// operations. Adapters push normalized ticks and orderbook snapshots back
// through the manager's listener table, which is what the signal bus binds
// to.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"clodds/pkg/types"
)

// Adapter is the minimum contract one venue integration must satisfy.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	SearchMarkets(ctx context.Context, query string) ([]types.Market, error)
	GetMarket(ctx context.Context, id string) (*types.Market, error)
}

// OrderbookProvider is implemented by adapters whose venue exposes a real
// order book. The manager synthesizes a degenerate book for the rest.
type OrderbookProvider interface {
	GetOrderbook(ctx context.Context, id string) (*types.OrderbookSnapshot, error)
}

// Streamer is implemented by adapters that push live events. Handlers are
// installed once, at registration, before Start.
type Streamer interface {
	SetTickHandler(fn func(types.PriceUpdate))
	SetBookHandler(fn func(types.OrderbookSnapshot))
	SubscribeMarket(id string) error
	UnsubscribeMarket(id string) error
}

// Reconnection policy shared by every adapter-owned socket: exponential
// backoff from 1s, doubling, capped at 30s, at most 5 attempts before the
// adapter gives up until the next Start.
const (
	ReconnectInitialWait = 1 * time.Second
	ReconnectMaxWait     = 30 * time.Second
	MaxReconnectAttempts = 5
)

// NewReconnectBackoff returns the delay sequence for adapter reconnects.
func NewReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectInitialWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = ReconnectMaxWait
	b.Reset()
	return b
}

// Errors shared across the feed surface.
var (
	ErrNoAdapter   = errors.New("no adapter registered for venue")
	ErrNotFound    = errors.New("market not found")
	ErrNoStreaming = errors.New("adapter does not support streaming")
)
