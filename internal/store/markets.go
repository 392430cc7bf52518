package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"clodds/pkg/types"
)

// UpsertMarket caches the full market snapshot. The queryable columns
// (slug, question) are denormalized out of the payload for lookups.
func (s *Store) UpsertMarket(ctx context.Context, m types.Market) error {
	if m.ID == "" || m.Venue == "" {
		return errors.New("market requires id and venue")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode market: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (id, venue, slug, question, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, venue) DO UPDATE SET
			slug = excluded.slug,
			question = excluded.question,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		m.ID, m.Venue, m.Slug, m.Question, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert market: %w", err)
	}
	return nil
}

// GetMarket returns the cached snapshot, or nil when the market has never
// been seen.
func (s *Store) GetMarket(ctx context.Context, venue, id string) (*types.Market, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM markets WHERE id = ? AND venue = ?`, id, venue).
		Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	var m types.Market
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decode market: %w", err)
	}
	return &m, nil
}

// MarketCount reports how many markets are cached, optionally scoped to a
// venue.
func (s *Store) MarketCount(ctx context.Context, venue string) (int, error) {
	var (
		n   int
		err error
	)
	if venue == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM markets WHERE venue = ?`, venue).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count markets: %w", err)
	}
	return n, nil
}
