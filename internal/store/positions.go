package store

import (
	"context"
	"database/sql"
	"fmt"

	"clodds/pkg/types"
)

// RecordOpenPosition journals a freshly opened position. Exit columns stay
// NULL until RecordClosedPosition overwrites the row.
func (s *Store) RecordOpenPosition(ctx context.Context, p types.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
			(id, strategy, asset, direction, token_id, condition_id,
			 entry_price, shares, was_maker_entry, expires_at, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Strategy, p.Asset, string(p.Direction), p.TokenID, p.ConditionID,
		p.EntryPrice, p.Shares, p.WasMakerEntry, p.ExpiresAt.UTC(), p.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("record open position: %w", err)
	}
	return nil
}

// RecordClosedPosition journals the terminal snapshot of a closed position.
// Implements the engine's trade recorder.
func (s *Store) RecordClosedPosition(ctx context.Context, cp types.ClosedPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
			(id, strategy, asset, direction, token_id, condition_id,
			 entry_price, shares, was_maker_entry, expires_at, opened_at,
			 exit_price, pnl_pct, pnl_usd, exit_reason, was_maker_exit, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Strategy, cp.Asset, string(cp.Direction), cp.TokenID, cp.ConditionID,
		cp.EntryPrice, cp.Shares, cp.WasMakerEntry, cp.ExpiresAt.UTC(), cp.OpenedAt.UTC(),
		cp.ExitPrice, cp.RealizedPct, cp.RealizedUSD, string(cp.ExitReason),
		cp.WasMakerExit, cp.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("record closed position: %w", err)
	}
	return nil
}

// ListClosedPositions returns closed trades, newest first. A non-positive
// limit defaults to 100.
func (s *Store) ListClosedPositions(ctx context.Context, limit int) ([]types.ClosedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy, asset, direction, token_id, condition_id,
		       entry_price, shares, was_maker_entry, expires_at, opened_at,
		       exit_price, pnl_pct, pnl_usd, exit_reason, was_maker_exit, closed_at
		FROM positions
		WHERE closed_at IS NOT NULL
		ORDER BY closed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	defer rows.Close()

	var out []types.ClosedPosition
	for rows.Next() {
		var (
			cp        types.ClosedPosition
			direction string
			expires   sql.NullTime
			reason    sql.NullString
			maker     sql.NullBool
		)
		err := rows.Scan(&cp.ID, &cp.Strategy, &cp.Asset, &direction, &cp.TokenID,
			&cp.ConditionID, &cp.EntryPrice, &cp.Shares, &cp.WasMakerEntry,
			&expires, &cp.OpenedAt, &cp.ExitPrice, &cp.RealizedPct, &cp.RealizedUSD,
			&reason, &maker, &cp.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		cp.Direction = types.Direction(direction)
		if expires.Valid {
			cp.ExpiresAt = expires.Time
		}
		cp.ExitReason = types.ExitReason(reason.String)
		cp.WasMakerExit = maker.Bool
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PerformanceStats aggregates the closed-trade journal.
type PerformanceStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	WinRate     float64 `json:"winRate"` // percent, 0 when no trades
	TotalPnlUSD float64 `json:"totalPnlUsd"`
	AvgPnlPct   float64 `json:"avgPnlPct"`
	MakerExits  int     `json:"makerExits"`
}

// Performance computes aggregate stats over all closed trades.
func (s *Store) Performance(ctx context.Context) (PerformanceStats, error) {
	var st PerformanceStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl_usd > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl_usd), 0),
		       COALESCE(AVG(pnl_pct), 0),
		       COALESCE(SUM(was_maker_exit), 0)
		FROM positions WHERE closed_at IS NOT NULL`).
		Scan(&st.Trades, &st.Wins, &st.TotalPnlUSD, &st.AvgPnlPct, &st.MakerExits)
	if err != nil {
		return st, fmt.Errorf("performance stats: %w", err)
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades) * 100
	}
	return st, nil
}
