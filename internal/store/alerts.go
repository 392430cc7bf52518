package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clodds/pkg/types"
)

// ErrNotFound reports that a row targeted by id does not exist.
var ErrNotFound = errors.New("not found")

const alertColumns = `id, user_id, kind, name, market_id, venue, threshold,
	enabled, triggered, created_at, last_triggered_at`

// CreateAlert inserts the alert and fills its ID and CreatedAt.
func (s *Store) CreateAlert(ctx context.Context, a *types.Alert) error {
	if a.UserID == "" || a.MarketID == "" || a.Venue == "" {
		return errors.New("alert requires user, market, and venue")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (user_id, kind, name, market_id, venue, threshold, enabled, triggered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.UserID, string(a.Kind), a.Name, a.MarketID, a.Venue, a.Threshold, a.Enabled, now)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create alert id: %w", err)
	}
	a.ID = id
	a.Triggered = false
	a.CreatedAt = now
	return nil
}

// GetAlert returns nil when no alert has the given id.
func (s *Store) GetAlert(ctx context.Context, id int64) (*types.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns all alerts owned by the user, newest first.
func (s *Store) ListAlerts(ctx context.Context, userID string) ([]types.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListActiveAlerts returns every enabled, untriggered alert across all
// users. This is the set the cron sweep evaluates.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE enabled = 1 AND triggered = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	return collectAlerts(rows)
}

// SetAlertEnabled toggles an alert. Enabling also re-arms it (clears the
// triggered latch) so it fires again on the next matching condition.
func (s *Store) SetAlertEnabled(ctx context.Context, id int64, enabled bool) error {
	var (
		res sql.Result
		err error
	)
	if enabled {
		res, err = s.db.ExecContext(ctx,
			`UPDATE alerts SET enabled = 1, triggered = 0 WHERE id = ?`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE alerts SET enabled = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("set alert enabled: %w", err)
	}
	return requireRow(res, "alert", id)
}

// MarkAlertTriggered latches the alert so the sweep skips it until it is
// re-armed.
func (s *Store) MarkAlertTriggered(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET triggered = 1, last_triggered_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark alert triggered: %w", err)
	}
	return requireRow(res, "alert", id)
}

// DeleteAlert removes the alert.
func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return requireRow(res, "alert", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*types.Alert, error) {
	var (
		a    types.Alert
		kind string
		last sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UserID, &kind, &a.Name, &a.MarketID, &a.Venue,
		&a.Threshold, &a.Enabled, &a.Triggered, &a.CreatedAt, &last)
	if err != nil {
		return nil, err
	}
	a.Kind = types.AlertKind(kind)
	if last.Valid {
		t := last.Time
		a.LastTriggeredAt = &t
	}
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]types.Alert, error) {
	defer rows.Close()
	var out []types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func requireRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}
