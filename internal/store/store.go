// Package store persists users, sessions, alerts, markets, positions, and
// trading credentials in a single SQLite database.
//
// The database opens in WAL mode with a busy timeout, and the connection
// pool is capped at one connection so writes serialize instead of failing
// with SQLITE_BUSY. Schema changes run through an ordered migration list
// recorded in the _migrations table, so existing databases upgrade in
// place. Credentials are encrypted before they touch the disk; see
// credentials.go.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"clodds/pkg/types"
)

// Config carries the store's location and the credential vault key.
type Config struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string
	// CredentialKey is the passphrase protecting trading credentials.
	// Credential operations fail when it is empty.
	CredentialKey string
}

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	key    []byte // derived credential key, nil when not configured
	logger *slog.Logger
}

// Open opens (creating if necessary) the database, applies pragmas and
// pending migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is empty")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: serializes writes, and keeps :memory: databases from
	// silently splitting into one DB per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if cfg.CredentialKey != "" {
		key, err := deriveKey(cfg.CredentialKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("derive credential key: %w", err)
		}
		s.key = key
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Migrations
// ————————————————————————————————————————————————————————————————————————

type migration struct {
	name  string
	stmts []string
}

var migrations = []migration{
	{
		name: "create_users_sessions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id         TEXT PRIMARY KEY,
				handle     TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL REFERENCES users(id),
				created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		name: "create_alerts",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS alerts (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id           TEXT NOT NULL,
				kind              TEXT NOT NULL,
				name              TEXT NOT NULL DEFAULT '',
				market_id         TEXT NOT NULL,
				venue             TEXT NOT NULL,
				threshold         REAL NOT NULL,
				enabled           INTEGER NOT NULL DEFAULT 1,
				triggered         INTEGER NOT NULL DEFAULT 0,
				created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_triggered_at TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(enabled, triggered)`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id)`,
		},
	},
	{
		name: "create_markets",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS markets (
				id         TEXT NOT NULL,
				venue      TEXT NOT NULL,
				slug       TEXT NOT NULL DEFAULT '',
				question   TEXT NOT NULL DEFAULT '',
				payload    TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (id, venue)
			)`,
		},
	},
	{
		name: "create_positions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS positions (
				id              TEXT PRIMARY KEY,
				strategy        TEXT NOT NULL,
				asset           TEXT NOT NULL,
				direction       TEXT NOT NULL,
				token_id        TEXT NOT NULL,
				condition_id    TEXT NOT NULL,
				entry_price     REAL NOT NULL,
				shares          REAL NOT NULL,
				was_maker_entry INTEGER NOT NULL DEFAULT 0,
				expires_at      TIMESTAMP,
				opened_at       TIMESTAMP NOT NULL,
				exit_price      REAL,
				pnl_pct         REAL,
				pnl_usd         REAL,
				exit_reason     TEXT,
				was_maker_exit  INTEGER,
				closed_at       TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_positions_closed ON positions(closed_at)`,
		},
	},
	{
		name: "create_trading_credentials",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS trading_credentials (
				user_id    TEXT NOT NULL,
				venue      TEXT NOT NULL,
				payload    TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (user_id, venue)
			)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM _migrations`)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO _migrations (name) VALUES (?)`, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
		s.logger.Info("migration applied", "name", m.name)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Users & sessions
// ————————————————————————————————————————————————————————————————————————

// UpsertUser creates the user or updates its handle.
func (s *Store) UpsertUser(ctx context.Context, id, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, handle) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET handle = excluded.handle`,
		id, handle)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns nil when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, handle, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Handle, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// TouchSession creates the session or bumps its last_seen_at.
func (s *Store) TouchSession(ctx context.Context, sessionID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = CURRENT_TIMESTAMP`,
		sessionID, userID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// GetSession returns nil when the session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, last_seen_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}
