// Package kv is a small SQLite-backed key/value and usage ledger used
// for runtime state that must survive restarts: per-agent always-on
// flags and the per-day LLM spend that the budget gate reads.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DB wraps a single-connection SQLite handle. One connection serializes
// writers and avoids SQLITE_BUSY under concurrent agents.
type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &DB{db: db}, nil
}

// Init creates the tables.
func (d *DB) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_events(user_id, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (d *DB) Close() error { return d.db.Close() }

// Set stores a value under key, replacing any previous value.
func (d *DB) Set(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Get returns the value for key, or "" when absent.
func (d *DB) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return value, nil
}

// Delete removes key. Missing keys are not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func alwaysOnKey(userID, agentID string) string {
	return "agent_always_on:" + userID + ":" + agentID
}

// SetAlwaysOn records or clears the always-on flag for one agent. The
// stored value is a JSON object so future fields can ride along.
func (d *DB) SetAlwaysOn(ctx context.Context, userID, agentID string, enabled bool) error {
	key := alwaysOnKey(userID, agentID)
	if !enabled {
		return d.Delete(ctx, key)
	}
	return d.Set(ctx, key, fmt.Sprintf(`{"enabled":true,"since":%d}`, time.Now().Unix()))
}

// AlwaysOn reports whether the agent is flagged always-on. Any non-empty
// stored value counts as enabled.
func (d *DB) AlwaysOn(ctx context.Context, userID, agentID string) (bool, error) {
	v, err := d.Get(ctx, alwaysOnKey(userID, agentID))
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// UsageEvent is one recorded LLM call.
type UsageEvent struct {
	UserID       string
	AgentID      string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CreatedAt    time.Time
}

// RecordUsage appends one usage event to the ledger.
func (d *DB) RecordUsage(ctx context.Context, ev UsageEvent) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO usage_events (user_id, agent_id, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.AgentID, ev.Model, ev.InputTokens, ev.OutputTokens, ev.CostUSD, at.Unix())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// CostSince sums the recorded spend for a user from the given instant.
// The budget gate calls this with the start of the current calendar day.
func (d *DB) CostSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := d.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM usage_events WHERE user_id = ? AND created_at >= ?`,
		userID, since.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("cost since: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}
