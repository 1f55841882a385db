package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/botkeeper/internal/store"
)

// Dialect is the SQLite flavour of the record schema.
var Dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			exchange TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance REAL NOT NULL DEFAULT 0,
			synced_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades(
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			worker_id TEXT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			fee REAL NOT NULL DEFAULT 0,
			executed_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, executed_at);`,
		`CREATE TABLE IF NOT EXISTS positions(
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity REAL NOT NULL,
			avg_price REAL NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(account_id, symbol)
		);`,
	},
}

// New opens a SQLite record store (modernc.org/sqlite, CGO-free) at path.
// Use ":memory:" for an in-memory database.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and writes serialized
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.ExecContext(context.Background(), "PRAGMA busy_timeout=3000;")
	return store.NewSQL(d, Dialect), nil
}
