package postgres

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botkeeper/internal/store"
)

// Dialect is the PostgreSQL flavour of the record schema.
var Dialect = store.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			exchange TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			synced_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades(
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			worker_id TEXT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			fee DOUBLE PRECISION NOT NULL DEFAULT 0,
			executed_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, executed_at);`,
		`CREATE TABLE IF NOT EXISTS positions(
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			avg_price DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(account_id, symbol)
		);`,
	},
}

// New opens a PostgreSQL record store through the pgx stdlib driver. No
// connection is made until first use.
func New(dsn string) (*store.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(10)
	d.SetConnMaxLifetime(5 * time.Minute)
	return store.NewSQL(d, Dialect), nil
}
