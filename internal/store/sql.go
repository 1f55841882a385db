package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect holds what differs between SQL backends.
type Dialect struct {
	Name string
	// Schema runs in order on EnsureSchema.
	Schema []string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
}

// SQL implements RecordStore over database/sql. Queries are written with
// ? placeholders and rebound for the dialect.
type SQL struct {
	db *sql.DB
	d  Dialect
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, d: d}
}

// DB exposes the underlying handle.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) q(query string) string {
	if !s.d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.Name, err)
		}
	}
	return nil
}

func (s *SQL) CreateAccount(ctx context.Context, a Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalid)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO accounts(id, name, exchange, currency, balance, synced_at, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`),
		a.ID, a.Name, a.Exchange, a.Currency, a.Balance, nullTime(a.SyncedAt), a.CreatedAt.UTC())
	return err
}

func (s *SQL) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, exchange, currency, balance, synced_at, created_at
		FROM accounts WHERE id=?;`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *SQL) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, exchange, currency, balance, synced_at, created_at
		FROM accounts ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateBalance(ctx context.Context, id string, balance float64, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET balance=?, synced_at=? WHERE id=?;`),
		balance, syncedAt.UTC(), id)
	if err != nil {
		return err
	}
	return affected(res, "account "+id)
}

// DeleteAccount removes the account with its trades and positions.
func (s *SQL) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM positions WHERE account_id=?;`,
		`DELETE FROM trades WHERE account_id=?;`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM accounts WHERE id=?;`), id)
	if err != nil {
		return err
	}
	if err := affected(res, "account "+id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) RecordTrade(ctx context.Context, t Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	var worker any
	if t.WorkerID != "" {
		worker = t.WorkerID
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO trades(id, account_id, worker_id, symbol, side, quantity, price, fee, executed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		t.ID, t.AccountID, worker, t.Symbol, string(t.Side), t.Quantity, t.Price, t.Fee, t.ExecutedAt.UTC())
	return err
}

// ListTrades returns the newest trades first. limit <= 0 returns all.
func (s *SQL) ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	query := `
		SELECT id, account_id, worker_id, symbol, side, quantity, price, fee, executed_at
		FROM trades WHERE account_id=? ORDER BY executed_at DESC, id`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+";"), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Trade, 0)
	for rows.Next() {
		var (
			t      Trade
			worker sql.NullString
			side   string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &worker, &t.Symbol, &side, &t.Quantity, &t.Price, &t.Fee, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.WorkerID = worker.String
		t.Side = Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQL) ListPositions(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT account_id, symbol, quantity, avg_price, updated_at
		FROM positions WHERE account_id=? ORDER BY symbol;`), accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Position, 0)
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplacePositions swaps the account's positions for ps in one transaction.
func (s *SQL) ReplacePositions(ctx context.Context, accountID string, ps []Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM positions WHERE account_id=?;`), accountID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range ps {
		at := p.UpdatedAt
		if at.IsZero() {
			at = now
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO positions(account_id, symbol, quantity, avg_price, updated_at)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(account_id, symbol) DO UPDATE SET
				quantity=excluded.quantity,
				avg_price=excluded.avg_price,
				updated_at=excluded.updated_at;`),
			accountID, p.Symbol, p.Quantity, p.AvgPrice, at.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (Account, error) {
	var (
		a      Account
		synced sql.NullTime
	)
	if err := sc.Scan(&a.ID, &a.Name, &a.Exchange, &a.Currency, &a.Balance, &synced, &a.CreatedAt); err != nil {
		return Account{}, err
	}
	if synced.Valid {
		t := synced.Time
		a.SyncedAt = &t
	}
	return a, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
