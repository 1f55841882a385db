package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrInvalid  = errors.New("invalid record")
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrInvalid, s)
}

// Account is an exchange account that workers trade through. Balance is
// the quote-currency balance last reported by the exchange.
type Account struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Exchange  string     `json:"exchange"`
	Currency  string     `json:"currency"`
	Balance   float64    `json:"balance"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Trade is one fill recorded locally.
type Trade struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Fee        float64   `json:"fee"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Signed returns the quantity with sells negative.
func (t Trade) Signed() float64 {
	if t.Side == SideSell {
		return -t.Quantity
	}
	return t.Quantity
}

// Validate checks the fields every backend requires.
func (t Trade) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: trade id is required", ErrInvalid)
	case strings.TrimSpace(t.AccountID) == "":
		return fmt.Errorf("%w: account id is required", ErrInvalid)
	case strings.TrimSpace(t.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalid)
	case t.Side != SideBuy && t.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalid, t.Side)
	case t.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalid)
	case t.Price < 0:
		return fmt.Errorf("%w: negative price", ErrInvalid)
	}
	return nil
}

// Position is the net holding of one symbol on an account.
type Position struct {
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	AvgPrice  float64   `json:"avg_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordStore persists accounts, trades and positions.
type RecordStore interface {
	EnsureSchema(ctx context.Context) error

	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateBalance(ctx context.Context, id string, balance float64, syncedAt time.Time) error
	DeleteAccount(ctx context.Context, id string) error

	RecordTrade(ctx context.Context, t Trade) error
	ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error)

	ListPositions(ctx context.Context, accountID string) ([]Position, error)
	ReplacePositions(ctx context.Context, accountID string, ps []Position) error

	Close() error
}

// NetPositions folds trades into per-symbol positions. Buys move the
// average price; sells reduce quantity at the current average. Flat
// symbols are dropped. The result is sorted by symbol.
func NetPositions(accountID string, trades []Trade) []Position {
	type acc struct {
		qty, cost float64
		last      time.Time
	}
	bySym := make(map[string]*acc)
	sorted := append([]Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ExecutedAt.Before(sorted[j].ExecutedAt) })
	for _, t := range sorted {
		a := bySym[t.Symbol]
		if a == nil {
			a = &acc{}
			bySym[t.Symbol] = a
		}
		if t.Side == SideBuy {
			a.cost += t.Quantity * t.Price
			a.qty += t.Quantity
		} else if a.qty != 0 {
			avg := a.cost / a.qty
			a.qty -= t.Quantity
			a.cost = a.qty * avg
		} else {
			a.qty -= t.Quantity
		}
		if t.ExecutedAt.After(a.last) {
			a.last = t.ExecutedAt
		}
	}
	out := make([]Position, 0, len(bySym))
	for sym, a := range bySym {
		if nearZero(a.qty) {
			continue
		}
		p := Position{AccountID: accountID, Symbol: sym, Quantity: a.qty, UpdatedAt: a.last}
		if a.qty > 0 {
			p.AvgPrice = a.cost / a.qty
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

const epsilon = 1e-9

func nearZero(f float64) bool { return f < epsilon && f > -epsilon }

// QuantityEqual compares quantities with a small tolerance for float drift.
func QuantityEqual(a, b float64) bool { return nearZero(a - b) }
