package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/botkeeper/internal/store"
)

var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrInsufficient    = errors.New("insufficient funds")
	ErrNoPrice         = errors.New("no price for symbol")
)

// Balance is the quote-currency balance of an account.
type Balance struct {
	Currency  string
	Available float64
	Total     float64
}

// Holding is a position as the exchange reports it.
type Holding struct {
	Symbol   string
	Quantity float64
	AvgPrice float64
}

// Order is a market order by base quantity.
type Order struct {
	Symbol   string
	Side     store.Side
	Quantity float64
}

// Validate checks an order before it is sent.
func (o Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", store.ErrInvalid)
	}
	if o.Side != store.SideBuy && o.Side != store.SideSell {
		return fmt.Errorf("%w: side %q", store.ErrInvalid, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", store.ErrInvalid)
	}
	return nil
}

// Fill is the normalized result of a placed order.
type Fill struct {
	OrderID    string
	Symbol     string
	Side       store.Side
	Quantity   float64
	Price      float64
	Fee        float64
	ExecutedAt time.Time
}

// Trade turns f into a record for accountID.
func (f Fill) Trade(accountID, workerID string) store.Trade {
	return store.Trade{
		ID:         f.OrderID,
		AccountID:  accountID,
		WorkerID:   workerID,
		Symbol:     f.Symbol,
		Side:       f.Side,
		Quantity:   f.Quantity,
		Price:      f.Price,
		Fee:        f.Fee,
		ExecutedAt: f.ExecutedAt,
	}
}

// Client is the minimal surface the reconciler needs from an exchange
// account.
type Client interface {
	Name() string
	FetchBalance(ctx context.Context) (Balance, error)
	FetchPositions(ctx context.Context) ([]Holding, error)
	PlaceOrder(ctx context.Context, o Order) (Fill, error)
}

// Dialer returns a client for an account.
type Dialer func(ctx context.Context, a store.Account) (Client, error)
