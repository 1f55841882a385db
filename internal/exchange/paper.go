package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botkeeper/internal/store"
)

// PaperClient simulates an exchange account in memory. Orders fill at the
// last price set for the symbol; no external calls are made.
type PaperClient struct {
	mu       sync.Mutex
	currency string
	cash     float64
	feeRate  float64
	prices   map[string]float64
	holdings map[string]*Holding
	now      func() time.Time
}

// PaperOption configures a PaperClient.
type PaperOption func(*PaperClient)

// WithFeeRate charges rate times notional on every fill.
func WithFeeRate(rate float64) PaperOption {
	return func(p *PaperClient) { p.feeRate = rate }
}

// WithClock overrides time.Now for fills.
func WithClock(now func() time.Time) PaperOption {
	return func(p *PaperClient) { p.now = now }
}

// NewPaperClient starts with cash in currency and no holdings.
func NewPaperClient(currency string, cash float64, opts ...PaperOption) *PaperClient {
	if currency == "" {
		currency = "USD"
	}
	p := &PaperClient{
		currency: currency,
		cash:     cash,
		prices:   make(map[string]float64),
		holdings: make(map[string]*Holding),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PaperClient) Name() string { return "paper" }

// SetPrice sets the fill price for symbol.
func (p *PaperClient) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetHolding overwrites a holding, as a deposit or an external trade would.
func (p *PaperClient) SetHolding(h Holding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if store.QuantityEqual(h.Quantity, 0) {
		delete(p.holdings, h.Symbol)
		return
	}
	cp := h
	p.holdings[h.Symbol] = &cp
}

func (p *PaperClient) FetchBalance(ctx context.Context) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.cash
	for sym, h := range p.holdings {
		total += h.Quantity * p.prices[sym]
	}
	return Balance{Currency: p.currency, Available: p.cash, Total: total}, nil
}

func (p *PaperClient) FetchPositions(ctx context.Context) ([]Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PlaceOrder fills o immediately at the current price.
func (p *PaperClient) PlaceOrder(ctx context.Context, o Order) (Fill, error) {
	if err := o.Validate(); err != nil {
		return Fill{}, err
	}
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[o.Symbol]
	if !ok || price <= 0 {
		return Fill{}, fmt.Errorf("%w: %s", ErrNoPrice, o.Symbol)
	}
	notional := o.Quantity * price
	fee := notional * p.feeRate

	h := p.holdings[o.Symbol]
	if h == nil {
		h = &Holding{Symbol: o.Symbol}
	}
	switch o.Side {
	case store.SideBuy:
		if notional+fee > p.cash {
			return Fill{}, fmt.Errorf("%w: need %.2f %s, have %.2f", ErrInsufficient, notional+fee, p.currency, p.cash)
		}
		p.cash -= notional + fee
		h.AvgPrice = (h.AvgPrice*h.Quantity + notional) / (h.Quantity + o.Quantity)
		h.Quantity += o.Quantity
	case store.SideSell:
		if o.Quantity > h.Quantity && !store.QuantityEqual(o.Quantity, h.Quantity) {
			return Fill{}, fmt.Errorf("%w: hold %g %s", ErrInsufficient, h.Quantity, o.Symbol)
		}
		p.cash += notional - fee
		h.Quantity -= o.Quantity
	}
	if store.QuantityEqual(h.Quantity, 0) {
		delete(p.holdings, o.Symbol)
	} else {
		p.holdings[o.Symbol] = h
	}
	return Fill{
		OrderID:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      price,
		Fee:        fee,
		ExecutedAt: p.now().UTC(),
	}, nil
}

// PaperBook hands out one PaperClient per account so paper balances
// survive between syncs. It satisfies Dialer through Dial.
type PaperBook struct {
	mu      sync.Mutex
	cash    float64
	opts    []PaperOption
	clients map[string]*PaperClient
}

// NewPaperBook creates accounts on first use with cash in their currency.
func NewPaperBook(cash float64, opts ...PaperOption) *PaperBook {
	return &PaperBook{cash: cash, opts: opts, clients: make(map[string]*PaperClient)}
}

// Client returns the paper client of accountID, creating it if needed.
func (b *PaperBook) Client(accountID, currency string) *PaperClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.clients[accountID]
	if c == nil {
		c = NewPaperClient(currency, b.cash, b.opts...)
		b.clients[accountID] = c
	}
	return c
}

// Dial serves paper accounts only.
func (b *PaperBook) Dial(_ context.Context, a store.Account) (Client, error) {
	if a.Exchange != "paper" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, a.Exchange)
	}
	return b.Client(a.ID, a.Currency), nil
}
