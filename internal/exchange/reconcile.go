package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botkeeper/internal/store"
)

// Discrepancy is a symbol whose locally derived quantity differs from the
// exchange's.
type Discrepancy struct {
	Symbol   string  `json:"symbol"`
	Local    float64 `json:"local"`
	Exchange float64 `json:"exchange"`
	Delta    float64 `json:"delta"`
}

// Report summarizes one sync.
type Report struct {
	AccountID     string        `json:"account_id"`
	Exchange      string        `json:"exchange"`
	Currency      string        `json:"currency"`
	Balance       float64       `json:"balance"`
	Equity        float64       `json:"equity"`
	Positions     int           `json:"positions"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	SyncedAt      time.Time     `json:"synced_at"`
}

// InSync reports whether local trades agree with the exchange.
func (r Report) InSync() bool { return len(r.Discrepancies) == 0 }

// Reconciler brings the record store in line with exchange accounts.
type Reconciler struct {
	store store.RecordStore
	dial  Dialer
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler wires a record store to an exchange dialer.
func NewReconciler(rs store.RecordStore, dial Dialer, logger *slog.Logger) (*Reconciler, error) {
	if rs == nil || dial == nil {
		return nil, errors.New("exchange: record store and dialer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: rs, dial: dial, log: logger, now: time.Now, locks: make(map[string]*sync.Mutex)}, nil
}

// lock serializes work on one account.
func (r *Reconciler) lock(accountID string) func() {
	r.mu.Lock()
	l := r.locks[accountID]
	if l == nil {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Sync fetches balance and positions for accountID, compares them with
// the positions implied by locally recorded trades, then stores the
// exchange's view as authoritative.
func (r *Reconciler) Sync(ctx context.Context, accountID string) (Report, error) {
	unlock := r.lock(accountID)
	defer unlock()

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	client, err := r.dial(ctx, acct)
	if err != nil {
		return Report{}, fmt.Errorf("connect %s: %w", acct.Exchange, err)
	}
	bal, err := client.FetchBalance(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch balance: %w", err)
	}
	holdings, err := client.FetchPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch positions: %w", err)
	}
	trades, err := r.store.ListTrades(ctx, accountID, 0)
	if err != nil {
		return Report{}, fmt.Errorf("load trades: %w", err)
	}

	now := r.now().UTC()
	rep := Report{
		AccountID:     accountID,
		Exchange:      client.Name(),
		Currency:      bal.Currency,
		Balance:       bal.Available,
		Equity:        bal.Total,
		Positions:     len(holdings),
		Discrepancies: Compare(store.NetPositions(accountID, trades), holdings),
		SyncedAt:      now,
	}

	ps := make([]store.Position, 0, len(holdings))
	for _, h := range holdings {
		ps = append(ps, store.Position{AccountID: accountID, Symbol: h.Symbol, Quantity: h.Quantity, AvgPrice: h.AvgPrice, UpdatedAt: now})
	}
	if err := r.store.ReplacePositions(ctx, accountID, ps); err != nil {
		return rep, fmt.Errorf("store positions: %w", err)
	}
	if err := r.store.UpdateBalance(ctx, accountID, bal.Available, now); err != nil {
		return rep, fmt.Errorf("store balance: %w", err)
	}
	if rep.InSync() {
		r.log.Info("account synced", "account", accountID, "positions", rep.Positions, "balance", rep.Balance)
	} else {
		r.log.Warn("account out of sync", "account", accountID, "discrepancies", len(rep.Discrepancies))
	}
	return rep, nil
}

// Place sends o through the account's exchange and records the fill as a
// trade attributed to workerID.
func (r *Reconciler) Place(ctx context.Context, accountID, workerID string, o Order) (store.Trade, error) {
	if err := o.Validate(); err != nil {
		return store.Trade{}, err
	}
	unlock := r.lock(accountID)
	defer unlock()

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return store.Trade{}, err
	}
	client, err := r.dial(ctx, acct)
	if err != nil {
		return store.Trade{}, fmt.Errorf("connect %s: %w", acct.Exchange, err)
	}
	fill, err := client.PlaceOrder(ctx, o)
	if err != nil {
		return store.Trade{}, err
	}
	t := fill.Trade(accountID, workerID)
	if err := r.store.RecordTrade(ctx, t); err != nil {
		// the exchange already filled; the next sync reports the gap
		r.log.Error("record trade failed", "account", accountID, "order", fill.OrderID, "error", err)
		return t, fmt.Errorf("record trade: %w", err)
	}
	return t, nil
}

// Compare lists symbols whose quantities differ between the locally
// derived positions and the exchange holdings, sorted by symbol.
func Compare(local []store.Position, remote []Holding) []Discrepancy {
	qty := make(map[string][2]float64)
	for _, p := range local {
		v := qty[p.Symbol]
		v[0] += p.Quantity
		qty[p.Symbol] = v
	}
	for _, h := range remote {
		v := qty[h.Symbol]
		v[1] += h.Quantity
		qty[h.Symbol] = v
	}
	out := make([]Discrepancy, 0)
	for sym, v := range qty {
		if store.QuantityEqual(v[0], v[1]) {
			continue
		}
		out = append(out, Discrepancy{Symbol: sym, Local: v[0], Exchange: v[1], Delta: v[1] - v[0]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
