// Package ledger owns the token economy: wallets, commodity holdings and the
// market. Every mutation is serialised by the service mutex and applied as a
// single store transaction, so tokens, holdings and outstanding supply never
// drift apart.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/narivals/rivals-ledger/internal/metrics"
	"github.com/narivals/rivals-ledger/internal/model"
	"github.com/narivals/rivals-ledger/internal/store"
)

// DefaultStoreTimeout bounds every store call when none is configured.
const DefaultStoreTimeout = 5 * time.Second

// Notifier receives committed ledger events.
type Notifier interface {
	Notify(ctx context.Context, e model.Event)
}

// Service applies ledger operations. Mutations take mu for their whole
// duration; reads go straight to the store.
type Service struct {
	store   store.Store
	notify  Notifier
	timeout time.Duration
	mu      sync.Mutex
	open    atomic.Bool
}

// NewService creates a ledger with the market open.
// Pass nil for notifier if events are not needed.
func NewService(st store.Store, notifier Notifier, storeTimeout time.Duration) *Service {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	s := &Service{
		store:   st,
		notify:  notifier,
		timeout: storeTimeout,
	}
	s.open.Store(true)
	metrics.SetMarketOpen(true)
	return s
}

// TradeResult is returned by Purchase and Sell.
type TradeResult struct {
	EntryID    string       `json:"entry_id"`
	UserID     string       `json:"user_id"`
	Symbol     model.Symbol `json:"commodity"`
	Quantity   int64        `json:"quantity"`
	UnitValue  int64        `json:"unit_value"`
	Cost       int64        `json:"cost"`
	NewBalance int64        `json:"new_balance"`
	Shares     int64        `json:"shares"`
}

// --- Reads ---

// GetWallet returns the wallet of userID or ErrWalletNotFound. It never
// creates one.
func (s *Service) GetWallet(ctx context.Context, userID string) (w *model.Wallet, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("get_wallet", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w, err = s.store.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, userID)
	}
	return w, classify(err)
}

// GetOrCreateWallet returns the wallet of userID, creating the default one
// (150 tokens, no shares) on first reference. alias is only used on creation.
func (s *Service) GetOrCreateWallet(ctx context.Context, userID, alias string) (*model.Wallet, error) {
	w, err := s.GetWallet(ctx, userID)
	if err == nil || !errors.Is(err, ErrWalletNotFound) {
		return w, err
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var created bool
	err = s.update(ctx, func(tx store.Tx) error {
		var err error
		w, created, err = ensureWallet(ctx, tx, userID, alias)
		return err
	})
	metrics.ObserveOp("create_wallet", start, err)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("wallet created", "user", userID, "alias", w.Alias)
		s.publish(ctx, model.Event{Type: model.EventWalletCreated, UserID: userID, Tokens: w.Tokens})
	}
	return w, nil
}

// GetHoldings returns all four holdings of userID, creating the wallet and
// zeroed holdings if the user is new.
func (s *Service) GetHoldings(ctx context.Context, userID string) (model.Holdings, error) {
	if _, err := s.GetOrCreateWallet(ctx, userID, ""); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stored, err := s.store.GetHoldings(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	h := model.ZeroHoldings()
	for sym, shares := range stored {
		if sym.Valid() {
			h[sym] = shares
		}
	}
	return h, nil
}

// GetMarket returns a snapshot of every commodity and the open flag.
func (s *Service) GetMarket(ctx context.Context) (model.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	commodities, err := s.store.ListCommodities(ctx)
	if err != nil {
		return model.Market{}, classify(err)
	}
	m := model.Market{
		Open:        s.open.Load(),
		Commodities: make(map[model.Symbol]model.Commodity, len(commodities)),
	}
	for _, c := range commodities {
		m.Commodities[c.Symbol] = c
	}
	return m, nil
}

// SeedMetrics loads the stored market into the commodity gauges so they
// report before the first mutation.
func (s *Service) SeedMetrics(ctx context.Context) error {
	m, err := s.GetMarket(ctx)
	if err != nil {
		return err
	}
	for sym, c := range m.Commodities {
		metrics.OutstandingShares.WithLabelValues(string(sym)).Set(float64(c.OutstandingShares))
		metrics.UnitValue.WithLabelValues(string(sym)).Set(float64(c.UnitValue))
	}
	metrics.SetMarketOpen(m.Open)
	return nil
}

// IsMarketOpen reports the current market flag.
func (s *Service) IsMarketOpen() bool {
	return s.open.Load()
}

// FindWalletByExternalID returns the wallet linked to a bracket account.
func (s *Service) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: empty external id", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w, err := s.store.FindWalletByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no wallet linked to %s", ErrWalletNotFound, externalID)
	}
	return w, classify(err)
}

// History returns the journal of userID, oldest first.
func (s *Service) History(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries, err := s.store.ListLedgerEntriesByUser(ctx, userID)
	return entries, classify(err)
}

// --- Mutations ---

// Purchase buys quantity shares of symbol at the current unit value.
func (s *Service) Purchase(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*TradeResult, error) {
	return s.trade(ctx, model.EntryPurchase, userID, symbol, quantity)
}

// Sell is the inverse of Purchase.
func (s *Service) Sell(ctx context.Context, userID string, symbol model.Symbol, quantity int64) (*TradeResult, error) {
	return s.trade(ctx, model.EntrySell, userID, symbol, quantity)
}

func (s *Service) trade(ctx context.Context, kind model.EntryKind, userID string, symbol model.Symbol, quantity int64) (res *TradeResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp(string(kind), start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open.Load() {
		return nil, ErrMarketClosed
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if !symbol.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommodity, symbol)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	var outstanding int64
	err = s.update(ctx, func(tx store.Tx) error {
		w, _, err := ensureWallet(ctx, tx, userID, "")
		if err != nil {
			return err
		}
		c, err := tx.GetCommodity(ctx, symbol)
		if err != nil {
			return err
		}
		holdings, err := tx.GetHoldings(ctx, userID)
		if err != nil {
			return err
		}
		shares := holdings[symbol]

		var cost, tokenDelta, shareDelta int64
		if kind == model.EntryPurchase {
			if quantity > math.MaxInt64/c.UnitValue {
				return &ShortfallError{Err: ErrInsufficientFunds, Need: math.MaxInt64, Have: w.Tokens}
			}
			cost = c.UnitValue * quantity
			if w.Tokens < cost {
				return &ShortfallError{Err: ErrInsufficientFunds, Need: cost, Have: w.Tokens}
			}
			tokenDelta, shareDelta = -cost, quantity
		} else {
			if shares < quantity {
				return &ShortfallError{Err: ErrInsufficientShares, Need: quantity, Have: shares}
			}
			if quantity > math.MaxInt64/c.UnitValue {
				return fmt.Errorf("%w: proceeds of %d %s overflow", ErrInvalidInput, quantity, symbol)
			}
			cost = c.UnitValue * quantity
			if !addFits(w.Tokens, cost) {
				return fmt.Errorf("%w: balance %d cannot take %d more tokens", ErrInvalidInput, w.Tokens, cost)
			}
			tokenDelta, shareDelta = cost, -quantity
		}

		w.Tokens += tokenDelta
		shares += shareDelta
		c.OutstandingShares += shareDelta

		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.PutHolding(ctx, model.Holding{UserID: userID, Symbol: symbol, Shares: shares}); err != nil {
			return err
		}
		if err := tx.PutCommodity(ctx, c); err != nil {
			return err
		}

		entry := newEntry(kind, userID)
		entry.Symbol = symbol
		entry.Quantity = quantity
		entry.UnitValue = c.UnitValue
		entry.TokenDelta = tokenDelta
		entry.BalanceAfter = w.Tokens
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		outstanding = c.OutstandingShares
		res = &TradeResult{
			EntryID:    entry.ID,
			UserID:     userID,
			Symbol:     symbol,
			Quantity:   quantity,
			UnitValue:  c.UnitValue,
			Cost:       cost,
			NewBalance: w.Tokens,
			Shares:     shares,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OutstandingShares.WithLabelValues(string(symbol)).Set(float64(outstanding))
	slog.Info("trade executed",
		"entry_id", res.EntryID,
		"kind", kind,
		"user", userID,
		"commodity", symbol,
		"qty", quantity,
		"unit_value", res.UnitValue,
		"balance", res.NewBalance,
	)

	evType := model.EventPurchase
	if kind == model.EntrySell {
		evType = model.EventSell
	}
	s.publish(ctx, model.Event{
		Type:      evType,
		UserID:    userID,
		Symbol:    symbol,
		Quantity:  quantity,
		Tokens:    res.NewBalance,
		UnitValue: res.UnitValue,
	})
	return res, nil
}

// GrantBonus credits amount (which may be negative) to userID regardless of
// the market state and returns the new balance.
func (s *Service) GrantBonus(ctx context.Context, userID string, amount int64) (balance int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("bonus", start, err) }()

	if userID == "" {
		return 0, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.update(ctx, func(tx store.Tx) error {
		w, _, err := ensureWallet(ctx, tx, userID, "")
		if err != nil {
			return err
		}
		if !addFits(w.Tokens, amount) {
			return fmt.Errorf("%w: balance %d cannot take a bonus of %d", ErrInvalidInput, w.Tokens, amount)
		}
		w.Tokens += amount
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}

		entry := newEntry(model.EntryBonus, userID)
		entry.TokenDelta = amount
		entry.BalanceAfter = w.Tokens
		balance = w.Tokens
		return tx.InsertLedgerEntry(ctx, entry)
	})
	if err != nil {
		return 0, err
	}

	if amount > 0 {
		metrics.TokensGranted.Add(float64(amount))
	}
	slog.Info("bonus granted", "user", userID, "amount", amount, "balance", balance)
	s.publish(ctx, model.Event{Type: model.EventBonus, UserID: userID, Quantity: amount, Tokens: balance})
	return balance, nil
}

// SetMarketOpen opens or closes the market for every later Purchase and
// Sell.
func (s *Service) SetMarketOpen(ctx context.Context, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setOpenLocked(ctx, open)
}

// ToggleMarket flips the market flag and returns the new state.
func (s *Service) ToggleMarket(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := !s.open.Load()
	s.setOpenLocked(ctx, open)
	return open
}

func (s *Service) setOpenLocked(ctx context.Context, open bool) {
	s.open.Store(open)
	metrics.SetMarketOpen(open)
	slog.Info("market state changed", "open", open)
	s.publish(ctx, model.Event{Type: model.EventMarketToggled, Open: &open})
}

// AdjustCommodityValue adds delta to the unit value of symbol. The result
// must stay at or above 1.
func (s *Service) AdjustCommodityValue(ctx context.Context, symbol model.Symbol, delta int64) (value int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("adjust", start, err) }()

	if !symbol.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommodity, symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.update(ctx, func(tx store.Tx) error {
		c, err := tx.GetCommodity(ctx, symbol)
		if err != nil {
			return err
		}
		if delta < 0 && c.UnitValue+delta < 1 {
			return fmt.Errorf("%w: %s would drop to %d", ErrInvalidDelta, symbol, c.UnitValue+delta)
		}
		if delta > 0 && c.UnitValue > math.MaxInt64-delta {
			return fmt.Errorf("%w: %s would overflow", ErrInvalidDelta, symbol)
		}
		c.UnitValue += delta
		if err := tx.PutCommodity(ctx, c); err != nil {
			return err
		}

		entry := newEntry(model.EntryAdjust, "")
		entry.Symbol = symbol
		entry.Quantity = delta
		entry.UnitValue = c.UnitValue
		value = c.UnitValue
		return tx.InsertLedgerEntry(ctx, entry)
	})
	if err != nil {
		return 0, err
	}

	metrics.UnitValue.WithLabelValues(string(symbol)).Set(float64(value))
	slog.Info("unit value adjusted", "commodity", symbol, "delta", delta, "value", value)
	s.publish(ctx, model.Event{Type: model.EventValueAdjusted, Symbol: symbol, Quantity: delta, UnitValue: value})
	return value, nil
}

// LinkExternalAccount ties a bracket account name to userID. An external ID
// can belong to one wallet only; relinking a wallet replaces its old ID.
func (s *Service) LinkExternalAccount(ctx context.Context, userID, externalID string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("link", start, err) }()

	if userID == "" || externalID == "" {
		return fmt.Errorf("%w: user id and external id are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.update(ctx, func(tx store.Tx) error {
		w, _, err := ensureWallet(ctx, tx, userID, "")
		if err != nil {
			return err
		}

		other, err := tx.FindWalletByExternalID(ctx, externalID)
		switch {
		case err == nil && other.UserID != userID:
			return fmt.Errorf("%w: %s belongs to %s", ErrDuplicateExternalID, externalID, other.UserID)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		w.LinkedExternalID = externalID
		if err := tx.PutWallet(ctx, w); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrDuplicateExternalID, externalID)
			}
			return err
		}

		entry := newEntry(model.EntryLink, userID)
		entry.Reference = externalID
		entry.BalanceAfter = w.Tokens
		return tx.InsertLedgerEntry(ctx, entry)
	})
	if err != nil {
		return err
	}

	slog.Info("external account linked", "user", userID, "external_id", externalID)
	s.publish(ctx, model.Event{Type: model.EventAccountLinked, UserID: userID, ExternalID: externalID})
	return nil
}

// --- Helpers ---

// update runs fn as one store transaction bounded by the store timeout.
func (s *Service) update(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify(s.store.Update(ctx, fn))
}

func (s *Service) publish(ctx context.Context, e model.Event) {
	if s.notify == nil {
		return
	}
	e.Timestamp = time.Now().UTC()
	s.notify.Notify(ctx, e)
}

// ensureWallet loads the wallet of userID inside tx, creating the default
// wallet and four zero holdings when it does not exist yet.
func ensureWallet(ctx context.Context, tx store.Tx, userID, alias string) (*model.Wallet, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	w, err := tx.GetWallet(ctx, userID)
	if err == nil {
		return w, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	w = model.NewWallet(userID, alias)
	if err := tx.PutWallet(ctx, w); err != nil {
		return nil, false, err
	}
	for _, sym := range model.Symbols {
		if err := tx.PutHolding(ctx, model.Holding{UserID: userID, Symbol: sym}); err != nil {
			return nil, false, err
		}
	}
	return w, true, nil
}

// addFits reports whether a+b stays within int64.
func addFits(a, b int64) bool {
	if b > 0 {
		return a <= math.MaxInt64-b
	}
	return a >= math.MinInt64-b
}

func newEntry(kind model.EntryKind, userID string) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}
