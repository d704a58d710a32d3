package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/narivals/rivals-ledger/internal/model"
)

type holdingKey struct {
	userID string
	symbol model.Symbol
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*model.Wallet
	holdings    map[holdingKey]int64
	commodities map[model.Symbol]*model.Commodity
	ledger      []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store seeded with the four
// commodities.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		wallets:     make(map[string]*model.Wallet),
		holdings:    make(map[holdingKey]int64),
		commodities: make(map[model.Symbol]*model.Commodity),
	}
	for _, c := range model.SeedCommodities() {
		c := c
		s.commodities[c.Symbol] = &c
	}
	return s
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) FindWalletByExternalID(_ context.Context, externalID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if externalID != "" && w.LinkedExternalID == externalID {
			copy := *w
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("wallet linked to %s: %w", externalID, ErrNotFound)
}

func (s *MemoryStore) GetHoldings(_ context.Context, userID string) (model.Holdings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.holdingsLocked(userID), nil
}

func (s *MemoryStore) ListCommodities(_ context.Context) ([]model.Commodity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Commodity, 0, len(s.commodities))
	for _, sym := range model.Symbols {
		if c, ok := s.commodities[sym]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

// Update stages every write of fn and applies them together under the
// write lock only when fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:           s,
		wallets:     make(map[string]*model.Wallet),
		holdings:    make(map[holdingKey]int64),
		commodities: make(map[model.Symbol]*model.Commodity),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for k, v := range tx.holdings {
		s.holdings[k] = v
	}
	for sym, c := range tx.commodities {
		s.commodities[sym] = c
	}
	s.ledger = append(s.ledger, tx.entries...)
	return nil
}

func (s *MemoryStore) holdingsLocked(userID string) model.Holdings {
	h := make(model.Holdings)
	for k, v := range s.holdings {
		if k.userID == userID {
			h[k.symbol] = v
		}
	}
	return h
}

// memoryTx overlays staged writes on top of the committed maps. The parent
// store's write lock is held for the whole unit.
type memoryTx struct {
	s           *MemoryStore
	wallets     map[string]*model.Wallet
	holdings    map[holdingKey]int64
	commodities map[model.Symbol]*model.Commodity
	entries     []model.LedgerEntry
}

func (t *memoryTx) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	w, ok := t.wallets[userID]
	if !ok {
		w, ok = t.s.wallets[userID]
	}
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (t *memoryTx) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	if externalID == "" {
		return nil, fmt.Errorf("wallet linked to %q: %w", externalID, ErrNotFound)
	}
	for _, w := range t.wallets {
		if w.LinkedExternalID == externalID {
			copy := *w
			return &copy, nil
		}
	}
	for id, w := range t.s.wallets {
		if _, staged := t.wallets[id]; staged {
			continue
		}
		if w.LinkedExternalID == externalID {
			copy := *w
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("wallet linked to %s: %w", externalID, ErrNotFound)
}

func (t *memoryTx) PutWallet(_ context.Context, w *model.Wallet) error {
	if w.LinkedExternalID != "" {
		for id, other := range t.wallets {
			if id != w.UserID && other.LinkedExternalID == w.LinkedExternalID {
				return fmt.Errorf("external id %s: %w", w.LinkedExternalID, ErrConflict)
			}
		}
		for id, other := range t.s.wallets {
			if id == w.UserID {
				continue
			}
			if staged, ok := t.wallets[id]; ok {
				other = staged
			}
			if other.LinkedExternalID == w.LinkedExternalID {
				return fmt.Errorf("external id %s: %w", w.LinkedExternalID, ErrConflict)
			}
		}
	}
	copy := *w
	t.wallets[w.UserID] = &copy
	return nil
}

func (t *memoryTx) GetHoldings(_ context.Context, userID string) (model.Holdings, error) {
	h := t.s.holdingsLocked(userID)
	for k, v := range t.holdings {
		if k.userID == userID {
			h[k.symbol] = v
		}
	}
	return h, nil
}

func (t *memoryTx) PutHolding(_ context.Context, h model.Holding) error {
	if h.Shares < 0 {
		return fmt.Errorf("holding %s/%s would be negative", h.UserID, h.Symbol)
	}
	t.holdings[holdingKey{userID: h.UserID, symbol: h.Symbol}] = h.Shares
	return nil
}

func (t *memoryTx) GetCommodity(_ context.Context, symbol model.Symbol) (*model.Commodity, error) {
	c, ok := t.commodities[symbol]
	if !ok {
		c, ok = t.s.commodities[symbol]
	}
	if !ok {
		return nil, fmt.Errorf("commodity %s: %w", symbol, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (t *memoryTx) PutCommodity(_ context.Context, c *model.Commodity) error {
	if _, ok := t.s.commodities[c.Symbol]; !ok {
		return fmt.Errorf("commodity %s: %w", c.Symbol, ErrNotFound)
	}
	copy := *c
	t.commodities[c.Symbol] = &copy
	return nil
}

func (t *memoryTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.entries = append(t.entries, *e)
	return nil
}
