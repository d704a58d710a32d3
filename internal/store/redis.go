package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/narivals/rivals-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache of
// wallet, holdings and market snapshots. Updates go to the primary store and
// invalidate the keys they touched once the unit has committed.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched *touchingTx
	err := s.primary.Update(ctx, func(tx Tx) error {
		// A retried unit starts over with a clean record.
		touched = &touchingTx{Tx: tx, keys: make(map[string]struct{})}
		return fn(touched)
	})
	if err != nil {
		return err
	}

	if len(touched.keys) > 0 {
		keys := make([]string, 0, len(touched.keys))
		for k := range touched.keys {
			keys = append(keys, k)
		}
		// A failed DEL leaves stale snapshots until the TTL runs out.
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "ttl", s.ttl, "err", err)
		}
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.get(ctx, walletKey(userID), &w) {
		return &w, nil
	}

	wallet, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, walletKey(userID), wallet)
	return wallet, nil
}

func (s *CachedStore) GetHoldings(ctx context.Context, userID string) (model.Holdings, error) {
	var h model.Holdings
	if s.get(ctx, holdingsKey(userID), &h) {
		return h, nil
	}

	holdings, err := s.primary.GetHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, holdingsKey(userID), holdings)
	return holdings, nil
}

func (s *CachedStore) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	var cs []model.Commodity
	if s.get(ctx, marketKey(), &cs) {
		return cs, nil
	}

	commodities, err := s.primary.ListCommodities(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(), commodities)
	return commodities, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error) {
	return s.primary.FindWalletByExternalID(ctx, externalID)
}

func (s *CachedStore) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntriesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// touchingTx records the cache keys made stale by the writes of one unit.
type touchingTx struct {
	Tx
	keys map[string]struct{}
}

func (t *touchingTx) PutWallet(ctx context.Context, w *model.Wallet) error {
	if err := t.Tx.PutWallet(ctx, w); err != nil {
		return err
	}
	t.keys[walletKey(w.UserID)] = struct{}{}
	return nil
}

func (t *touchingTx) PutHolding(ctx context.Context, h model.Holding) error {
	if err := t.Tx.PutHolding(ctx, h); err != nil {
		return err
	}
	t.keys[holdingsKey(h.UserID)] = struct{}{}
	return nil
}

func (t *touchingTx) PutCommodity(ctx context.Context, c *model.Commodity) error {
	if err := t.Tx.PutCommodity(ctx, c); err != nil {
		return err
	}
	t.keys[marketKey()] = struct{}{}
	return nil
}

func walletKey(uid string) string   { return fmt.Sprintf("rivals:wallet:%s", uid) }
func holdingsKey(uid string) string { return fmt.Sprintf("rivals:holdings:%s", uid) }
func marketKey() string             { return "rivals:market" }
