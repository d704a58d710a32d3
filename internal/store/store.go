// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache) and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/narivals/rivals-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a wallet or commodity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// Reader holds the snapshot reads. They are safe to serve from a cache.
type Reader interface {
	// GetWallet retrieves a wallet by user ID.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// FindWalletByExternalID retrieves the wallet linked to a bracket account.
	FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error)

	// GetHoldings returns the stored holdings of a user. Commodities the user
	// never held are absent from the map.
	GetHoldings(ctx context.Context, userID string) (model.Holdings, error)

	// ListCommodities returns the four commodities.
	ListCommodities(ctx context.Context) ([]model.Commodity, error)

	// ListLedgerEntriesByUser returns a user's journal, oldest first.
	ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}

// Tx is one unit of work. Reads inside a Tx observe its own staged writes and
// lock the rows they return until the unit commits or rolls back.
type Tx interface {
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error)
	PutWallet(ctx context.Context, w *model.Wallet) error

	GetHoldings(ctx context.Context, userID string) (model.Holdings, error)
	PutHolding(ctx context.Context, h model.Holding) error

	GetCommodity(ctx context.Context, symbol model.Symbol) (*model.Commodity, error)
	PutCommodity(ctx context.Context, c *model.Commodity) error

	// InsertLedgerEntry appends an immutable journal row.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// Update runs fn as one atomic unit. If fn returns an error nothing it
	// wrote is kept and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error
}
