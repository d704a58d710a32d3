package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrMarketClosed        = errors.New("ledger: market is closed")
	ErrInvalidQuantity     = errors.New("ledger: quantity must be a positive integer")
	ErrUnknownCommodity    = errors.New("ledger: unknown commodity")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrInsufficientShares  = errors.New("ledger: insufficient shares")
	ErrInvalidDelta        = errors.New("ledger: invalid unit value delta")
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrDuplicateExternalID = errors.New("ledger: external id already linked to another wallet")
	ErrWalletNotFound      = errors.New("ledger: wallet not found")

	// ErrStoreUnavailable wraps every persistence failure, including
	// timeouts. The underlying cause stays in the chain.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")
)

var domainErrors = []error{
	ErrMarketClosed,
	ErrInvalidQuantity,
	ErrUnknownCommodity,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrInvalidDelta,
	ErrInvalidInput,
	ErrDuplicateExternalID,
	ErrWalletNotFound,
	ErrStoreUnavailable,
}

// ShortfallError carries the amounts behind ErrInsufficientFunds and
// ErrInsufficientShares.
type ShortfallError struct {
	Err  error
	Need int64
	Have int64
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%v: need %d, have %d", e.Err, e.Need, e.Have)
}

func (e *ShortfallError) Unwrap() error { return e.Err }

// classify passes ledger errors through and marks anything else as a store
// failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
