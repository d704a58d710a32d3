// Package model defines the core domain types shared across the ledger,
// its stores and its adapters.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTokens is the balance of a freshly created wallet.
const DefaultTokens int64 = 150

// InitialUnitValue is the seed price of every commodity.
const InitialUnitValue int64 = 100

// Symbol identifies one of the four fixed commodities.
type Symbol string

const (
	Fire  Symbol = "fire"
	Water Symbol = "water"
	Earth Symbol = "earth"
	Air   Symbol = "air"
)

// Symbols lists the commodities in display order.
var Symbols = []Symbol{Fire, Water, Earth, Air}

// Valid reports whether s is one of the four commodities.
func (s Symbol) Valid() bool {
	switch s {
	case Fire, Water, Earth, Air:
		return true
	}
	return false
}

// Title returns the capitalised name used in chat output.
func (s Symbol) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// ParseSymbol normalises user input into a Symbol.
func ParseSymbol(raw string) (Symbol, error) {
	s := Symbol(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown commodity %q", raw)
	}
	return s, nil
}

// Wallet is a user's token balance and optional bracket account link.
type Wallet struct {
	UserID           string    `json:"user_id" db:"user_id"`
	Alias            string    `json:"alias" db:"alias"`
	Tokens           int64     `json:"tokens" db:"tokens"`
	LinkedExternalID string    `json:"linked_external_id,omitempty" db:"linked_external_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// NewWallet returns the default wallet for a user seen for the first time.
func NewWallet(userID, alias string) *Wallet {
	if alias == "" {
		alias = userID
	}
	return &Wallet{
		UserID:    userID,
		Alias:     alias,
		Tokens:    DefaultTokens,
		CreatedAt: time.Now().UTC(),
	}
}

// Holding is the share count of one user in one commodity.
type Holding struct {
	UserID string `json:"user_id" db:"user_id"`
	Symbol Symbol `json:"commodity" db:"commodity"`
	Shares int64  `json:"shares" db:"shares"`
}

// Holdings maps every commodity to a user's share count.
type Holdings map[Symbol]int64

// ZeroHoldings returns a Holdings with all four commodities at zero.
func ZeroHoldings() Holdings {
	h := make(Holdings, len(Symbols))
	for _, s := range Symbols {
		h[s] = 0
	}
	return h
}

// Commodity is the market-wide state of one symbol.
type Commodity struct {
	Symbol            Symbol `json:"symbol" db:"symbol"`
	UnitValue         int64  `json:"unit_value" db:"unit_value"`
	OutstandingShares int64  `json:"outstanding_shares" db:"outstanding_shares"`
}

// SeedCommodities returns the initial market.
func SeedCommodities() []Commodity {
	out := make([]Commodity, 0, len(Symbols))
	for _, s := range Symbols {
		out = append(out, Commodity{Symbol: s, UnitValue: InitialUnitValue})
	}
	return out
}

// Market is a snapshot of all commodities plus the open flag.
type Market struct {
	Open        bool                 `json:"open"`
	Commodities map[Symbol]Commodity `json:"commodities"`
}

// TotalOutstanding sums outstanding shares across commodities.
func (m Market) TotalOutstanding() int64 {
	var total int64
	for _, c := range m.Commodities {
		total += c.OutstandingShares
	}
	return total
}

// EntryKind classifies a journal row.
type EntryKind string

const (
	EntryPurchase EntryKind = "purchase"
	EntrySell     EntryKind = "sell"
	EntryBonus    EntryKind = "bonus"
	EntryAdjust   EntryKind = "adjust"
	EntryLink     EntryKind = "link"
)

// LedgerEntry is an immutable record of one committed mutation.
// Market-wide entries (adjust) carry an empty UserID.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id,omitempty" db:"user_id"`
	Kind         EntryKind `json:"kind" db:"kind"`
	Symbol       Symbol    `json:"commodity,omitempty" db:"commodity"`
	Quantity     int64     `json:"quantity" db:"quantity"`
	UnitValue    int64     `json:"unit_value" db:"unit_value"`
	TokenDelta   int64     `json:"token_delta" db:"token_delta"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Reference    string    `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Participant is one finisher in a bracket.
// A nil FinalRank means the entrant was disqualified.
type Participant struct {
	ExternalID string `json:"challonge_username"`
	Name       string `json:"name"`
	FinalRank  *int   `json:"final_rank"`
}
