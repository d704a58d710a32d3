package model

import "time"

// EventType names a ledger notification.
type EventType string

const (
	EventWalletCreated EventType = "wallet_created"
	EventPurchase      EventType = "purchase"
	EventSell          EventType = "sell"
	EventBonus         EventType = "bonus"
	EventMarketToggled EventType = "market_toggled"
	EventValueAdjusted EventType = "value_adjusted"
	EventAccountLinked EventType = "account_linked"
)

// Event is published after a mutation commits.
type Event struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Symbol     Symbol    `json:"commodity,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Tokens     int64     `json:"tokens,omitempty"`
	UnitValue  int64     `json:"unit_value,omitempty"`
	Open       *bool     `json:"open,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
