package storage

import (
	"time"
)

// Credential is one account's encrypted upstream API key.
type Credential struct {
	AccountID       int64
	EncryptedSecret string
}

// AlertConfig is a user's alert configuration for a single item.
// Threshold fields are nil when the corresponding condition is not set.
type AlertConfig struct {
	UserID         int64
	PriceAbove     *int64
	PriceBelow     *int64
	ChangePercent  *float64
	NotifyIdentity *string
}

// AlertState is the per (item, user) deduplication record.
type AlertState struct {
	LastPrice int64
	LastHash  string
	UpdatedAt time.Time
}

// PriceObservation is one persisted price point for an item.
type PriceObservation struct {
	Time     time.Time
	ItemID   int64
	ItemName string
	Price    int64
	Quantity int64
	Source   string
}

// AlertLogEntry records an emitted alert for auditing.
type AlertLogEntry struct {
	ID        int64
	ItemID    int64
	UserID    int64
	Price     int64
	Reason    string
	Channels  []string
	CreatedAt time.Time
}
