package disposition

import (
	"context"
	"time"
)

// Record is the persisted disposition of one call session within a campaign.
type Record struct {
	Campaign  string    `json:"campaign"`
	SessionID string    `json:"session_id"`
	Label     Label     `json:"disposition"`
	Remark    string    `json:"remarks,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists dispositions. Upsert must be idempotent on
// (Campaign, SessionID): writing the same session twice leaves one row.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
}
