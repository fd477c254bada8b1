package database

import (
	"context"
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/database/models"
)

// HistoryFilter specifies filtering and pagination for call history queries.
type HistoryFilter struct {
	Limit       int
	Offset      int
	Search      string // matches destination or remarks
	Direction   string // "inbound", "outbound", or "" for all
	Campaign    string
	Disposition string
	StartDate   string // RFC3339 or YYYY-MM-DD
	EndDate     string // RFC3339 or YYYY-MM-DD
}

// CallHistoryRepository manages the local journal of finished sessions.
type CallHistoryRepository interface {
	Archive(ctx context.Context, rec backend.CallRecord, uploaded bool) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.CallHistory, error)
	List(ctx context.Context, filter HistoryFilter) ([]models.CallHistory, int, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
	ClearUploadedRecordings(ctx context.Context, before time.Time) ([]string, error)
}
