package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/flowpbx/agentphone/internal/disposition"
)

// DispositionStore persists dispositions through the CRM's idempotent
// upsert endpoint.
type DispositionStore struct {
	client *Client
}

// NewDispositionStore returns a disposition.Store backed by c.
func NewDispositionStore(c *Client) *DispositionStore {
	return &DispositionStore{client: c}
}

type dispositionRequest struct {
	Disposition string `json:"disposition"`
	Remarks     string `json:"remarks,omitempty"`
}

// Upsert PUTs the disposition keyed by (campaign, session).
func (s *DispositionStore) Upsert(ctx context.Context, rec disposition.Record) error {
	if rec.Campaign == "" || rec.SessionID == "" {
		return fmt.Errorf("backend: upserting disposition: campaign and session are required")
	}
	path := "/campaigns/" + url.PathEscape(rec.Campaign) + "/dispositions/" + url.PathEscape(rec.SessionID)
	err := s.client.sendJSON(ctx, http.MethodPut, path, dispositionRequest{
		Disposition: string(rec.Label),
		Remarks:     rec.Remark,
	})
	if err != nil {
		return fmt.Errorf("backend: upserting disposition: %w", err)
	}
	return nil
}
