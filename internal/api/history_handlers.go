package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/agentphone/internal/database"
	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/disposition"
)

// handleListHistory returns archived sessions with pagination and optional
// filters. Query params: limit, offset, search, direction, campaign,
// disposition, start_date, end_date.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}
	label := disposition.Label(strings.ToUpper(q.Get("disposition")))
	if label != "" && !label.Valid() {
		writeError(w, http.StatusBadRequest, "disposition must be one of ANSWERED, BUSY, NO_ANSWER, FAILED")
		return
	}
	if errMsg := firstError(
		validateDate("start_date", q.Get("start_date")),
		validateDate("end_date", q.Get("end_date")),
		validateStringLen("search", q.Get("search"), maxDestinationLen),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	items, total, err := s.opts.History.List(r.Context(), database.HistoryFilter{
		Limit:       pg.Limit,
		Offset:      pg.Offset,
		Search:      q.Get("search"),
		Direction:   direction,
		Campaign:    q.Get("campaign"),
		Disposition: string(label),
		StartDate:   q.Get("start_date"),
		EndDate:     q.Get("end_date"),
	})
	if err != nil {
		s.logger.Error("list history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []models.CallHistory{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}
	id := chi.URLParam(r, "sessionID")
	h, err := s.opts.History.GetBySessionID(r.Context(), id)
	if err != nil {
		s.logger.Error("get history: failed to query", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if h == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, h)
}
