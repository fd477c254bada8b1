package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/flowpbx/agentphone/internal/dialer"
)

// maxProspectUpload bounds an uploaded prospect list.
const maxProspectUpload = 5 << 20

type dialerStartRequest struct {
	Campaign string `json:"campaign"`
}

type prospectsResponse struct {
	Loaded int               `json:"loaded"`
	Status dialer.Status     `json:"status"`
	Items  []dialer.Prospect `json:"items,omitempty"`
}

func (s *Server) dialerEnabled(w http.ResponseWriter) bool {
	if s.opts.Dialer == nil {
		writeError(w, http.StatusNotFound, "auto-dialer is disabled")
		return false
	}
	return true
}

func (s *Server) handleDialerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.dialerEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Dialer.Status())
}

func (s *Server) handleListProspects(w http.ResponseWriter, r *http.Request) {
	if !s.dialerEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, prospectsResponse{
		Status: s.opts.Dialer.Status(),
		Items:  s.opts.Dialer.Prospects(),
	})
}

// handleLoadProspects replaces the queue with an uploaded CSV, sent either
// as the raw body (text/csv) or as the "file" field of a multipart form.
func (s *Server) handleLoadProspects(w http.ResponseWriter, r *http.Request) {
	if !s.dialerEnabled(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxProspectUpload)

	var src io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart upload needs a \"file\" field")
			return
		}
		defer file.Close()
		src = file
	}

	prospects, err := dialer.ParseCSV(src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "prospect list too large")
		case errors.Is(err, dialer.ErrNoPhoneColumn):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if len(prospects) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no dialable numbers found")
		return
	}

	if err := s.opts.Dialer.Load(prospects); err != nil {
		s.writeDomainError(w, r, "load prospects", err)
		return
	}
	writeJSON(w, http.StatusCreated, prospectsResponse{
		Loaded: len(prospects),
		Status: s.opts.Dialer.Status(),
	})
}

func (s *Server) handleDialerStart(w http.ResponseWriter, r *http.Request) {
	if !s.dialerEnabled(w) {
		return
	}
	var req dialerStartRequest
	if r.ContentLength != 0 {
		if errMsg := readJSON(r, &req); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}
	req.Campaign = strings.TrimSpace(req.Campaign)
	if errMsg := validateStringLen("campaign", req.Campaign, maxCampaignLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.opts.Dialer.Start(req.Campaign); err != nil {
		s.writeDomainError(w, r, "start dialer", err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Dialer.Status())
}

func (s *Server) dialerAction(fn func(AutoDialer) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.dialerEnabled(w) {
			return
		}
		if err := fn(s.opts.Dialer); err != nil {
			s.writeDomainError(w, r, "dialer", err)
			return
		}
		writeJSON(w, http.StatusOK, s.opts.Dialer.Status())
	}
}

func (s *Server) handleDialerSkip(w http.ResponseWriter, r *http.Request) {
	if !s.dialerEnabled(w) {
		return
	}
	p, err := s.opts.Dialer.Skip()
	if err != nil {
		s.writeDomainError(w, r, "skip prospect", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDialerStop(w http.ResponseWriter, r *http.Request) {
	if !s.dialerEnabled(w) {
		return
	}
	s.opts.Dialer.Stop()
	writeJSON(w, http.StatusOK, s.opts.Dialer.Status())
}
