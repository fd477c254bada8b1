package api

import (
	"context"
	"net/http"
	"strings"
)

type placeCallRequest struct {
	Destination string `json:"destination"`
	Campaign    string `json:"campaign"`
}

type digitsRequest struct {
	Digits string `json:"digits"`
}

type transferRequest struct {
	Extension string `json:"extension"`
}

type feedbackRequest struct {
	Remark string `json:"remark"`
}

// handleGetCall returns the current session snapshot.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Calls.Snapshot())
}

// handlePlaceCall dials a destination. It waits for an in-flight
// registration and answers 503 if the agent is not registered.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Destination = strings.TrimSpace(req.Destination)
	req.Campaign = strings.TrimSpace(req.Campaign)
	if errMsg := firstError(
		validateRequiredStringLen("destination", req.Destination, maxDestinationLen),
		validateNoControlChars("destination", req.Destination),
		validateStringLen("campaign", req.Campaign, maxCampaignLen),
		validateNoControlChars("campaign", req.Campaign),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	snap, err := s.opts.Calls.PlaceCall(r.Context(), req.Destination, req.Campaign)
	if err != nil {
		s.writeDomainError(w, r, "place call", err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// callAction adapts a no-argument controller command to a handler that
// answers with the resulting snapshot.
func (s *Server) callAction(fn func(CallControl, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.opts.Calls, r.Context()); err != nil {
			s.writeDomainError(w, r, "call action", err)
			return
		}
		writeJSON(w, http.StatusOK, s.opts.Calls.Snapshot())
	}
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req digitsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("digits", req.Digits, maxDigitsLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.opts.Calls.SendDigits(r.Context(), req.Digits); err != nil {
		s.writeDomainError(w, r, "send digits", err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Calls.Snapshot())
}

// handleTransfer blocks until the PBX accepts the transfer or the fallback
// feature code has been dialed.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Extension = strings.TrimSpace(req.Extension)
	if errMsg := validateExtension("extension", req.Extension); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.opts.Calls.Transfer(r.Context(), req.Extension); err != nil {
		s.writeDomainError(w, r, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Calls.Snapshot())
}

// handleFeedback records the agent's remark for the finished call, which
// releases its upload.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Remark = strings.TrimSpace(req.Remark)
	if errMsg := validateStringLen("remark", req.Remark, maxRemarkLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if err := s.opts.Calls.SubmitFeedback(r.Context(), req.Remark); err != nil {
		s.writeDomainError(w, r, "submit feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Calls.Snapshot())
}
