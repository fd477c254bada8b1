package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/agentphone/internal/api/middleware"
)

type loginRequest struct {
	PIN string `json:"pin"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Username  string `json:"username"`
}

// handleLogin exchanges the agent PIN for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validatePIN("pin", req.PIN); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.opts.PIN.Verify(req.PIN); err != nil {
		if errors.Is(err, middleware.ErrInvalidPIN) {
			s.logger.Warn("login: wrong pin", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid pin")
			return
		}
		s.logger.Error("login: verifying pin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expiresAt, err := middleware.GenerateAgentToken(s.opts.JWTSecret, s.opts.Username)
	if err != nil {
		s.logger.Error("login: signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		Username:  s.opts.Username,
	})
}
