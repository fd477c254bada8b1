package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/dialer"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/sip"
	"github.com/flowpbx/agentphone/internal/transfer"
)

// statusFor maps a domain error to an HTTP status. Only registration and
// microphone permission failures block the agent; everything else is a
// conflict with the current call state or bad input.
func statusFor(err error) int {
	var regErr *sip.RegistrationError
	var permErr *media.MediaPermissionError
	switch {
	case errors.As(err, &regErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &permErr):
		return http.StatusForbidden
	case errors.Is(err, call.ErrEmptyDestination),
		errors.Is(err, call.ErrInvalidDigits),
		errors.Is(err, transfer.ErrInvalidExtension):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrSessionActive),
		errors.Is(err, call.ErrNoActiveCall),
		errors.Is(err, call.ErrNotRinging),
		errors.Is(err, call.ErrNoFeedbackPending),
		errors.Is(err, transfer.ErrTransferCooldown),
		errors.Is(err, dialer.ErrEmptyQueue),
		errors.Is(err, dialer.ErrRunning),
		errors.Is(err, dialer.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, call.ErrControllerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the status statusFor picks. Internal
// errors are logged and not echoed; nothing is written once the client has
// gone away.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+": failed", "error", err, "path", r.URL.Path)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
