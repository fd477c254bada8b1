package api

import (
	"context"
	"net/http"
	"time"
)

const unregisterTimeout = 10 * time.Second

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registration.Status())
}

// handleRegister (re)starts registration and waits for the outcome within
// the registration manager's bounded timeout.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	reg := s.opts.Registration
	if err := reg.Register(r.Context()); err != nil {
		s.writeDomainError(w, r, "register", err)
		return
	}
	if err := reg.Await(r.Context()); err != nil {
		s.writeDomainError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, reg.Status())
}

// handleUnregister tears the registration down. The un-REGISTER is sent
// even if the client goes away.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), unregisterTimeout)
	defer cancel()
	s.opts.Registration.Teardown(ctx)
	writeJSON(w, http.StatusOK, s.opts.Registration.Status())
}
