// Package api serves the agent's local control API. The CRM web UI drives
// the softphone through it: registration, call control, the post-call
// feedback step, call history and the auto-dial queue.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/agentphone/internal/api/middleware"
	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/database"
	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/dialer"
	"github.com/flowpbx/agentphone/internal/sip"
)

// CallControl is the call controller as seen by the API.
type CallControl interface {
	Snapshot() call.Snapshot
	PlaceCall(ctx context.Context, destination, campaign string) (call.Snapshot, error)
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	SendDigits(ctx context.Context, digits string) error
	Transfer(ctx context.Context, extension string) error
	SubmitFeedback(ctx context.Context, remark string) error
}

// Registration controls the agent's SIP registration.
type Registration interface {
	Status() sip.RegistrationStatus
	Register(ctx context.Context) error
	Await(ctx context.Context) error
	Teardown(ctx context.Context)
}

// History reads the local call journal.
type History interface {
	List(ctx context.Context, filter database.HistoryFilter) ([]models.CallHistory, int, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.CallHistory, error)
}

// AutoDialer is the auto-dial queue.
type AutoDialer interface {
	Load(prospects []dialer.Prospect) error
	Prospects() []dialer.Prospect
	Status() dialer.Status
	Start(campaign string) error
	Pause() error
	Resume() error
	Skip() (dialer.Prospect, error)
	Stop()
}

// PINChecker verifies login PINs.
type PINChecker interface {
	Verify(pin string) error
}

// Options wires a Server. Calls, Registration, PIN and JWTSecret are
// required; History, Dialer and Metrics may be nil.
type Options struct {
	Calls        CallControl
	Registration Registration
	History      History
	Dialer       AutoDialer
	PIN          PINChecker
	JWTSecret    []byte
	Username     string
	CORSOrigins  []string
	Metrics      http.Handler
	Logger       *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	opts   Options
	logger *slog.Logger

	control *middleware.ClientLimiter
	login   *middleware.ClientLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		router:  chi.NewRouter(),
		opts:    opts,
		logger:  opts.Logger.With("subsystem", "api"),
		control: middleware.NewClientLimiter(middleware.ControlRateLimit()),
		login:   middleware.NewClientLimiter(middleware.LoginRateLimit()),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run evicts idle rate limiter entries until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.login.Run(ctx, 5*time.Minute)
	s.control.Run(ctx, 5*time.Minute)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.opts.CORSOrigins))

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.login)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAgent(s.opts.JWTSecret))
			r.Use(middleware.RateLimit(s.control))

			r.Route("/registration", func(r chi.Router) {
				r.Get("/", s.handleGetRegistration)
				r.Post("/", s.handleRegister)
				r.Delete("/", s.handleUnregister)
			})

			r.Route("/call", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/", s.handlePlaceCall)
				r.Post("/answer", s.callAction(CallControl.Answer))
				r.Post("/hangup", s.callAction(CallControl.Hangup))
				r.Post("/hold", s.callAction(CallControl.Hold))
				r.Post("/unhold", s.callAction(CallControl.Unhold))
				r.Post("/mute", s.callAction(CallControl.Mute))
				r.Post("/unmute", s.callAction(CallControl.Unmute))
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/transfer", s.handleTransfer)
				r.Post("/feedback", s.handleFeedback)
			})

			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleListHistory)
				r.Get("/{sessionID}", s.handleGetHistory)
			})

			r.Route("/dialer", func(r chi.Router) {
				r.Get("/", s.handleDialerStatus)
				r.Get("/prospects", s.handleListProspects)
				r.Post("/prospects", s.handleLoadProspects)
				r.Post("/start", s.handleDialerStart)
				r.Post("/pause", s.dialerAction(AutoDialer.Pause))
				r.Post("/resume", s.dialerAction(AutoDialer.Resume))
				r.Post("/skip", s.handleDialerSkip)
				r.Post("/stop", s.handleDialerStop)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
