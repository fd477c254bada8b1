package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
)

// RegistrationState is the agent's registration with the PBX.
type RegistrationState string

const (
	StateUnregistered RegistrationState = "unregistered"
	StateRegistering  RegistrationState = "registering"
	StateRegistered   RegistrationState = "registered"
	StateFailed       RegistrationState = "failed"
)

const (
	// DefaultRegisterTimeout bounds how long Await waits for an in-flight
	// registration.
	DefaultRegisterTimeout = 8 * time.Second
	minRegisterTimeout     = 5 * time.Second
	maxRegisterTimeout     = 10 * time.Second

	// DefaultRegisterExpiry is the requested registration lifetime in seconds.
	DefaultRegisterExpiry = 300

	unregisterTimeout = 5 * time.Second

	// minRefresh keeps a server granting a tiny expiry from turning the
	// refresh into a tight REGISTER loop.
	minRefresh = 5 * time.Second
)

var (
	// ErrRegistrationTimeout is wrapped by the RegistrationError returned
	// when Await gives up.
	ErrRegistrationTimeout = errors.New("registration timed out")
	// ErrTornDown is wrapped by the RegistrationError returned to waiters
	// whose registration was torn down.
	ErrTornDown = errors.New("registration torn down")
	// ErrNotRegistered means no registration has been started.
	ErrNotRegistered = errors.New("not registered")
)

// RegistrationError reports why the agent could not register.
type RegistrationError struct {
	Reason string
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Err == nil {
		return "registration failed: " + e.Reason
	}
	return fmt.Sprintf("registration failed: %s: %v", e.Reason, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// RegistrationStatus is a snapshot of the registration.
type RegistrationStatus struct {
	State        RegistrationState `json:"state"`
	Extension    string            `json:"extension,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	Transport    string            `json:"transport,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	RetryAttempt int               `json:"retry_attempt,omitempty"`
	FailedAt     *time.Time        `json:"failed_at,omitempty"`
	RegisteredAt *time.Time        `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// Account is a provisioned SIP account.
type Account struct {
	Extension string
	Password  string
	Domain    string
	// Transport is the sipgo transport name: UDP, TCP, TLS, WS or WSS.
	Transport string
	// Proxy is an optional host:port that requests are sent to instead of
	// the domain.
	Proxy string
}

// Provisioner fetches the agent's SIP account from the backend.
type Provisioner interface {
	Credentials(ctx context.Context) (*backend.Credentials, error)
	SIPConfig(ctx context.Context) (*backend.SIPConfig, error)
}

// Registrar sends a single REGISTER for acct and returns the granted expiry
// in seconds. An expiry of zero removes the binding.
type Registrar interface {
	Register(ctx context.Context, acct Account, expiry int) (int, error)
}

// RegistrationOptions configure a RegistrationManager.
type RegistrationOptions struct {
	// Expiry is the requested lifetime in seconds.
	Expiry int
	// Timeout bounds Await. It is clamped to 5-10s.
	Timeout time.Duration
	// Transport overrides the transport derived from the PBX config.
	Transport string
	Logger    *slog.Logger
}

// promise is one pending registration attempt. It is settled exactly once,
// under the manager's lock.
type promise struct {
	done chan struct{}
	err  error
}

func newPromise() *promise { return &promise{done: make(chan struct{})} }

func (p *promise) settle(err error) {
	select {
	case <-p.done:
		return
	default:
	}
	p.err = err
	close(p.done)
}

// RegistrationManager keeps the agent registered with the PBX. It owns the
// registration loop, the pending registration promise and the state
// snapshot shown to the operator.
type RegistrationManager struct {
	prov      Provisioner
	registrar Registrar
	expiry    int
	timeout   time.Duration
	transport string
	logger    *slog.Logger

	// newBackoff is replaced in tests.
	newBackoff func() *backoff

	mu        sync.Mutex
	status    RegistrationStatus
	account   *Account
	pending   *promise
	lastErr   error
	cancel    context.CancelFunc
	loopDone  chan struct{}
	listeners []func(RegistrationStatus)
}

// NewRegistrationManager creates a manager in the unregistered state.
func NewRegistrationManager(prov Provisioner, registrar Registrar, opts RegistrationOptions) *RegistrationManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultRegisterExpiry
	}
	return &RegistrationManager{
		prov:       prov,
		registrar:  registrar,
		expiry:     opts.Expiry,
		timeout:    clampTimeout(opts.Timeout),
		transport:  strings.ToUpper(opts.Transport),
		logger:     opts.Logger.With("subsystem", "registration"),
		newBackoff: newBackoff,
		status:     RegistrationStatus{State: StateUnregistered},
	}
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultRegisterTimeout
	case d < minRegisterTimeout:
		return minRegisterTimeout
	case d > maxRegisterTimeout:
		return maxRegisterTimeout
	}
	return d
}

// OnChange registers fn to receive every status change.
func (m *RegistrationManager) OnChange(fn func(RegistrationStatus)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Status returns the current registration snapshot.
func (m *RegistrationManager) Status() RegistrationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Extension returns the registered extension, or "" before provisioning.
func (m *RegistrationManager) Extension() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Extension
}

// Account returns the provisioned account once available.
func (m *RegistrationManager) Account() (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return Account{}, false
	}
	return *m.account, true
}

// Register starts (or restarts) the registration loop. It returns once the
// loop is running; use Await to wait for the outcome.
func (m *RegistrationManager) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.stopLoop()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.loopDone = done
	m.lastErr = nil
	m.account = nil
	m.status = RegistrationStatus{}
	m.enterRegisteringLocked()
	m.mu.Unlock()
	m.notify()

	go m.loop(loopCtx, done)
	return nil
}

// Await blocks until the pending registration settles, the bounded timeout
// elapses, or ctx is done. It returns nil when registered.
func (m *RegistrationManager) Await(ctx context.Context) error {
	m.mu.Lock()
	state := m.status.State
	p := m.pending
	lastErr := m.lastErr
	m.mu.Unlock()

	switch {
	case state == StateRegistered:
		return nil
	case state == StateUnregistered:
		return &RegistrationError{Reason: "not registered", Err: ErrNotRegistered}
	case state == StateFailed && lastErr != nil:
		return lastErr
	case p == nil:
		return &RegistrationError{Reason: string(state)}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		return &RegistrationError{Reason: "no response from pbx", Err: ErrRegistrationTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Teardown stops the registration loop, removes the binding if one is
// active and rejects any waiter. It is safe to call repeatedly.
func (m *RegistrationManager) Teardown(ctx context.Context) {
	m.mu.Lock()
	wasRegistered := m.status.State == StateRegistered
	acct := m.account
	idle := m.cancel == nil && m.status.State == StateUnregistered
	m.mu.Unlock()
	if idle {
		return
	}

	m.stopLoop()

	if wasRegistered && acct != nil {
		unregCtx, cancel := context.WithTimeout(ctx, unregisterTimeout)
		if _, err := m.registrar.Register(unregCtx, *acct, 0); err != nil {
			m.logger.Warn("failed to un-register", "extension", acct.Extension, "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	if m.pending != nil {
		m.pending.settle(&RegistrationError{Reason: "torn down", Err: ErrTornDown})
		m.pending = nil
	}
	m.lastErr = nil
	m.account = nil
	m.status = RegistrationStatus{State: StateUnregistered}
	m.mu.Unlock()
	m.notify()
	m.logger.Info("registration stopped")
}

func (m *RegistrationManager) stopLoop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// loop provisions the account, registers, and re-registers at 80% of the
// granted expiry. Failures back off exponentially and re-enter REGISTERING.
func (m *RegistrationManager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := m.newBackoff()

	for {
		acct, ok := m.Account()
		if !ok {
			a, err := m.provision(ctx)
			if err != nil {
				if !m.retry(ctx, b, "provisioning", err) {
					return
				}
				continue
			}
			acct = a
			m.mu.Lock()
			m.account = &a
			m.status.Extension = a.Extension
			m.status.Domain = a.Domain
			m.status.Transport = a.Transport
			m.mu.Unlock()

			m.logger.Info("starting registration",
				"extension", a.Extension,
				"domain", a.Domain,
				"transport", a.Transport,
				"expiry", m.expiry,
			)
		}

		granted, err := m.registrar.Register(ctx, acct, m.expiry)
		if err != nil {
			if !m.retry(ctx, b, "register", err) {
				return
			}
			continue
		}

		b.reset()
		m.registered(granted)
		if granted != m.expiry {
			m.logger.Info("registered (server adjusted expiry)",
				"extension", acct.Extension,
				"requested_expiry", m.expiry,
				"granted_expiry", granted,
			)
		} else {
			m.logger.Info("registered", "extension", acct.Extension, "expires_in", granted)
		}

		refresh := refreshInterval(granted)
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			m.logger.Debug("re-registering", "extension", acct.Extension)
		}
	}
}

// refreshInterval is when to re-register a binding granted for granted
// seconds: at 80% of its lifetime, never sooner than minRefresh.
func refreshInterval(granted int) time.Duration {
	return max(time.Duration(float64(granted)*0.8*float64(time.Second)), minRefresh)
}

func (m *RegistrationManager) provision(ctx context.Context) (Account, error) {
	creds, err := m.prov.Credentials(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("fetching credentials: %w", err)
	}
	cfg, err := m.prov.SIPConfig(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("fetching sip config: %w", err)
	}
	return accountFrom(creds, cfg, m.transport)
}

// accountFrom combines credentials and transport config. The transport
// comes from override, else from the WSS URL scheme, else UDP.
func accountFrom(creds *backend.Credentials, cfg *backend.SIPConfig, override string) (Account, error) {
	if creds.Extension == "" {
		return Account{}, errors.New("credentials have no extension")
	}
	domain := cfg.Domain
	acct := Account{
		Extension: creds.Extension,
		Password:  creds.Password,
		Transport: "UDP",
	}

	if cfg.WSSURL != "" {
		u, err := url.Parse(cfg.WSSURL)
		if err != nil {
			return Account{}, fmt.Errorf("parsing wss url: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "wss":
			acct.Transport = "WSS"
		case "ws":
			acct.Transport = "WS"
		default:
			return Account{}, fmt.Errorf("unsupported wss url scheme %q", u.Scheme)
		}
		acct.Proxy = u.Host
		if domain == "" {
			domain = u.Hostname()
		}
	}
	if override != "" {
		acct.Transport = override
		if override != "WS" && override != "WSS" {
			acct.Proxy = ""
		}
	}
	if domain == "" {
		return Account{}, errors.New("sip config has no domain")
	}
	acct.Domain = domain
	return acct, nil
}

// retry records a failure, waits out the backoff and re-enters
// REGISTERING. It returns false when ctx ends first.
func (m *RegistrationManager) retry(ctx context.Context, b *backoff, reason string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	delay := b.next()
	m.logger.Error("registration failed",
		"reason", reason,
		"error", err,
		"attempt", b.attempt,
		"retry_in", delay.String(),
	)

	now := time.Now()
	regErr := &RegistrationError{Reason: reason, Err: err}
	m.mu.Lock()
	m.status.State = StateFailed
	m.status.LastError = regErr.Error()
	m.status.RetryAttempt = b.attempt
	if m.status.FailedAt == nil {
		m.status.FailedAt = &now
	}
	m.status.RegisteredAt = nil
	m.status.ExpiresAt = nil
	m.lastErr = regErr
	if m.pending != nil {
		m.pending.settle(regErr)
		m.pending = nil
	}
	m.mu.Unlock()
	m.notify()

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	m.mu.Lock()
	m.enterRegisteringLocked()
	m.mu.Unlock()
	m.notify()
	return true
}

func (m *RegistrationManager) enterRegisteringLocked() {
	m.status.State = StateRegistering
	if m.pending == nil {
		m.pending = newPromise()
	}
}

func (m *RegistrationManager) registered(granted int) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(granted) * time.Second)
	m.mu.Lock()
	m.status.State = StateRegistered
	m.status.LastError = ""
	m.status.RetryAttempt = 0
	m.status.FailedAt = nil
	m.status.RegisteredAt = &now
	m.status.ExpiresAt = &expiresAt
	m.lastErr = nil
	if m.pending != nil {
		m.pending.settle(nil)
		m.pending = nil
	}
	m.mu.Unlock()
	m.notify()
}

func (m *RegistrationManager) notify() {
	m.mu.Lock()
	st := m.status
	listeners := m.listeners
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}
