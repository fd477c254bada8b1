package sip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/agentphone/internal/backend"
)

type fakeProvisioner struct {
	creds backend.Credentials
	cfg   backend.SIPConfig
	err   error
}

func (p *fakeProvisioner) Credentials(ctx context.Context) (*backend.Credentials, error) {
	if p.err != nil {
		return nil, p.err
	}
	c := p.creds
	return &c, nil
}

func (p *fakeProvisioner) SIPConfig(ctx context.Context) (*backend.SIPConfig, error) {
	c := p.cfg
	return &c, nil
}

type fakeRegistrar struct {
	mu      sync.Mutex
	expiry  []int
	respond func(ctx context.Context, call int, expiry int) (int, error)
	called  chan struct{}
}

func newFakeRegistrar(respond func(ctx context.Context, call int, expiry int) (int, error)) *fakeRegistrar {
	return &fakeRegistrar{respond: respond, called: make(chan struct{}, 16)}
}

func (r *fakeRegistrar) Register(ctx context.Context, acct Account, expiry int) (int, error) {
	r.mu.Lock()
	r.expiry = append(r.expiry, expiry)
	n := len(r.expiry)
	r.mu.Unlock()
	select {
	case r.called <- struct{}{}:
	default:
	}
	return r.respond(ctx, n, expiry)
}

func (r *fakeRegistrar) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.expiry...)
}

func testProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		creds: backend.Credentials{Extension: "1001", Password: "secret"},
		cfg:   backend.SIPConfig{WSSURL: "wss://pbx.example.com:8089/ws", Domain: "pbx.example.com"},
	}
}

func fastBackoff() *backoff {
	return &backoff{baseDelay: 10 * time.Millisecond, maxDelay: 20 * time.Millisecond}
}

func waitStatus(t *testing.T, m *RegistrationManager, want RegistrationState) RegistrationStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := m.Status(); st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", m.Status().State, want)
	return RegistrationStatus{}
}

func TestRegistrationSucceeds(t *testing.T) {
	reg := newFakeRegistrar(func(ctx context.Context, _ int, expiry int) (int, error) {
		return 120, nil
	})
	m := NewRegistrationManager(testProvisioner(), reg, RegistrationOptions{})
	defer m.Teardown(context.Background())

	var mu sync.Mutex
	var seen []RegistrationState
	m.OnChange(func(st RegistrationStatus) {
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	if err := m.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Await(context.Background()); err != nil {
		t.Fatalf("Await: %v", err)
	}

	st := m.Status()
	if st.State != StateRegistered {
		t.Fatalf("state = %q, want registered", st.State)
	}
	if st.Extension != "1001" || st.Domain != "pbx.example.com" || st.Transport != "WSS" {
		t.Errorf("status = %+v", st)
	}
	if st.ExpiresAt == nil || st.ExpiresAt.Sub(*st.RegisteredAt) != 120*time.Second {
		t.Errorf("expires at %v, want registered at + 120s", st.ExpiresAt)
	}
	if m.Extension() != "1001" {
		t.Errorf("Extension() = %q", m.Extension())
	}

	acct, ok := m.Account()
	if !ok {
		t.Fatal("no account after registering")
	}
	if acct.Proxy != "pbx.example.com:8089" {
		t.Errorf("proxy = %q, want pbx.example.com:8089", acct.Proxy)
	}
	if got := reg.calls(); len(got) != 1 || got[0] != DefaultRegisterExpiry {
		t.Errorf("register calls = %v, want [%d]", got, DefaultRegisterExpiry)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StateRegistering || seen[len(seen)-1] != StateRegistered {
		t.Errorf("state changes = %v", seen)
	}
}

func TestAwaitBeforeRegister(t *testing.T) {
	m := NewRegistrationManager(testProvisioner(), newFakeRegistrar(nil), RegistrationOptions{})
	err := m.Await(context.Background())
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Await = %v, want ErrNotRegistered", err)
	}
	if _, ok := m.Account(); ok {
		t.Error("account available before provisioning")
	}
}

func TestAwaitReportsFailure(t *testing.T) {
	reg := newFakeRegistrar(func(ctx context.Context, _ int, _ int) (int, error) {
		return 0, errors.New("register failed with status 403 Forbidden")
	})
	m := NewRegistrationManager(testProvisioner(), reg, RegistrationOptions{})
	m.newBackoff = func() *backoff { return &backoff{baseDelay: time.Hour, maxDelay: time.Hour} }
	defer m.Teardown(context.Background())

	if err := m.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := m.Await(context.Background())
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Await = %v, want *RegistrationError", err)
	}
	if regErr.Reason != "register" {
		t.Errorf("reason = %q, want register", regErr.Reason)
	}

	st := waitStatus(t, m, StateFailed)
	if st.RetryAttempt != 1 || st.FailedAt == nil || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	// A second waiter gets the same failure without blocking.
	if err := m.Await(context.Background()); !errors.As(err, &regErr) {
		t.Errorf("second Await = %v", err)
	}
}

func TestProvisioningFailureRetries(t *testing.T) {
	prov := testProvisioner()
	prov.err = errors.New("backend unavailable")
	m := NewRegistrationManager(prov, newFakeRegistrar(nil), RegistrationOptions{})
	m.newBackoff = func() *backoff { return &backoff{baseDelay: time.Hour, maxDelay: time.Hour} }
	defer m.Teardown(context.Background())

	if err := m.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := m.Await(context.Background())
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Reason != "provisioning" {
		t.Fatalf("Await = %v, want provisioning failure", err)
	}
}

func TestRegistrationRecoversAfterRetry(t *testing.T) {
	reg := newFakeRegistrar(func(ctx context.Context, n int, _ int) (int, error) {
		if n == 1 {
			return 0, errors.New("timeout")
		}
		return 300, nil
	})
	m := NewRegistrationManager(testProvisioner(), reg, RegistrationOptions{})
	m.newBackoff = fastBackoff
	defer m.Teardown(context.Background())

	if err := m.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := waitStatus(t, m, StateRegistered)
	if st.RetryAttempt != 0 || st.FailedAt != nil || st.LastError != "" {
		t.Errorf("failure state not cleared: %+v", st)
	}
	if err := m.Await(context.Background()); err != nil {
		t.Errorf("Await after recovery = %v", err)
	}
}

func TestTeardownRejectsWaiters(t *testing.T) {
	reg := newFakeRegistrar(func(ctx context.Context, _ int, expiry int) (int, error) {
		if expiry == 0 {
			return 0, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})
	m := NewRegistrationManager(testProvisioner(), reg, RegistrationOptions{})
	if err := m.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- m.Await(context.Background()) }()

	select {
	case <-reg.called:
	case <-time.After(2 * time.Second):
		t.Fatal("registrar never called")
	}
	time.Sleep(50 * time.Millisecond)
	m.Teardown(context.Background())

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTornDown) {
			t.Fatalf("Await = %v, want ErrTornDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by teardown")
	}

	if st := m.Status(); st.State != StateUnregistered {
		t.Errorf("state = %q, want unregistered", st.State)
	}
	// Never registered, so no un-REGISTER.
	if got := reg.calls(); len(got) != 1 {
		t.Errorf("register calls = %v", got)
	}
}

func TestTeardownUnregisters(t *testing.T) {
	reg := newFakeRegistrar(func(ctx context.Context, _ int, expiry int) (int, error) {
		return expiry, nil
	})
	m := NewRegistrationManager(testProvisioner(), reg, RegistrationOptions{Expiry: 60})
	if err := m.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Await(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.Teardown(context.Background())
	m.Teardown(context.Background())

	got := reg.calls()
	if len(got) != 2 || got[0] != 60 || got[1] != 0 {
		t.Errorf("register calls = %v, want [60 0]", got)
	}
	if _, ok := m.Account(); ok {
		t.Error("account kept after teardown")
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultRegisterTimeout},
		{-time.Second, DefaultRegisterTimeout},
		{time.Second, 5 * time.Second},
		{7 * time.Second, 7 * time.Second},
		{time.Minute, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := clampTimeout(tt.in); got != tt.want {
			t.Errorf("clampTimeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRefreshInterval(t *testing.T) {
	tests := []struct {
		granted int
		want    time.Duration
	}{
		{300, 240 * time.Second},
		{61, 48800 * time.Millisecond},
		{7, minRefresh},
		{1, minRefresh},
		{0, minRefresh},
	}
	for _, tt := range tests {
		if got := refreshInterval(tt.granted); got != tt.want {
			t.Errorf("refreshInterval(%d) = %v, want %v", tt.granted, got, tt.want)
		}
	}
}

func TestAccountFrom(t *testing.T) {
	creds := &backend.Credentials{Extension: "1001", Password: "pw"}
	tests := []struct {
		name          string
		cfg           backend.SIPConfig
		override      string
		wantTransport string
		wantProxy     string
		wantDomain    string
		wantErr       bool
	}{
		{
			name:          "wss url",
			cfg:           backend.SIPConfig{WSSURL: "wss://edge.example.com/ws", Domain: "pbx.example.com"},
			wantTransport: "WSS",
			wantProxy:     "edge.example.com",
			wantDomain:    "pbx.example.com",
		},
		{
			name:          "ws url supplies domain",
			cfg:           backend.SIPConfig{WSSURL: "ws://10.0.0.5:8088/ws"},
			wantTransport: "WS",
			wantProxy:     "10.0.0.5:8088",
			wantDomain:    "10.0.0.5",
		},
		{
			name:          "no url",
			cfg:           backend.SIPConfig{Domain: "pbx.example.com"},
			wantTransport: "UDP",
			wantDomain:    "pbx.example.com",
		},
		{
			name:          "udp override drops proxy",
			cfg:           backend.SIPConfig{WSSURL: "wss://edge.example.com/ws", Domain: "pbx.example.com"},
			override:      "UDP",
			wantTransport: "UDP",
			wantDomain:    "pbx.example.com",
		},
		{
			name:    "bad scheme",
			cfg:     backend.SIPConfig{WSSURL: "http://edge.example.com", Domain: "pbx.example.com"},
			wantErr: true,
		},
		{
			name:    "no domain",
			cfg:     backend.SIPConfig{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			acct, err := accountFrom(creds, &cfg, tt.override)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", acct)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if acct.Transport != tt.wantTransport || acct.Proxy != tt.wantProxy || acct.Domain != tt.wantDomain {
				t.Errorf("account = %+v", acct)
			}
			if acct.Extension != "1001" || acct.Password != "pw" {
				t.Errorf("credentials not carried: %+v", acct)
			}
		})
	}
}
