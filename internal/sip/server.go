package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/media"
)

// Config configures the agent's SIP user agent.
type Config struct {
	// ListenAddr is where the UA receives requests, e.g. "0.0.0.0:5060".
	ListenAddr string
	// ListenTransport is "udp" or "tcp".
	ListenTransport string
	// PublicHost is advertised in Contact headers and SDP. Defaults to the
	// UA hostname.
	PublicHost string
	// RTPHost is the address RTP sockets bind to.
	RTPHost   string
	UserAgent string
	Logger    *slog.Logger
}

// AccountSource supplies the registered account for outbound requests.
type AccountSource interface {
	Account() (Account, bool)
}

// IncomingFunc is the handler installed with OnIncoming.
type IncomingFunc func(c call.Call, from string) (call.SignalFunc, bool)

// UA is the agent's SIP endpoint: it registers, dials, receives calls and
// answers in-dialog requests.
type UA struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	host string
	port int

	mu       sync.Mutex
	accounts AccountSource
	incoming IncomingFunc
	legs     map[string]*leg

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUA creates the SIP stack with all handlers registered. Call Start to
// begin listening.
func NewUA(cfg Config) (*UA, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sip")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5060"
	}
	if cfg.ListenTransport == "" {
		cfg.ListenTransport = "udp"
	}
	if cfg.RTPHost == "" {
		cfg.RTPHost = "0.0.0.0"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "AgentPhone"
	}

	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip listen port: %w", err)
	}

	opts := []sipgo.UserAgentOption{sipgo.WithUserAgent(cfg.UserAgent)}
	if cfg.PublicHost != "" {
		opts = append(opts, sipgo.WithUserAgentHostname(cfg.PublicHost))
	}
	ua, err := sipgo.NewUA(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	host := cfg.PublicHost
	if host == "" {
		host = ua.Hostname()
	}

	u := &UA{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		logger: logger,
		host:   host,
		port:   port,
		legs:   make(map[string]*leg),
	}
	u.registerHandlers()
	return u, nil
}

// SetAccounts installs the source of the registered account. It must be
// called before Dial.
func (u *UA) SetAccounts(src AccountSource) {
	u.mu.Lock()
	u.accounts = src
	u.mu.Unlock()
}

// OnIncoming installs the handler for inbound offers.
func (u *UA) OnIncoming(fn func(c call.Call, from string) (call.SignalFunc, bool)) {
	u.mu.Lock()
	u.incoming = fn
	u.mu.Unlock()
}

func (u *UA) registerHandlers() {
	u.srv.OnInvite(u.handleInvite)
	u.srv.OnAck(u.handleACK)
	u.srv.OnBye(u.handleBye)
	u.srv.OnCancel(u.handleCancel)
	u.srv.OnOptions(u.handleOptions)
	u.srv.OnInfo(u.handleInfo)
	u.srv.OnNotify(u.handleNotify)
}

// Start begins listening. It returns immediately; the listener runs until
// ctx is cancelled or Close is called.
func (u *UA) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.logger.Info("sip listener starting", "transport", u.cfg.ListenTransport, "addr", u.cfg.ListenAddr)
		if err := u.srv.ListenAndServe(ctx, u.cfg.ListenTransport, u.cfg.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
			u.logger.Error("sip listener stopped", "error", err)
		}
	}()
}

// Close hangs up every leg, stops the listener and releases the stack.
func (u *UA) Close() {
	u.logger.Info("stopping sip user agent")
	u.mu.Lock()
	legs := make([]*leg, 0, len(u.legs))
	for _, l := range u.legs {
		legs = append(legs, l)
	}
	u.mu.Unlock()

	for _, l := range legs {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		if err := l.Hangup(ctx); err != nil {
			u.logger.Debug("hangup on close failed", "call_id", l.id, "error", err)
		}
		cancel()
		l.close()
	}

	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
	u.client.Close()
	u.srv.Close()
	u.ua.Close()
	u.logger.Info("sip user agent stopped")
}

// route sets the transport and, when the account goes through a proxy,
// the next hop of req.
func (u *UA) route(req *sip.Request, acct Account) {
	if acct.Transport != "" {
		req.SetTransport(acct.Transport)
	}
	if acct.Proxy != "" {
		req.SetDestination(acct.Proxy)
	}
}

// contact is the Contact header advertising this UA for acct.
func (u *UA) contact(acct Account) *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   acct.Extension,
			Host:   u.host,
			Port:   u.port,
		},
	}
}

func (u *UA) account() (Account, bool) {
	u.mu.Lock()
	src := u.accounts
	u.mu.Unlock()
	if src == nil {
		return Account{}, false
	}
	return src.Account()
}

func (u *UA) addLeg(l *leg) {
	u.mu.Lock()
	u.legs[l.id] = l
	u.mu.Unlock()
}

func (u *UA) removeLeg(id string) {
	u.mu.Lock()
	delete(u.legs, id)
	u.mu.Unlock()
}

func (u *UA) lookup(req *sip.Request) *leg {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.legs[cid.Value()]
}

// handleInvite accepts a new inbound offer or a re-INVITE on an existing
// dialog.
func (u *UA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if l := u.lookup(req); l != nil {
		l.handleReinvite(req, tx)
		return
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.User
	}
	logger := u.logger.With("call_id", callID, "direction", "inbound")

	acct, ok := u.account()
	if !ok {
		logger.Warn("rejecting inbound call while unregistered", "from", from)
		u.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	u.mu.Lock()
	incoming := u.incoming
	u.mu.Unlock()
	if incoming == nil {
		u.respond(req, tx, 486, "Busy Here")
		return
	}

	l, err := u.newLeg(callID, acct, false, logger)
	if err != nil {
		logger.Error("opening media for inbound call failed", "error", err)
		u.respond(req, tx, 500, "Server Internal Error")
		return
	}
	l.invite = req
	l.serverTx = tx
	if len(req.Body()) > 0 {
		if err := l.applyRemoteSDP(req.Body()); err != nil {
			logger.Warn("inbound offer has no usable audio", "error", err)
			l.close()
			u.respond(req, tx, 488, "Not Acceptable Here")
			return
		}
	}

	u.addLeg(l)
	onSignal, accept := incoming(l, from)
	if !accept {
		logger.Info("rejecting inbound call, session active", "from", from)
		l.reject(486, "Busy Here")
		return
	}
	l.onSignal = onSignal

	logger.Info("inbound call ringing", "from", from)
	if err := tx.Respond(l.response(180, "Ringing", nil)); err != nil {
		logger.Error("failed to send ringing", "error", err)
	}
	go l.watchServerTx()
}

// handleACK completes an inbound dialog. A late offer is answered in the
// ACK body.
func (u *UA) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	l := u.lookup(req)
	if l == nil {
		return
	}
	l.logger.Debug("sip ack received", "source", req.Source())
	if len(req.Body()) > 0 {
		if err := l.applyRemoteSDP(req.Body()); err != nil {
			l.logger.Warn("ack carried unusable sdp", "error", err)
		}
	}
}

func (u *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	l := u.lookup(req)
	if l == nil {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	u.respond(req, tx, 200, "OK")
	l.logger.Info("remote hangup")
	l.remoteEnded(call.CauseRemoteHangup)
}

// handleCancel stops an inbound call that is still ringing.
func (u *UA) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	l := u.lookup(req)
	if l == nil {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	u.respond(req, tx, 200, "OK")
	l.logger.Info("caller canceled")
	l.canceled()
}

func (u *UA) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY"))
	if err := tx.Respond(res); err != nil {
		u.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo accepts in-dialog INFO. DTMF received this way is logged.
func (u *UA) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	l := u.lookup(req)
	if l == nil {
		u.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if ct := req.ContentType(); ct != nil {
		if info, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body()); err == nil {
			l.logger.Info("sip info dtmf received", "signal", info.Signal, "duration", info.Duration)
		}
	}
	u.respond(req, tx, 200, "OK")
}

// handleNotify accepts REFER progress reports.
func (u *UA) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	if l := u.lookup(req); l != nil {
		l.logger.Info("transfer progress", "sipfrag", string(req.Body()))
	}
	u.respond(req, tx, 200, "OK")
}

func (u *UA) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		u.logger.Error("failed to send response", "method", req.Method.String(), "status", code, "error", err)
	}
}
