package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/media"
)

// ErrNotAnswered is returned for in-dialog operations before a dialog
// exists.
var ErrNotAnswered = errors.New("call is not answered")

// leg is one signaling session with its RTP socket. It implements
// call.Call.
type leg struct {
	ua       *UA
	id       string
	acct     Account
	outbound bool
	logger   *slog.Logger
	onSignal call.SignalFunc

	rtp   *media.RTPConnection
	sdpID uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	invite      *sip.Request
	serverTx    sip.ServerTransaction
	localTo     *sip.ToHeader
	dlg         *dialog
	sdpVersion  uint64
	provisional bool
	answered    bool
	hungUp      bool
	ended       bool
	closed      bool
}

func (u *UA) newLeg(callID string, acct Account, outbound bool, logger *slog.Logger) (*leg, error) {
	rtp, err := media.ListenRTP(net.JoinHostPort(u.cfg.RTPHost, "0"), logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &leg{
		ua:         u,
		id:         callID,
		acct:       acct,
		outbound:   outbound,
		logger:     logger,
		rtp:        rtp,
		sdpID:      rand.Uint64N(1 << 62),
		sdpVersion: 1,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Dial sends an INVITE for destination. A destination without a host is
// dialed at the account's domain.
func (u *UA) Dial(ctx context.Context, destination string, onSignal call.SignalFunc) (call.Call, error) {
	acct, ok := u.account()
	if !ok {
		return nil, ErrNotRegistered
	}

	target := strings.TrimPrefix(destination, "sip:")
	if !strings.Contains(target, "@") {
		target += "@" + acct.Domain
	}
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+target, &recipient); err != nil {
		return nil, fmt.Errorf("parsing destination %q: %w", destination, err)
	}

	callID := sip.GenerateTagN(32)
	l, err := u.newLeg(callID, acct, true, u.logger.With("call_id", callID, "direction", "outbound"))
	if err != nil {
		return nil, fmt.Errorf("opening media: %w", err)
	}
	l.onSignal = onSignal

	body, err := l.localSDP(media.SendRecv)
	if err != nil {
		l.close()
		return nil, err
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	u.route(req, acct)

	from := &sip.FromHeader{
		DisplayName: acct.Extension,
		Address: sip.Uri{
			Scheme: "sip",
			User:   acct.Extension,
			Host:   acct.Domain,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(u.contact(acct))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	// The leg outlives ctx.
	tx, err := u.client.TransactionRequest(l.ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("sending invite: %w", err)
	}
	l.mu.Lock()
	l.invite = req
	l.mu.Unlock()
	u.addLeg(l)

	l.logger.Info("dialing", "destination", recipient.String())
	go l.run(req, tx)
	return l, nil
}

func (l *leg) ID() string { return l.id }

func (l *leg) Connection() media.Connection {
	if l.rtp == nil {
		return nil
	}
	return l.rtp
}

// run follows an outbound INVITE transaction to its final response.
func (l *leg) run(req *sip.Request, tx sip.ClientTransaction) {
	challenged := false
	for {
		res, err := finalResponse(l.ctx, tx, l.handleProvisional)
		tx.Terminate()
		if err != nil {
			l.logger.Warn("invite transaction failed", "error", err)
			l.fail(0, "", call.CauseDialFailed)
			return
		}

		switch {
		case (res.StatusCode == 401 || res.StatusCode == 407) && !challenged:
			challenged = true
			authReq, err := authorize(req, res, l.acct)
			if err != nil {
				l.logger.Warn("invite auth failed", "error", err)
				l.fail(res.StatusCode, res.Reason, "")
				return
			}
			tx, err = l.ua.client.TransactionRequest(l.ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				l.logger.Warn("sending authenticated invite failed", "error", err)
				l.fail(0, "", call.CauseDialFailed)
				return
			}
			req = authReq

			l.mu.Lock()
			l.invite = authReq
			hungUp := l.hungUp
			l.mu.Unlock()
			if hungUp {
				l.sendCancel(authReq)
			}

		case res.StatusCode >= 200 && res.StatusCode < 300:
			l.accepted(req, res)
			return

		default:
			l.logger.Info("call failed", "status", res.StatusCode, "reason", res.Reason)
			l.fail(res.StatusCode, res.Reason, "")
			return
		}
	}
}

func (l *leg) handleProvisional(res *sip.Response) {
	if res.StatusCode == 100 {
		return
	}
	early := res.StatusCode == 183 && len(res.Body()) > 0
	if early {
		if err := l.applyRemoteSDP(res.Body()); err != nil {
			l.logger.Warn("early media sdp unusable", "error", err)
			early = false
		}
	}

	l.mu.Lock()
	l.provisional = true
	hungUp := l.hungUp
	invite := l.invite
	l.mu.Unlock()
	if hungUp {
		// A CANCEL may only follow a provisional response.
		l.sendCancel(invite)
		return
	}
	l.signal(call.Signal{Kind: call.SignalProgress, EarlyMedia: early, StatusCode: res.StatusCode, Reason: res.Reason})
}

// accepted completes an outbound dialog: ACK, then either report the
// answer or, if we already gave up, hang the dialog up.
func (l *leg) accepted(req *sip.Request, res *sip.Response) {
	if len(res.Body()) > 0 {
		if err := l.applyRemoteSDP(res.Body()); err != nil {
			l.logger.Warn("answer sdp unusable", "error", err)
		}
	}

	ack := buildACKFor2xx(req, res)
	if err := l.ua.client.WriteRequest(ack); err != nil {
		l.logger.Error("failed to send ack", "error", err)
	}

	l.mu.Lock()
	l.dlg = newOutboundDialog(req, res)
	l.answered = true
	hungUp := l.hungUp
	l.mu.Unlock()

	if hungUp {
		l.logger.Info("answer crossed hangup, sending bye")
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()
		if err := l.bye(ctx); err != nil {
			l.logger.Warn("bye after late answer failed", "error", err)
		}
		l.close()
		return
	}

	l.logger.Info("call answered", "status", res.StatusCode)
	l.signal(call.Signal{Kind: call.SignalAccepted, StatusCode: res.StatusCode})
}

func (l *leg) fail(code int, reason, cause string) {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return
	}
	l.ended = true
	l.mu.Unlock()
	l.signal(call.Signal{Kind: call.SignalFailed, StatusCode: code, Reason: reason, Cause: cause})
	l.close()
}

// remoteEnded reports a BYE from the far end.
func (l *leg) remoteEnded(cause string) {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return
	}
	l.ended = true
	l.mu.Unlock()
	l.signal(call.Signal{Kind: call.SignalEnded, Cause: cause})
	l.close()
}

// canceled ends an inbound call that the caller gave up on.
func (l *leg) canceled() {
	l.mu.Lock()
	if l.answered || l.ended {
		l.mu.Unlock()
		return
	}
	tx := l.serverTx
	l.mu.Unlock()

	if tx != nil {
		if err := tx.Respond(l.response(487, "Request Terminated", nil)); err != nil {
			l.logger.Debug("failed to send 487", "error", err)
		}
	}
	l.remoteEnded(call.CauseCanceled)
}

// watchServerTx ends a ringing inbound call whose transaction dies without
// an answer.
func (l *leg) watchServerTx() {
	l.mu.Lock()
	tx := l.serverTx
	l.mu.Unlock()
	if tx == nil {
		return
	}
	select {
	case <-tx.Done():
	case <-l.ctx.Done():
		return
	}
	l.mu.Lock()
	answered := l.answered
	l.mu.Unlock()
	if !answered {
		l.remoteEnded(call.CauseCanceled)
	}
}

func (l *leg) signal(s call.Signal) {
	if l.onSignal != nil {
		l.onSignal(s)
	}
}

// Answer accepts a ringing inbound call.
func (l *leg) Answer(ctx context.Context) error {
	l.mu.Lock()
	if l.outbound || l.answered || l.ended || l.hungUp {
		l.mu.Unlock()
		return call.ErrNotRinging
	}
	tx, invite := l.serverTx, l.invite
	l.mu.Unlock()

	body, err := l.localSDP(media.SendRecv)
	if err != nil {
		return err
	}
	res := l.response(200, "OK", body)
	res.AppendHeader(l.ua.contact(l.acct))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	l.mu.Lock()
	l.answered = true
	l.dlg = newInboundDialog(invite, res)
	l.mu.Unlock()
	l.logger.Info("call answered locally")
	return nil
}

// Hangup cancels, declines or ends the call depending on how far it got.
func (l *leg) Hangup(ctx context.Context) error {
	l.mu.Lock()
	if l.hungUp || l.ended {
		l.mu.Unlock()
		return nil
	}
	l.hungUp = true
	answered, provisional := l.answered, l.provisional
	invite, tx := l.invite, l.serverTx
	l.mu.Unlock()

	switch {
	case answered:
		err := l.bye(ctx)
		l.mu.Lock()
		l.ended = true
		l.mu.Unlock()
		l.close()
		return err
	case l.outbound:
		// Without a provisional response the CANCEL is sent once one
		// arrives; the run loop owns the rest.
		if provisional && invite != nil {
			l.sendCancel(invite)
		}
		return nil
	default:
		l.reject(603, "Decline")
		return nil
	}
}

// reject answers an inbound INVITE with a final error response.
func (l *leg) reject(code int, reason string) {
	l.mu.Lock()
	tx := l.serverTx
	l.ended = true
	l.mu.Unlock()
	if tx != nil {
		if err := tx.Respond(l.response(code, reason, nil)); err != nil {
			l.logger.Debug("failed to reject call", "status", code, "error", err)
		}
	}
	l.close()
}

func (l *leg) sendCancel(invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	tx, err := l.ua.client.TransactionRequest(ctx, buildCANCEL(invite))
	if err != nil {
		l.logger.Warn("sending cancel failed", "error", err)
		return
	}
	defer tx.Terminate()
	if _, err := finalResponse(ctx, tx, nil); err != nil {
		l.logger.Debug("no response to cancel", "error", err)
	}
}

func (l *leg) bye(ctx context.Context) error {
	res, err := l.inDialog(ctx, sip.BYE, nil, "", nil)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 && res.StatusCode != 481 {
		return fmt.Errorf("bye rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Hold sends a re-INVITE putting the far end on or off hold.
func (l *leg) Hold(ctx context.Context, on bool) error {
	dir := media.SendRecv
	if on {
		dir = media.SendOnly
	}
	l.mu.Lock()
	l.sdpVersion++
	l.mu.Unlock()
	body, err := l.localSDP(dir)
	if err != nil {
		return err
	}

	res, err := l.inDialog(ctx, sip.INVITE, body, "application/sdp", nil)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("re-invite rejected: %d %s", res.StatusCode, res.Reason)
	}
	if len(res.Body()) > 0 {
		if err := l.applyRemoteSDP(res.Body()); err != nil {
			l.logger.Warn("re-invite answer unusable", "error", err)
		}
	}
	l.logger.Info("hold updated", "hold", on)
	return nil
}

// SendDTMF plays digits over RTP telephone-events, or as SIP INFO when no
// RTP peer is known.
func (l *leg) SendDTMF(ctx context.Context, digits string, tone, gap time.Duration) error {
	if !media.ValidDigits(digits) {
		return call.ErrInvalidDigits
	}
	for i, d := range digits {
		if i > 0 && gap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gap):
			}
		}
		if l.hasRemoteMedia() {
			if err := l.rtp.SendDigit(ctx, d, tone); err != nil {
				return fmt.Errorf("sending digit %q: %w", d, err)
			}
			continue
		}
		info := media.DTMFInfo{Signal: string(d), Duration: int(tone / time.Millisecond)}
		res, err := l.inDialog(ctx, sip.INFO, info.Body(), media.DTMFRelayContentType, nil)
		if err != nil {
			return err
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("info rejected: %d %s", res.StatusCode, res.Reason)
		}
	}
	return nil
}

// Refer asks the far end to call extension at the account's domain.
func (l *leg) Refer(ctx context.Context, extension string) error {
	target := fmt.Sprintf("<sip:%s@%s>", extension, l.acct.Domain)
	referredBy := fmt.Sprintf("<sip:%s@%s>", l.acct.Extension, l.acct.Domain)
	res, err := l.inDialog(ctx, sip.REFER, nil, "", []sip.Header{
		sip.NewHeader("Refer-To", target),
		sip.NewHeader("Referred-By", referredBy),
	})
	if err != nil {
		return err
	}
	if res.StatusCode != 202 && res.StatusCode != 200 {
		return fmt.Errorf("refer rejected: %d %s", res.StatusCode, res.Reason)
	}
	l.logger.Info("refer accepted", "target", extension)
	return nil
}

// inDialog sends an in-dialog request and waits for its final response.
// A 2xx to a re-INVITE is acknowledged.
func (l *leg) inDialog(ctx context.Context, method sip.RequestMethod, body []byte, contentType string, extra []sip.Header) (*sip.Response, error) {
	l.mu.Lock()
	dlg := l.dlg
	l.mu.Unlock()
	if dlg == nil {
		return nil, ErrNotAnswered
	}

	var contact sip.Header
	if method == sip.INVITE || method == sip.REFER {
		contact = l.ua.contact(l.acct)
	}
	req := dlg.newRequest(method, contact)
	for _, h := range extra {
		req.AppendHeader(h)
	}
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody(body)
	}

	res, sent, err := l.ua.transact(ctx, req, l.acct)
	if err != nil {
		return nil, err
	}
	dlg.observe(sent)

	if method == sip.INVITE && res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := l.ua.client.WriteRequest(buildACKFor2xx(sent, res)); err != nil {
			l.logger.Warn("failed to ack re-invite", "error", err)
		}
	}
	return res, nil
}

// handleReinvite answers a re-INVITE from the far end with our current
// description.
func (l *leg) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	if len(req.Body()) > 0 {
		if err := l.applyRemoteSDP(req.Body()); err != nil {
			l.ua.respond(req, tx, 488, "Not Acceptable Here")
			return
		}
	}
	l.mu.Lock()
	l.sdpVersion++
	l.mu.Unlock()
	body, err := l.localSDP(media.SendRecv)
	if err != nil {
		l.ua.respond(req, tx, 500, "Server Internal Error")
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(l.ua.contact(l.acct))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to answer re-invite", "error", err)
	}
}

// response builds a response to the inbound INVITE. Every response of the
// leg carries the same local To tag.
func (l *leg) response(code int, reason string, body []byte) *sip.Response {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := sip.NewResponseFromRequest(l.invite, code, reason, body)
	if code == 100 {
		return res
	}
	if l.localTo == nil {
		to := res.To()
		if to == nil {
			return res
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
		l.localTo = to
		return res
	}
	res.RemoveHeader("To")
	res.AppendHeader(sip.HeaderClone(l.localTo))
	return res
}

func (l *leg) localSDP(dir media.Direction) ([]byte, error) {
	l.mu.Lock()
	version := l.sdpVersion
	l.mu.Unlock()
	body, err := media.BuildSDP(media.LocalDescription{
		Addr:      l.ua.host,
		Port:      l.rtp.LocalPort(),
		SessionID: l.sdpID,
		Version:   version,
		Direction: dir,
	})
	if err != nil {
		return nil, fmt.Errorf("building sdp: %w", err)
	}
	return body, nil
}

func (l *leg) applyRemoteSDP(body []byte) error {
	remote, err := media.ParseSDP(body)
	if err != nil {
		return err
	}
	addr, err := remote.UDPAddr()
	if err != nil {
		return fmt.Errorf("resolving remote rtp address: %w", err)
	}
	l.rtp.SetRemote(addr, remote.PayloadType, remote.DTMFPayloadType)
	return nil
}

func (l *leg) hasRemoteMedia() bool {
	return l.rtp != nil && l.rtp.Remote() != nil
}

// close releases the leg's socket and forgets it. Safe to call repeatedly.
func (l *leg) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	if l.rtp != nil {
		if err := l.rtp.Close(); err != nil {
			l.logger.Debug("closing rtp failed", "error", err)
		}
	}
	l.ua.removeLeg(l.id)
}
