package sip

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// dialog holds what is needed to build in-dialog requests (BYE, re-INVITE,
// INFO, REFER) once a call is established.
type dialog struct {
	callID   string
	outbound bool

	// invite is the INVITE as sent (outbound) or received (inbound).
	invite *sip.Request
	// response is the 2xx received (outbound) or sent (inbound).
	response *sip.Response

	transport   string
	destination string

	mu   sync.Mutex
	cseq uint32
}

func newOutboundDialog(invite *sip.Request, res *sip.Response) *dialog {
	d := &dialog{
		outbound:  true,
		invite:    invite,
		response:  res,
		transport: invite.Transport(),
	}
	if cid := invite.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	// In-dialog requests follow the INVITE's next hop when it went through
	// a proxy; otherwise they go to the remote target.
	d.destination = invite.Destination()
	return d
}

func newInboundDialog(invite *sip.Request, res *sip.Response) *dialog {
	d := &dialog{
		invite:      invite,
		response:    res,
		transport:   invite.Transport(),
		destination: invite.Source(),
	}
	if cid := invite.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	return d
}

// remoteTarget is the Request-URI for in-dialog requests: the Contact of
// the far end.
func (d *dialog) remoteTarget() sip.Uri {
	var contact *sip.ContactHeader
	if d.outbound {
		contact = d.response.Contact()
	} else {
		contact = d.invite.Contact()
	}
	if contact != nil {
		uri := contact.Address.Clone()
		return *uri
	}
	if d.outbound {
		return d.invite.Recipient
	}
	return d.invite.From().Address
}

// newRequest builds an in-dialog request with the next local CSeq.
func (d *dialog) newRequest(method sip.RequestMethod, contact sip.Header) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget())

	if d.outbound {
		// From is ours with our tag, To is theirs with the tag from the 2xx.
		if h := d.invite.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if h := d.response.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	} else {
		// Swapped: From is the To of our 2xx, To is the caller's From.
		if to := d.response.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params,
			})
		}
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params,
			})
		}
	}

	if h := d.invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.nextCSeq(),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if contact != nil {
		req.AppendHeader(contact)
	}

	req.SetTransport(d.transport)
	if d.destination != "" {
		req.SetDestination(d.destination)
	}
	return req
}

func (d *dialog) nextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cseq++
	return d.cseq
}

// observe advances the local CSeq past a request that was resent with a
// higher sequence number after a digest challenge.
func (d *dialog) observe(req *sip.Request) {
	cseq := req.CSeq()
	if cseq == nil {
		return
	}
	d.mu.Lock()
	if cseq.SeqNo > d.cseq {
		d.cseq = cseq.SeqNo
	}
	d.mu.Unlock()
}

// buildACKFor2xx builds the ACK for a 2xx response to an INVITE. The ACK
// is sent outside the INVITE transaction to the remote target.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	if dst := inviteReq.Destination(); dst != "" {
		ack.SetDestination(dst)
	}
	return ack
}

// buildCANCEL builds a CANCEL for a pending INVITE. It shares the INVITE's
// Via, From, To, Call-ID and CSeq number.
func buildCANCEL(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, cancelReq)
	}
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	cancelReq.SetTransport(invite.Transport())
	if dst := invite.Destination(); dst != "" {
		cancelReq.SetDestination(dst)
	}
	return cancelReq
}
