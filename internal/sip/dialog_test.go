package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

// inviteExchange builds an INVITE from 1001 to 2000 and a 2xx carrying the
// callee's tag and Contact.
func inviteExchange(t *testing.T) (*sip.Request, *sip.Response) {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:2000@pbx.example.com", &uri); err != nil {
		t.Fatal(err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "1001", Host: "pbx.example.com"}}
	from.Params.Add("tag", "caller-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri})
	cid := sip.CallIDHeader("call-1")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "1001", Host: "192.0.2.10", Port: 5060}})
	req.SetTransport("UDP")
	req.SetDestination("pbx.example.com:5060")

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	to := &sip.ToHeader{Address: uri}
	to.Params.Add("tag", "callee-tag")
	res.RemoveHeader("To")
	res.AppendHeader(to)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "2000", Host: "192.0.2.20", Port: 5070}})
	return req, res
}

func tag(t *testing.T, params sip.HeaderParams) string {
	t.Helper()
	v, ok := params.Get("tag")
	if !ok {
		t.Fatal("missing tag")
	}
	return v
}

func TestOutboundDialogRequests(t *testing.T) {
	invite, res := inviteExchange(t)
	d := newOutboundDialog(invite, res)

	bye := d.newRequest(sip.BYE, nil)
	if bye.Recipient.Host != "192.0.2.20" || bye.Recipient.Port != 5070 {
		t.Errorf("request uri = %s, want the callee contact", bye.Recipient.String())
	}
	if got := tag(t, bye.From().Params); got != "caller-tag" {
		t.Errorf("from tag = %q", got)
	}
	if got := tag(t, bye.To().Params); got != "callee-tag" {
		t.Errorf("to tag = %q", got)
	}
	if bye.CallID().Value() != "call-1" {
		t.Errorf("call-id = %q", bye.CallID().Value())
	}
	if cseq := bye.CSeq(); cseq.SeqNo != 2 || cseq.MethodName != sip.BYE {
		t.Errorf("cseq = %d %s, want 2 BYE", cseq.SeqNo, cseq.MethodName)
	}
	if bye.Destination() != "pbx.example.com:5060" {
		t.Errorf("destination = %q", bye.Destination())
	}

	info := d.newRequest(sip.INFO, nil)
	if info.CSeq().SeqNo != 3 {
		t.Errorf("second request cseq = %d, want 3", info.CSeq().SeqNo)
	}
}

func TestInboundDialogSwapsParties(t *testing.T) {
	invite, res := inviteExchange(t)
	d := newInboundDialog(invite, res)

	bye := d.newRequest(sip.BYE, nil)
	if bye.Recipient.Host != "192.0.2.10" {
		t.Errorf("request uri = %s, want the caller contact", bye.Recipient.String())
	}
	if got := tag(t, bye.From().Params); got != "callee-tag" {
		t.Errorf("from tag = %q, want our tag", got)
	}
	if got := tag(t, bye.To().Params); got != "caller-tag" {
		t.Errorf("to tag = %q, want the caller tag", got)
	}
	if bye.From().Address.User != "2000" || bye.To().Address.User != "1001" {
		t.Errorf("from %s to %s", bye.From().Value(), bye.To().Value())
	}
	if bye.CSeq().SeqNo != 1 {
		t.Errorf("cseq = %d, want 1", bye.CSeq().SeqNo)
	}
}

func TestDialogObserveAdvancesCSeq(t *testing.T) {
	invite, res := inviteExchange(t)
	d := newOutboundDialog(invite, res)

	sent := d.newRequest(sip.INVITE, nil)
	sent.CSeq().SeqNo = 10
	d.observe(sent)
	if next := d.newRequest(sip.BYE, nil); next.CSeq().SeqNo != 11 {
		t.Errorf("cseq after observe = %d, want 11", next.CSeq().SeqNo)
	}

	old := d.newRequest(sip.INFO, nil)
	old.CSeq().SeqNo = 4
	d.observe(old)
	if next := d.newRequest(sip.BYE, nil); next.CSeq().SeqNo != 13 {
		t.Errorf("cseq went backwards: %d", next.CSeq().SeqNo)
	}
}

func TestBuildACKFor2xx(t *testing.T) {
	invite, res := inviteExchange(t)
	ack := buildACKFor2xx(invite, res)

	if ack.Method != sip.ACK {
		t.Fatalf("method = %s", ack.Method)
	}
	if ack.Recipient.Host != "192.0.2.20" {
		t.Errorf("ack sent to %s, want the 2xx contact", ack.Recipient.String())
	}
	if cseq := ack.CSeq(); cseq.SeqNo != 1 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %d %s, want 1 ACK", cseq.SeqNo, cseq.MethodName)
	}
	if got := tag(t, ack.To().Params); got != "callee-tag" {
		t.Errorf("to tag = %q", got)
	}
	// The INVITE keeps its own CSeq method.
	if invite.CSeq().MethodName != sip.INVITE {
		t.Error("building the ack modified the invite")
	}
}

func TestBuildCANCEL(t *testing.T) {
	invite, _ := inviteExchange(t)
	cancel := buildCANCEL(invite)

	if cancel.Method != sip.CANCEL {
		t.Fatalf("method = %s", cancel.Method)
	}
	if cancel.Recipient.String() != invite.Recipient.String() {
		t.Errorf("request uri = %s, want %s", cancel.Recipient.String(), invite.Recipient.String())
	}
	if cseq := cancel.CSeq(); cseq.SeqNo != 1 || cseq.MethodName != sip.CANCEL {
		t.Errorf("cseq = %d %s, want 1 CANCEL", cseq.SeqNo, cseq.MethodName)
	}
	if cancel.CallID().Value() != "call-1" {
		t.Errorf("call-id = %q", cancel.CallID().Value())
	}
	if cancel.Destination() != "pbx.example.com:5060" {
		t.Errorf("destination = %q", cancel.Destination())
	}
}
