package sip

import (
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
)

func TestBackoffDelays(t *testing.T) {
	b := newBackoff()

	// 5s doubling per attempt, capped at 5m, each within ±20%.
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, base := range want {
		d := b.next()
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)
		if d < low || d > high {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i, d, low, high)
		}
	}
	if b.attempt != len(want) {
		t.Errorf("attempt = %d, want %d", b.attempt, len(want))
	}

	b.reset()
	if d := b.next(); d < 4*time.Second || d > 6*time.Second {
		t.Errorf("after reset: delay %v, want about 5s", d)
	}
}

func TestBackoffJitter(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[newBackoff().next()] = true
	}
	if len(seen) < 2 {
		t.Errorf("20 first delays produced %d distinct values", len(seen))
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"<sip:1001@10.0.0.2:5060>;expires=3600", 3600},
		{"<sip:1001@10.0.0.2>;Expires=120", 120},
		{"<sip:1001@10.0.0.2>;expires=60;q=0.5", 60},
		{"<sip:1001@10.0.0.2>;expires=0", 0},
		{"<sip:1001@10.0.0.2>", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseContactExpires(tt.input); got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseExpiresHeader(t *testing.T) {
	for input, want := range map[string]int{"300": 300, " 90 ": 90, "": 0, "never": 0} {
		if got := parseExpiresHeader(input); got != want {
			t.Errorf("parseExpiresHeader(%q) = %d, want %d", input, got, want)
		}
	}
}

func registerRequest(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:pbx.example.com", &uri); err != nil {
		t.Fatal(err)
	}
	req := sip.NewRequest(sip.REGISTER, uri)
	aor := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "1001", Host: "pbx.example.com"}}
	aor.Params.Add("tag", "reg-tag")
	req.AppendHeader(aor)
	req.AppendHeader(&sip.ToHeader{Address: aor.Address})
	cid := sip.CallIDHeader("reg-call")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	return req
}

func TestAuthorize(t *testing.T) {
	acct := Account{Extension: "1001", Password: "secret", Domain: "pbx.example.com"}

	tests := []struct {
		name   string
		status int
		header string
		want   string
	}{
		{"registrar challenge", 401, "WWW-Authenticate", "Authorization"},
		{"proxy challenge", 407, "Proxy-Authenticate", "Proxy-Authorization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := registerRequest(t)
			challenge := sip.NewResponseFromRequest(req, tt.status, "Unauthorized", nil)
			challenge.AppendHeader(sip.NewHeader(tt.header, `Digest realm="pbx", nonce="4b1f2a", algorithm=MD5`))

			authReq, err := authorize(req, challenge, acct)
			if err != nil {
				t.Fatal(err)
			}
			h := authReq.GetHeader(tt.want)
			if h == nil {
				t.Fatalf("no %s header", tt.want)
			}
			v := h.Value()
			for _, part := range []string{`username="1001"`, `realm="pbx"`, `nonce="4b1f2a"`, `uri="sip:pbx.example.com"`} {
				if !strings.Contains(v, part) {
					t.Errorf("%s = %q, missing %s", tt.want, v, part)
				}
			}
			if req.GetHeader(tt.want) != nil {
				t.Error("original request was modified")
			}
		})
	}
}

func TestAuthorizeWithoutChallengeHeader(t *testing.T) {
	req := registerRequest(t)
	challenge := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	if _, err := authorize(req, challenge, Account{Extension: "1001"}); err == nil {
		t.Fatal("expected error for 401 without WWW-Authenticate")
	}
}

func TestContactHeader(t *testing.T) {
	u := &UA{host: "192.0.2.10", port: 5062}
	c := u.contact(Account{Extension: "1001"})
	if c.Address.User != "1001" || c.Address.Host != "192.0.2.10" || c.Address.Port != 5062 {
		t.Errorf("contact = %s", c.Value())
	}
}
