package sip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Register sends a REGISTER for acct with digest auth handling. On success
// it returns the server-granted expiry from the 200 OK, or the requested
// expiry if the server did not include one.
func (u *UA) Register(ctx context.Context, acct Account, expiry int) (int, error) {
	recipientStr := "sip:" + acct.Domain
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	u.route(req, acct)

	// From and To carry the address of record.
	aor := fmt.Sprintf("<sip:%s@%s>", acct.Extension, acct.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(u.contact(acct))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	res, _, err := u.transact(ctx, req, acct)
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry. Check the Contact
	// expires param first, then the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// transact sends req and waits for its final response, answering one
// 401/407 digest challenge. It returns the request that produced the final
// response, which differs from req after a challenge.
func (u *UA) transact(ctx context.Context, req *sip.Request, acct Account) (*sip.Response, *sip.Request, error) {
	build := sipgo.ClientRequestBuild
	if req.Method == sip.REGISTER {
		build = sipgo.ClientRequestRegisterBuild
	}
	tx, err := u.client.TransactionRequest(ctx, req, build)
	if err != nil {
		return nil, nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	res, err := finalResponse(ctx, tx, nil)
	tx.Terminate()
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for %s response: %w", req.Method, err)
	}

	if res.StatusCode != 401 && res.StatusCode != 407 {
		return res, req, nil
	}

	authReq, err := authorize(req, res, acct)
	if err != nil {
		return nil, nil, err
	}
	tx2, err := u.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated %s: %w", req.Method, err)
	}
	res, err = finalResponse(ctx, tx2, nil)
	tx2.Terminate()
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for authenticated %s response: %w", req.Method, err)
	}
	return res, authReq, nil
}

// authorize answers a digest challenge and returns the request to resend.
func authorize(req *sip.Request, challenge *sip.Response, acct Account) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: acct.Extension,
		Password: acct.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// finalResponse waits for the final response of a client transaction,
// passing provisional responses to onProvisional.
func finalResponse(ctx context.Context, tx sip.ClientTransaction, onProvisional func(*sip.Response)) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		}
	}
}

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
