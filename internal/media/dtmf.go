package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PayloadTelephoneEvent is the dynamic payload type commonly negotiated
	// for RFC 4733 telephone-event.
	PayloadTelephoneEvent = 101

	// DTMFRelayContentType is the SIP INFO body type used for digits.
	DTMFRelayContentType = "application/dtmf-relay"
)

// DTMFEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8  // 0-9 digits, 10 = *, 11 = #, 12-15 = A-D
	End      bool   // E bit
	Volume   uint8  // dBm0, 0-63
	Duration uint16 // timestamp units
}

const dtmfPayloadSize = 4

// ParseDTMFEvent parses a telephone-event payload. Returns nil if the
// payload is too short.
func ParseDTMFEvent(payload []byte) *DTMFEvent {
	if len(payload) < dtmfPayloadSize {
		return nil
	}
	return &DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// Marshal encodes the event as a 4-byte payload.
func (e DTMFEvent) Marshal() []byte {
	b := make([]byte, dtmfPayloadSize)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.End {
		b[1] |= 0x80
	}
	b[2] = byte(e.Duration >> 8)
	b[3] = byte(e.Duration)
	return b
}

// DTMFEventName returns the digit for an event code.
func DTMFEventName(event uint8) string {
	switch {
	case event <= 9:
		return string(rune('0' + event))
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event >= 12 && event <= 15:
		return string(rune('A' + event - 12))
	default:
		return "?"
	}
}

// DTMFEventCode is the inverse of DTMFEventName.
func DTMFEventCode(digit rune) (uint8, bool) {
	switch {
	case digit >= '0' && digit <= '9':
		return uint8(digit - '0'), true
	case digit == '*':
		return 10, true
	case digit == '#':
		return 11, true
	case digit >= 'A' && digit <= 'D':
		return uint8(12 + digit - 'A'), true
	case digit >= 'a' && digit <= 'd':
		return uint8(12 + digit - 'a'), true
	}
	return 0, false
}

// ValidDigits reports whether s is non-empty and contains only DTMF digits.
func ValidDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if _, ok := DTMFEventCode(r); !ok {
			return false
		}
	}
	return true
}

// DTMFInfo is a digit carried in a SIP INFO body.
type DTMFInfo struct {
	Signal   string // "0"-"9", "*", "#", "A"-"D"
	Duration int    // milliseconds, 0 if absent
}

// ErrInvalidDTMFInfo is returned when a SIP INFO body is not valid DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// Body renders the info as an application/dtmf-relay body.
func (i DTMFInfo) Body() []byte {
	return []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", i.Signal, i.Duration))
}

// ParseDTMFInfoRelay parses an application/dtmf-relay body:
//
//	Signal=<digit>\r\nDuration=<ms>\r\n
func ParseDTMFInfoRelay(body []byte) (*DTMFInfo, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrInvalidDTMFInfo
	}

	info := &DTMFInfo{}
	found := false
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			sig := strings.ToUpper(strings.TrimSpace(value))
			if len(sig) != 1 || !ValidDigits(sig) {
				return nil, ErrInvalidDTMFInfo
			}
			info.Signal = sig
			found = true
		case "duration":
			if d, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}
	if !found {
		return nil, ErrInvalidDTMFInfo
	}
	return info, nil
}

// ParseSIPInfoDTMF parses a SIP INFO body by content type. Supported types
// are application/dtmf-relay and application/dtmf.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case DTMFRelayContentType:
		return ParseDTMFInfoRelay(body)
	case "application/dtmf":
		sig := strings.ToUpper(strings.TrimSpace(string(body)))
		if len(sig) != 1 || !ValidDigits(sig) {
			return nil, ErrInvalidDTMFInfo
		}
		return &DTMFInfo{Signal: sig}, nil
	default:
		return nil, ErrInvalidDTMFInfo
	}
}
