// Package phonenumber normalizes dialed destinations and derives the
// region/country metadata attached to call records.
package phonenumber

import (
	"errors"
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// ErrEmpty is returned for a blank destination.
var ErrEmpty = errors.New("phone number is empty")

// Number is a parsed destination.
type Number struct {
	Raw string
	// E164 is the normalized dial string. For extensions and SIP users it
	// is the raw value with whitespace removed.
	E164 string
	// Region is the ISO 3166-1 alpha-2 region, e.g. "US".
	Region string
	// Country is the calling code, e.g. "1".
	Country string

	IsExtension bool
	IsSIPUser   bool
}

// maxExtensionLen bounds what is treated as an internal extension rather
// than a public number.
const maxExtensionLen = 6

// Parse normalizes raw using defaultRegion for numbers without a country
// prefix. Short digit strings are treated as PBX extensions and sip: URIs
// are passed through.
func Parse(raw, defaultRegion string) (Number, error) {
	n := Number{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return n, ErrEmpty
	}

	if strings.HasPrefix(strings.ToLower(s), "sip:") {
		n.IsSIPUser = true
		n.E164 = s[4:]
		return n, nil
	}

	compact := Compact(s)
	if compact != "" && len(compact) <= maxExtensionLen && !strings.HasPrefix(compact, "+") {
		n.IsExtension = true
		n.E164 = compact
		return n, nil
	}
	if strings.HasPrefix(compact, "00") {
		compact = "+" + compact[2:]
	}

	num, err := libphonenumber.Parse(compact, strings.ToUpper(defaultRegion))
	if err != nil {
		return n, err
	}
	n.E164 = libphonenumber.Format(num, libphonenumber.E164)
	n.Country = strconv.Itoa(int(num.GetCountryCode()))
	n.Region = libphonenumber.GetRegionCodeForNumber(num)
	return n, nil
}

// Compact strips formatting characters, keeping digits, a leading '+',
// and the DTMF symbols '*' and '#'.
func Compact(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Digits returns only the decimal digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LooksDialable reports whether s has between 7 and 15 digits once
// formatting is removed, the heuristic used when importing prospect lists.
func LooksDialable(s string) bool {
	c := Compact(s)
	if c == "" || strings.ContainsAny(c, "*#") {
		return false
	}
	d := Digits(c)
	return len(d) >= 7 && len(d) <= 15
}
