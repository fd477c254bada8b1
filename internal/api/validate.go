package api

import (
	"regexp"
	"time"
	"unicode/utf8"
)

const (
	// maxDestinationLen bounds dialed numbers and SIP URIs.
	maxDestinationLen = 256
	maxCampaignLen    = 200
	maxRemarkLen      = 2000
	maxDigitsLen      = 64
)

// extensionRe validates transfer targets: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

// pinRe validates login PINs: digits only, 4-20 chars.
var pinRe = regexp.MustCompile(`^\d{4,20}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

func validateExtension(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !extensionRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

func validatePIN(field, value string) string {
	if !pinRe.MatchString(value) {
		return field + " must be 4-20 digits"
	}
	return ""
}

// validateDate accepts RFC 3339 timestamps and YYYY-MM-DD dates.
func validateDate(field, value string) string {
	if value == "" {
		return ""
	}
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return ""
	}
	if _, err := time.Parse(time.DateOnly, value); err == nil {
		return ""
	}
	return field + " must be RFC 3339 or YYYY-MM-DD"
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// firstError returns the first non-empty validation message.
func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
