package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive fields.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"error":     {},
	"reason":    {},
	"client":    {},
	"account":   {},
	"provider":  {},
}

// IsAllowlisted reports whether key may be logged in clear.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that hides value unless key is allowlisted.
// Wallet passphrases, seeds and bearer tokens go through here.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	if len(value) > 8 {
		return slog.String(key, value[:4]+"…"+RedactedValue)
	}
	return slog.String(key, RedactedValue)
}
