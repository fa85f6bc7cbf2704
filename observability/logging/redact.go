package logging

import (
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// RedactedValue replaces masked field values.
const RedactedValue = "[REDACTED]"

// Wallet addresses, codes and transaction hashes are public on chain and stay
// readable. Everything else passed through MaskField is masked.
var publicKeys = map[string]struct{}{
	"component": {},
	"env":       {},
	"error":     {},
	"reason":    {},
	"service":   {},
	"wallet":    {},
	"referrer":  {},
	"code":      {},
	"tx_hash":   {},
	"status":    {},
	"kind":      {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := publicKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist lists the public keys in sorted order.
func RedactionAllowlist() []string {
	return slices.Sorted(maps.Keys(publicKeys))
}

// MaskField logs value under key, masked unless key is public. Empty values
// are kept so absence stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Truncated keeps the first n characters of value, for identifiers such as IP
// hashes that are useful to correlate but not to print whole.
func Truncated(key, value string, n int) slog.Attr {
	if n <= 0 || len(value) <= n {
		return slog.String(key, value)
	}
	return slog.String(key, value[:n]+"…")
}
