package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"wallet_password":     {},
	"key_blob":            {},
	"private_key":         {},
	"server_key":          {},
	"signature_key":       {},
	"jwt_secret":          {},
	"session_token":       {},
	"authorization":       {},
	"smtp_password":       {},
}

// IsSensitive reports whether the provided log key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the log keys that are always masked.
// Tests use this to ensure secret material never reaches a sink.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Redact returns the attribute unchanged unless its key is sensitive, in
// which case the value is replaced with the redaction placeholder.
func Redact(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
