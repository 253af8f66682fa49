package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log records.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are masked wherever they appear, including inside groups.
// Keys ending in one of sensitiveSuffixes are masked as well.
var (
	sensitiveKeys = map[string]struct{}{
		"token":         {},
		"secret":        {},
		"password":      {},
		"authorization": {},
	}
	sensitiveSuffixes = []string{"_token", "_secret", "_password"}
)

// IsSensitive reports whether values logged under key must be redacted.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// MaskValue returns RedactedValue for non-empty values. Empty values pass
// through so a missing secret stays visible in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskDSN strips the password from a URL-style DSN. Plain file paths are
// returned unchanged.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	return u.Redacted()
}

// redactAttr is applied by Setup to every attribute.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString && IsSensitive(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
