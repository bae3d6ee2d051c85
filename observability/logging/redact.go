package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of credential material.
const RedactedValue = "[REDACTED]"

// MaskValue masks non-empty values. Empty values pass through so absent
// fields stay visibly absent in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr whose value is always masked.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
