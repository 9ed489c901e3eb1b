package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that identify packets and peers are safe to log verbatim.
var plainKeys = map[string]struct{}{
	"account":     {},
	"destination": {},
	"code":        {},
	"url":         {},
	"endpoint":    {},
	"account_id":  {},
	"type":        {},
	"timeout":     {},
	"latency":     {},
	"reject_code": {},
}

func isPlain(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns RedactedValue for non-empty values and leaves blanks untouched.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField logs value under key, redacted unless the key is known to be safe.
func MaskField(key, value string) slog.Attr {
	if isPlain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// Settings renders a link settings map as a group with every non-plain value masked.
func Settings(key string, settings map[string]string) slog.Attr {
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)
	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, MaskField(name, settings[name]))
	}
	return slog.Group(key, attrs...)
}
