package core

import "strings"

// RedactedValue replaces sensitive values in emitted payloads.
const RedactedValue = "[REDACTED]"

// sensitiveKeyParts are matched as substrings of lowercased keys.
var sensitiveKeyParts = []string{
	"password",
	"token",
	"apikey",
	"api_key",
	"secret",
}

// IsSensitiveKey reports whether a payload key should be redacted before
// the payload leaves the process boundary (events, logs).
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of data with sensitive values replaced by
// RedactedValue. Nested maps and slices are sanitized recursively. The
// input is never modified; callers keep the unredacted original for
// execution.
func Sanitize(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if IsSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		return Sanitize(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, elem := range typed {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}
