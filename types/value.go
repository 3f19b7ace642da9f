package types

import (
	"fmt"
	"regexp"
	"strings"
)

// Limits for SafeJSONable normalization.
const (
	safeMaxStringLen = 2000
	safeMaxListItems = 50
)

var (
	// Long runs of base64-looking characters are almost always image or
	// archive payloads; they are replaced before trace events ship.
	base64BlobRe = regexp.MustCompile(`[A-Za-z0-9+/]{512,}={0,2}`)

	secretKeyRe = regexp.MustCompile(`(?i)(token|secret|password|api[_-]?key|authorization|askpass)`)
)

// SafeJSONable normalizes an arbitrary tool input or output into a value
// safe to serialize onto the trace stream: strings truncated, known-secret
// keys and base64 blobs redacted, lists capped.
func SafeJSONable(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, float64, float32, int, int32, int64:
		return t
	case string:
		return safeString(t)
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if secretKeyRe.MatchString(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = SafeJSONable(val)
		}
		return out
	case []interface{}:
		n := len(t)
		if n > safeMaxListItems {
			n = safeMaxListItems
		}
		out := make([]interface{}, 0, n)
		for _, item := range t[:n] {
			out = append(out, SafeJSONable(item))
		}
		if len(t) > safeMaxListItems {
			out = append(out, fmt.Sprintf("... %d more items", len(t)-safeMaxListItems))
		}
		return out
	default:
		return safeString(fmt.Sprintf("%v", t))
	}
}

func safeString(s string) string {
	s = base64BlobRe.ReplaceAllString(s, "[BASE64_REDACTED]")
	if len(s) > safeMaxStringLen {
		return s[:safeMaxStringLen] + fmt.Sprintf("... (%d chars truncated)", len(s)-safeMaxStringLen)
	}
	return s
}

// RedactSecrets replaces occurrences of the given secret values in s.
// Used for journal entries and commit context where env tokens may leak
// into command lines.
func RedactSecrets(s string, secrets []string) string {
	for _, sec := range secrets {
		if strings.TrimSpace(sec) == "" {
			continue
		}
		s = strings.ReplaceAll(s, sec, "[REDACTED]")
	}
	return s
}
