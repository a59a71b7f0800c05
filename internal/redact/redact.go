package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// Keys survive only through the allowlist; the blocklist and pattern checks
// backstop mis-tagged fields. The filter is total and idempotent.

const (
	// MaxStringLen is the longest string forwarded verbatim.
	MaxStringLen = 500

	// TooLongMarker replaces strings over MaxStringLen.
	TooLongMarker = "[redacted: content too long]"

	// PatternMarker replaces strings matching a sensitive pattern.
	PatternMarker = "[redacted: sensitive pattern]"
)

// allowedKeys is the fixed set of field names permitted to leave the boundary.
// Unlisted keys are dropped by default; add here only after review.
var allowedKeys = map[string]struct{}{
	"attempt":       {},
	"category":      {},
	"code":          {},
	"count":         {},
	"document_type": {},
	"duration_ms":   {},
	"elapsed_ms":    {},
	"error":         {},
	"event_key":     {},
	"kind":          {},
	"level":         {},
	"ok":            {},
	"outcome":       {},
	"page_count":    {},
	"reason":        {},
	"result":        {},
	"size_bytes":    {},
	"source":        {},
	"stage":         {},
	"state":         {},
	"status":        {},
	"total":         {},
	"version":       {},
}

// blockedKeySubstrings drops a key at any depth when its lowercased name
// contains one of these fragments, even inside otherwise allowlisted maps.
var blockedKeySubstrings = []string{
	"ssn",
	"tax_id",
	"tin",
	"dob",
	"date_of_birth",
	"birth",
	"address",
	"email",
	"phone",
	"account_number",
	"routing",
	"raw_text",
	"extracted_text",
	"ocr",
	"stacktrace",
	"stack_trace",
	"traceback",
	"diagnostic",
}

// filenameKeySubstrings mark keys whose string values are masked to a digest
// token rather than dropped, so files stay correlatable without leaking names.
var filenameKeySubstrings = []string{
	"filename",
	"file_name",
	"document_name",
	"attachment_name",
}

var (
	nationalIDPattern = regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`)
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern      = regexp.MustCompile(`\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)
	datePattern       = regexp.MustCompile(`\b\d{4}[-/]\d{1,2}[-/]\d{1,2}\b|\b\d{1,2}[-/]\d{1,2}[-/]\d{4}\b`)

	// Tokens produced by maskFilename; recognized so the filter stays
	// idempotent when applied to already-masked values.
	maskedFilePattern = regexp.MustCompile(`^file-[0-9a-f]{10}(\.[A-Za-z0-9]+)?$`)

	safeExtPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,7}$`)
)

// Redact returns a safety-screened copy of a decoded-JSON value. It never
// fails, never mutates its input, and Redact(Redact(x)) == Redact(x).
func Redact(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return redactMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = Redact(elem)
		}
		return out
	case string:
		return redactString(v)
	default:
		// Numbers, booleans and nulls pass through unchanged.
		return value
	}
}

// redactMap applies the key rules at one map level: blocklist first, then
// filename masking, then the allowlist gate with recursive filtering.
func redactMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range m {
		lower := strings.ToLower(key)

		if isBlockedKey(lower) {
			continue
		}

		if isFilenameKey(lower) {
			if s, ok := value.(string); ok {
				out[key] = maskFilename(s)
			}
			continue
		}

		if _, ok := allowedKeys[lower]; !ok {
			continue
		}

		redacted := Redact(value)

		// A nested map that filtered down to nothing is dropped rather
		// than forwarded as an empty shell.
		if nested, ok := redacted.(map[string]interface{}); ok && len(nested) == 0 {
			continue
		}

		out[key] = redacted
	}
	return out
}

// redactString applies the value rules: sensitive patterns win over the
// length check regardless of which key holds the string.
func redactString(s string) string {
	if maskedFilePattern.MatchString(s) {
		return s
	}
	if nationalIDPattern.MatchString(s) ||
		emailPattern.MatchString(s) ||
		phonePattern.MatchString(s) ||
		datePattern.MatchString(s) {
		return PatternMarker
	}
	if len(s) > MaxStringLen {
		return TooLongMarker
	}
	return s
}

func isBlockedKey(lower string) bool {
	for _, fragment := range blockedKeySubstrings {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func isFilenameKey(lower string) bool {
	for _, fragment := range filenameKeySubstrings {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// maskFilename replaces a filename with a short deterministic digest token,
// keeping only the extension. Already-masked tokens map to themselves.
func maskFilename(name string) string {
	if maskedFilePattern.MatchString(name) {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	token := "file-" + hex.EncodeToString(sum[:])[:10]

	if ext := filepath.Ext(name); safeExtPattern.MatchString(ext) {
		token += ext
	}
	return token
}
