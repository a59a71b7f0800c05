package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnlistedKeysAreDropped(t *testing.T) {
	input := map[string]interface{}{
		"status":        "completed",
		"customer_name": "Bob Smith",
		"internal_ref":  "abc-123",
	}

	out, ok := Redact(input).(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "completed", out["status"])
	require.NotContains(t, out, "customer_name")
	require.NotContains(t, out, "internal_ref")
}

func TestBlocklistedKeysDroppedAtAnyDepth(t *testing.T) {
	input := map[string]interface{}{
		"ssn":    "in the clear",
		"reason": map[string]interface{}{"tax_id_number": "12345", "code": float64(7)},
		"result": map[string]interface{}{
			"outcome": map[string]interface{}{"stack_trace": "boom", "state": "done"},
		},
	}

	out, ok := Redact(input).(map[string]interface{})
	require.True(t, ok)
	require.NotContains(t, out, "ssn")

	reason := out["reason"].(map[string]interface{})
	require.NotContains(t, reason, "tax_id_number")
	require.Equal(t, float64(7), reason["code"])

	outcome := out["result"].(map[string]interface{})["outcome"].(map[string]interface{})
	require.NotContains(t, outcome, "stack_trace")
	require.Equal(t, "done", outcome["state"])
}

func TestEmptiedNestedMapIsDropped(t *testing.T) {
	input := map[string]interface{}{
		"status": "ok",
		"reason": map[string]interface{}{"ssn": "x", "secret_note": "y"},
	}

	out, ok := Redact(input).(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "ok", out["status"])
	require.NotContains(t, out, "reason")
}

func TestSensitivePatternsMaskedUnderAnyKey(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"national id", "123-45-6789"},
		{"national id with spaces", "123 45 6789"},
		{"email", "someone@example.com"},
		{"phone", "555-123-4567"},
		{"phone with parens", "(555) 123-4567"},
		{"iso date", "1990-01-15"},
		{"us date", "01/15/1990"},
		{"embedded", "ssn is 123-45-6789 per the form"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := map[string]interface{}{"reason": tc.value}
			out := Redact(input).(map[string]interface{})
			require.Equal(t, PatternMarker, out["reason"])
		})
	}
}

func TestStringLengthBoundary(t *testing.T) {
	exactly := strings.Repeat("a", MaxStringLen)
	over := strings.Repeat("a", MaxStringLen+1)

	input := map[string]interface{}{
		"status": exactly,
		"reason": over,
	}

	out := Redact(input).(map[string]interface{})
	require.Equal(t, exactly, out["status"])
	require.Equal(t, TooLongMarker, out["reason"])
}

func TestPatternCheckWinsOverLength(t *testing.T) {
	long := "contact someone@example.com " + strings.Repeat("x", MaxStringLen)

	out := Redact(map[string]interface{}{"reason": long}).(map[string]interface{})
	require.Equal(t, PatternMarker, out["reason"])
}

func TestFilenameMaskingIsDeterministic(t *testing.T) {
	first := Redact(map[string]interface{}{"filename": "tax-return-2023.pdf"}).(map[string]interface{})
	second := Redact(map[string]interface{}{"filename": "tax-return-2023.pdf"}).(map[string]interface{})
	other := Redact(map[string]interface{}{"filename": "w2-form.pdf"}).(map[string]interface{})

	require.Equal(t, first["filename"], second["filename"])
	require.NotEqual(t, first["filename"], other["filename"])

	masked := first["filename"].(string)
	require.True(t, strings.HasPrefix(masked, "file-"))
	require.True(t, strings.HasSuffix(masked, ".pdf"))
	require.NotContains(t, masked, "tax-return")
}

func TestFilenameKeyVariants(t *testing.T) {
	input := map[string]interface{}{
		"file_name":       "statement.xlsx",
		"document_name":   "lease-agreement.docx",
		"attachment_name": "photo.jpg",
	}

	out := Redact(input).(map[string]interface{})
	require.Len(t, out, 3)
	for key := range input {
		require.True(t, strings.HasPrefix(out[key].(string), "file-"), key)
	}
}

func TestArraysPreserveShape(t *testing.T) {
	input := map[string]interface{}{
		"reason": []interface{}{"ok", "123-45-6789", float64(3), nil},
	}

	out := Redact(input).(map[string]interface{})
	arr := out["reason"].([]interface{})
	require.Len(t, arr, 4)
	require.Equal(t, "ok", arr[0])
	require.Equal(t, PatternMarker, arr[1])
	require.Equal(t, float64(3), arr[2])
	require.Nil(t, arr[3])
}

func TestScalarsPassThrough(t *testing.T) {
	require.Equal(t, float64(42), Redact(float64(42)))
	require.Equal(t, true, Redact(true))
	require.Nil(t, Redact(nil))
}

func TestRedactIsIdempotent(t *testing.T) {
	input := map[string]interface{}{
		"status":   "done",
		"filename": "report-final.pdf",
		"reason":   "someone@example.com",
		"error":    strings.Repeat("e", MaxStringLen+100),
		"result":   map[string]interface{}{"count": float64(2), "raw_text": "secret"},
		"total":    []interface{}{"a", "555-123-4567"},
	}

	once := Redact(input)
	twice := Redact(once)
	require.Equal(t, once, twice)
}
