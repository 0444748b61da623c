package logging

import (
	"strings"
	"testing"
)

func TestMaskTokenKeepsCorrelationPrefix(t *testing.T) {
	masked := MaskToken("eyJhbGciOiJIUzI1NiJ9.payload.sig")
	if !strings.HasPrefix(masked, "eyJh") {
		t.Fatalf("expected 4-char prefix, got %q", masked)
	}
	if !strings.Contains(masked, RedactedValue) {
		t.Fatalf("expected redaction marker, got %q", masked)
	}
	if strings.Contains(masked, "payload") {
		t.Fatalf("token body leaked: %q", masked)
	}
}

func TestMaskTokenShortValuesFullyRedacted(t *testing.T) {
	if got := MaskToken("abc123"); got != RedactedValue {
		t.Fatalf("short tokens must be fully redacted, got %q", got)
	}
	if got := MaskToken("  "); got != "" {
		t.Fatalf("blank tokens pass through, got %q", got)
	}
}

func TestMaskField(t *testing.T) {
	attr := MaskField("authorization", "Bearer secret")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected redacted value, got %q", attr.Value.String())
	}
	empty := MaskField("authorization", "")
	if empty.Value.String() != "" {
		t.Fatalf("empty values pass through, got %q", empty.Value.String())
	}
}
