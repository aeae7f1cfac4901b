package changelog

import (
	"errors"
	"testing"
)

func TestTruncateString_KeepsValidUTF8(t *testing.T) {
	t.Parallel()

	s := "héllo"
	// Cut mid-rune; the partial byte must be dropped.
	if got := truncateString(s, 2); got != "h" {
		t.Fatalf("want %q got %q", "h", got)
	}
	if got := truncateString(s, 100); got != s {
		t.Fatalf("want %q got %q", s, got)
	}
	if got := truncateString(s, 0); got != "" {
		t.Fatalf("want empty got %q", got)
	}
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	if got := truncateError(nil, 10); got != "" {
		t.Fatalf("want empty got %q", got)
	}
	if got := truncateError(errors.New("boom"), 10); got != "boom" {
		t.Fatalf("want boom got %q", got)
	}
}
