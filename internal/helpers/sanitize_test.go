package helpers

import "testing"

func TestStripHTML_RemovesTagsAndScripts(t *testing.T) {
	input := `<html><body><h1>502 Bad Gateway</h1><script>alert('x')</script><p>nginx</p></body></html>`
	got := StripHTML(input)
	want := "502 Bad Gateway nginx"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStripHTML_PlainTextUnchanged(t *testing.T) {
	input := "rate limit exceeded"
	if got := StripHTML(input); got != input {
		t.Fatalf("expected %q, got %q", input, got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("expected unchanged string, got %q", got)
	}
	got := Truncate("0123456789abcdef", 10)
	if got != "0123456789…" {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := Truncate("anything", 0); got != "" {
		t.Fatalf("expected empty string for max=0, got %q", got)
	}
}
