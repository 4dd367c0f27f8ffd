package log

import (
	"strings"
	"testing"
)

func TestRingBuffer_RetainsOnlyCapacity(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte("0123456789"))
	rb.Write([]byte("abcde"))

	lines := rb.Lines()
	got := strings.Join(lines, "")
	if len(got) > 10 {
		t.Fatalf("expected buffered content to respect capacity, got %q (%d bytes)", got, len(got))
	}
	if got != "56789abcde" {
		t.Fatalf("expected tail-trimmed content, got %q", got)
	}
}

func TestRingBuffer_SplitsLines(t *testing.T) {
	rb := NewRingBuffer(1024)
	rb.Write([]byte("line one\nline two\nline three\n"))

	lines := rb.Lines()
	want := []string{"line one", "line two", "line three"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d (%v)", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}
