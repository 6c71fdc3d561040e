// Package streamx contains tests for the stream utilities.
package streamx

import (
	"strings"
	"testing"
)

func TestBoundedBufferUnderCap(t *testing.T) {
	b := NewBoundedBuffer(16)
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("unexpected: %q", got)
	}
	if b.Truncated() {
		t.Fatal("should not be truncated")
	}
}

func TestBoundedBufferOverCap(t *testing.T) {
	b := NewBoundedBuffer(4)
	if _, err := b.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Later writes past the cap are consumed but dropped.
	if _, err := b.Write([]byte("ghi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := string(b.Bytes())
	if !strings.HasPrefix(got, "abcd") || !strings.Contains(got, TruncationMarker) {
		t.Fatalf("unexpected: %q", got)
	}
	if !b.Truncated() {
		t.Fatal("expected truncation")
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("short", 100); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
	got := TruncateString("0123456789", 4)
	if !strings.HasPrefix(got, "0123") || !strings.Contains(got, TruncationMarker) {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}
