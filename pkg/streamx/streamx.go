// Package streamx provides small stream and text utilities used across the
// project.
package streamx

import (
	"strings"
)

// TruncationMarker is appended to any payload cut at a byte cap.
const TruncationMarker = "... (truncated)"

// BoundedBuffer is an io.Writer that keeps at most max bytes and silently
// discards the rest. Writes never fail; the consumed length is always
// reported so upstream copies keep draining.
type BoundedBuffer struct {
	max       int64
	buf       []byte
	truncated bool
}

// NewBoundedBuffer creates a buffer capped at max bytes. A non-positive max
// means unbounded.
func NewBoundedBuffer(max int64) *BoundedBuffer {
	return &BoundedBuffer{max: max}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	room := b.max - int64(len(b.buf))
	switch {
	case room >= int64(len(p)):
		b.buf = append(b.buf, p...)
	case room > 0:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.truncated = true
	}
	return len(p), nil
}

// Bytes returns the captured prefix with a truncation marker when the cap was
// hit.
func (b *BoundedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf
	}
	return append(b.buf, []byte("\n"+TruncationMarker)...)
}

// Truncated reports whether any write overflowed the cap.
func (b *BoundedBuffer) Truncated() bool {
	return b.truncated
}

// TruncateString cuts s at max bytes and appends the truncation marker.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n" + TruncationMarker
}

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
