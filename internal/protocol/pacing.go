package protocol

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultSplitMarker separates chat bubbles in generated text.
const DefaultSplitMarker = "<split>"

// InputDelay is the pause before typing every message after the first.
func InputDelay(msg string) time.Duration {
	switch n := utf8.RuneCountInString(msg); {
	case n <= 10:
		return 200 * time.Millisecond
	case n <= 30:
		return 400 * time.Millisecond
	case n <= 50:
		return 600 * time.Millisecond
	case n <= 100:
		return 800 * time.Millisecond
	default:
		return 1200 * time.Millisecond
	}
}

// SendDelay is the pause after pressing send.
func SendDelay(msg string) time.Duration {
	switch n := utf8.RuneCountInString(msg); {
	case n <= 10:
		return 300 * time.Millisecond
	case n <= 30:
		return 500 * time.Millisecond
	case n <= 50:
		return 700 * time.Millisecond
	default:
		return time.Second
	}
}

// Split cuts generated text into trimmed, non-empty messages.
func Split(text, marker string) []string {
	if marker == "" {
		marker = DefaultSplitMarker
	}
	var out []string
	for _, part := range strings.Split(text, marker) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
