// Package chat holds the session-level vocabulary shared by every component:
// session keys, relationship classes and transcript parsing.
package chat

import (
	"strings"
	"unicode"
)

// UnknownKey is the key of a session whose title has no native-script letters.
const UnknownKey = "unknown"

// DefaultScripts are the scripts kept by NormalizeKey.
var DefaultScripts = []string{"Hangul"}

// KeyNormalizer derives session keys from display titles.
type KeyNormalizer struct {
	tables []*unicode.RangeTable
}

// NewKeyNormalizer builds a normalizer keeping letters of the named scripts
// (names from unicode.Scripts, e.g. "Hangul", "Latin", "Han"). Unknown names
// are ignored; if none are valid the default scripts are used.
func NewKeyNormalizer(scripts ...string) *KeyNormalizer {
	var tables []*unicode.RangeTable
	for _, name := range scripts {
		if t, ok := unicode.Scripts[strings.TrimSpace(name)]; ok {
			tables = append(tables, t)
		}
	}
	if len(tables) == 0 {
		for _, name := range DefaultScripts {
			tables = append(tables, unicode.Scripts[name])
		}
	}
	return &KeyNormalizer{tables: tables}
}

var defaultNormalizer = NewKeyNormalizer(DefaultScripts...)

// NormalizeKey normalizes a title with the default scripts.
func NormalizeKey(title string) string {
	return defaultNormalizer.Normalize(title)
}

// Normalize keeps only script letters and single spaces between words.
// It never fails: a title with nothing left maps to UnknownKey.
func (n *KeyNormalizer) Normalize(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	pendingSpace := false
	for _, r := range title {
		switch {
		case n.keep(r):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			pendingSpace = true
		}
	}
	if b.Len() == 0 {
		return UnknownKey
	}
	return b.String()
}

func (n *KeyNormalizer) keep(r rune) bool {
	for _, t := range n.tables {
		if unicode.Is(t, r) {
			return true
		}
	}
	return false
}
