// Package textnorm canonicalizes selected text into the comparison key used to
// treat near-identical selections as the same highlight.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	cjkFirst = '一'
	cjkLast  = '鿿'
)

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
)

// Normalize returns the canonical form of raw: lower-cased, quotes
// straightened, everything outside [a-z0-9 CJK] dropped and whitespace
// collapsed. Full-width Latin letters and digits fold to ASCII first.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	folded := norm.NFKC.String(raw)
	// cases.Caser keeps state between calls and must not be shared.
	lowered := cases.Lower(language.Und).String(folded)
	straightened := quoteReplacer.Replace(lowered)

	kept := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= cjkFirst && r <= cjkLast:
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, straightened)

	return strings.Join(strings.Fields(kept), " ")
}

// Hash returns the lowercase hex SHA-256 digest of an already normalized string.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Key normalizes raw and hashes the result.
func Key(raw string) string {
	return Hash(Normalize(raw))
}
