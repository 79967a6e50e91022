package schema

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// stripDiacritics decomposes accented characters and drops the combining
// marks, so "Razón Social" and "Razon Social" normalize identically
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize converts a raw column name to its canonical lexical form:
// lowercase, ASCII-transliterated, runs of non-alphanumerics collapsed to a
// single underscore, leading/trailing underscores stripped.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if folded, _, err := transform.String(stripDiacritics, s); err == nil {
		s = folded
	}

	s = strings.ToLower(s)
	s = nonAlnum.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
