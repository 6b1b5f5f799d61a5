package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks decomposes accented characters and removes the combining
// marks, so "Pérez" folds to "Perez".
var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds a title or author name for comparison: lowercased,
// diacritics stripped, punctuation treated as word breaks, whitespace
// collapsed to single spaces.
func Normalize(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Malformed input falls back to byte-level folding.
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}
	return b.String()
}

// TitlesEqual reports whether two titles refer to the same work after
// normalization.
func TitlesEqual(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// AuthorsCompatible reports whether a candidate's author is consistent
// with the source record. A source with no author on record matches any
// candidate. Otherwise one normalized name must contain the other, which
// tolerates partial listings like "Tolkien" against "J. R. R. Tolkien".
func AuthorsCompatible(source, candidate string) bool {
	src := Normalize(source)
	if src == "" {
		return true
	}
	cand := Normalize(candidate)
	if cand == "" {
		return false
	}
	return strings.Contains(src, cand) || strings.Contains(cand, src)
}
