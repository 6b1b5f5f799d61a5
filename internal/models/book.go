// Package models holds the domain types shared across shelfsync:
// the source audiobook record and the matching vocabulary used by the
// resolver and the mapping store.
package models

import (
	"strings"
	"time"
	"unicode"
)

// Audiobook is one book from the source library together with its
// listening progress. Identifiers are already normalized: ISBN is either
// empty or 13 digits, ASIN is either empty or 10 uppercase alphanumerics.
type Audiobook struct {
	ID               string
	Title            string
	Author           string
	ISBN             string
	ASIN             string
	TotalDuration    time.Duration
	ListenedDuration time.Duration
	Finished         bool
	LastListenedAt   time.Time
}

// Valid reports whether the record can be processed at all. Records
// without a title cannot be matched and are dropped at ingest.
func (b Audiobook) Valid() bool {
	return b.ID != "" && strings.TrimSpace(b.Title) != ""
}

// HasISBN reports whether a normalized ISBN is present.
func (b Audiobook) HasISBN() bool { return b.ISBN != "" }

// HasASIN reports whether a normalized ASIN is present.
func (b Audiobook) HasASIN() bool { return b.ASIN != "" }

// NormalizeISBN strips separators and upgrades ISBN-10 to ISBN-13.
// Anything that is not a plausible ISBN comes back empty; a bad
// identifier is treated as absent, never as an error.
func NormalizeISBN(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsDigit(r) || r == 'X' {
			b.WriteRune(r)
		}
	}
	isbn := b.String()
	switch len(isbn) {
	case 13:
		if strings.Contains(isbn, "X") {
			return ""
		}
		return isbn
	case 10:
		return isbn10to13(isbn)
	default:
		return ""
	}
}

// isbn10to13 converts a 10-char ISBN to its 13-digit form with a
// recomputed check digit. X is only valid as the final character.
func isbn10to13(isbn10 string) string {
	if strings.Contains(isbn10[:9], "X") {
		return ""
	}
	core := "978" + isbn10[:9]
	sum := 0
	for i, r := range core {
		digit := int(r - '0')
		if i%2 == 1 {
			digit *= 3
		}
		sum += digit
	}
	check := (10 - sum%10) % 10
	return core + string(rune('0'+check))
}

// ISBN13To10 derives the ISBN-10 form of a 978-prefixed ISBN-13, with
// its own check digit. Non-978 ISBNs have no ISBN-10 form and yield "".
func ISBN13To10(isbn13 string) string {
	if len(isbn13) != 13 || !strings.HasPrefix(isbn13, "978") {
		return ""
	}
	core := isbn13[3:12]
	sum := 0
	for i, r := range core {
		if !unicode.IsDigit(r) {
			return ""
		}
		sum += int(r-'0') * (10 - i)
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return core + "X"
	}
	return core + string(rune('0'+check))
}

// NormalizeASIN uppercases and validates an ASIN. ASINs are exactly 10
// alphanumeric characters; anything else is treated as absent.
func NormalizeASIN(raw string) string {
	asin := strings.ToUpper(strings.TrimSpace(raw))
	if len(asin) != 10 {
		return ""
	}
	for _, r := range asin {
		if !unicode.IsDigit(r) && (r < 'A' || r > 'Z') {
			return ""
		}
	}
	return asin
}
