package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeISBN(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "clean ISBN-13",
			input:    "9780000000001",
			expected: "9780000000001",
		},
		{
			name:     "hyphenated ISBN-13",
			input:    "978-0-306-40615-7",
			expected: "9780306406157",
		},
		{
			name:     "spaced ISBN-13",
			input:    "978 0306 406157",
			expected: "9780306406157",
		},
		{
			name:     "ISBN-10 converts to ISBN-13",
			input:    "0306406152",
			expected: "9780306406157",
		},
		{
			name:     "ISBN-10 with X check digit",
			input:    "043942089X",
			expected: "9780439420891",
		},
		{
			name:     "lowercase x check digit",
			input:    "043942089x",
			expected: "9780439420891",
		},
		{
			name:     "too short",
			input:    "12345",
			expected: "",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
		{
			name:     "garbage",
			input:    "not-an-isbn",
			expected: "",
		},
		{
			name:     "X inside ISBN-13",
			input:    "978000000000X",
			expected: "",
		},
		{
			name:     "X before the ISBN-10 check position",
			input:    "04394X0891",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeISBN(tt.input))
		})
	}
}

func TestISBN13To10(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "roundtrip", input: "9780306406157", expected: "0306406152"},
		{name: "X check digit", input: "9780439420891", expected: "043942089X"},
		{name: "979 prefix has no ISBN-10", input: "9791234567896", expected: ""},
		{name: "wrong length", input: "030640615", expected: ""},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ISBN13To10(tt.input))
		})
	}
}

func TestNormalizeASIN(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "valid uppercase", input: "B00XYZ1234", expected: "B00XYZ1234"},
		{name: "lowercase is uppercased", input: "b00xyz1234", expected: "B00XYZ1234"},
		{name: "surrounding whitespace", input: "  B00XYZ1234 ", expected: "B00XYZ1234"},
		{name: "wrong length", input: "B00XYZ", expected: ""},
		{name: "punctuation", input: "B00-XYZ-12", expected: ""},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeASIN(tt.input))
		})
	}
}

func TestAudiobookValid(t *testing.T) {
	book := Audiobook{
		ID:               "li_1",
		Title:            "Project Hail Mary",
		TotalDuration:    16 * time.Hour,
		ListenedDuration: 2 * time.Hour,
	}
	assert.True(t, book.Valid())

	assert.False(t, Audiobook{ID: "li_2", Title: "   "}.Valid(), "blank title is invalid")
	assert.False(t, Audiobook{Title: "No ID"}.Valid(), "missing id is invalid")
}

func TestMatchMethodRanking(t *testing.T) {
	assert.Greater(t, MethodManual.Rank(), MethodISBN.Rank())
	assert.Greater(t, MethodISBN.Rank(), MethodASIN.Rank())
	assert.Greater(t, MethodASIN.Rank(), MethodTitleAuthor.Rank())
	assert.Equal(t, 0, MatchMethod("bogus").Rank())

	assert.Equal(t, 0.95, MethodISBN.Confidence())
	assert.Equal(t, 0.9, MethodASIN.Confidence())
	assert.Equal(t, 0.7, MethodTitleAuthor.Confidence())
	assert.Equal(t, 1.0, MethodManual.Confidence())

	assert.True(t, MethodISBN.Valid())
	assert.False(t, MatchMethod("fuzzy").Valid())
}
