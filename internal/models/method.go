package models

// MatchMethod identifies how a book was matched to a target service.
type MatchMethod string

const (
	// MethodManual is an operator-provided mapping. It is never
	// overwritten by automatic resolution.
	MethodManual MatchMethod = "manual"
	// MethodISBN is an exact ISBN edition match.
	MethodISBN MatchMethod = "isbn"
	// MethodASIN is an exact ASIN edition match.
	MethodASIN MatchMethod = "asin"
	// MethodTitleAuthor is a normalized title/author match.
	MethodTitleAuthor MatchMethod = "title_author"
)

// methodRanks orders methods by trustworthiness. A stored mapping is
// only replaced by a strictly higher-ranked one.
var methodRanks = map[MatchMethod]int{
	MethodTitleAuthor: 1,
	MethodASIN:        2,
	MethodISBN:        3,
	MethodManual:      4,
}

// methodConfidences are the confidence scores recorded per method.
var methodConfidences = map[MatchMethod]float64{
	MethodTitleAuthor: 0.7,
	MethodASIN:        0.9,
	MethodISBN:        0.95,
	MethodManual:      1.0,
}

// Rank returns the trust rank of the method, 0 for unknown methods.
func (m MatchMethod) Rank() int {
	return methodRanks[m]
}

// Confidence returns the confidence score recorded for the method.
func (m MatchMethod) Confidence() float64 {
	return methodConfidences[m]
}

// Valid reports whether m is one of the known match methods.
func (m MatchMethod) Valid() bool {
	_, ok := methodRanks[m]
	return ok
}
