// Package target defines the capability interface every book-tracking
// service adapter implements, together with the error taxonomy the sync
// engine uses to tell credential problems from flaky networks. The
// engine only ever talks to this interface; whether an adapter speaks
// GraphQL or scrapes web forms is invisible above it.
package target

import "context"

// Progress is a service's current reading state for one book.
type Progress struct {
	// Percent is the completion percentage, an integer in [0,100].
	Percent int
	// Finished reports whether the service already shelves the book as
	// read. A finished book always reads as 100 percent.
	Finished bool
}

// Candidate is one search result from a target service's catalog.
// Identifier fields are only set when the service exposes them; absent
// identifiers mean unknown, not mismatched.
type Candidate struct {
	// ServiceBookID is the service-internal id used for every later
	// progress call.
	ServiceBookID string
	Title         string
	Author        string
	ISBN          string
	ASIN          string
}

// Service is the uniform capability surface of one target service.
// Implementations classify their failures: credential problems surface
// as *AuthError, network and rate-limit trouble as *TransientError, and
// a clean "nothing found" as an empty candidate slice rather than an
// error.
type Service interface {
	// Name returns the stable service identifier recorded in mappings
	// and sync history.
	Name() string

	// BeginSession prepares the adapter for a run: verifying a token,
	// restoring persisted cookies, or signing in. It is called once per
	// run before any other method.
	BeginSession(ctx context.Context) error

	// EndSession releases or persists whatever BeginSession acquired.
	// It is called exactly once for every successful BeginSession, even
	// when the run is cancelled.
	EndSession(ctx context.Context) error

	// FindByISBN searches the catalog by normalized ISBN-13.
	FindByISBN(ctx context.Context, isbn string) ([]Candidate, error)

	// FindByASIN searches the catalog by ASIN.
	FindByASIN(ctx context.Context, asin string) ([]Candidate, error)

	// FindByTitle searches the catalog by title. Results are candidates,
	// not matches; the caller screens them.
	FindByTitle(ctx context.Context, title string) ([]Candidate, error)

	// CurrentProgress reads the live progress for a book. It must query
	// the service every time: targets are writable outside this system,
	// so cached progress would risk regressive writes.
	CurrentProgress(ctx context.Context, serviceBookID string) (Progress, error)

	// UpdateProgress writes a new completion percentage.
	UpdateProgress(ctx context.Context, serviceBookID string, percent int) error

	// MarkFinished shelves the book as read at 100 percent.
	MarkFinished(ctx context.Context, serviceBookID string) error
}
