// Package match resolves source audiobooks to their identities on
// target services. Resolution is tiered, most trustworthy first, and
// every verdict is persisted through the mapping store so later runs
// skip the external queries.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/mismatch"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/target"
)

// ErrNoMatch means the book has no acceptable identity on the service.
// It is a verdict, not a failure: the caller records it and moves on.
var ErrNoMatch = errors.New("no acceptable match")

// Rejection reasons recorded on mappings.
const (
	ReasonNoMatch   = "no_match"
	ReasonAmbiguous = "ambiguous"
)

// AmbiguousError reports that several candidates tied for a book and
// none could be picked safely. It unwraps to ErrNoMatch.
type AmbiguousError struct {
	BookID  string
	Service string
	Count   int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%d candidates tied for book %s on %s", e.Count, e.BookID, e.Service)
}

func (e *AmbiguousError) Unwrap() error { return ErrNoMatch }

// MappingStore is the slice of the database repository the resolver
// needs.
type MappingStore interface {
	GetMapping(ctx context.Context, bookID, service string) (*database.Mapping, error)
	SaveMapping(ctx context.Context, m *database.Mapping) error
	RejectMapping(ctx context.Context, bookID, service, reason string) error
}

// Resolver finds the target-service identity for source audiobooks.
type Resolver struct {
	store        MappingStore
	log          *logger.Logger
	rematchAfter time.Duration
	forceRematch bool
}

// NewResolver creates a resolver. rematchAfter bounds how long a
// rejected book stays quiet before its tiers are tried again; zero or
// negative falls back to one week. forceRematch makes every book go
// through the query tiers even when a cached mapping exists, without
// ever downgrading what is stored.
func NewResolver(store MappingStore, rematchAfter time.Duration, forceRematch bool, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Get()
	}
	if rematchAfter <= 0 {
		rematchAfter = 7 * 24 * time.Hour
	}
	return &Resolver{
		store:        store,
		log:          log,
		rematchAfter: rematchAfter,
		forceRematch: forceRematch,
	}
}

// Resolve returns the mapping for book on svc, querying the service
// only when the store has no usable answer. Tiers run most trustworthy
// first and stop at the first accepted candidate. A returned error that
// is not ErrNoMatch means the attempt failed and nothing was decided;
// transient and auth failures never produce a rejection.
func (r *Resolver) Resolve(ctx context.Context, book models.Audiobook, svc target.Service) (*database.Mapping, error) {
	service := svc.Name()

	existing, err := r.store.GetMapping(ctx, book.ID, service)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping: %w", err)
	}
	if existing != nil && !r.forceRematch {
		if !existing.Rejected {
			return existing, nil
		}
		if time.Since(existing.UpdatedAt) < r.rematchAfter {
			r.log.Debug("Skipping recently rejected book", map[string]interface{}{
				"book_id":  book.ID,
				"service":  service,
				"reason":   existing.Reason,
				"rejected": existing.UpdatedAt,
			})
			return nil, ErrNoMatch
		}
	}

	if book.HasISBN() {
		candidates, err := svc.FindByISBN(ctx, book.ISBN)
		if err != nil {
			return nil, fmt.Errorf("isbn lookup failed: %w", err)
		}
		if c, ok := firstConfirming(candidates, book.ISBN, func(c target.Candidate) string {
			return models.NormalizeISBN(c.ISBN)
		}); ok {
			return r.accept(ctx, book, service, c, models.MethodISBN)
		}
	}

	if book.HasASIN() {
		candidates, err := svc.FindByASIN(ctx, book.ASIN)
		if err != nil {
			return nil, fmt.Errorf("asin lookup failed: %w", err)
		}
		if c, ok := firstConfirming(candidates, book.ASIN, func(c target.Candidate) string {
			return models.NormalizeASIN(c.ASIN)
		}); ok {
			return r.accept(ctx, book, service, c, models.MethodASIN)
		}
	}

	candidates, err := svc.FindByTitle(ctx, book.Title)
	if err != nil {
		return nil, fmt.Errorf("title lookup failed: %w", err)
	}
	matches := filterTitleAuthor(book, candidates)
	switch len(matches) {
	case 1:
		return r.accept(ctx, book, service, matches[0], models.MethodTitleAuthor)
	case 0:
		return r.noMatch(ctx, book, service, existing, ReasonNoMatch, nil)
	default:
		r.log.Warn("Ambiguous title match, not guessing", map[string]interface{}{
			"book_id":    book.ID,
			"title":      book.Title,
			"service":    service,
			"candidates": len(matches),
		})
		return r.noMatch(ctx, book, service, existing, ReasonAmbiguous, matches)
	}
}

// noMatch finalizes a tier walk that accepted nothing. When a usable
// mapping is already stored (forced rematches reach this point) the
// stored mapping stands, a forced pass upgrades but never invalidates.
// Otherwise the rejection is recorded so following runs stay quiet.
func (r *Resolver) noMatch(ctx context.Context, book models.Audiobook, service string, existing *database.Mapping, reason string, candidates []target.Candidate) (*database.Mapping, error) {
	if existing != nil && !existing.Rejected {
		r.log.Warn("Rematch found nothing better, keeping stored mapping", map[string]interface{}{
			"book_id": book.ID,
			"service": service,
			"method":  existing.Method,
			"reason":  reason,
		})
		return existing, nil
	}
	r.reject(ctx, book, service, reason, candidates)
	if reason == ReasonAmbiguous {
		return nil, &AmbiguousError{BookID: book.ID, Service: service, Count: len(candidates)}
	}
	return nil, ErrNoMatch
}

// firstConfirming returns the first candidate confirming the wanted
// identifier. Candidates that do not advertise the identifier are
// trusted as-is, since the adapter already queried the service by it.
func firstConfirming(candidates []target.Candidate, want string, id func(target.Candidate) string) (target.Candidate, bool) {
	for _, c := range candidates {
		got := id(c)
		if got == "" || got == want {
			return c, true
		}
	}
	return target.Candidate{}, false
}

// filterTitleAuthor keeps candidates whose normalized title equals the
// book's and whose author is compatible with the book's.
func filterTitleAuthor(book models.Audiobook, candidates []target.Candidate) []target.Candidate {
	var matches []target.Candidate
	for _, c := range candidates {
		if TitlesEqual(book.Title, c.Title) && AuthorsCompatible(book.Author, c.Author) {
			matches = append(matches, c)
		}
	}
	return matches
}

// accept persists the match and returns the stored row. The store
// enforces the upgrade-only rule, so the returned mapping can be an
// already stored, higher-ranked one rather than the candidate offered
// here.
func (r *Resolver) accept(ctx context.Context, book models.Audiobook, service string, c target.Candidate, method models.MatchMethod) (*database.Mapping, error) {
	title, author := c.Title, c.Author
	if title == "" {
		title = book.Title
	}
	if author == "" {
		author = book.Author
	}
	m := &database.Mapping{
		BookID:        book.ID,
		Service:       service,
		ServiceBookID: c.ServiceBookID,
		Method:        string(method),
		Confidence:    method.Confidence(),
		Title:         title,
		Author:        author,
	}
	if err := r.store.SaveMapping(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to save mapping: %w", err)
	}
	r.log.Info("Matched book", map[string]interface{}{
		"book_id":         book.ID,
		"service":         service,
		"service_book_id": m.ServiceBookID,
		"method":          m.Method,
		"confidence":      m.Confidence,
	})
	return m, nil
}

// reject records the verdict so the next runs stay quiet for this pair,
// and hands the book to the mismatch collector for operator review. A
// store failure here is logged but not surfaced, the verdict stands.
func (r *Resolver) reject(ctx context.Context, book models.Audiobook, service, reason string, candidates []target.Candidate) {
	if err := r.store.RejectMapping(ctx, book.ID, service, reason); err != nil {
		r.log.Error("Failed to record rejection", map[string]interface{}{
			"book_id": book.ID,
			"service": service,
			"error":   err.Error(),
		})
	}
	mismatch.Add(mismatch.BookMismatch{
		BookID:     book.ID,
		Title:      book.Title,
		Author:     book.Author,
		ISBN:       book.ISBN,
		ASIN:       book.ASIN,
		Service:    service,
		Reason:     reason,
		Candidates: formatCandidates(candidates),
	})
}

func formatCandidates(candidates []target.Candidate) []string {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		s := c.Title
		if c.Author != "" {
			s += " by " + c.Author
		}
		if c.ServiceBookID != "" {
			s += " (" + c.ServiceBookID + ")"
		}
		out = append(out, s)
	}
	return out
}
