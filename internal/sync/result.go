package sync

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/reconcile"
)

// ErrSealed is returned when an outcome arrives after the run has been
// sealed.
var ErrSealed = errors.New("run result already sealed")

// Outcome is the result of syncing one book against one service.
type Outcome struct {
	BookID  string           `json:"book_id"`
	Title   string           `json:"title"`
	Service string           `json:"service"`
	Action  reconcile.Action `json:"action"`
	Percent int              `json:"percent"`
	Detail  string           `json:"detail,omitempty"`
}

// ServiceSummary aggregates the outcomes for one target service.
type ServiceSummary struct {
	Service    string    `json:"service"`
	AuthFailed bool      `json:"auth_failed,omitempty"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	NoMatch    int       `json:"no_match"`
	Errors     int       `json:"errors"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Totals sums outcome counts across services.
type Totals struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	NoMatch int `json:"no_match"`
	Errors  int `json:"errors"`
}

// RunResult collects everything that happened during one sync run. It
// accepts outcomes from concurrent workers until Seal freezes it.
type RunResult struct {
	mu     sync.Mutex
	sealed bool

	ID           string                     `json:"id"`
	Status       string                     `json:"status"`
	DryRun       bool                       `json:"dry_run"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   time.Time                  `json:"finished_at"`
	BooksTotal   int                        `json:"books_total"`
	BooksInvalid int                        `json:"books_invalid"`
	Services     map[string]*ServiceSummary `json:"services"`
	Totals       Totals                     `json:"totals"`
	Error        string                     `json:"error,omitempty"`
}

// NewRunResult creates an empty result for the given services.
func NewRunResult(id string, dryRun bool, services []string) *RunResult {
	summaries := make(map[string]*ServiceSummary, len(services))
	for _, name := range services {
		summaries[name] = &ServiceSummary{Service: name}
	}
	return &RunResult{
		ID:        id,
		Status:    "running",
		DryRun:    dryRun,
		StartedAt: time.Now().UTC(),
		Services:  summaries,
	}
}

// SetSnapshot records how many books the source reported.
func (r *RunResult) SetSnapshot(total, invalid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BooksTotal = total
	r.BooksInvalid = invalid
}

// Record adds one outcome. It fails once the run has been sealed.
func (r *RunResult) Record(o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}

	summary, ok := r.Services[o.Service]
	if !ok {
		summary = &ServiceSummary{Service: o.Service}
		r.Services[o.Service] = summary
	}
	summary.Outcomes = append(summary.Outcomes, o)

	switch o.Action {
	case reconcile.ActionUpdate, reconcile.ActionMarkFinished:
		summary.Synced++
	case reconcile.ActionSkipNoMapping:
		summary.NoMatch++
	case reconcile.ActionError:
		summary.Errors++
	default:
		summary.Skipped++
	}
	return nil
}

// MarkAuthFailed flags a service whose session or credentials failed.
func (r *RunResult) MarkAuthFailed(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary, ok := r.Services[service]
	if !ok {
		summary = &ServiceSummary{Service: service}
		r.Services[service] = summary
	}
	summary.AuthFailed = true
}

// Seal freezes the result: no more outcomes are accepted, totals are
// computed, and the final status is set.
func (r *RunResult) Seal(status string, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return
	}
	r.sealed = true
	r.Status = status
	r.FinishedAt = time.Now().UTC()
	if runErr != nil {
		r.Error = runErr.Error()
	}

	r.Totals = Totals{}
	for _, summary := range r.Services {
		r.Totals.Synced += summary.Synced
		r.Totals.Skipped += summary.Skipped
		r.Totals.NoMatch += summary.NoMatch
		r.Totals.Errors += summary.Errors
	}
}

// Sealed reports whether the result has been frozen.
func (r *RunResult) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Duration returns how long the run took. Before sealing it reports the
// time elapsed so far.
func (r *RunResult) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// JSON renders the run report. Service keys marshal in sorted order, so
// the output is stable for a given set of outcomes.
func (r *RunResult) JSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r, "", "  ")
}
