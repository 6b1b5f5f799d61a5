// Package sync orchestrates a full synchronization run: fetch the
// listening snapshot from the source library, resolve each book against
// every enabled target service, reconcile progress, and push the
// updates that survive reconciliation.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsync/shelfsync/internal/api/audiobookshelf"
	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/match"
	"github.com/shelfsync/shelfsync/internal/mismatch"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/reconcile"
	"github.com/shelfsync/shelfsync/internal/target"
)

// ErrRunInProgress is returned when a run is requested while another is
// still active, in this process or in another one holding the lock file.
var ErrRunInProgress = errors.New("sync run already in progress")

// Source fetches the listening snapshot from the source library.
type Source interface {
	GetListeningBooks(ctx context.Context) (*audiobookshelf.Snapshot, error)
}

// Matcher resolves a source book to a mapping on a target service.
type Matcher interface {
	Resolve(ctx context.Context, book models.Audiobook, svc target.Service) (*database.Mapping, error)
}

// RunStore persists run history.
type RunStore interface {
	CreateRun(ctx context.Context, run *database.SyncRun) error
	FinishRun(ctx context.Context, run *database.SyncRun, records []database.SyncRecord) error
}

// Options tunes a sync service.
type Options struct {
	// DryRun logs and records decisions without writing to any service.
	DryRun bool
	// MinListenTime is the listening threshold below which unfinished
	// books are not synced.
	MinListenTime time.Duration
	// LockFile guards against concurrent runs across processes. Empty
	// disables the file lock.
	LockFile string
	// MismatchDir receives the mismatch report files after each run.
	// Empty disables the export.
	MismatchDir string
	// MaxConcurrent caps the per-service worker count, keyed by service
	// name. Services without an entry run one book at a time.
	MaxConcurrent map[string]int
}

// Service coordinates sync runs. Only one run is active at a time.
type Service struct {
	source  Source
	targets []target.Service
	matcher Matcher
	store   RunStore
	opts    Options
	policy  reconcile.Policy
	log     *logger.Logger

	running    atomic.Bool
	fileLock   *flock.Flock
	lastResult atomic.Pointer[RunResult]
}

// NewService creates a sync service.
func NewService(source Source, targets []target.Service, matcher Matcher, store RunStore, opts Options, log *logger.Logger) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target service is required")
	}
	if log == nil {
		log = logger.Get()
	}

	s := &Service{
		source:  source,
		targets: targets,
		matcher: matcher,
		store:   store,
		opts:    opts,
		policy:  reconcile.Policy{MinListenTime: opts.MinListenTime},
		log:     log.With(map[string]interface{}{"component": "sync_service"}),
	}
	if opts.LockFile != "" {
		s.fileLock = flock.New(opts.LockFile)
	}
	return s, nil
}

// Running reports whether a run is active in this process.
func (s *Service) Running() bool {
	return s.running.Load()
}

// LastResult returns the most recently sealed run, or nil before the
// first run completes.
func (s *Service) LastResult() *RunResult {
	return s.lastResult.Load()
}

// Run executes one sync run. The returned result is sealed; when the
// snapshot fetch fails the result carries the failure and an error is
// returned as well.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	if s.fileLock != nil {
		locked, err := s.fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if !locked {
			return nil, ErrRunInProgress
		}
		defer func() {
			if err := s.fileLock.Unlock(); err != nil {
				s.log.Warn("Failed to release sync lock", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	runID := uuid.NewString()[:8]
	log := s.log.With(map[string]interface{}{"run_id": runID})
	log.Info("Starting sync run", map[string]interface{}{
		"dry_run":  s.opts.DryRun,
		"services": len(s.targets),
	})

	names := make([]string, 0, len(s.targets))
	for _, svc := range s.targets {
		names = append(names, svc.Name())
	}
	result := NewRunResult(runID, s.opts.DryRun, names)
	mismatch.Clear()

	dbRun := &database.SyncRun{
		ID:        runID,
		Status:    database.RunStatusRunning,
		DryRun:    s.opts.DryRun,
		StartedAt: result.StartedAt,
	}
	if err := s.store.CreateRun(ctx, dbRun); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	snapshot, err := s.source.GetListeningBooks(ctx)
	if err != nil {
		fetchErr := fmt.Errorf("failed to fetch listening snapshot: %w", err)
		log.Error("Snapshot fetch failed, aborting run", map[string]interface{}{"error": err.Error()})
		result.Seal(database.RunStatusFailed, fetchErr)
		s.persist(ctx, dbRun, result)
		s.lastResult.Store(result)
		return result, fetchErr
	}
	result.SetSnapshot(len(snapshot.Books), snapshot.Invalid)
	log.Info("Snapshot fetched", map[string]interface{}{
		"books":   len(snapshot.Books),
		"invalid": snapshot.Invalid,
	})

	var g errgroup.Group
	for _, svc := range s.targets {
		g.Go(func() error {
			s.syncService(ctx, svc, snapshot.Books, result, log)
			// A failing service never cancels its siblings.
			return nil
		})
	}
	_ = g.Wait()

	status := database.RunStatusCompleted
	if ctx.Err() != nil {
		status = database.RunStatusCanceled
		log.Warn("Sync run canceled", nil)
	}
	result.Seal(status, nil)
	s.persist(ctx, dbRun, result)
	s.lastResult.Store(result)

	if s.opts.MismatchDir != "" {
		if err := mismatch.SaveToFile(s.opts.MismatchDir); err != nil {
			log.Warn("Failed to export mismatch reports", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("Sync run finished", map[string]interface{}{
		"status":   result.Status,
		"synced":   result.Totals.Synced,
		"skipped":  result.Totals.Skipped,
		"no_match": result.Totals.NoMatch,
		"errors":   result.Totals.Errors,
		"duration": result.Duration().String(),
	})
	return result, nil
}

// syncService pushes the whole snapshot to one target service. Books are
// processed by a bounded worker pool; an authentication failure aborts
// the service and leaves the remaining books untouched.
func (s *Service) syncService(ctx context.Context, svc target.Service, books []models.Audiobook, result *RunResult, log *logger.Logger) {
	slog := log.With(map[string]interface{}{"service": svc.Name()})

	if err := svc.BeginSession(ctx); err != nil {
		slog.Error("Failed to open service session, skipping service", map[string]interface{}{
			"error": err.Error(),
		})
		if target.IsAuthError(err) {
			result.MarkAuthFailed(svc.Name())
		}
		return
	}
	defer func() {
		if err := svc.EndSession(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to close service session", map[string]interface{}{"error": err.Error()})
		}
	}()

	limit := s.opts.MaxConcurrent[svc.Name()]
	if limit <= 0 {
		limit = 1
	}

	var authLost atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, book := range books {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if authLost.Load() || gctx.Err() != nil {
				return nil
			}
			outcome, err := s.syncBook(gctx, svc, book, slog)
			if err != nil {
				if target.IsAuthError(err) && authLost.CompareAndSwap(false, true) {
					result.MarkAuthFailed(svc.Name())
					slog.Error("Authentication lost mid-run, aborting service", map[string]interface{}{
						"book_id": book.ID,
						"error":   err.Error(),
					})
				}
				return err
			}
			if outcome != nil {
				if recErr := result.Record(*outcome); recErr != nil {
					slog.Warn("Dropped outcome", map[string]interface{}{"error": recErr.Error()})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !target.IsAuthError(err) && !errors.Is(err, context.Canceled) {
		slog.Error("Service sync stopped early", map[string]interface{}{"error": err.Error()})
	}
}

// syncBook runs the per-book pipeline: resolve, read live progress,
// decide, and write at most once. Failures that only concern this book
// come back as an error outcome; auth failures and cancellation
// propagate as errors so the service can stop.
func (s *Service) syncBook(ctx context.Context, svc target.Service, book models.Audiobook, log *logger.Logger) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Outcome{BookID: book.ID, Title: book.Title, Service: svc.Name()}

	mapping, err := s.matcher.Resolve(ctx, book, svc)
	switch {
	case errors.Is(err, match.ErrNoMatch):
		out.Action = reconcile.ActionSkipNoMapping
		out.Detail = err.Error()
		log.Debug("No mapping for book", map[string]interface{}{"book_id": book.ID})
		return out, nil
	case err != nil:
		if target.IsAuthError(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		out.Action = reconcile.ActionError
		out.Detail = fmt.Sprintf("resolve failed: %v", err)
		log.Warn("Failed to resolve book", map[string]interface{}{
			"book_id": book.ID,
			"error":   err.Error(),
		})
		return out, nil
	}

	current, err := svc.CurrentProgress(ctx, mapping.ServiceBookID)
	if err != nil {
		if target.IsAuthError(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		out.Action = reconcile.ActionError
		out.Detail = fmt.Sprintf("progress read failed: %v", err)
		log.Warn("Failed to read current progress", map[string]interface{}{
			"book_id": book.ID,
			"error":   err.Error(),
		})
		return out, nil
	}

	decision := reconcile.Decide(book, current, s.policy)
	out.Action = decision.Action
	out.Percent = decision.Percent
	out.Detail = decision.Reason

	if !decision.Write() {
		log.Debug("Nothing to write", map[string]interface{}{
			"book_id": book.ID,
			"action":  string(decision.Action),
			"reason":  decision.Reason,
		})
		return out, nil
	}

	if s.opts.DryRun {
		out.Detail = "dry-run: " + decision.Reason
		log.Info("Dry run, skipping write", map[string]interface{}{
			"book_id": book.ID,
			"action":  string(decision.Action),
			"percent": decision.Percent,
		})
		return out, nil
	}

	switch decision.Action {
	case reconcile.ActionMarkFinished:
		err = svc.MarkFinished(ctx, mapping.ServiceBookID)
	case reconcile.ActionUpdate:
		err = svc.UpdateProgress(ctx, mapping.ServiceBookID, decision.Percent)
	}
	if err != nil {
		if target.IsAuthError(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		out.Action = reconcile.ActionError
		out.Detail = fmt.Sprintf("write failed: %v", err)
		log.Warn("Failed to write progress", map[string]interface{}{
			"book_id": book.ID,
			"error":   err.Error(),
		})
		return out, nil
	}

	log.Info("Book synced", map[string]interface{}{
		"book_id": book.ID,
		"title":   book.Title,
		"action":  string(decision.Action),
		"percent": decision.Percent,
	})
	return out, nil
}

// persist writes the sealed run and its records to the store. History
// must survive cancellation, so the write uses a detached context.
func (s *Service) persist(ctx context.Context, run *database.SyncRun, result *RunResult) {
	run.Status = result.Status
	finished := result.FinishedAt
	run.FinishedAt = &finished
	run.BooksTotal = result.BooksTotal
	run.BooksInvalid = result.BooksInvalid
	run.BooksSynced = result.Totals.Synced
	run.BooksSkipped = result.Totals.Skipped
	run.BooksNoMatch = result.Totals.NoMatch
	run.BooksFailed = result.Totals.Errors
	run.Error = result.Error
	if summary, err := result.JSON(); err == nil {
		run.SummaryJSON = string(summary)
	}

	var records []database.SyncRecord
	for _, svc := range result.Services {
		for _, o := range svc.Outcomes {
			records = append(records, database.SyncRecord{
				RunID:    result.ID,
				BookID:   o.BookID,
				Service:  o.Service,
				Title:    o.Title,
				Action:   string(o.Action),
				Progress: o.Percent,
				Detail:   o.Detail,
			})
		}
	}

	if err := s.store.FinishRun(context.WithoutCancel(ctx), run, records); err != nil {
		s.log.Error("Failed to persist run history", map[string]interface{}{
			"run_id": result.ID,
			"error":  err.Error(),
		})
	}
}
