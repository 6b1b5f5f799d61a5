package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/api/audiobookshelf"
	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/match"
	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/target"
)

// stubSource returns a canned snapshot. When block is set the fetch
// waits until the channel is closed, which lets tests hold a run open.
type stubSource struct {
	snapshot *audiobookshelf.Snapshot
	err      error
	block    chan struct{}
}

func (s *stubSource) GetListeningBooks(ctx context.Context) (*audiobookshelf.Snapshot, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.snapshot, nil
}

func mappingKey(bookID, service string) string { return bookID + "/" + service }

// stubMatcher resolves from a fixed table. Unknown books report no
// match, like the real resolver after exhausting its tiers.
type stubMatcher struct {
	mappings map[string]*database.Mapping
	errs     map[string]error
}

func (m *stubMatcher) Resolve(ctx context.Context, book models.Audiobook, svc target.Service) (*database.Mapping, error) {
	key := mappingKey(book.ID, svc.Name())
	if err, ok := m.errs[key]; ok {
		return nil, err
	}
	if mapping, ok := m.mappings[key]; ok {
		return mapping, nil
	}
	return nil, match.ErrNoMatch
}

// memoryRunStore records run persistence calls.
type memoryRunStore struct {
	mu        sync.Mutex
	createErr error
	created   []*database.SyncRun
	finished  *database.SyncRun
	records   []database.SyncRecord
}

func (s *memoryRunStore) CreateRun(ctx context.Context, run *database.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, run)
	return nil
}

func (s *memoryRunStore) FinishRun(ctx context.Context, run *database.SyncRun, records []database.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = run
	s.records = records
	return nil
}

// stubTarget is an in-memory target service that records every write.
type stubTarget struct {
	mu sync.Mutex

	name        string
	beginErr    error
	progress    map[string]target.Progress
	progressErr map[string]error
	updateErr   map[string]error

	begun    int
	ended    int
	updates  map[string]int
	finished []string
}

func newStubTarget(name string) *stubTarget {
	return &stubTarget{
		name:        name,
		progress:    make(map[string]target.Progress),
		progressErr: make(map[string]error),
		updateErr:   make(map[string]error),
		updates:     make(map[string]int),
	}
}

func (s *stubTarget) Name() string { return s.name }

func (s *stubTarget) BeginSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun++
	return s.beginErr
}

func (s *stubTarget) EndSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
	return nil
}

func (s *stubTarget) FindByISBN(ctx context.Context, isbn string) ([]target.Candidate, error) {
	return nil, nil
}

func (s *stubTarget) FindByASIN(ctx context.Context, asin string) ([]target.Candidate, error) {
	return nil, nil
}

func (s *stubTarget) FindByTitle(ctx context.Context, title string) ([]target.Candidate, error) {
	return nil, nil
}

func (s *stubTarget) CurrentProgress(ctx context.Context, serviceBookID string) (target.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.progressErr[serviceBookID]; err != nil {
		return target.Progress{}, err
	}
	return s.progress[serviceBookID], nil
}

func (s *stubTarget) UpdateProgress(ctx context.Context, serviceBookID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[serviceBookID]; err != nil {
		return err
	}
	s.updates[serviceBookID] = percent
	return nil
}

func (s *stubTarget) MarkFinished(ctx context.Context, serviceBookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, serviceBookID)
	return nil
}

func listeningBook(id, title string, listened, total time.Duration, finished bool) models.Audiobook {
	return models.Audiobook{
		ID:               id,
		Title:            title,
		Author:           "Andy Weir",
		TotalDuration:    total,
		ListenedDuration: listened,
		Finished:         finished,
	}
}

func TestNewServiceValidation(t *testing.T) {
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{}}
	targets := []target.Service{newStubTarget("hardcover")}
	matcher := &stubMatcher{}
	store := &memoryRunStore{}

	tests := []struct {
		name    string
		source  Source
		targets []target.Service
		matcher Matcher
		store   RunStore
	}{
		{"nil source", nil, targets, matcher, store},
		{"no targets", source, nil, matcher, store},
		{"nil matcher", source, targets, nil, store},
		{"nil store", source, targets, matcher, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.source, tt.targets, tt.matcher, tt.store, Options{}, logger.Get())
			assert.Error(t, err)
			assert.Nil(t, svc)
		})
	}
}

func TestRunSyncsAcrossServices(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
		listeningBook("book-2", "The Martian", 4*time.Hour, 4*time.Hour, true),
		listeningBook("book-3", "Artemis", 2*time.Minute, 4*time.Hour, false),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books, Invalid: 1}}

	hc := newStubTarget("hardcover")
	hc.progress["hc-1"] = target.Progress{Percent: 20}
	sg := newStubTarget("storygraph")
	sg.progress["sg-1"] = target.Progress{Percent: 20}

	matcher := &stubMatcher{mappings: map[string]*database.Mapping{
		mappingKey("book-1", "hardcover"):  {BookID: "book-1", Service: "hardcover", ServiceBookID: "hc-1"},
		mappingKey("book-2", "hardcover"):  {BookID: "book-2", Service: "hardcover", ServiceBookID: "hc-2"},
		mappingKey("book-3", "hardcover"):  {BookID: "book-3", Service: "hardcover", ServiceBookID: "hc-3"},
		mappingKey("book-1", "storygraph"): {BookID: "book-1", Service: "storygraph", ServiceBookID: "sg-1"},
		mappingKey("book-2", "storygraph"): {BookID: "book-2", Service: "storygraph", ServiceBookID: "sg-2"},
		mappingKey("book-3", "storygraph"): {BookID: "book-3", Service: "storygraph", ServiceBookID: "sg-3"},
	}}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc, sg}, matcher, store, Options{
		MinListenTime: 10 * time.Minute,
		LockFile:      filepath.Join(t.TempDir(), "sync.lock"),
		MaxConcurrent: map[string]int{"hardcover": 3, "storygraph": 2},
	}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Sealed())
	assert.Equal(t, database.RunStatusCompleted, result.Status)
	assert.Equal(t, 3, result.BooksTotal)
	assert.Equal(t, 1, result.BooksInvalid)
	assert.Equal(t, Totals{Synced: 4, Skipped: 2, NoMatch: 0, Errors: 0}, result.Totals)

	// Halfway through a 4h book with the target at 20% advances to 50%,
	// the finished book is marked finished, the barely-started one is
	// never written.
	assert.Equal(t, map[string]int{"hc-1": 50}, hc.updates)
	assert.Equal(t, []string{"hc-2"}, hc.finished)
	assert.Equal(t, map[string]int{"sg-1": 50}, sg.updates)
	assert.Equal(t, []string{"sg-2"}, sg.finished)

	assert.Equal(t, 1, hc.begun)
	assert.Equal(t, 1, hc.ended)
	assert.Equal(t, 1, sg.begun)
	assert.Equal(t, 1, sg.ended)

	require.NotNil(t, store.finished)
	assert.Equal(t, result.ID, store.finished.ID)
	assert.Equal(t, database.RunStatusCompleted, store.finished.Status)
	assert.Equal(t, 4, store.finished.BooksSynced)
	assert.Equal(t, 2, store.finished.BooksSkipped)
	require.NotNil(t, store.finished.FinishedAt)
	assert.NotEmpty(t, store.finished.SummaryJSON)
	assert.Len(t, store.records, 6)

	assert.Same(t, result, svc.LastResult())
	assert.False(t, svc.Running())
}

func TestRunDryRunWritesNothing(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
		listeningBook("book-2", "The Martian", 4*time.Hour, 4*time.Hour, true),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books}}

	hc := newStubTarget("hardcover")
	matcher := &stubMatcher{mappings: map[string]*database.Mapping{
		mappingKey("book-1", "hardcover"): {BookID: "book-1", Service: "hardcover", ServiceBookID: "hc-1"},
		mappingKey("book-2", "hardcover"): {BookID: "book-2", Service: "hardcover", ServiceBookID: "hc-2"},
	}}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, matcher, store, Options{DryRun: true}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, hc.updates)
	assert.Empty(t, hc.finished)

	// Decisions are still recorded so a dry run previews the real one.
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.Totals.Synced)
	for _, o := range result.Services["hardcover"].Outcomes {
		assert.True(t, strings.HasPrefix(o.Detail, "dry-run: "), "detail %q", o.Detail)
	}

	require.NotNil(t, store.finished)
	assert.True(t, store.finished.DryRun)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	source := &stubSource{
		snapshot: &audiobookshelf.Snapshot{},
		block:    release,
	}
	hc := newStubTarget("hardcover")
	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, &stubMatcher{}, store, Options{}, logger.Get())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Run(context.Background())
	}()

	require.Eventually(t, svc.Running, 2*time.Second, 5*time.Millisecond)

	_, err = svc.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never finished")
	}
	assert.False(t, svc.Running())
}

func TestRunSnapshotFailureSealsFailedRun(t *testing.T) {
	source := &stubSource{err: errors.New("library unreachable")}
	hc := newStubTarget("hardcover")
	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, &stubMatcher{}, store, Options{}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, database.RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "library unreachable")
	assert.True(t, result.Sealed())

	// The failed run still lands in history.
	require.NotNil(t, store.finished)
	assert.Equal(t, database.RunStatusFailed, store.finished.Status)
	assert.Contains(t, store.finished.Error, "library unreachable")

	assert.Equal(t, 0, hc.begun)
	assert.Same(t, result, svc.LastResult())
}

func TestRunCreateRunFailureAborts(t *testing.T) {
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{}}
	hc := newStubTarget("hardcover")
	store := &memoryRunStore{createErr: errors.New("disk full")}
	svc, err := NewService(source, []target.Service{hc}, &stubMatcher{}, store, Options{}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.False(t, svc.Running())
}

func TestRunAuthFailureOnSessionSkipsService(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books}}

	hc := newStubTarget("hardcover")
	hc.beginErr = &target.AuthError{Service: "hardcover", Err: errors.New("token expired")}
	sg := newStubTarget("storygraph")
	sg.progress["sg-1"] = target.Progress{Percent: 20}

	matcher := &stubMatcher{mappings: map[string]*database.Mapping{
		mappingKey("book-1", "hardcover"):  {BookID: "book-1", Service: "hardcover", ServiceBookID: "hc-1"},
		mappingKey("book-1", "storygraph"): {BookID: "book-1", Service: "storygraph", ServiceBookID: "sg-1"},
	}}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc, sg}, matcher, store, Options{}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, database.RunStatusCompleted, result.Status)
	assert.True(t, result.Services["hardcover"].AuthFailed)
	assert.Empty(t, result.Services["hardcover"].Outcomes)
	assert.Empty(t, hc.updates)
	assert.Equal(t, 0, hc.ended)

	// The healthy service is unaffected.
	assert.False(t, result.Services["storygraph"].AuthFailed)
	assert.Equal(t, map[string]int{"sg-1": 50}, sg.updates)
}

func TestRunAuthLossMidRunAbortsService(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
		listeningBook("book-2", "The Martian", 3*time.Hour, 4*time.Hour, false),
		listeningBook("book-3", "Artemis", 1*time.Hour, 4*time.Hour, false),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books}}

	hc := newStubTarget("hardcover")
	hc.updateErr["hc-1"] = &target.AuthError{Service: "hardcover", Err: errors.New("session revoked")}

	matcher := &stubMatcher{mappings: map[string]*database.Mapping{
		mappingKey("book-1", "hardcover"): {BookID: "book-1", Service: "hardcover", ServiceBookID: "hc-1"},
		mappingKey("book-2", "hardcover"): {BookID: "book-2", Service: "hardcover", ServiceBookID: "hc-2"},
		mappingKey("book-3", "hardcover"): {BookID: "book-3", Service: "hardcover", ServiceBookID: "hc-3"},
	}}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, matcher, store, Options{}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	// One worker at a time, so the auth loss on the first book stops
	// the rest of the shelf.
	assert.Equal(t, database.RunStatusCompleted, result.Status)
	assert.True(t, result.Services["hardcover"].AuthFailed)
	assert.Empty(t, result.Services["hardcover"].Outcomes)
	assert.Empty(t, hc.updates)
	assert.Equal(t, 1, hc.ended)
}

func TestRunTransientFailureDoesNotStopService(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
		listeningBook("book-2", "The Martian", 2*time.Hour, 4*time.Hour, false),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books}}

	hc := newStubTarget("hardcover")
	hc.updateErr["hc-1"] = &target.TransientError{Op: "update_progress", Err: errors.New("502 bad gateway")}

	matcher := &stubMatcher{mappings: map[string]*database.Mapping{
		mappingKey("book-1", "hardcover"): {BookID: "book-1", Service: "hardcover", ServiceBookID: "hc-1"},
		mappingKey("book-2", "hardcover"): {BookID: "book-2", Service: "hardcover", ServiceBookID: "hc-2"},
	}}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, matcher, store, Options{}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, database.RunStatusCompleted, result.Status)
	assert.False(t, result.Services["hardcover"].AuthFailed)
	assert.Equal(t, 1, result.Services["hardcover"].Errors)
	assert.Equal(t, 1, result.Services["hardcover"].Synced)
	assert.Equal(t, map[string]int{"hc-2": 50}, hc.updates)
}

func TestRunRecordsResolverOutcomes(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
		listeningBook("book-2", "The Martian", 2*time.Hour, 4*time.Hour, false),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books}}

	hc := newStubTarget("hardcover")
	matcher := &stubMatcher{
		// book-1 has no mapping anywhere; book-2 hits a store failure.
		errs: map[string]error{
			mappingKey("book-2", "hardcover"): errors.New("mapping store locked"),
		},
	}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, matcher, store, Options{}, logger.Get())
	require.NoError(t, err)

	result, err := svc.Run(context.Background())
	require.NoError(t, err)

	summary := result.Services["hardcover"]
	assert.Equal(t, 1, summary.NoMatch)
	assert.Equal(t, 1, summary.Errors)
	assert.Empty(t, hc.updates)
}

func TestRunCanceledContextSealsCanceled(t *testing.T) {
	books := []models.Audiobook{
		listeningBook("book-1", "Project Hail Mary", 2*time.Hour, 4*time.Hour, false),
	}
	source := &stubSource{snapshot: &audiobookshelf.Snapshot{Books: books}}

	hc := newStubTarget("hardcover")
	matcher := &stubMatcher{mappings: map[string]*database.Mapping{
		mappingKey("book-1", "hardcover"): {BookID: "book-1", Service: "hardcover", ServiceBookID: "hc-1"},
	}}

	store := &memoryRunStore{}
	svc, err := NewService(source, []target.Service{hc}, matcher, store, Options{}, logger.Get())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, database.RunStatusCanceled, result.Status)
	assert.True(t, result.Sealed())
	assert.Empty(t, hc.updates)

	// History still records the canceled run.
	require.NotNil(t, store.finished)
	assert.Equal(t, database.RunStatusCanceled, store.finished.Status)
}
