package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
)

// ErrRunNotFound is returned when a sync run id is unknown
var ErrRunNotFound = errors.New("sync run not found")

// Repository provides database operations for mappings and sync history
type Repository struct {
	db     *Database
	logger *logger.Logger
}

// NewRepository creates a new repository instance
func NewRepository(db *Database, log *logger.Logger) *Repository {
	if log == nil {
		log = logger.Get()
	}
	return &Repository{
		db:     db,
		logger: log,
	}
}

// GetMapping returns the mapping for a (book, service) pair, or nil
// when none has been recorded yet.
func (r *Repository) GetMapping(ctx context.Context, bookID, service string) (*Mapping, error) {
	var m Mapping
	err := r.db.GetDB().WithContext(ctx).
		Where("book_id = ? AND service = ?", bookID, service).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return &m, nil
}

// SaveMapping stores an accepted match. An existing mapping is only
// replaced by one of equal or higher method rank; a lower ranked match
// never silently downgrades what is already stored. On return m holds
// the row that won.
func (r *Repository) SaveMapping(ctx context.Context, m *Mapping) error {
	existing, err := r.GetMapping(ctx, m.BookID, m.Service)
	if err != nil {
		return err
	}

	if existing == nil {
		if err := r.db.GetDB().WithContext(ctx).Create(m).Error; err != nil {
			return fmt.Errorf("failed to create mapping: %w", err)
		}
		r.logger.Info("Stored new mapping", map[string]interface{}{
			"book_id":         m.BookID,
			"service":         m.Service,
			"service_book_id": m.ServiceBookID,
			"method":          m.Method,
			"confidence":      m.Confidence,
		})
		return nil
	}

	if !existing.Rejected {
		newRank := models.MatchMethod(m.Method).Rank()
		oldRank := models.MatchMethod(existing.Method).Rank()
		if newRank < oldRank || (newRank == oldRank && m.Confidence < existing.Confidence) {
			r.logger.Debug("Keeping existing higher ranked mapping", map[string]interface{}{
				"book_id":         m.BookID,
				"service":         m.Service,
				"existing_method": existing.Method,
				"offered_method":  m.Method,
			})
			*m = *existing
			return nil
		}
	}

	m.ID = existing.ID
	m.CreatedAt = existing.CreatedAt
	m.Rejected = false
	m.Reason = ""
	if err := r.db.GetDB().WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	r.logger.Info("Updated mapping", map[string]interface{}{
		"book_id":         m.BookID,
		"service":         m.Service,
		"service_book_id": m.ServiceBookID,
		"method":          m.Method,
		"confidence":      m.Confidence,
	})
	return nil
}

// RejectMapping records that no usable match exists for the pair, so
// later runs skip the book until the rejection ages out.
func (r *Repository) RejectMapping(ctx context.Context, bookID, service, reason string) error {
	existing, err := r.GetMapping(ctx, bookID, service)
	if err != nil {
		return err
	}

	if existing == nil {
		m := &Mapping{
			BookID:   bookID,
			Service:  service,
			Rejected: true,
			Reason:   reason,
		}
		if err := r.db.GetDB().WithContext(ctx).Create(m).Error; err != nil {
			return fmt.Errorf("failed to create rejection: %w", err)
		}
	} else {
		existing.Rejected = true
		existing.Reason = reason
		existing.ServiceBookID = ""
		existing.Method = ""
		existing.Confidence = 0
		if err := r.db.GetDB().WithContext(ctx).Save(existing).Error; err != nil {
			return fmt.Errorf("failed to update rejection: %w", err)
		}
	}

	r.logger.Info("Recorded match rejection", map[string]interface{}{
		"book_id": bookID,
		"service": service,
		"reason":  reason,
	})
	return nil
}

// SetManualMapping stores an operator supplied mapping, overriding
// whatever automatic match or rejection exists for the pair.
func (r *Repository) SetManualMapping(ctx context.Context, bookID, service, serviceBookID, title, author string) error {
	m := &Mapping{
		BookID:        bookID,
		Service:       service,
		ServiceBookID: serviceBookID,
		Method:        string(models.MethodManual),
		Confidence:    models.MethodManual.Confidence(),
		Title:         title,
		Author:        author,
	}

	existing, err := r.GetMapping(ctx, bookID, service)
	if err != nil {
		return err
	}
	if existing != nil {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	}

	if err := r.db.GetDB().WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("failed to save manual mapping: %w", err)
	}

	r.logger.Info("Stored manual mapping", map[string]interface{}{
		"book_id":         bookID,
		"service":         service,
		"service_book_id": serviceBookID,
	})
	return nil
}

// DeleteMapping removes the mapping for a pair entirely, so the next
// run attempts a fresh match.
func (r *Repository) DeleteMapping(ctx context.Context, bookID, service string) error {
	result := r.db.GetDB().WithContext(ctx).
		Where("book_id = ? AND service = ?", bookID, service).
		Delete(&Mapping{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete mapping: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mapping not found for book %s on %s", bookID, service)
	}

	r.logger.Info("Deleted mapping", map[string]interface{}{
		"book_id": bookID,
		"service": service,
	})
	return nil
}

// ListMappings returns mappings ordered by most recently updated
func (r *Repository) ListMappings(ctx context.Context, limit, offset int) ([]Mapping, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var mappings []Mapping
	err := r.db.GetDB().WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return mappings, nil
}

// ListRejectedMappings returns all rejected mappings, most recent first
func (r *Repository) ListRejectedMappings(ctx context.Context) ([]Mapping, error) {
	var mappings []Mapping
	err := r.db.GetDB().WithContext(ctx).
		Where("rejected = ?", true).
		Order("updated_at DESC").
		Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rejected mappings: %w", err)
	}
	return mappings, nil
}

// CountMappings returns the total number of mapping rows
func (r *Repository) CountMappings(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetDB().WithContext(ctx).Model(&Mapping{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}

// CreateRun inserts a new sync run in running state
func (r *Repository) CreateRun(ctx context.Context, run *SyncRun) error {
	if err := r.db.GetDB().WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// FinishRun seals a run and writes its per-book records in one
// transaction. Records are only persisted here, never incrementally.
func (r *Repository) FinishRun(ctx context.Context, run *SyncRun, records []SyncRecord) error {
	err := r.db.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(run).Error; err != nil {
			return fmt.Errorf("failed to update sync run: %w", err)
		}
		if len(records) > 0 {
			if err := tx.CreateInBatches(&records, 100).Error; err != nil {
				return fmt.Errorf("failed to write sync records: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Sealed sync run", map[string]interface{}{
		"run_id":  run.ID,
		"status":  run.Status,
		"records": len(records),
	})
	return nil
}

// GetRun returns a run and its records
func (r *Repository) GetRun(ctx context.Context, id string) (*SyncRun, []SyncRecord, error) {
	var run SyncRun
	err := r.db.GetDB().WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	var records []SyncRecord
	err = r.db.GetDB().WithContext(ctx).
		Where("run_id = ?", id).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sync records: %w", err)
	}
	return &run, records, nil
}

// ListRuns returns the most recent runs first
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	var runs []SyncRun
	err := r.db.GetDB().WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

// ListRecords returns recent per-book outcomes across all runs
func (r *Repository) ListRecords(ctx context.Context, limit int) ([]SyncRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var records []SyncRecord
	err := r.db.GetDB().WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sync records: %w", err)
	}
	return records, nil
}

// Stats summarizes the stored mappings and runs
type Stats struct {
	TotalMappings    int64    `json:"total_mappings"`
	RejectedMappings int64    `json:"rejected_mappings"`
	ManualMappings   int64    `json:"manual_mappings"`
	TotalRuns        int64    `json:"total_runs"`
	LastRun          *SyncRun `json:"last_run,omitempty"`
	// ActionCounts covers outcomes recorded in the last 24 hours.
	ActionCounts map[string]int64 `json:"action_counts"`
}

// GetStats collects aggregate statistics for the status endpoints
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	db := r.db.GetDB().WithContext(ctx)
	stats := &Stats{ActionCounts: make(map[string]int64)}

	if err := db.Model(&Mapping{}).Count(&stats.TotalMappings).Error; err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	if err := db.Model(&Mapping{}).Where("rejected = ?", true).Count(&stats.RejectedMappings).Error; err != nil {
		return nil, fmt.Errorf("failed to count rejected mappings: %w", err)
	}
	if err := db.Model(&Mapping{}).Where("method = ?", string(models.MethodManual)).Count(&stats.ManualMappings).Error; err != nil {
		return nil, fmt.Errorf("failed to count manual mappings: %w", err)
	}
	if err := db.Model(&SyncRun{}).Count(&stats.TotalRuns).Error; err != nil {
		return nil, fmt.Errorf("failed to count sync runs: %w", err)
	}

	var actionRows []struct {
		Action string
		Count  int64
	}
	err := db.Model(&SyncRecord{}).
		Select("action, count(*) as count").
		Where("created_at > ?", time.Now().Add(-24*time.Hour)).
		Group("action").
		Scan(&actionRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate record actions: %w", err)
	}
	for _, row := range actionRows {
		stats.ActionCounts[row.Action] = row.Count
	}

	runs, err := r.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		stats.LastRun = &runs[0]
	}

	return stats, nil
}
