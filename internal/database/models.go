package database

import (
	"time"

	"gorm.io/gorm"
)

// Mapping links a source audiobook to a book on a target service.
// At most one non-rejected row exists per (book, service) pair.
type Mapping struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	BookID        string    `gorm:"not null;uniqueIndex:idx_mapping_book_service" json:"book_id"`
	Service       string    `gorm:"not null;uniqueIndex:idx_mapping_book_service" json:"service"`
	ServiceBookID string    `json:"service_book_id"`
	Method        string    `json:"method"`
	Confidence    float64   `json:"confidence"`
	Rejected      bool      `gorm:"default:false" json:"rejected"`
	Reason        string    `json:"reason,omitempty"`
	Title         string    `json:"title,omitempty"`
	Author        string    `json:"author,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// SyncRun is one execution of the sync engine
type SyncRun struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	Status       string     `gorm:"not null" json:"status"`
	DryRun       bool       `json:"dry_run"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	BooksTotal   int        `json:"books_total"`
	BooksInvalid int        `json:"books_invalid"`
	BooksSynced  int        `json:"books_synced"`
	BooksSkipped int        `json:"books_skipped"`
	BooksFailed  int        `json:"books_failed"`
	BooksNoMatch int        `json:"books_no_match"`
	Error        string     `json:"error,omitempty"`
	SummaryJSON  string     `gorm:"type:text" json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SyncRecord is the outcome for one book on one service within a run
type SyncRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"not null;index" json:"run_id"`
	BookID    string    `gorm:"not null;index" json:"book_id"`
	Service   string    `gorm:"not null" json:"service"`
	Title     string    `json:"title"`
	Action    string    `gorm:"not null" json:"action"`
	Progress  int       `json:"progress"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate hook for Mapping
func (m *Mapping) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for Mapping
func (m *Mapping) BeforeUpdate(tx *gorm.DB) error {
	m.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook for SyncRun
func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for SyncRun
func (r *SyncRun) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook for SyncRecord
func (s *SyncRecord) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return nil
}
