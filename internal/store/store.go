// Package store persists process events and finished rendering jobs in an
// embedded sqlite database for history queries and the event feed.
package store

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/avendel/stagehand/internal/models"
	"github.com/avendel/stagehand/internal/render"
)

// Store wraps the history database. Its recorder methods are fire and
// forget: a history write failure is logged, never surfaced to the
// operation that triggered it.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&models.ProcessEvent{}, &models.RenderJobRecord{}); err != nil {
		return nil, fmt.Errorf("store: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}

// RecordProcessEvent appends one process lifecycle event.
func (s *Store) RecordProcessEvent(processID string, port int, event, detail string) {
	row := models.ProcessEvent{
		ProcessID: processID,
		Port:      port,
		Event:     event,
		Detail:    detail,
	}
	if err := s.db.Create(&row).Error; err != nil {
		log.Printf("store: record process event %s/%s: %v", processID, event, err)
	}
}

// RecordJob upserts the history row for a terminal rendering job.
func (s *Store) RecordJob(job render.Job) {
	row := models.RenderJobRecord{
		JobID:        job.ID,
		SessionID:    job.SessionID,
		Status:       string(job.Status),
		Priority:     job.Priority,
		Width:        job.Params.Width,
		Height:       job.Params.Height,
		Format:       job.Params.Format,
		ArtifactPath: job.ArtifactPath,
		ArtifactSize: job.ArtifactSize,
		Error:        job.Error,
		SubmittedAt:  job.SubmittedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	if err := s.db.Where("job_id = ?", job.ID).
		Assign(row).
		FirstOrCreate(&models.RenderJobRecord{}).Error; err != nil {
		log.Printf("store: record job %s: %v", job.ID, err)
	}
}

// RecentJobs returns the newest finished jobs, most recent first.
func (s *Store) RecentJobs(limit int) ([]models.RenderJobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.RenderJobRecord
	if err := s.db.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: recent jobs: %w", err)
	}
	return rows, nil
}

// EventsSince returns process events with an id greater than afterID,
// oldest first. The event feed polls this.
func (s *Store) EventsSince(afterID uint, limit int) ([]models.ProcessEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.ProcessEvent
	if err := s.db.Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: events since %d: %w", afterID, err)
	}
	return rows, nil
}

// LatestEventID returns the id of the newest process event, or 0 when no
// events exist. The event feed initializes its cursor from this so fresh
// clients never replay history.
func (s *Store) LatestEventID() (uint, error) {
	var row models.ProcessEvent
	err := s.db.Order("id DESC").Limit(1).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: latest event id: %w", err)
	}
	return row.ID, nil
}

// PruneEvents deletes process events older than the retention window.
// Returns the number deleted.
func (s *Store) PruneEvents(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.ProcessEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: prune events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
