package models

import "time"

// RenderJobRecord is the persisted history row for one finished rendering
// job. The live queue remains the source of truth while a job is active.
type RenderJobRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	JobID        string `gorm:"size:36;uniqueIndex"`
	SessionID    string `gorm:"size:36;index"`
	Status       string `gorm:"size:16;index"`
	Priority     int
	Width        int
	Height       int
	Format       string `gorm:"size:8"`
	ArtifactPath string `gorm:"size:512"`
	ArtifactSize int64
	Error        string `gorm:"type:text"`
	SubmittedAt  time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}
