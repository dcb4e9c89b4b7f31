package models

import "time"

// ProcessEvent records one lifecycle transition of an engine process:
// spawned, ready, startup_failed, crashed, swept, terminated.
type ProcessEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ProcessID string `gorm:"size:36;index"`
	Port      int
	Event     string `gorm:"size:24;index"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}
