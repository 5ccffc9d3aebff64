package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Tags stay dialect-neutral (the goose migration carries the postgres column
// types) so the models also migrate onto the sqlite test driver.
type runModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Recipe     string
	Status     string `gorm:"index"`
	Error      string
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	FinishedAt *time.Time
}

func (runModel) TableName() string { return "runs" }

type auditModel struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Actor   string `gorm:"not null"`
	Action  string `gorm:"not null"`
	Obj     string
	Details datatypes.JSONMap
	At      time.Time `gorm:"not null;autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

const (
	runStatusPending   = "pending"
	runStatusRunning   = "running"
	runStatusFailed    = "failed"
	runStatusCompleted = "completed"
	runStatusCancelled = "cancelled"
)

// runLifecycleEvent mirrors the payload the supervisor publishes on the run
// subjects.
type runLifecycleEvent struct {
	RunID  uuid.UUID `json:"run_id"`
	Recipe string    `json:"recipe"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}
