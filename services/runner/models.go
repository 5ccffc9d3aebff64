package runner

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"tuned/services/trainer"
)

// Run statuses. Progress is monotonically non-decreasing while a run is
// running and reaches 1.0 exactly when the run completes.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Column types live in the goose migration; the tags here stay
// dialect-neutral so the models also migrate onto the sqlite test driver.
type runModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Recipe     string    `gorm:"not null"`
	BaseModel  string    `gorm:"not null"`
	Status     string    `gorm:"not null;default:'pending';index"`
	Progress   float64   `gorm:"not null;default:0"`
	Config     datatypes.JSONMap
	DatasetRef string
	LogsPath   string
	Error      string
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	FinishedAt *time.Time
}

func (runModel) TableName() string { return "runs" }

func (r runModel) toTrainerRun() *trainer.Run {
	cfg := make(map[string]any, len(r.Config))
	for k, v := range r.Config {
		cfg[k] = v
	}
	return &trainer.Run{
		ID:         r.ID,
		Recipe:     r.Recipe,
		BaseModel:  r.BaseModel,
		DatasetRef: r.DatasetRef,
		Config:     cfg,
		LogsPath:   r.LogsPath,
	}
}

type checkpointModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Path      string    `gorm:"not null"`
	Kind      string    `gorm:"not null;default:'sampler'"`
	Step      int64     `gorm:"not null;default:0"`
	Meta      datatypes.JSONMap
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

func (checkpointModel) TableName() string { return "checkpoints" }
