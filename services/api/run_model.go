package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// The goose migration owns the postgres column types; these tags stay
// dialect-neutral so the same models migrate onto the sqlite test driver.
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

func (r runModel) toAPI() Run {
	return Run{
		ID:         r.ID,
		Recipe:     r.Recipe,
		BaseModel:  r.BaseModel,
		Status:     r.Status,
		Progress:   r.Progress,
		Config:     map[string]any(r.Config),
		DatasetRef: r.DatasetRef,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
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

func (c checkpointModel) toAPI() Checkpoint {
	return Checkpoint{
		ID:        c.ID,
		RunID:     c.RunID,
		Path:      c.Path,
		Kind:      c.Kind,
		Step:      c.Step,
		Meta:      map[string]any(c.Meta),
		CreatedAt: c.CreatedAt,
	}
}

type artifactModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RunID     *uuid.UUID `gorm:"type:uuid;index"`
	Kind      string     `gorm:"not null"`
	SHA256    string     `gorm:"not null"`
	URL       string     `gorm:"not null"`
	Size      int64      `gorm:"not null;default:0"`
	Meta      datatypes.JSONMap
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (a artifactModel) toAPI() Artifact {
	return Artifact{
		ID:        a.ID,
		RunID:     a.RunID,
		Kind:      a.Kind,
		SHA256:    a.SHA256,
		URL:       a.URL,
		Size:      a.Size,
		Meta:      map[string]any(a.Meta),
		CreatedAt: a.CreatedAt,
	}
}
