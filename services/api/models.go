package api

import (
	"time"

	"github.com/google/uuid"
)

// Run is the API representation of a training run.
type Run struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Recipe     string         `json:"recipe" db:"recipe"`
	BaseModel  string         `json:"base_model" db:"base_model"`
	Status     string         `json:"status" db:"status"`
	Progress   float64        `json:"progress" db:"progress"`
	Config     map[string]any `json:"config" db:"config"`
	DatasetRef string         `json:"dataset_ref,omitempty" db:"dataset_ref"`
	Error      string         `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	FinishedAt *time.Time     `json:"finished_at" db:"finished_at"`
}

// Checkpoint is a registered sampler snapshot produced by a run.
type Checkpoint struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	RunID     uuid.UUID      `json:"run_id" db:"run_id"`
	Path      string         `json:"path" db:"path"`
	Kind      string         `json:"kind" db:"kind"`
	Step      int64          `json:"step" db:"step"`
	Meta      map[string]any `json:"meta" db:"meta"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Artifact tracks a bundle or export uploaded to object storage.
type Artifact struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	RunID     *uuid.UUID     `json:"run_id,omitempty" db:"run_id"`
	Kind      string         `json:"kind" db:"kind"`
	SHA256    string         `json:"sha256" db:"sha256"`
	URL       string         `json:"url" db:"url"`
	Size      int64          `json:"size" db:"size"`
	Meta      map[string]any `json:"meta" db:"meta"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
