package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tuned/services/runner"
	"tuned/services/trainer"
)

const maxRunListLimit = 500

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipe     string         `json:"recipe"`
		BaseModel  string         `json:"base_model"`
		DatasetRef string         `json:"dataset_ref"`
		Config     map[string]any `json:"config"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Recipe = strings.TrimSpace(req.Recipe)
	req.BaseModel = strings.TrimSpace(req.BaseModel)
	if req.Recipe == "" || req.BaseModel == "" {
		respondError(w, http.StatusBadRequest, errors.New("recipe and base_model are required"))
		return
	}
	if a.supervisor != nil {
		if _, err := a.supervisor.Registry.Resolve(req.Recipe); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}

	// Submissions that did not pin hyperparameters get the cookbook
	// recommendations.
	rec := trainer.Recommend(req.BaseModel, req.Recipe, true)
	if _, ok := req.Config["learning_rate"]; !ok {
		req.Config["learning_rate"] = rec.LearningRate
	}
	if _, ok := req.Config["batch_size"]; !ok {
		req.Config["batch_size"] = rec.BatchSize
	}
	if _, ok := req.Config["lora_rank"]; !ok {
		req.Config["lora_rank"] = rec.LoRARank
	}

	id := uuid.New()
	runDir := filepath.Join(a.config.DataDir, "runs", id.String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("create run dir: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	model := runModel{
		ID:         id,
		Recipe:     req.Recipe,
		BaseModel:  req.BaseModel,
		Status:     runner.StatusPending,
		Config:     datatypes.JSONMap(req.Config),
		DatasetRef: req.DatasetRef,
		LogsPath:   filepath.Join(runDir, "logs.txt"),
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if a.supervisor != nil {
		if err := a.supervisor.Submit(ctx, id); err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Errorf("submit run: %w", err))
			return
		}
		model.Status = runner.StatusRunning
	}

	respondJSON(w, http.StatusCreated, map[string]any{"run": model.toAPI()})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	limit := intQuery(r, "limit", 100)
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}

	q := a.store.ORM.WithContext(ctx).Order("created_at DESC").Limit(int(limit))
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		q = q.Where("status = ?", status)
	}

	var models []runModel
	if err := q.Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	model, err := a.fetchRun(ctx, runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run": model.toAPI()})
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	model, err := a.fetchRun(ctx, runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	switch model.Status {
	case runner.StatusPending:
		// Not executing yet, so the terminal status can be written here.
		now := time.Now().UTC()
		res := a.store.ORM.WithContext(ctx).Model(&runModel{}).
			Where("id = ? AND status = ?", runID, runner.StatusPending).
			Updates(map[string]any{"status": runner.StatusCancelled, "finished_at": now})
		if res.Error != nil {
			respondError(w, http.StatusInternalServerError, res.Error)
			return
		}
		model.Status = runner.StatusCancelled
		model.FinishedAt = &now
		respondJSON(w, http.StatusOK, map[string]any{"run": model.toAPI()})
	case runner.StatusRunning:
		if a.supervisor == nil {
			respondError(w, http.StatusFailedDependency, errors.New("no supervisor configured"))
			return
		}
		if err := a.supervisor.Cancel(runID); err != nil {
			respondError(w, http.StatusConflict, err)
			return
		}
		// The execution goroutine writes the cancelled status once training
		// has unwound.
		respondJSON(w, http.StatusAccepted, map[string]any{"run": model.toAPI()})
	default:
		respondError(w, http.StatusConflict,
			fmt.Errorf("run %s is already %s", runID, model.Status))
	}
}

func (a *API) fetchRun(ctx context.Context, id uuid.UUID) (runModel, error) {
	var model runModel
	err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", id).Error
	return model, err
}
