package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/georgysavva/scany/v2/pgxscan"
	"gorm.io/gorm"

	"tuned/pkg/jsonl"
	"tuned/services/runner"
)

func (a *API) handleRunLogs(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	f, err := os.Open(model.LogsPath)
	if err != nil {
		if os.IsNotExist(err) {
			// The run exists but has produced no output yet.
			w.Header().Set("X-Next-Offset", "0")
			w.WriteHeader(http.StatusOK)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	offset := intQuery(r, "offset", 0)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("seek to offset %d: %w", offset, err))
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	// Pollers resume from the returned offset to read only new output.
	w.Header().Set("X-Next-Offset", strconv.FormatInt(offset+int64(len(data)), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
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

	path, found := runner.ResolveArtifact(model.LogsPath, runner.ArtifactMetrics)
	if !found {
		respondJSON(w, http.StatusOK, map[string]any{"metrics": []map[string]any{}})
		return
	}

	res, err := jsonl.ReadFile(path, jsonl.Options{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"metrics": res.Records,
		"skipped": res.Skipped,
	})
}

func (a *API) handleRunCheckpoints(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if _, err := a.fetchRun(ctx, runID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var models []checkpointModel
	if err := a.store.ORM.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("step ASC").
		Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	checkpoints := make([]Checkpoint, 0, len(models))
	for _, m := range models {
		checkpoints = append(checkpoints, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints})
}

// handleStats aggregates run counts by status straight off the pool; the
// read-only rollup bypasses the ORM.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.store.DB == nil {
		respondError(w, http.StatusFailedDependency, errors.New("stats database not configured"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := pgxscan.Select(ctx, a.store.DB, &rows,
		`SELECT status, COUNT(*) AS count FROM runs GROUP BY status ORDER BY status`); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	byStatus := make(map[string]int64, len(rows))
	var total int64
	for _, row := range rows {
		byStatus[row.Status] = row.Count
		total += row.Count
	}

	var checkpoints int64
	if err := pgxscan.Get(ctx, a.store.DB, &checkpoints,
		`SELECT COUNT(*) FROM checkpoints`); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"runs":        byStatus,
		"total_runs":  total,
		"checkpoints": checkpoints,
	})
}
