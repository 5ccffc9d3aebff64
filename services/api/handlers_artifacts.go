package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// handleArchiveRun registers an artifact row for a run and hands back a
// presigned PUT URL the client uploads the bundle to.
func (a *API) handleArchiveRun(w http.ResponseWriter, r *http.Request) {
	if a.store.S3 == nil {
		respondError(w, http.StatusFailedDependency, errors.New("s3 client not configured"))
		return
	}
	if a.config.ArtifactBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("artifact bucket not configured"))
		return
	}

	runID, ok := pathUUID(w, r, "runID")
	if !ok {
		return
	}

	var req struct {
		Kind   string         `json:"kind"`
		SHA256 string         `json:"sha256"`
		Size   int64          `json:"size"`
		Meta   map[string]any `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		req.Kind = "bundle"
	}
	req.SHA256 = strings.TrimSpace(req.SHA256)
	if req.SHA256 == "" {
		respondError(w, http.StatusBadRequest, errors.New("sha256 is required"))
		return
	}
	if req.Meta == nil {
		req.Meta = map[string]any{}
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

	artifactID := uuid.New()
	key := fmt.Sprintf("runs/%s/%s/%s", runID, req.Kind, artifactID)

	model := artifactModel{
		ID:        artifactID,
		RunID:     &runID,
		Kind:      req.Kind,
		SHA256:    req.SHA256,
		URL:       fmt.Sprintf("s3://%s/%s", a.config.ArtifactBucket, key),
		Size:      req.Size,
		Meta:      datatypes.JSONMap(req.Meta),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	uploadURL, err := a.store.S3.PresignPut(ctx, a.config.ArtifactBucket, key, presignURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign put: %w", err))
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"artifact":   model.toAPI(),
		"upload_url": uploadURL,
	})
}

// handleArtifactDownload answers with a presigned GET URL for a registered
// artifact.
func (a *API) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if a.store.S3 == nil {
		respondError(w, http.StatusFailedDependency, errors.New("s3 client not configured"))
		return
	}

	artifactID, ok := pathUUID(w, r, "artifactID")
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model artifactModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "id = ?", artifactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("artifact %s not found", artifactID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	bucket, key, err := splitObjectURL(model.URL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	downloadURL, err := a.store.S3.PresignGet(ctx, bucket, key, presignURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign get: %w", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"artifact":     model.toAPI(),
		"download_url": downloadURL,
	})
}

func splitObjectURL(url string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("artifact url %q is not an s3 location", url)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("artifact url %q is malformed", url)
	}
	return bucket, key, nil
}
