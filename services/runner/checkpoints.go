package runner

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tuned/pkg/jsonl"
)

// manifestPathKey is the storage-path field every usable manifest record
// must carry.
const manifestPathKey = "sampler_path"

// RegistrarOptions controls manifest reading behaviour.
type RegistrarOptions struct {
	// Strict aborts on the first malformed manifest line instead of
	// skipping it.
	Strict bool
}

// RegisterCheckpoints reconciles the run's checkpoint manifest against the
// persisted checkpoint set, inserting only entries not seen before. A
// missing manifest is benign and registers zero checkpoints; a manifest
// read failure or database error aborts the whole batch (nothing from this
// call is committed) and is returned to the caller.
//
// The reconciliation is idempotent: re-running it over an unchanged or
// grown manifest only inserts the new entries.
func RegisterCheckpoints(ctx context.Context, orm *gorm.DB, runID uuid.UUID, logsPath string, logger *log.Logger, opts RegistrarOptions) (int, error) {
	if orm == nil {
		return 0, errors.New("nil orm")
	}
	if logger == nil {
		logger = log.Default()
	}

	manifestPath, found := ResolveArtifact(logsPath, ArtifactCheckpoints)
	if !found {
		logger.Printf("WARN [RUN %s] no checkpoints.jsonl manifest found", runID)
		return 0, nil
	}

	res, err := jsonl.ReadFile(manifestPath, jsonl.Options{Strict: opts.Strict})
	if err != nil {
		return 0, err
	}
	if res.Skipped > 0 {
		logger.Printf("WARN [RUN %s] skipped %d malformed manifest line(s)", runID, res.Skipped)
	}

	registered := 0
	err = orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range res.Records {
			path, _ := record[manifestPathKey].(string)
			if path == "" {
				logger.Printf("WARN [RUN %s] skipping manifest record without %s: %v", runID, manifestPathKey, record)
				continue
			}

			var existing checkpointModel
			err := tx.Where("run_id = ? AND path = ?", runID, path).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			checkpoint := checkpointModel{
				ID:    uuid.New(),
				RunID: runID,
				Path:  path,
				Kind:  "sampler",
				Step:  manifestStep(record, runID, path, logger),
				Meta:  datatypes.JSONMap(record),
			}
			if err := tx.Create(&checkpoint).Error; err != nil {
				return err
			}
			registered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Printf("INFO [RUN %s] registered %d checkpoint(s)", runID, registered)
	return registered, nil
}

// manifestStep extracts the step counter, falling back to the batch counter
// and finally to 0. The zero fallback can mis-order checkpoints, so it is
// surfaced as a warning rather than accepted silently.
func manifestStep(record map[string]any, runID uuid.UUID, path string, logger *log.Logger) int64 {
	for _, key := range []string{"step", "batch"} {
		if v, ok := record[key]; ok {
			if f, ok := v.(float64); ok {
				return int64(f)
			}
		}
	}
	logger.Printf("WARN [RUN %s] manifest record %s has no step or batch counter, defaulting to 0", runID, path)
	return 0
}
