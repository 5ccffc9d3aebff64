package runner

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tuned/services/trainer"
)

// Executor drives one training run through its lifecycle: credential check,
// config build, monitored training call, completion bookkeeping, checkpoint
// registration. It owns the success path only; marking a run failed or
// cancelled is the supervisor's job, so a crash between the training call and
// the status write can never leave a half-failed run behind.
type Executor struct {
	ORM             *gorm.DB
	Credentials     trainer.Credentials
	Logger          *log.Logger
	MonitorInterval time.Duration
}

// ExecuteRecipe runs the recipe against the given run and returns the first
// error on the critical path. Checkpoint registration failures are logged but
// never fail an otherwise completed run.
func (e *Executor) ExecuteRecipe(ctx context.Context, rec Recipe, run runModel) (err error) {
	if e.ORM == nil {
		return errors.New("nil orm")
	}
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}

	lw := NewLogWriter(run.LogsPath)
	defer lw.Close()

	lw.Appendf("[RUN %s] Starting %s training for %s", run.ID, rec.Name, run.BaseModel)

	defer func() {
		if err != nil {
			lw.Appendf("Training failed: %v", err)
			lw.Appendf("Traceback: %s", debug.Stack())
			logger.Printf("ERROR [RUN %s] %s training failed: %v", run.ID, rec.Name, err)
		}
	}()

	if !rec.Offline {
		if err := e.Credentials.Validate(); err != nil {
			return err
		}
	}

	cfg, err := rec.BuildConfig(run.toTrainerRun(), run.DatasetRef)
	if err != nil {
		return &trainer.BuildError{Recipe: rec.Name, Err: err}
	}
	lw.Appendf("Configuration built successfully")

	stopMonitor := func() {}
	if rec.Monitoring {
		monitorCtx, cancel := context.WithCancel(ctx)
		monitor := &Monitor{
			ORM:      e.ORM,
			RunID:    run.ID,
			LogsPath: run.LogsPath,
			Interval: e.MonitorInterval,
			Log:      lw,
			Logger:   logger,
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := monitor.Run(monitorCtx); err != nil {
				logger.Printf("WARN [RUN %s] monitor stopped: %v", run.ID, err)
			}
		}()
		stopMonitor = func() {
			cancel()
			<-done
		}
	}

	trainErr := rec.Train(ctx, cfg)
	// The monitor's cancellation drain must land before completion
	// bookkeeping so the final progress lines are not lost.
	stopMonitor()
	if trainErr != nil {
		return trainErr
	}

	if err := e.finalize(ctx, run.ID); err != nil {
		return err
	}
	lw.Appendf("Training completed successfully")

	if n, regErr := RegisterCheckpoints(ctx, e.ORM, run.ID, run.LogsPath, logger, RegistrarOptions{}); regErr != nil {
		lw.Appendf("Checkpoint registration failed: %v", regErr)
		logger.Printf("WARN [RUN %s] checkpoint registration failed: %v", run.ID, regErr)
	} else {
		lw.Appendf("Registered %d checkpoint(s)", n)
	}

	lw.Appendf("[RUN %s] Finished", run.ID)
	return nil
}

// finalize moves the run to completed with full progress and a finish
// timestamp.
func (e *Executor) finalize(ctx context.Context, runID uuid.UUID) error {
	now := time.Now().UTC()
	return e.ORM.WithContext(ctx).
		Model(&runModel{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":      StatusCompleted,
			"progress":    1.0,
			"finished_at": now,
		}).Error
}
