// Package orchestrator keeps the persisted run table consistent with what is
// actually executing. It audits lifecycle events from the bus and, on daemon
// boot, fails runs that were interrupted by the previous shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tuned/pkg/bus"
)

const (
	runStartedSubject  = "tuned.runs.started"
	runFinishedSubject = "tuned.runs.finished"

	staleRunError = "interrupted by daemon restart"
)

// Watcher subscribes to run lifecycle subjects, tracks which runs are in
// flight, and writes an audit row for every finished run.
type Watcher struct {
	orm    *gorm.DB
	bus    *bus.Bus
	logger *log.Logger

	activeMu sync.RWMutex
	active   map[uuid.UUID]string

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewWatcher creates a watcher bound to the provided dependencies.
func NewWatcher(orm *gorm.DB, b *bus.Bus, logger *log.Logger) (*Watcher, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Watcher{
		orm:    orm,
		bus:    b,
		logger: logger,
		active: make(map[uuid.UUID]string),
	}, nil
}

// Start recovers runs stranded by the previous process, then registers the
// lifecycle subscriptions.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil watcher")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	recovered, err := w.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		w.logger.Printf("WARN recovered %d stale run(s) at boot", recovered)
	}

	bindings := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{runStartedSubject, "orchestrator-runs-started", w.handleRunStarted},
		{runFinishedSubject, "orchestrator-runs-finished", w.handleRunFinished},
	}

	for _, b := range bindings {
		closer, err := w.bus.Subscribe(ctx, b.subject, b.durable, b.handler)
		if err != nil {
			w.Close()
			return err
		}
		w.subsMu.Lock()
		w.subs = append(w.subs, closer)
		w.subsMu.Unlock()
	}

	return nil
}

// Close tears down active subscriptions.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	var firstErr error
	for _, sub := range w.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

// RecoverStale fails every pending or running run. Execution does not survive
// a process restart, so at boot any non-terminal status is a leftover from a
// crash or shutdown. Each recovered run gets an audit row.
func (w *Watcher) RecoverStale(ctx context.Context) (int, error) {
	var stale []runModel
	if err := w.orm.WithContext(ctx).
		Where("status IN ?", []string{runStatusPending, runStatusRunning}).
		Find(&stale).Error; err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	err := w.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, run := range stale {
			if err := tx.Model(&runModel{}).
				Where("id = ? AND status = ?", run.ID, run.Status).
				Updates(map[string]any{
					"status":      runStatusFailed,
					"error":       staleRunError,
					"finished_at": now,
				}).Error; err != nil {
				return err
			}

			audit := auditModel{
				Actor:  "orchestrator",
				Action: "run.recovered",
				Obj:    run.ID.String(),
				Details: datatypes.JSONMap{
					"recipe":          run.Recipe,
					"previous_status": run.Status,
				},
				At: now,
			}
			if err := tx.Create(&audit).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (w *Watcher) handleRunStarted(ctx context.Context, data []byte) error {
	var evt runLifecycleEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == uuid.Nil {
		return errors.New("run_id missing from started event")
	}

	w.setActive(evt.RunID, evt.Recipe)
	return nil
}

func (w *Watcher) handleRunFinished(ctx context.Context, data []byte) error {
	var evt runLifecycleEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.RunID == uuid.Nil {
		return errors.New("run_id missing from finished event")
	}

	w.clearActive(evt.RunID)

	details := datatypes.JSONMap{
		"recipe": evt.Recipe,
		"status": evt.Status,
	}
	if evt.Error != "" {
		details["error"] = evt.Error
	}
	audit := auditModel{
		Actor:   "supervisor",
		Action:  "run." + evt.Status,
		Obj:     evt.RunID.String(),
		Details: details,
		At:      time.Now().UTC(),
	}
	return w.orm.WithContext(ctx).Create(&audit).Error
}

// ActiveRuns snapshots the currently executing runs by recipe.
func (w *Watcher) ActiveRuns() map[uuid.UUID]string {
	w.activeMu.RLock()
	defer w.activeMu.RUnlock()
	snapshot := make(map[uuid.UUID]string, len(w.active))
	for id, recipe := range w.active {
		snapshot[id] = recipe
	}
	return snapshot
}

func (w *Watcher) setActive(runID uuid.UUID, recipe string) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	w.active[runID] = recipe
}

func (w *Watcher) clearActive(runID uuid.UUID) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	delete(w.active, runID)
}
