package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tuned/pkg/bus"
	"tuned/pkg/textutil"
)

// Run lifecycle subjects. The stream covering them is declared at daemon
// start via Bus.EnsureStream.
const (
	SubjectRunStarted  = "tuned.runs.started"
	SubjectRunFinished = "tuned.runs.finished"
)

// maxErrorLen caps the error text persisted on a failed run.
const maxErrorLen = 2000

// RunEvent is the payload published on the run lifecycle subjects.
type RunEvent struct {
	RunID  uuid.UUID `json:"run_id"`
	Recipe string    `json:"recipe"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// Supervisor owns run execution: it admits pending runs, drives each through
// an Executor in its own goroutine, and is the only component that writes the
// terminal failed and cancelled statuses. The executor reports failure by
// returning an error; the supervisor turns that into state.
type Supervisor struct {
	ORM      *gorm.DB
	Bus      *bus.Bus
	Registry *Registry
	Executor *Executor
	Logger   *log.Logger

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor wires a supervisor over its collaborators. Bus may be nil;
// lifecycle events are then skipped.
func NewSupervisor(orm *gorm.DB, b *bus.Bus, registry *Registry, executor *Executor, logger *log.Logger) (*Supervisor, error) {
	if orm == nil {
		return nil, errors.New("nil orm")
	}
	if registry == nil {
		return nil, errors.New("nil registry")
	}
	if executor == nil {
		return nil, errors.New("nil executor")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		ORM:      orm,
		Bus:      b,
		Registry: registry,
		Executor: executor,
		Logger:   logger,
		active:   make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Submit admits a pending run for execution. The run is marked running and
// its started event published before Submit returns; execution continues in
// the background, detached from the caller's context, and reaches a terminal
// status exactly once.
func (s *Supervisor) Submit(ctx context.Context, runID uuid.UUID) error {
	var run runModel
	if err := s.ORM.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != StatusPending {
		return fmt.Errorf("run %s is %s, not %s", runID, run.Status, StatusPending)
	}

	rec, err := s.Registry.Resolve(run.Recipe)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, dup := s.active[runID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("run %s is already executing", runID)
	}
	// The run outlives the submitting request, so its context is detached.
	runCtx, cancel := context.WithCancel(context.Background())
	s.active[runID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.ORM.WithContext(ctx).Model(&runModel{}).
		Where("id = ? AND status = ?", runID, StatusPending).
		Update("status", StatusRunning).Error; err != nil {
		s.release(runID)
		s.wg.Done()
		return err
	}
	run.Status = StatusRunning

	s.publish(ctx, SubjectRunStarted, RunEvent{RunID: runID, Recipe: run.Recipe, Status: StatusRunning})

	go func() {
		defer s.wg.Done()
		defer s.release(runID)
		s.execute(runCtx, rec, run)
	}()
	return nil
}

// Cancel requests cancellation of an executing run. The terminal cancelled
// status is written by the execution goroutine once the training call has
// actually unwound.
func (s *Supervisor) Cancel(runID uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not executing", runID)
	}
	cancel()
	return nil
}

// Shutdown waits for in-flight runs to reach a terminal status. Pass a
// cancelled run context beforehand (via Cancel) to bound the wait.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll requests cancellation of every executing run.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.active {
		cancel()
	}
}

func (s *Supervisor) execute(ctx context.Context, rec Recipe, run runModel) {
	err := s.Executor.ExecuteRecipe(ctx, rec, run)
	if err == nil {
		s.publish(context.Background(), SubjectRunFinished,
			RunEvent{RunID: run.ID, Recipe: run.Recipe, Status: StatusCompleted})
		return
	}

	status := StatusFailed
	if errors.Is(err, context.Canceled) {
		status = StatusCancelled
	}

	now := time.Now().UTC()
	if dbErr := s.ORM.Model(&runModel{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":      status,
			"error":       textutil.Truncate(err.Error(), maxErrorLen, "..."),
			"finished_at": now,
		}).Error; dbErr != nil {
		s.Logger.Printf("ERROR [RUN %s] recording %s status: %v", run.ID, status, dbErr)
	}

	s.publish(context.Background(), SubjectRunFinished,
		RunEvent{RunID: run.ID, Recipe: run.Recipe, Status: status, Error: err.Error()})
}

func (s *Supervisor) release(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[runID]; ok {
		cancel()
		delete(s.active, runID)
	}
}

func (s *Supervisor) publish(ctx context.Context, subject string, event RunEvent) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, subject, event); err != nil {
		s.Logger.Printf("WARN [RUN %s] publish %s: %v", event.RunID, subject, err)
	}
}
