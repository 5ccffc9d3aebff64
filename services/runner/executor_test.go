package runner

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"tuned/pkg/jsonl"
	"tuned/services/trainer"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func simRecipe(t *testing.T) Recipe {
	t.Helper()
	rec, err := SimulatedRegistry().Resolve("sft")
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestExecuteRecipeSuccess(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)

	e := &Executor{ORM: orm, Logger: quietLogger(), MonitorInterval: 10 * time.Millisecond}
	if err := e.ExecuteRecipe(context.Background(), simRecipe(t), run); err != nil {
		t.Fatalf("ExecuteRecipe() = %v", err)
	}

	got := reloadRun(t, orm, run.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.Progress != 1.0 {
		t.Fatalf("progress = %v, want 1.0", got.Progress)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	// Three simulated steps checkpoint at steps 2 and 3.
	var ckpts int64
	if err := orm.Model(&checkpointModel{}).Where("run_id = ?", run.ID).Count(&ckpts).Error; err != nil {
		t.Fatal(err)
	}
	if ckpts != 2 {
		t.Fatalf("checkpoints = %d, want 2", ckpts)
	}

	logText := readLog(t, run.LogsPath)
	for _, want := range []string{"Starting sft training", "Configuration built successfully", "Training completed successfully", "Registered 2 checkpoint(s)"} {
		if !strings.Contains(logText, want) {
			t.Fatalf("log missing %q:\n%s", want, logText)
		}
	}

	// The monitor streamed the tagged metric lines alongside the log.
	res, err := jsonl.ReadFile(MetricsStreamPath(run.LogsPath), jsonl.Options{Strict: true})
	if err != nil {
		t.Fatalf("read metrics stream: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("metrics records = %d, want 3", len(res.Records))
	}
}

func TestExecuteRecipeTrainFailureLeavesStatusUntouched(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)

	boom := errors.New("Training failed")
	rec := Recipe{
		Name:        "sft",
		BuildConfig: trainer.BuildSimConfig,
		Train: func(ctx context.Context, cfg any) error {
			return boom
		},
		Offline: true,
	}

	e := &Executor{ORM: orm, Logger: quietLogger()}
	if err := e.ExecuteRecipe(context.Background(), rec, run); !errors.Is(err, boom) {
		t.Fatalf("ExecuteRecipe() = %v, want %v", err, boom)
	}

	// Marking the run failed is the supervisor's responsibility.
	if got := reloadRun(t, orm, run.ID).Status; got != StatusRunning {
		t.Fatalf("status = %q, want %q", got, StatusRunning)
	}

	logText := readLog(t, run.LogsPath)
	if !strings.Contains(logText, "Training failed: Training failed") {
		t.Fatalf("log missing failure line:\n%s", logText)
	}
	if !strings.Contains(logText, "Traceback: ") {
		t.Fatalf("log missing traceback:\n%s", logText)
	}
}

func TestExecuteRecipeRequiresCredentials(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)

	built := false
	rec := Recipe{
		Name: "sft",
		BuildConfig: func(r *trainer.Run, datasetRef string) (any, error) {
			built = true
			return nil, nil
		},
		Train: func(ctx context.Context, cfg any) error { return nil },
	}

	e := &Executor{ORM: orm, Logger: quietLogger()}
	err := e.ExecuteRecipe(context.Background(), rec, run)
	if !errors.Is(err, trainer.ErrMissingAPIKey) {
		t.Fatalf("ExecuteRecipe() = %v, want ErrMissingAPIKey", err)
	}
	if built {
		t.Fatal("config builder ran before the credential check failed")
	}
}

func TestExecuteRecipeBuildFailure(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)

	rec := Recipe{
		Name: "dpo",
		BuildConfig: func(r *trainer.Run, datasetRef string) (any, error) {
			return nil, errors.New("no preference pairs")
		},
		Train:   func(ctx context.Context, cfg any) error { return nil },
		Offline: true,
	}

	e := &Executor{ORM: orm, Logger: quietLogger()}
	err := e.ExecuteRecipe(context.Background(), rec, run)
	var be *trainer.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("ExecuteRecipe() = %T %v, want *trainer.BuildError", err, err)
	}
	if be.Recipe != "dpo" {
		t.Fatalf("BuildError.Recipe = %q, want dpo", be.Recipe)
	}
}

func TestExecuteRecipeRegistrarFailureIsNonFatal(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)

	// Drop the checkpoints table so registration fails after an otherwise
	// successful run.
	if err := orm.Migrator().DropTable(&checkpointModel{}); err != nil {
		t.Fatal(err)
	}

	e := &Executor{ORM: orm, Logger: quietLogger(), MonitorInterval: 10 * time.Millisecond}
	if err := e.ExecuteRecipe(context.Background(), simRecipe(t), run); err != nil {
		t.Fatalf("ExecuteRecipe() = %v, want nil despite registrar failure", err)
	}

	if got := reloadRun(t, orm, run.ID).Status; got != StatusCompleted {
		t.Fatalf("status = %q, want %q", got, StatusCompleted)
	}
	if !strings.Contains(readLog(t, run.LogsPath), "Checkpoint registration failed") {
		t.Fatal("log missing registration failure line")
	}
}
