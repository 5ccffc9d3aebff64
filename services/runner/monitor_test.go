package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tuned/pkg/jsonl"
)

func appendLog(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatal(err)
	}
}

func TestMonitorStreamsMetricsAndProgress(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{
		ORM:         orm,
		RunID:       run.ID,
		LogsPath:    run.LogsPath,
		MetricsPath: metricsPath,
		Logger:      quietLogger(),
	}

	appendLog(t, run.LogsPath, "Loading dataset shards\n")
	appendLog(t, run.LogsPath, "[METRICS] step=1, loss=0.91, lr=0.0001, progress=0.25\n")
	if err := m.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	appendLog(t, run.LogsPath, "[METRICS] step=2, loss=0.74, lr=0.0001, progress=0.50\n")
	appendLog(t, run.LogsPath, "[METRICS] step=3, loss=0.61, lr=0.0001, progress=0.75\n")
	if err := m.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	res, err := jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatalf("read metrics stream: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("metrics records = %d, want 3", len(res.Records))
	}
	for i, wantStep := range []float64{1, 2, 3} {
		if got := res.Records[i]["step"]; got != wantStep {
			t.Fatalf("record %d step = %v, want %v", i, got, wantStep)
		}
		if _, ok := res.Records[i]["timestamp"].(string); !ok {
			t.Fatalf("record %d missing timestamp", i)
		}
	}

	if got := reloadRun(t, orm, run.ID).Progress; got != 0.75 {
		t.Fatalf("progress = %v, want 0.75", got)
	}
}

func TestMonitorDoesNotReparseOldOutput(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{ORM: orm, RunID: run.ID, LogsPath: run.LogsPath, MetricsPath: metricsPath, Logger: quietLogger()}

	appendLog(t, run.LogsPath, "[METRICS] step=1, loss=0.9\n")
	for i := 0; i < 3; i++ {
		if err := m.poll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	res, err := jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("metrics records = %d, want 1 (no re-parse)", len(res.Records))
	}
}

func TestMonitorHoldsPartialLines(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{ORM: orm, RunID: run.ID, LogsPath: run.LogsPath, MetricsPath: metricsPath, Logger: quietLogger()}

	appendLog(t, run.LogsPath, "[METRICS] step=1, loss=0.9, progr")
	if err := m.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(metricsPath); !os.IsNotExist(err) {
		t.Fatalf("partial line must not produce a record, stat err = %v", err)
	}

	appendLog(t, run.LogsPath, "ess=0.40\n")
	if err := m.poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("metrics records = %d, want 1", len(res.Records))
	}
	if got := res.Records[0]["progress"]; got != 0.40 {
		t.Fatalf("progress field = %v, want 0.40", got)
	}
}

func TestMonitorProgressNeverRegresses(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{ORM: orm, RunID: run.ID, LogsPath: run.LogsPath, MetricsPath: metricsPath, Logger: quietLogger()}

	appendLog(t, run.LogsPath, "[METRICS] step=5, progress=0.80\n[METRICS] step=4, progress=0.60\n")
	if err := m.poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := reloadRun(t, orm, run.ID).Progress; got != 0.80 {
		t.Fatalf("progress = %v, want 0.80", got)
	}
}

func TestMonitorRunDrainsOnCancel(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{
		ORM:         orm,
		RunID:       run.ID,
		LogsPath:    run.LogsPath,
		MetricsPath: metricsPath,
		Interval:    time.Hour, // only the cancellation drain may fire
		Logger:      quietLogger(),
	}

	appendLog(t, run.LogsPath, "[METRICS] step=1, loss=0.5, progress=1.0\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}

	res, err := jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("metrics records = %d, want 1 from the final drain", len(res.Records))
	}
	if got := reloadRun(t, orm, run.ID).Progress; got != 1.0 {
		t.Fatalf("progress = %v, want 1.0", got)
	}
}

func TestMonitorRunStopsOnPollError(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	dir := t.TempDir()
	lw := NewLogWriter(filepath.Join(dir, "run.log"))

	m := &Monitor{
		ORM:         orm,
		RunID:       run.ID,
		LogsPath:    dir, // reading a directory fails every poll
		MetricsPath: filepath.Join(dir, "metrics.jsonl"),
		Interval:    10 * time.Millisecond,
		Log:         lw,
		Logger:      quietLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run() = nil, want the poll error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monitor kept polling through a persistent error")
	}

	if err := lw.Close(); err != nil {
		t.Fatalf("close log writer: %v", err)
	}
	logged, err := os.ReadFile(filepath.Join(dir, "run.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logged), "Monitoring error:") {
		t.Fatalf("run log missing the monitoring error, got %q", logged)
	}
}

func TestMonitorFailureMidBatchDoesNotDuplicateRecords(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{ORM: orm, RunID: run.ID, LogsPath: run.LogsPath, MetricsPath: metricsPath, Logger: quietLogger()}

	appendLog(t, run.LogsPath, "[METRICS] step=1, loss=0.9\n[METRICS] step=2, progress=0.50\n")

	// The second line needs a progress write; without the table it fails
	// after the first line has already been streamed.
	if err := orm.Migrator().DropTable(&runModel{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.poll(context.Background()); err == nil {
			t.Fatalf("poll %d succeeded, want progress-write failure", i)
		}
	}

	res, err := jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("metrics records = %d, want 1 (no duplicates from retries)", len(res.Records))
	}

	if err := orm.AutoMigrate(&runModel{}); err != nil {
		t.Fatal(err)
	}
	if err := m.poll(context.Background()); err != nil {
		t.Fatalf("poll after recovery: %v", err)
	}

	res, err = jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("metrics records = %d, want 2", len(res.Records))
	}
	if got := res.Records[1]["step"]; got != float64(2) {
		t.Fatalf("recovered record step = %v, want 2", got)
	}
}

func TestMonitorHeuristicLinesGetSyntheticStep(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusRunning)
	metricsPath := filepath.Join(t.TempDir(), "metrics.jsonl")

	m := &Monitor{ORM: orm, RunID: run.ID, LogsPath: run.LogsPath, MetricsPath: metricsPath, Logger: quietLogger()}

	appendLog(t, run.LogsPath, "epoch 1 loss: 0.88\nepoch 1 loss: 0.72\n")
	if err := m.poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := jsonl.ReadFile(metricsPath, jsonl.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("metrics records = %d, want 2", len(res.Records))
	}
	if got := res.Records[0]["step"]; got != float64(0) {
		t.Fatalf("first synthetic step = %v, want 0", got)
	}
	if got := res.Records[1]["step"]; got != float64(1) {
		t.Fatalf("second synthetic step = %v, want 1", got)
	}
	if got := res.Records[0]["train_mean_nll"]; got != 0.88 {
		t.Fatalf("train_mean_nll = %v, want 0.88", got)
	}
}
