package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func TestRegisterCheckpointsSkipsRecordsWithoutPath(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusCompleted)

	manifest := filepath.Join(filepath.Dir(run.LogsPath), "checkpoints.jsonl")
	writeManifest(t, manifest, `{"sampler_path": "models://run/ckpt/000010", "step": 10}
{"note": "no path here"}
{"sampler_path": "models://run/ckpt/000020", "step": 20}
`)

	n, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{})
	if err != nil {
		t.Fatalf("RegisterCheckpoints() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("registered %d checkpoints, want 2", n)
	}

	var count int64
	if err := orm.Model(&checkpointModel{}).Where("run_id = ?", run.ID).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("checkpoint rows = %d, want 2", count)
	}
}

func TestRegisterCheckpointsIdempotent(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusCompleted)

	manifest := filepath.Join(filepath.Dir(run.LogsPath), "checkpoints.jsonl")
	writeManifest(t, manifest, `{"sampler_path": "models://run/ckpt/000010", "step": 10}
{"sampler_path": "models://run/ckpt/000020", "batch": 20}
`)

	first, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first != 2 {
		t.Fatalf("first pass registered %d, want 2", first)
	}

	second, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if second != 0 {
		t.Fatalf("second pass registered %d, want 0", second)
	}
}

func TestRegisterCheckpointsGrowingManifest(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusCompleted)
	manifest := filepath.Join(filepath.Dir(run.LogsPath), "checkpoints.jsonl")

	writeManifest(t, manifest, `{"sampler_path": "models://run/ckpt/000010", "step": 10}`+"\n")
	if n, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{}); err != nil || n != 1 {
		t.Fatalf("first pass = (%d, %v), want (1, nil)", n, err)
	}

	writeManifest(t, manifest, `{"sampler_path": "models://run/ckpt/000010", "step": 10}
{"sampler_path": "models://run/ckpt/000020", "step": 20}
`)
	if n, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{}); err != nil || n != 1 {
		t.Fatalf("second pass = (%d, %v), want (1, nil)", n, err)
	}
}

func TestRegisterCheckpointsMissingManifest(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusCompleted)

	n, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{})
	if err != nil {
		t.Fatalf("missing manifest should be benign, got %v", err)
	}
	if n != 0 {
		t.Fatalf("registered %d, want 0", n)
	}
}

func TestRegisterCheckpointsMalformedLines(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusCompleted)
	manifest := filepath.Join(filepath.Dir(run.LogsPath), "checkpoints.jsonl")
	writeManifest(t, manifest, `{"sampler_path": "models://run/ckpt/000010", "step": 10}
this line is not json
{"sampler_path": "models://run/ckpt/000020"}
`)

	n, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("registered %d, want 2", n)
	}

	// The record with no counter defaults to step 0.
	var ckpt checkpointModel
	if err := orm.First(&ckpt, "run_id = ? AND path = ?", run.ID, "models://run/ckpt/000020").Error; err != nil {
		t.Fatal(err)
	}
	if ckpt.Step != 0 {
		t.Fatalf("step = %d, want 0", ckpt.Step)
	}

	// Strict mode refuses the same manifest.
	if _, err := RegisterCheckpoints(context.Background(), orm, createTestRun(t, orm, StatusCompleted).ID, run.LogsPath, quietLogger(), RegistrarOptions{Strict: true}); err == nil {
		t.Fatal("strict mode should fail on malformed manifest")
	}
}

func TestRegisterCheckpointsStepFromBatch(t *testing.T) {
	orm := openTestORM(t)
	run := createTestRun(t, orm, StatusCompleted)
	manifest := filepath.Join(filepath.Dir(run.LogsPath), "checkpoints.jsonl")
	writeManifest(t, manifest, fmt.Sprintf(`{"sampler_path": "models://%s/ckpt", "batch": 42}`+"\n", run.ID))

	if _, err := RegisterCheckpoints(context.Background(), orm, run.ID, run.LogsPath, quietLogger(), RegistrarOptions{}); err != nil {
		t.Fatal(err)
	}

	var ckpt checkpointModel
	if err := orm.First(&ckpt, "run_id = ?", run.ID).Error; err != nil {
		t.Fatal(err)
	}
	if ckpt.Step != 42 {
		t.Fatalf("step = %d, want 42 (from batch)", ckpt.Step)
	}
}
