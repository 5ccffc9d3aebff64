package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tuned/services/runner"
)

func openTestORM(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tuned.db")
	orm, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := orm.AutoMigrate(&runModel{}, &checkpointModel{}, &artifactModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return orm
}

// newTestServer spins an API over sqlite. With supervised=true, created runs
// execute against the local simulator.
func newTestServer(t *testing.T, supervised bool) (*httptest.Server, *gorm.DB) {
	t.Helper()

	orm := openTestORM(t)
	quiet := log.New(os.Stderr, "", 0)

	var sup *runner.Supervisor
	if supervised {
		exec := &runner.Executor{ORM: orm, Logger: quiet, MonitorInterval: 10 * time.Millisecond}
		var err error
		sup, err = runner.NewSupervisor(orm, nil, runner.SimulatedRegistry(), exec, quiet)
		if err != nil {
			t.Fatal(err)
		}
	}

	a, err := New(&Store{ORM: orm}, sup, Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	routes, err := a.Routes()
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)
	return srv, orm
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func waitForStatus(t *testing.T, orm *gorm.DB, id, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var run runModel
		if err := orm.First(&run, "id = ?", id).Error; err != nil {
			t.Fatal(err)
		}
		if run.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", id, want)
}

func TestCreateRunExecutesToCompletion(t *testing.T) {
	srv, orm := newTestServer(t, true)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/runs", map[string]any{
		"recipe":     "sft",
		"base_model": "Qwen/Qwen2.5-7B-Instruct",
		"config":     map[string]any{"steps": 3},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}

	run, ok := body["run"].(map[string]any)
	if !ok {
		t.Fatalf("response missing run: %v", body)
	}
	id := run["id"].(string)
	if run["status"] != runner.StatusRunning {
		t.Fatalf("status = %v, want running", run["status"])
	}

	// Unpinned hyperparameters are auto-filled.
	cfg := run["config"].(map[string]any)
	for _, key := range []string{"learning_rate", "batch_size", "lora_rank"} {
		if _, ok := cfg[key]; !ok {
			t.Fatalf("config missing recommended %s: %v", key, cfg)
		}
	}
	if cfg["steps"] != float64(3) {
		t.Fatalf("pinned steps overwritten: %v", cfg["steps"])
	}

	waitForStatus(t, orm, id, runner.StatusCompleted)

	// Logs tail with resumable offset.
	logsResp, err := http.Get(srv.URL + "/v1/runs/" + id + "/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer logsResp.Body.Close()
	if logsResp.StatusCode != http.StatusOK {
		t.Fatalf("logs status = %d", logsResp.StatusCode)
	}
	if logsResp.Header.Get("X-Next-Offset") == "0" {
		t.Fatal("completed run reported an empty log")
	}

	// Metrics extracted by the monitor.
	mResp, mBody := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+id+"/metrics", nil)
	if mResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", mResp.StatusCode)
	}
	if metrics := mBody["metrics"].([]any); len(metrics) != 3 {
		t.Fatalf("metrics records = %d, want 3", len(metrics))
	}

	// Registered checkpoints, ordered by step.
	cResp, cBody := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+id+"/checkpoints", nil)
	if cResp.StatusCode != http.StatusOK {
		t.Fatalf("checkpoints status = %d", cResp.StatusCode)
	}
	if ckpts := cBody["checkpoints"].([]any); len(ckpts) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(ckpts))
	}
}

func TestCreateRunValidation(t *testing.T) {
	srv, _ := newTestServer(t, true)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing recipe", map[string]any{"base_model": "Qwen/Qwen2.5-7B"}},
		{"missing base model", map[string]any{"recipe": "sft"}},
		{"unknown recipe", map[string]any{"recipe": "nonesuch", "base_model": "Qwen/Qwen2.5-7B"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/runs", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	srv, orm := newTestServer(t, false)

	for _, status := range []string{runner.StatusPending, runner.StatusCompleted, runner.StatusCompleted} {
		run := runModel{ID: uuid.New(), Recipe: "sft", BaseModel: "m", Status: status, CreatedAt: time.Now().UTC()}
		if err := orm.Create(&run).Error; err != nil {
			t.Fatal(err)
		}
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/runs?status=completed", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if runs := body["runs"].([]any); len(runs) != 2 {
		t.Fatalf("filtered runs = %d, want 2", len(runs))
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if runs := body["runs"].([]any); len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/runs/not-a-uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelPendingRun(t *testing.T) {
	srv, orm := newTestServer(t, false)

	run := runModel{ID: uuid.New(), Recipe: "sft", BaseModel: "m", Status: runner.StatusPending, CreatedAt: time.Now().UTC()}
	if err := orm.Create(&run).Error; err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/runs/%s/cancel", srv.URL, run.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if got := body["run"].(map[string]any)["status"]; got != runner.StatusCancelled {
		t.Fatalf("status = %v, want cancelled", got)
	}

	// Cancelling again conflicts.
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/runs/%s/cancel", srv.URL, run.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestChatEchoesThroughSampler(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/chat", map[string]any{
		"model":  "Qwen/Qwen2.5-7B-Instruct",
		"prompt": "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["response"] == "" {
		t.Fatal("empty chat response")
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/chat", map[string]any{"model": "m"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlersReportMissingDependencies(t *testing.T) {
	srv, orm := newTestServer(t, false)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/stats", nil)
	if resp.StatusCode != http.StatusFailedDependency {
		t.Fatalf("stats status = %d, want 424", resp.StatusCode)
	}

	run := runModel{ID: uuid.New(), Recipe: "sft", BaseModel: "m", Status: runner.StatusCompleted, CreatedAt: time.Now().UTC()}
	if err := orm.Create(&run).Error; err != nil {
		t.Fatal(err)
	}
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/runs/%s/archive", srv.URL, run.ID),
		map[string]any{"sha256": "ab"})
	if resp.StatusCode != http.StatusFailedDependency {
		t.Fatalf("archive status = %d, want 424", resp.StatusCode)
	}
}

func TestSplitObjectURL(t *testing.T) {
	bucket, key, err := splitObjectURL("s3://bundles/runs/x/bundle/y")
	if err != nil || bucket != "bundles" || key != "runs/x/bundle/y" {
		t.Fatalf("splitObjectURL() = %q, %q, %v", bucket, key, err)
	}
	if _, _, err := splitObjectURL("https://example.com/x"); err == nil {
		t.Fatal("non-s3 url accepted")
	}
	if _, _, err := splitObjectURL("s3://onlybucket"); err == nil {
		t.Fatal("missing key accepted")
	}
}
