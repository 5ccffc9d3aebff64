package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tuned/pkg/jsonl"
)

// SimConfig is the opaque configuration object produced by the simulator's
// config builder.
type SimConfig struct {
	RunID        string
	BaseModel    string
	LogsPath     string
	Steps        int
	StepInterval time.Duration
	LearningRate float64
}

// BuildSimConfig is the simulator's ConfigBuilder.
func BuildSimConfig(run *Run, datasetRef string) (any, error) {
	if run == nil {
		return nil, errors.New("nil run")
	}
	if run.LogsPath == "" {
		return nil, errors.New("run has no logs path")
	}

	cfg := SimConfig{
		RunID:        run.ID.String(),
		BaseModel:    run.BaseModel,
		LogsPath:     run.LogsPath,
		Steps:        8,
		StepInterval: 50 * time.Millisecond,
		LearningRate: RecommendLR(run.BaseModel, true),
	}
	if v, ok := configNumber(run.Config, "steps"); ok && v > 0 {
		cfg.Steps = int(v)
	}
	if v, ok := configNumber(run.Config, "learning_rate"); ok && v > 0 {
		cfg.LearningRate = v
	}
	return cfg, nil
}

// configNumber reads a numeric config value. Configs decoded from a jsonb
// column carry json.Number values rather than float64, so both forms are
// accepted.
func configNumber(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Simulate is a TrainFunc standing in for the remote training service. It
// produces the same observable side effects the real service does: tagged
// metric lines appended to the run log and a flat checkpoints.jsonl manifest
// next to it (simulated runs write flat, real runs write nested).
func Simulate(ctx context.Context, cfg any) error {
	sim, ok := cfg.(SimConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}

	manifestPath := filepath.Join(filepath.Dir(sim.LogsPath), "checkpoints.jsonl")

	loss := 2.5
	for step := 1; step <= sim.Steps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sim.StepInterval):
		}

		loss *= 0.85
		progress := float64(step) / float64(sim.Steps)
		line := fmt.Sprintf("[METRICS] step=%d, loss=%.4f, lr=%.6g, progress=%.2f, tokens=%d\n",
			step, loss, sim.LearningRate, progress, step*2048)
		if err := appendLog(sim.LogsPath, line); err != nil {
			return err
		}

		// Checkpoint every other step plus the final one.
		if step%2 == 0 || step == sim.Steps {
			entry := map[string]any{
				"sampler_path": fmt.Sprintf("models://%s/checkpoints/%06d", sim.RunID, step),
				"step":         step,
				"loss":         loss,
			}
			if err := jsonl.AppendLine(manifestPath, entry); err != nil {
				return err
			}
		}
	}

	return appendLog(sim.LogsPath, "training loop finished\n")
}

func appendLog(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// SimulateSample answers chat requests in simulate mode.
func SimulateSample(ctx context.Context, model, prompt string) (string, error) {
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return fmt.Sprintf("[%s] %s", model, prompt), nil
}
