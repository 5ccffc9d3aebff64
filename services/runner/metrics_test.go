package runner

import (
	"testing"
)

func TestParseMetricLineTagged(t *testing.T) {
	m := ParseMetricLine("[METRICS] step=100, loss=0.5, lr=0.0001")
	if m.Kind != TaggedMatch {
		t.Fatalf("Kind = %v, want TaggedMatch", m.Kind)
	}
	if got := m.Fields["step"]; got != int64(100) {
		t.Fatalf("step = %v (%T), want int64(100)", got, got)
	}
	if got := m.Fields["loss"]; got != 0.5 {
		t.Fatalf("loss = %v, want 0.5", got)
	}
	if got := m.Fields["lr"]; got != 0.0001 {
		t.Fatalf("lr = %v, want 0.0001", got)
	}
}

func TestParseMetricLineTaggedSkipsMalformedSegments(t *testing.T) {
	m := ParseMetricLine("[METRICS] step=5, garbage, loss=, progress=0.4")
	if m.Kind != TaggedMatch {
		t.Fatalf("Kind = %v, want TaggedMatch", m.Kind)
	}
	if len(m.Fields) != 2 {
		t.Fatalf("Fields = %v, want exactly step and progress", m.Fields)
	}
	if m.Fields["step"] != int64(5) || m.Fields["progress"] != 0.4 {
		t.Fatalf("Fields = %v", m.Fields)
	}
}

func TestParseMetricLineTaggedCoercion(t *testing.T) {
	m := ParseMetricLine("[METRICS] tokens=2048.0, train_mean_nll=1.25, run=abc")
	if m.Fields["tokens"] != int64(2048) {
		t.Fatalf("tokens = %v (%T), want int64", m.Fields["tokens"], m.Fields["tokens"])
	}
	if m.Fields["train_mean_nll"] != 1.25 {
		t.Fatalf("train_mean_nll = %v", m.Fields["train_mean_nll"])
	}
	if m.Fields["run"] != "abc" {
		t.Fatalf("run = %v, want pass-through string", m.Fields["run"])
	}
}

func TestParseMetricLineHeuristic(t *testing.T) {
	m := ParseMetricLine("epoch 1 | Step: 42 | loss: 1.875 | learning rate: 1e-4")
	if m.Kind != HeuristicMatch {
		t.Fatalf("Kind = %v, want HeuristicMatch", m.Kind)
	}
	if m.Fields["step"] != int64(42) {
		t.Fatalf("step = %v", m.Fields["step"])
	}
	if m.Fields["train_mean_nll"] != 1.875 {
		t.Fatalf("train_mean_nll = %v", m.Fields["train_mean_nll"])
	}
	if m.Fields["learning_rate"] != 1e-4 {
		t.Fatalf("learning_rate = %v", m.Fields["learning_rate"])
	}
}

func TestParseMetricLineHeuristicProgress(t *testing.T) {
	m := ParseMetricLine("training progress 0.75 complete")
	if m.Kind != HeuristicMatch {
		t.Fatalf("Kind = %v, want HeuristicMatch", m.Kind)
	}
	if m.Fields["progress"] != 0.75 {
		t.Fatalf("progress = %v, want 0.75", m.Fields["progress"])
	}
}

func TestParseMetricLineNoMatch(t *testing.T) {
	for _, line := range []string{
		"",
		"plain informational message",
		"[METRICS]",
		"[METRICS] ,,,",
		"loss of signal",
	} {
		m := ParseMetricLine(line)
		if m.Kind != NoMatch {
			t.Fatalf("ParseMetricLine(%q).Kind = %v, want NoMatch (fields %v)", line, m.Kind, m.Fields)
		}
		if len(m.Fields) != 0 {
			t.Fatalf("ParseMetricLine(%q) returned fields %v", line, m.Fields)
		}
	}
}
