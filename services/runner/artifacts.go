package runner

import (
	"os"
	"path/filepath"
)

// ArtifactKind names a file the training process leaves behind next to the
// run's log file.
type ArtifactKind string

const (
	ArtifactMetrics      ArtifactKind = "metrics"
	ArtifactCheckpoints  ArtifactKind = "checkpoints"
	ArtifactTrainingLogs ArtifactKind = "logs"
)

var artifactFilenames = map[ArtifactKind]string{
	ArtifactMetrics:      "metrics.jsonl",
	ArtifactCheckpoints:  "checkpoints.jsonl",
	ArtifactTrainingLogs: "logs.log",
}

// ResolveArtifact locates an artifact file for the run whose log file lives
// at logsPath. Real training runs write artifacts into a logs/ subdirectory;
// simulated and legacy runs write them flat next to the log file, so the
// nested location is tried first and the flat one as a fallback. Returns
// ok=false when the artifact exists in neither place.
func ResolveArtifact(logsPath string, kind ArtifactKind) (string, bool) {
	name, known := artifactFilenames[kind]
	if !known {
		return "", false
	}

	parent := filepath.Dir(logsPath)

	nested := filepath.Join(parent, "logs", name)
	if fileExists(nested) {
		return nested, true
	}

	flat := filepath.Join(parent, name)
	if fileExists(flat) {
		return flat, true
	}

	return "", false
}

// MetricsStreamPath is the conventional location the Log Monitor writes its
// metrics stream to, independent of whether the file exists yet.
func MetricsStreamPath(logsPath string) string {
	return filepath.Join(filepath.Dir(logsPath), "logs", "metrics.jsonl")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
