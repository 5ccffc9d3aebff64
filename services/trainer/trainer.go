// Package trainer defines the narrow call contract between the run
// orchestration layer and the remote model-training service, plus a local
// simulator that mimics the service's observable side effects.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"tuned/pkg/secrets"
)

// ErrMissingAPIKey distinguishes absent credentials from other configuration
// failures; submission aborts before any training side effects.
var ErrMissingAPIKey = errors.New("trainer: api key is not configured")

// Run is the read-only view of a training run handed to config builders.
type Run struct {
	ID         uuid.UUID
	Recipe     string
	BaseModel  string
	DatasetRef string
	Config     map[string]any
	LogsPath   string
}

// ConfigBuilder turns a run (and an optional dataset reference) into the
// opaque configuration object consumed by the matching TrainFunc.
type ConfigBuilder func(run *Run, datasetRef string) (any, error)

// TrainFunc drives one training run to completion. It reports progress only
// through its file side effects: appending to the run's log file, emitting
// [METRICS] lines, and writing checkpoint manifest entries.
type TrainFunc func(ctx context.Context, cfg any) error

// SampleFunc produces one completion from a trained or base model; the thin
// chat endpoint is its only caller.
type SampleFunc func(ctx context.Context, model, prompt string) (string, error)

// Credentials hold the remote training service access configuration. They
// are constructed once and threaded explicitly into the executor instead of
// living in mutated process environment.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// CredentialsFromEnv reads TRAINER_API_KEY and TRAINER_BASE_URL. Deployments
// that keep the key encrypted at rest set TRAINER_API_KEY_ENCRYPTED instead;
// it is unsealed with the age identity in TUNED_AGE_IDENTITY. A plaintext key
// wins when both are present.
func CredentialsFromEnv() (Credentials, error) {
	creds := Credentials{
		APIKey:  strings.TrimSpace(os.Getenv("TRAINER_API_KEY")),
		BaseURL: strings.TrimSpace(os.Getenv("TRAINER_BASE_URL")),
	}

	sealed := strings.TrimSpace(os.Getenv("TRAINER_API_KEY_ENCRYPTED"))
	if creds.APIKey == "" && sealed != "" {
		box, err := secrets.NewBoxFromEnv()
		if err != nil {
			return Credentials{}, fmt.Errorf("unseal trainer api key: %w", err)
		}
		key, err := box.Decrypt(sealed)
		if err != nil {
			return Credentials{}, fmt.Errorf("unseal trainer api key: %w", err)
		}
		creds.APIKey = strings.TrimSpace(key)
	}

	return creds, nil
}

// Validate reports whether the credentials are usable for a real training
// call. The simulator runs without credentials.
func (c Credentials) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// BuildError wraps a config-builder failure so callers can tell it apart
// from the training call itself failing.
type BuildError struct {
	Recipe string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s config: %v", e.Recipe, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
