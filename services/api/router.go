package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tuned/services/runner"
	"tuned/services/trainer"
)

const presignURLExpiry = 15 * time.Minute

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// DataDir is where per-run working directories (and their log files)
	// are created.
	DataDir string
	// ArtifactBucket is the object-storage bucket archive uploads go to.
	ArtifactBucket string
	// Sample answers chat requests; defaults to the simulator.
	Sample trainer.SampleFunc
}

// API wires dependencies, the run supervisor, and configuration for HTTP
// handlers.
type API struct {
	store      *Store
	supervisor *runner.Supervisor
	config     Config
}

// New initialises the API layer. The supervisor may be nil, in which case
// created runs stay pending until something else admits them.
func New(store *Store, supervisor *runner.Supervisor, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}

	if cfg.DataDir == "" {
		cfg.DataDir = os.Getenv("TUNED_DATA_DIR")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.ArtifactBucket == "" {
		cfg.ArtifactBucket = os.Getenv("S3_BUCKET")
	}
	if cfg.Sample == nil {
		cfg.Sample = trainer.SimulateSample
	}

	return &API{
		store:      store,
		supervisor: supervisor,
		config:     cfg,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", a.handleCreateRun)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{runID}", a.handleGetRun)
		r.Post("/runs/{runID}/cancel", a.handleCancelRun)
		r.Get("/runs/{runID}/logs", a.handleRunLogs)
		r.Get("/runs/{runID}/metrics", a.handleRunMetrics)
		r.Get("/runs/{runID}/checkpoints", a.handleRunCheckpoints)
		r.Post("/runs/{runID}/archive", a.handleArchiveRun)
		r.Get("/artifacts/{artifactID}/download", a.handleArtifactDownload)
		r.Get("/stats", a.handleStats)
		r.Post("/chat", a.handleChat)
	})

	return r, nil
}
