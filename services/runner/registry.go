package runner

import (
	"fmt"
	"sort"
	"sync"

	"tuned/services/trainer"
)

// Recipe binds a training method name to the pieces the executor drives: a
// config builder, a train function, and the execution flags the method
// requires.
type Recipe struct {
	Name        string
	BuildConfig trainer.ConfigBuilder
	Train       trainer.TrainFunc

	// Monitoring starts a log monitor alongside the training call.
	Monitoring bool
	// Offline skips the credential check; the method never reaches the
	// remote training service.
	Offline bool
}

// Registry maps recipe names to recipes. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	recipes map[string]Recipe
}

func NewRegistry() *Registry {
	return &Registry{recipes: make(map[string]Recipe)}
}

// Register adds or replaces a recipe. Recipes with no name, builder, or train
// function are rejected at registration time rather than at submission time.
func (r *Registry) Register(rec Recipe) error {
	if rec.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if rec.BuildConfig == nil {
		return fmt.Errorf("recipe %q has no config builder", rec.Name)
	}
	if rec.Train == nil {
		return fmt.Errorf("recipe %q has no train function", rec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipes[rec.Name] = rec
	return nil
}

// Resolve looks a recipe up by name.
func (r *Registry) Resolve(name string) (Recipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recipes[name]
	if !ok {
		return Recipe{}, fmt.Errorf("unknown recipe %q", name)
	}
	return rec, nil
}

// Names lists registered recipe names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recipes))
	for name := range r.recipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SimulatedRegistry registers every supported training method backed by the
// local simulator. It is the registry the daemon uses when no remote trainer
// is configured.
func SimulatedRegistry() *Registry {
	r := NewRegistry()
	for _, name := range []string{"sft", "dpo", "rl", "math_rl", "continued_pretraining"} {
		// Registration cannot fail here: every field is populated.
		_ = r.Register(Recipe{
			Name:        name,
			BuildConfig: trainer.BuildSimConfig,
			Train:       trainer.Simulate,
			Monitoring:  true,
			Offline:     true,
		})
	}
	return r
}
