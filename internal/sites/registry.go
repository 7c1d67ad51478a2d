// Package sites holds the handler registry and the built-in handlers that
// pipeline stages resolve by name.
//
// A stage's handler is looked up as "<website>.<handler>" first and then as
// "<handler>", so a website can override a generic handler with its own.
package sites

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dbsmedya/goscrape/internal/config"
	"github.com/dbsmedya/goscrape/internal/logger"
)

// Env is what factories get besides the stage config.
type Env struct {
	HTTP   config.HTTPConfig
	Logger *logger.Logger
}

// Factory builds a handler for a stage. The returned value must implement the
// interface of the stage kind: pipeline.Expander, Fetcher or Extractor.
type Factory func(step *config.StepConfig, env Env) (any, error)

// Registry maps handler names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	env       Env
}

// NewRegistry creates an empty registry.
func NewRegistry(env Env) *Registry {
	if env.Logger == nil {
		env.Logger = logger.NewDefault()
	}
	return &Registry{factories: make(map[string]Factory), env: env}
}

// Default returns a registry with every built-in handler.
func Default(env Env) *Registry {
	r := NewRegistry(env)
	r.Register("chain", newChain)
	r.Register("links", newLinks)
	r.Register("rss", newFeed)
	r.Register("http", newHTTPFetcher)
	r.Register("html", newHTMLExtractor)
	r.Register("json", newJSONExtractor)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the handler of a stage.
func (r *Registry) Resolve(website string, step *config.StepConfig) (any, error) {
	if step == nil {
		return nil, fmt.Errorf("step is nil")
	}
	name := step.Handler
	if name == "" {
		return nil, fmt.Errorf("stage %s has no handler", step.Name)
	}

	r.mu.RLock()
	f, ok := r.factories[website+"."+name]
	if !ok || website == "" {
		f, ok = r.factories[name]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler %q is not registered", name)
	}

	h, err := f(step, Env{HTTP: r.env.HTTP, Logger: r.env.Logger.WithStage(step.Name, step.StageKind())})
	if err != nil {
		return nil, fmt.Errorf("failed to build handler %q: %w", name, err)
	}
	return h, nil
}

func optString(step *config.StepConfig, key, def string) string {
	if v, ok := step.Options[key]; ok && v != "" {
		return v
	}
	return def
}

func optInt(step *config.StepConfig, key string, def int) (int, error) {
	v, ok := step.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

func optDuration(step *config.StepConfig, key string, def time.Duration) (time.Duration, error) {
	v, ok := step.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

func optList(step *config.StepConfig, key string) []string {
	var out []string
	for _, s := range strings.Split(step.Options[key], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
