package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sony/gobreaker"
)

// Registry holds the usable backend clients for one worker, with a
// circuit breaker per engine.
type Registry struct {
	engines  map[string]Engine
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds a client for every config entry. Entries with an
// unknown kind are logged as configuration errors and skipped; a job
// that later selects a skipped engine fails with a processing error.
func NewRegistry(cfgs []Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		engines:  make(map[string]Engine),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, cfg := range cfgs {
		e, err := New(cfg)
		if err != nil {
			logger.Error("skipping engine", "engine", cfg.Name, "error", err)
			continue
		}
		settings := gobreaker.Settings{
			Name:        e.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		r.engines[e.Name()] = e
		r.breakers[e.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return r
}

func (r *Registry) Get(name string) (Engine, bool) {
	e, ok := r.engines[name]
	return e, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.engines)
}

// Execute runs fn against the named engine through its circuit breaker.
func (r *Registry) Execute(name string, fn func(Engine) (*Result, error)) (*Result, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("no usable engine %q", name)
	}
	cb := r.breakers[name]
	result, err := cb.Execute(func() (interface{}, error) {
		return fn(e)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Result), nil
}
