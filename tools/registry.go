// Package tools provides the process-wide tool registry and the executor
// that runs workers with per-tool timeouts, bounded retry and correlation of
// results back into the orchestrator.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type (
	// Worker executes one tool call. Implementations may block up to the
	// tool's timeout and should honor ctx cancellation.
	Worker interface {
		Execute(ctx context.Context, sessionID, toolCallID string, args map[string]any) (map[string]any, error)
	}

	// WorkerFunc adapts a function to the Worker interface.
	WorkerFunc func(ctx context.Context, sessionID, toolCallID string, args map[string]any) (map[string]any, error)

	// Registry maps tool names to workers. It is read-mostly: registration
	// happens at startup, lookups happen per call.
	Registry struct {
		mu      sync.RWMutex
		workers map[string]Worker
	}
)

// Execute implements Worker.
func (f WorkerFunc) Execute(ctx context.Context, sessionID, toolCallID string, args map[string]any) (map[string]any, error) {
	return f(ctx, sessionID, toolCallID, args)
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds a worker to a tool name. Re-registering a name replaces the
// previous worker.
func (r *Registry) Register(name string, w Worker) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if w == nil {
		return fmt.Errorf("worker is required for tool %q", name)
	}
	r.mu.Lock()
	r.workers[name] = w
	r.mu.Unlock()
	return nil
}

// Lookup returns the worker for a tool name.
func (r *Registry) Lookup(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
