// Package registry implements the runtime's read-only type registry (C3):
// lookup of task and process definitions by type and version, with a
// TTL-caching layer in front of whatever backing catalog supplies
// definitions. Adapted from the corpus's toolset-schema cache, generalized
// from a single schema cache to two parallel catalogs.
package registry

import (
	"context"
	"sync"

	"github.com/nimbusflow/reactor/errs"
)

// TaskDefinition describes a registered task type: its handler and the
// metadata the executor needs to run it (see the task package for the
// handler signature this wraps).
type TaskDefinition struct {
	Type        string
	Version     string
	Description string
	Handler     any // task.Handler; kept as any to avoid an import cycle with package task
	Metadata    map[string]any
}

// ProcessDefinition describes a registered process type: its states,
// transitions, and entry/exit actions (see the process package for the
// concrete shapes this wraps).
type ProcessDefinition struct {
	Type        string
	Version     string
	Description string
	Definition  any // process.Definition; kept as any to avoid an import cycle with package process
	Metadata    map[string]any
}

func key(typ, version string) string {
	if version == "" {
		version = "latest"
	}
	return typ + "@" + version
}

// Registry is a read-only lookup of task and process definitions by
// (type, version). Registration happens once at startup; lookups are
// expected to be hot-path and contended, hence the RWMutex.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]TaskDefinition
	processes map[string]ProcessDefinition
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:     make(map[string]TaskDefinition),
		processes: make(map[string]ProcessDefinition),
	}
}

// RegisterTask adds or replaces a task definition under (Type, Version).
func (r *Registry) RegisterTask(def TaskDefinition) error {
	if def.Type == "" {
		return errs.New(errs.ValidationError, "task type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[key(def.Type, def.Version)] = def
	return nil
}

// RegisterProcess adds or replaces a process definition under (Type, Version).
func (r *Registry) RegisterProcess(def ProcessDefinition) error {
	if def.Type == "" {
		return errs.New(errs.ValidationError, "process type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[key(def.Type, def.Version)] = def
	return nil
}

// Task looks up a task definition. version == "" resolves to "latest".
func (r *Registry) Task(_ context.Context, taskType, version string) (TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[key(taskType, version)]
	if !ok {
		return TaskDefinition{}, errs.Newf(errs.NotFound, "task definition %q (version %q) not registered", taskType, version)
	}
	return def, nil
}

// Process looks up a process definition. version == "" resolves to "latest".
func (r *Registry) Process(_ context.Context, processType, version string) (ProcessDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.processes[key(processType, version)]
	if !ok {
		return ProcessDefinition{}, errs.Newf(errs.NotFound, "process definition %q (version %q) not registered", processType, version)
	}
	return def, nil
}

// ListTasks returns every registered task definition, in no particular order.
func (r *Registry) ListTasks(_ context.Context) ([]TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskDefinition, 0, len(r.tasks))
	for _, def := range r.tasks {
		out = append(out, def)
	}
	return out, nil
}

// ListProcesses returns every registered process definition, in no
// particular order.
func (r *Registry) ListProcesses(_ context.Context) ([]ProcessDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProcessDefinition, 0, len(r.processes))
	for _, def := range r.processes {
		out = append(out, def)
	}
	return out, nil
}
