// Package extension implements the runtime's extension-point system (C1):
// a mapping from named join points to an ordered list of hooks that
// sequentially transform a params value, failing fast on the first error.
// It mirrors the registration/unregistration and fan-out idioms of the
// corpus's hook bus, but composes hooks instead of merely notifying them.
package extension

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nimbusflow/reactor/errs"
)

// Hook transforms the params passed to an extension point and returns the
// (possibly rewritten) params for the next hook in the chain, or an error
// to halt execution fail-fast.
type Hook func(ctx context.Context, params any) (any, error)

// entry is a single registered hook together with its priority and the
// extension id that contributed it, so unregistering an extension removes
// every hook it contributed.
type entry struct {
	extensionID string
	priority    int
	seq         int // registration order, used to break priority ties
	hook        Hook
}

// Extension groups every hook an extension contributes, keyed by the
// extension point name they attach to.
type Extension struct {
	ID    string
	Hooks map[string]Hook
}

// System is the extension-point registry and dispatcher. The zero value is
// not usable; construct with New.
type System struct {
	mu       sync.RWMutex
	points   map[string]struct{}
	entries  map[string][]entry
	schemas  map[string]*jsonschema.Schema
	seq      int
	extIndex map[string][]string // extension id -> point names it contributed to
}

// New constructs an empty extension System.
func New() *System {
	return &System{
		points:   make(map[string]struct{}),
		entries:  make(map[string][]entry),
		schemas:  make(map[string]*jsonschema.Schema),
		extIndex: make(map[string][]string),
	}
}

// RegisterExtensionPoint declares a named extension point. Idempotent:
// registering the same name twice is a no-op.
func (s *System) RegisterExtensionPoint(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[name] = struct{}{}
}

// RegisterExtensionPointSchema declares a JSON Schema that incoming params
// for name must satisfy. ExecuteExtensionPoint validates params against the
// schema before dispatching any hook; a validation failure returns
// errs.ValidationError without invoking a hook.
func (s *System) RegisterExtensionPointSchema(name string, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, toJSONValue(schemaJSON)); err != nil {
		return errs.Wrap(errs.ValidationError, err, "compile schema for "+name)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return errs.Wrap(errs.ValidationError, err, "compile schema for "+name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[name] = struct{}{}
	s.schemas[name] = schema
	return nil
}

// RegisterExtension validates ext.ID is unique and stores every hook it
// contributes. Fails with errs.AlreadyExists on a duplicate id.
func (s *System) RegisterExtension(ext Extension) error {
	if ext.ID == "" {
		return errs.New(errs.ValidationError, "extension id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.extIndex[ext.ID]; dup {
		return errs.Newf(errs.AlreadyExists, "extension %q already registered", ext.ID)
	}
	points := make([]string, 0, len(ext.Hooks))
	for point, hook := range ext.Hooks {
		if hook == nil {
			continue
		}
		s.points[point] = struct{}{}
		s.seq++
		s.entries[point] = append(s.entries[point], entry{
			extensionID: ext.ID,
			priority:    0,
			seq:         s.seq,
			hook:        hook,
		})
		points = append(points, point)
	}
	s.extIndex[ext.ID] = points
	return nil
}

// RegisterExtensionWithPriority behaves like RegisterExtension but lets the
// caller set an explicit priority per hook; higher priority executes first,
// ties broken by registration order.
func (s *System) RegisterExtensionWithPriority(id string, hooks map[string]struct {
	Priority int
	Hook     Hook
}) error {
	if id == "" {
		return errs.New(errs.ValidationError, "extension id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.extIndex[id]; dup {
		return errs.Newf(errs.AlreadyExists, "extension %q already registered", id)
	}
	points := make([]string, 0, len(hooks))
	for point, h := range hooks {
		if h.Hook == nil {
			continue
		}
		s.points[point] = struct{}{}
		s.seq++
		s.entries[point] = append(s.entries[point], entry{
			extensionID: id,
			priority:    h.Priority,
			seq:         s.seq,
			hook:        h.Hook,
		})
		sort.SliceStable(s.entries[point], func(i, j int) bool {
			return s.entries[point][i].priority > s.entries[point][j].priority
		})
		points = append(points, point)
	}
	s.extIndex[id] = points
	return nil
}

// UnregisterExtension removes every hook contributed by id. Idempotent on
// an unknown id, which returns errs.NotFound.
func (s *System) UnregisterExtension(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	points, ok := s.extIndex[id]
	if !ok {
		return errs.Newf(errs.NotFound, "extension %q not registered", id)
	}
	for _, point := range points {
		filtered := s.entries[point][:0]
		for _, e := range s.entries[point] {
			if e.extensionID != id {
				filtered = append(filtered, e)
			}
		}
		s.entries[point] = filtered
	}
	delete(s.extIndex, id)
	return nil
}

// ExecuteExtensionPoint sequentially invokes each hook registered for name
// with the current params, threading the (possibly rewritten) output of one
// hook into the next. The first hook to return an error halts execution;
// that error is returned wrapped as errs.HookFailed, together with the
// params as they stood before the failing hook. An unregistered point is a no-op
// returning params unchanged.
func (s *System) ExecuteExtensionPoint(ctx context.Context, name string, params any) (any, error) {
	s.mu.RLock()
	schema := s.schemas[name]
	hooks := make([]entry, len(s.entries[name]))
	copy(hooks, s.entries[name])
	s.mu.RUnlock()

	if schema != nil {
		if err := validateAgainstSchema(schema, params); err != nil {
			return params, errs.Wrap(errs.ValidationError, err, "params for "+name)
		}
	}

	current := params
	for _, e := range hooks {
		out, err := invokeHook(ctx, e.hook, current)
		if err != nil {
			return current, errs.Wrap(errs.HookFailed, err, "hook for "+name+" from "+e.extensionID)
		}
		current = out
	}
	return current, nil
}

// invokeHook recovers a panicking hook and translates it into an error so a
// single misbehaving extension cannot crash the dispatching goroutine.
func invokeHook(ctx context.Context, hook Hook, params any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.Internal, "hook panicked: %v", r)
		}
	}()
	return hook(ctx, params)
}

func validateAgainstSchema(schema *jsonschema.Schema, params any) error {
	return schema.Validate(params)
}

func toJSONValue(schemaJSON string) any {
	// AddResource takes an already-decoded value; decode the caller's raw
	// schema JSON once here so RegisterExtensionPointSchema can accept a
	// plain string literal.
	var v any
	_ = json.Unmarshal([]byte(schemaJSON), &v)
	return v
}
