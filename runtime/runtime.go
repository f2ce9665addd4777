// Package runtime composes the extension system, event bus, registry, task
// executor, scheduler, and process manager into a single façade (C8) with
// one lifecycle: initialize, start, stop, cleanup. It mirrors the
// functional-options composition idiom the rest of this module uses for
// its own constructors, scaled up to wire components into each other
// rather than just configure a single struct.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusflow/reactor/cancel"
	"github.com/nimbusflow/reactor/errs"
	"github.com/nimbusflow/reactor/event"
	"github.com/nimbusflow/reactor/extension"
	"github.com/nimbusflow/reactor/process"
	"github.com/nimbusflow/reactor/registry"
	"github.com/nimbusflow/reactor/scheduler"
	"github.com/nimbusflow/reactor/task"
)

// State is one of the four lifecycle states a Runtime occupies.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized    State = "initialized"
	StateRunning        State = "running"
	StateStopped        State = "stopped"
)

// HealthStatus summarizes a component's or the Runtime's overall health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one named component's contribution to Health.
type ComponentHealth struct {
	Name   string
	Status HealthStatus
	Detail string
}

// Health is the aggregated result of getHealth().
type Health struct {
	Status     HealthStatus
	Components []ComponentHealth
}

// HealthChecker lets a component report its own health. Components that
// don't implement it are treated as always healthy.
type HealthChecker interface {
	Health() ComponentHealth
}

// Options configures a Runtime at construction time. All fields are
// optional; New installs in-memory/no-op defaults for anything left unset.
type Options struct {
	Extensions      *extension.System
	Bus             *event.Bus
	Registry        *registry.Registry
	CachedRegistry  *registry.CachingRegistry
	Executor        *task.Executor
	Scheduler       *scheduler.Scheduler
	Processes       *process.Manager
	ExtraComponents []HealthChecker
}

// Option mutates Options during New.
type Option func(*Options)

func WithExtensions(s *extension.System) Option       { return func(o *Options) { o.Extensions = s } }
func WithBus(b *event.Bus) Option                     { return func(o *Options) { o.Bus = b } }
func WithRegistry(r *registry.Registry) Option        { return func(o *Options) { o.Registry = r } }
func WithCachedRegistry(r *registry.CachingRegistry) Option {
	return func(o *Options) { o.CachedRegistry = r }
}
func WithExecutor(e *task.Executor) Option   { return func(o *Options) { o.Executor = e } }
func WithScheduler(s *scheduler.Scheduler) Option { return func(o *Options) { o.Scheduler = s } }
func WithProcesses(m *process.Manager) Option { return func(o *Options) { o.Processes = m } }
func WithHealthChecker(c HealthChecker) Option {
	return func(o *Options) { o.ExtraComponents = append(o.ExtraComponents, c) }
}

// Runtime composes every component and owns their shared lifecycle.
type Runtime struct {
	mu    sync.RWMutex
	state State

	Extensions *extension.System
	Bus        *event.Bus
	Registry   *registry.Registry
	Cached     *registry.CachingRegistry
	Executor   *task.Executor
	Scheduler  *scheduler.Scheduler
	Processes  *process.Manager

	extra []HealthChecker

	runningTasks   map[string]*cancel.Token
	runningTasksMu sync.Mutex
	subscriptions  []event.Subscription
}

// New constructs a Runtime in state uninitialized. Call Initialize before
// Start.
func New(opts ...Option) *Runtime {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Extensions == nil {
		o.Extensions = extension.New()
	}
	if o.Bus == nil {
		o.Bus = event.New(event.WithExtensions(o.Extensions))
	}
	if o.Registry == nil {
		o.Registry = registry.New()
	}
	if o.Executor == nil {
		o.Executor = task.NewExecutor(task.WithBus(o.Bus), task.WithExtensions(o.Extensions))
	}
	if o.Scheduler == nil {
		o.Scheduler = scheduler.New()
	}
	if o.Processes == nil {
		o.Processes = process.NewManager(process.WithEventBus(o.Bus), process.WithExtensions(o.Extensions))
	}
	return &Runtime{
		state:        StateUninitialized,
		Extensions:   o.Extensions,
		Bus:          o.Bus,
		Registry:     o.Registry,
		Cached:       o.CachedRegistry,
		Executor:     o.Executor,
		Scheduler:    o.Scheduler,
		Processes:    o.Processes,
		extra:        o.ExtraComponents,
		runningTasks: make(map[string]*cancel.Token),
	}
}

// State reports the Runtime's current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Initialize registers the built-in extension points plus any extra points
// passed in, and transitions the Runtime to initialized. Calling it from a
// state other than uninitialized returns errs.ValidationError.
func (r *Runtime) Initialize(ctx context.Context, points ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUninitialized {
		return errs.Newf(errs.ValidationError, "initialize requires state uninitialized, got %q", r.state)
	}
	builtin := []string{
		"system:init", "system:shutdown", "system:error",
		"task:beforeExecute", "task:afterExecute", "task:onError",
		"process:created", "process:updated",
		"event:beforePublish", "event:afterPublish",
	}
	for _, p := range append(builtin, points...) {
		r.Extensions.RegisterExtensionPoint(p)
	}
	r.state = StateInitialized
	return nil
}

// Start requires the Runtime to be initialized and transitions it to
// running; task executions are registered for cancellation on Stop only
// through Track. The scheduler itself is already driving its own background goroutine from
// construction; Start marks the façade as ready to accept work.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInitialized {
		return errs.Newf(errs.ValidationError, "start requires state initialized, got %q", r.state)
	}
	r.state = StateRunning
	return nil
}

// Stop cancels every task execution Track registered, unsubscribes
// lifecycle subscriptions, and transitions to stopped.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return errs.Newf(errs.ValidationError, "stop requires state running, got %q", r.state)
	}
	r.state = StateStopped
	r.mu.Unlock()

	r.runningTasksMu.Lock()
	for _, token := range r.runningTasks {
		token.Cancel()
	}
	r.runningTasks = make(map[string]*cancel.Token)
	r.runningTasksMu.Unlock()

	for _, sub := range r.subscriptions {
		sub.Unsubscribe()
	}
	r.subscriptions = nil
	return nil
}

// Cleanup frees all state and returns the Runtime to uninitialized. The
// Runtime may be Initialized again afterward, but Cleanup stops the
// scheduler and nothing restarts it, so jobs scheduled after Cleanup never
// run.
func (r *Runtime) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Bus.ClearAllSubscriptions()
	r.Scheduler.Stop()
	r.runningTasksMu.Lock()
	r.runningTasks = make(map[string]*cancel.Token)
	r.runningTasksMu.Unlock()
	r.state = StateUninitialized
	return nil
}

// Track registers token as belonging to executionID so Stop can cancel it.
// The task executor does not call this automatically; a caller driving
// executions through the façade should Track each one it starts.
func (r *Runtime) Track(executionID string, token *cancel.Token) {
	r.runningTasksMu.Lock()
	defer r.runningTasksMu.Unlock()
	r.runningTasks[executionID] = token
}

// Untrack removes executionID from the set Stop would cancel, typically
// called once an execution reaches a terminal status.
func (r *Runtime) Untrack(executionID string) {
	r.runningTasksMu.Lock()
	defer r.runningTasksMu.Unlock()
	delete(r.runningTasks, executionID)
}

// TrackSubscription registers sub so Stop unsubscribes it.
func (r *Runtime) TrackSubscription(sub event.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions = append(r.subscriptions, sub)
}

// GetHealth aggregates component health. A registry, executor, scheduler,
// and process manager are always healthy once constructed (they hold no
// external connections); ExtraComponents (event stores, checkpoint stores,
// cluster backpressure) report their own status, and a single unhealthy
// component forces the overall result to unhealthy, with degraded
// otherwise if any component degraded.
func (r *Runtime) GetHealth() Health {
	components := []ComponentHealth{
		{Name: "extensions", Status: HealthHealthy},
		{Name: "event_bus", Status: HealthHealthy},
		{Name: "registry", Status: HealthHealthy},
		{Name: "task_executor", Status: HealthHealthy},
		{Name: "scheduler", Status: HealthHealthy},
		{Name: "process_manager", Status: HealthHealthy},
	}
	for _, c := range r.extra {
		components = append(components, c.Health())
	}

	overall := HealthHealthy
	for _, c := range components {
		switch c.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall != HealthUnhealthy {
				overall = HealthDegraded
			}
		}
	}
	return Health{Status: overall, Components: components}
}

// pingHealth is a small helper ExtraComponents can use to turn a
// ctx-bounded ping function into a ComponentHealth.
func pingHealth(name string, timeout time.Duration, ping func(ctx context.Context) error) ComponentHealth {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ping(ctx); err != nil {
		return ComponentHealth{Name: name, Status: HealthUnhealthy, Detail: err.Error()}
	}
	return ComponentHealth{Name: name, Status: HealthHealthy}
}
