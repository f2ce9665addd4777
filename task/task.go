// Package task implements the runtime's task executor (C4): single-task
// execution with retry, timeout, and cooperative cancellation, plus
// dependency-ordered execution of a task graph. Concurrency and future
// plumbing are adapted from the corpus's in-memory workflow engine,
// generalized from workflow activities to standalone retryable tasks.
package task

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusflow/reactor/cancel"
	"github.com/nimbusflow/reactor/errs"
	"github.com/nimbusflow/reactor/event"
	"github.com/nimbusflow/reactor/extension"
	"github.com/nimbusflow/reactor/telemetry"
)

// Status is a TaskExecution's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// BackoffStrategy selects how RetryPolicy computes the delay between
// attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy configures how many times a task is retried and how long to
// wait between attempts.
type RetryPolicy struct {
	MaxAttempts int // 1 means no retries
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     BackoffStrategy
	Jitter       bool
	// RetryableErrorTypes restricts retries to errors whose errs.Kind or Go
	// type name matches one entry. Empty means every error is retryable
	// (Cancelled and CircularDependency are always excluded).
	RetryableErrorTypes []string
}

// isRetryable reports whether err should consume another attempt under
// policy. Cancellation and circular-dependency failures are never retried
// regardless of policy; otherwise an empty RetryableErrorTypes list retries
// everything, and a non-empty list retries only errors whose errs.Kind or
// concrete Go type matches one of its entries.
func isRetryable(err error, types []string) bool {
	if errs.Is(err, errs.Cancelled) || errs.Is(err, errs.CircularDependency) {
		return false
	}
	if len(types) == 0 {
		return true
	}
	kind, hasKind := errs.Of(err)
	typeName := fmt.Sprintf("%T", err)
	for _, t := range types {
		if hasKind && string(kind) == t {
			return true
		}
		if typeName == t {
			return true
		}
	}
	return false
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Strategy == "" {
		p.Strategy = BackoffFixed
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		d = p.InitialDelay * time.Duration(1<<uint(attempt-1))
	default:
		d = p.InitialDelay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d += time.Duration(float64(d) * 0.1 * (rand.Float64()*2 - 1)) //nolint:gosec // jitter, not a security boundary
	}
	return d
}

// Context is passed to a Handler on every attempt. It carries the task's
// input, the current attempt number (1-indexed), the results of any
// dependencies that ran before this task, a cancellation token the
// handler should observe for long-running work, and the executor's logger.
type Context struct {
	Input             any
	AttemptNumber     int
	PreviousResults   map[string]any
	CancellationToken *cancel.Token
	EmitEvent         func(ctx context.Context, eventType string, payload any) error
	Logger            telemetry.Logger
}

// IsCancelled reports whether this task's cancellation token has fired.
func (c *Context) IsCancelled() bool {
	return c.CancellationToken != nil && c.CancellationToken.IsCancelled()
}

// ThrowIfCancelled returns a Cancelled error if the token has fired.
func (c *Context) ThrowIfCancelled() error {
	if c.CancellationToken == nil {
		return nil
	}
	return c.CancellationToken.ThrowIfCancelled()
}

// Handler executes a single task attempt and returns its result.
type Handler func(ctx context.Context, tctx *Context) (any, error)

// Definition describes a registered task type: its handler, retry policy,
// timeout, and the types of any tasks it depends on within a graph
// execution.
type Definition struct {
	Type      string
	Handler   Handler
	Retry     RetryPolicy
	Timeout   time.Duration
	DependsOn []string
}

// Execution is the record of a single task run.
type Execution struct {
	ID          string
	Type        string
	Status      Status
	Result      any
	Err         error
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Executor runs tasks, publishing lifecycle events to an event.Bus as it
// goes: task.started, task.completed, task.failed, task.cancelled, and
// task.retryAttempt between attempts. When an extension.System is attached
// it also dispatches the task:beforeExecute, task:afterExecute, and
// task:onError extension points.
type Executor struct {
	bus    *event.Bus
	logger telemetry.Logger
	ext    *extension.System
}

// Option configures an Executor.
type Option func(*Executor)

// WithBus attaches the event bus used to publish task lifecycle events.
func WithBus(bus *event.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithLogger attaches a logger for diagnostics not surfaced as events.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithExtensions attaches the extension System used to dispatch
// task:beforeExecute, task:afterExecute, and task:onError.
func WithExtensions(ext *extension.System) Option {
	return func(e *Executor) { e.ext = ext }
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{logger: telemetry.NoopLogger{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs def.Handler against input, retrying per def.Retry and racing
// each attempt against def.Timeout (if set) and token's cancellation. It
// returns the final Execution record; a failure after exhausting retries is
// reported via Execution.Err and StatusFailed rather than a returned error,
// mirroring the tagged-result idiom applied through Go's (T, error) so
// callers can inspect attempts and status even on failure.
func (e *Executor) Execute(ctx context.Context, def Definition, input any, token *cancel.Token, previousResults map[string]any) (*Execution, error) {
	if def.Handler == nil {
		return nil, errs.New(errs.ValidationError, "task definition has no handler")
	}
	if token == nil {
		token = cancel.New()
	}
	policy := def.Retry.normalized()

	exec := &Execution{
		ID:        uuid.NewString(),
		Type:      def.Type,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}

	if e.ext != nil {
		out, err := e.ext.ExecuteExtensionPoint(ctx, "task:beforeExecute", map[string]any{
			"taskId": exec.ID, "taskType": def.Type, "input": input,
		})
		if err != nil {
			return e.finish(ctx, exec, nil, err, 0, StatusFailed), nil
		}
		if params, ok := out.(map[string]any); ok {
			if rewritten, ok := params["input"]; ok {
				input = rewritten
			}
		}
	}

	e.publish(ctx, "task.started", map[string]any{"taskId": exec.ID, "taskType": def.Type})
	exec.Status = StatusRunning

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := token.ThrowIfCancelled(); err != nil {
			return e.finish(ctx, exec, nil, err, attempt, StatusCancelled), nil
		}

		tctx := &Context{
			Input:             input,
			AttemptNumber:     attempt,
			PreviousResults:   previousResults,
			CancellationToken: token,
			EmitEvent: func(ctx context.Context, eventType string, payload any) error {
				return e.publish(ctx, eventType, payload)
			},
			Logger: e.logger,
		}

		result, err := e.runAttempt(ctx, def, tctx, token)
		exec.Attempts = attempt

		if err == nil {
			e.runAfterExecute(ctx, exec, result)
			return e.finish(ctx, exec, result, nil, attempt, StatusCompleted), nil
		}

		if errs.Is(err, errs.Cancelled) {
			return e.finish(ctx, exec, nil, err, attempt, StatusCancelled), nil
		}

		e.runOnError(ctx, exec, err)

		if attempt == policy.MaxAttempts || !isRetryable(err, policy.RetryableErrorTypes) {
			return e.finish(ctx, exec, nil, err, attempt, StatusFailed), nil
		}

		delay := policy.delay(attempt)
		e.publish(ctx, "task.retryAttempt", map[string]any{
			"taskId": exec.ID, "taskType": def.Type, "attempt": attempt, "nextDelay": delay.String(), "error": err.Error(),
		})
		if !e.sleep(ctx, delay, token) {
			return e.finish(ctx, exec, nil, token.ThrowIfCancelled(), attempt, StatusCancelled), nil
		}
	}
	// Unreachable: the loop always returns by the final iteration.
	return exec, nil
}

// runAfterExecute dispatches task:afterExecute after a successful attempt.
// It is an observation hook: its return value is never adopted, and a
// failure is logged rather than turned into a task failure.
func (e *Executor) runAfterExecute(ctx context.Context, exec *Execution, result any) {
	if e.ext == nil {
		return
	}
	_, err := e.ext.ExecuteExtensionPoint(ctx, "task:afterExecute", map[string]any{
		"taskId": exec.ID, "taskType": exec.Type, "result": result,
		"executionTime": time.Since(exec.StartedAt).String(),
	})
	if err != nil {
		e.logger.Warn(ctx, "task:afterExecute hook failed", "taskId", exec.ID, "error", err)
	}
}

// runOnError dispatches task:onError after a failed attempt, before the
// retry policy is consulted. Like task:afterExecute it is observation-only.
func (e *Executor) runOnError(ctx context.Context, exec *Execution, attemptErr error) {
	if e.ext == nil {
		return
	}
	_, err := e.ext.ExecuteExtensionPoint(ctx, "task:onError", map[string]any{
		"taskId": exec.ID, "taskType": exec.Type, "error": attemptErr.Error(),
	})
	if err != nil {
		e.logger.Warn(ctx, "task:onError hook failed", "taskId", exec.ID, "error", err)
	}
}

func (e *Executor) runAttempt(ctx context.Context, def Definition, tctx *Context, token *cancel.Token) (any, error) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	token.OnCancel(cancelAttempt)
	if def.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeout(attemptCtx, def.Timeout)
		defer cancelTimeout()
	}

	done := make(chan struct{})
	var result any
	var err error
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = errs.Newf(errs.Internal, "task handler panicked: %v", r)
			}
			close(done)
		}()
		result, err = def.Handler(attemptCtx, tctx)
	}()

	select {
	case <-done:
		return result, err
	case <-attemptCtx.Done():
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, errs.New(errs.Timeout, "task attempt timed out")
		}
		if token.IsCancelled() {
			return nil, errs.New(errs.Cancelled, "task attempt cancelled")
		}
		<-done // parent ctx ended: wait for the handler goroutine to exit
		return result, err
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration, token *cancel.Token) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	cancelled := make(chan struct{})
	token.OnCancel(func() { close(cancelled) })
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-cancelled:
		return false
	}
}

func (e *Executor) finish(ctx context.Context, exec *Execution, result any, err error, attempts int, status Status) *Execution {
	exec.Result = result
	exec.Err = err
	exec.Attempts = attempts
	exec.Status = status
	exec.CompletedAt = time.Now()

	switch status {
	case StatusCompleted:
		e.publish(ctx, "task.completed", map[string]any{"taskId": exec.ID, "taskType": exec.Type, "attempts": attempts})
	case StatusFailed:
		e.publish(ctx, "task.failed", map[string]any{"taskId": exec.ID, "taskType": exec.Type, "attempts": attempts, "error": err.Error()})
	case StatusCancelled:
		e.publish(ctx, "task.cancelled", map[string]any{"taskId": exec.ID, "taskType": exec.Type, "attempts": attempts})
	}
	return exec
}

func (e *Executor) publish(ctx context.Context, eventType string, payload map[string]any) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Publish(ctx, event.Event{Type: eventType, Payload: payload})
}

// ExecuteGraph runs every definition in defs, resolving DependsOn edges with
// a topological execution order and propagating each task's result into the
// PreviousResults seen by its dependents. It returns the Execution for every
// task keyed by Definition.Type, or an error if defs contains a dependency
// cycle or references an unknown dependency.
func (e *Executor) ExecuteGraph(ctx context.Context, defs map[string]Definition, inputs map[string]any, token *cancel.Token) (map[string]*Execution, error) {
	order, err := topologicalOrder(defs)
	if err != nil {
		return nil, err
	}
	if token == nil {
		token = cancel.New()
	}

	results := make(map[string]*Execution, len(defs))
	previous := make(map[string]any, len(defs))

	for _, taskType := range order {
		def := defs[taskType]
		childToken := cancel.New()
		token.Cascade(childToken)

		depResults := make(map[string]any, len(def.DependsOn))
		failedDep := ""
		for _, dep := range def.DependsOn {
			if r, ok := results[dep]; ok {
				if r.Status != StatusCompleted {
					failedDep = dep
					break
				}
				depResults[dep] = r.Result
			}
		}
		if failedDep != "" {
			results[taskType] = &Execution{
				ID:     uuid.NewString(),
				Type:   taskType,
				Status: StatusFailed,
				Err:    errs.Newf(errs.DependencyFailed, "dependency %q did not complete successfully", failedDep),
			}
			continue
		}

		exec, err := e.Execute(ctx, def, inputs[taskType], childToken, mergeResults(previous, depResults))
		if err != nil {
			return results, err
		}
		results[taskType] = exec
		if exec.Status == StatusCompleted {
			previous[taskType] = exec.Result
		}
	}
	return results, nil
}

func mergeResults(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// topologicalOrder computes a dependency-respecting execution order via
// Kahn's algorithm, returning errs.CircularDependency if defs contains a
// cycle.
func topologicalOrder(defs map[string]Definition) ([]string, error) {
	inDegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for name := range defs {
		inDegree[name] = 0
	}
	for name, def := range defs {
		for _, dep := range def.DependsOn {
			if _, ok := defs[dep]; !ok {
				return nil, errs.Newf(errs.NotFound, "task %q depends on unregistered task %q", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(defs) {
		return nil, errs.New(errs.CircularDependency, "task graph contains a circular dependency")
	}
	return order, nil
}
