// Package process implements the runtime's process manager: a
// deterministic finite-state machine with guard predicates, entry/exit
// actions, and checkpoint/restore.
package process

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusflow/reactor/errs"
	"github.com/nimbusflow/reactor/event"
	"github.com/nimbusflow/reactor/extension"
)

// Guard decides whether a transition may be taken given the instance's
// current data and the triggering event's payload.
type Guard func(data map[string]any, payload any) bool

// Action runs as part of entering or exiting a state. Actions may mutate
// data in place; any error they return is published by the manager as a
// process.actionFailed event and otherwise ignored, so a misbehaving action can never leave a process
// instance stuck mid-transition.
type Action func(ctx context.Context, data map[string]any, payload any) error

// Transition describes one edge in the state machine: taking EventName
// while in From moves the instance to To, provided Guard (if set) returns
// true.
type Transition struct {
	From      string
	EventName string
	To        string
	Guard     Guard
}

// Definition describes a registered process type: its states and the
// transitions between them, plus optional entry/exit actions per state.
type Definition struct {
	Type         string
	InitialState string
	Transitions  []Transition
	EntryActions map[string]Action
	ExitActions  map[string]Action
}

func (d Definition) find(from, eventName string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.EventName == eventName {
			return t, true
		}
	}
	return Transition{}, false
}

// Instance is a single running process. Data carries whatever domain state
// the process accumulates across transitions. Metadata tracks bookkeeping
// the manager itself maintains (lastTransition, latestCheckpoint,
// restoredFrom, restoredAt); Recovery is set only once the instance has
// been restored from a checkpoint at least once.
type Instance struct {
	ID           string
	Type         string
	CurrentState string
	Data         map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	OwnerID      string
	History      []HistoryEntry
	Metadata     map[string]any
	Recovery     *Recovery
}

// Recovery records which checkpoint an Instance was last restored from.
type Recovery struct {
	CheckpointID string
	LastSavedAt  time.Time
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	EventName string
	From      string
	To        string
	At        time.Time
}

// Checkpoint is a durable snapshot of an Instance sufficient to restore it.
// Multiple checkpoints may exist per process instance, distinguished by ID.
type Checkpoint struct {
	ID           string
	InstanceID   string
	Type         string
	CurrentState string
	Data         map[string]any
	History      []HistoryEntry
	Metadata     map[string]any
	SavedAt      time.Time
}

// CheckpointStore persists and restores process checkpoints, keyed by
// checkpoint ID so a process instance can accumulate more than one. The
// only implementation is the SQLite-backed one in package store; there is
// no in-memory implementation, and a Manager built without a store rejects
// SaveCheckpoint and RestoreFromCheckpoint with errs.ValidationError.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, checkpointID string) (Checkpoint, error)
}

// Manager creates and advances process instances against their registered
// Definition.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	defs      map[string]Definition
	bus       *event.Bus
	store     CheckpointStore
	ext       *extension.System
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus attaches the bus used to publish process.* lifecycle events.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithCheckpointStore attaches durable checkpoint persistence.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithExtensions attaches the extension System used to dispatch
// process:created and process:updated.
func WithExtensions(ext *extension.System) Option {
	return func(m *Manager) { m.ext = ext }
}

// NewManager constructs an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		instances: make(map[string]*Instance),
		defs:      make(map[string]Definition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterDefinition adds def to the set of process types this Manager can
// instantiate.
func (m *Manager) RegisterDefinition(def Definition) error {
	if def.Type == "" {
		return errs.New(errs.ValidationError, "process type is required")
	}
	if def.InitialState == "" {
		return errs.New(errs.ValidationError, "initial state is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.Type] = def
	return nil
}

// CreateProcess instantiates a new process of processType in its initial
// state, running that state's entry action (if any). Before the instance is
// stored, the process:created extension point is invoked with
// {processType, data}; its returned data (if any) replaces data.
func (m *Manager) CreateProcess(ctx context.Context, processType string, ownerID string, data map[string]any) (*Instance, error) {
	m.mu.RLock()
	def, ok := m.defs[processType]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.NotFound, "process type %q not registered", processType)
	}

	if data == nil {
		data = make(map[string]any)
	}

	if m.ext != nil {
		out, err := m.ext.ExecuteExtensionPoint(ctx, "process:created", map[string]any{
			"processType": processType, "data": data,
		})
		if err != nil {
			return nil, err
		}
		if params, ok := out.(map[string]any); ok {
			if rewritten, ok := params["data"].(map[string]any); ok {
				data = rewritten
			}
		}
	}

	now := time.Now()
	inst := &Instance{
		ID:           uuid.NewString(),
		Type:         processType,
		CurrentState: def.InitialState,
		Data:         data,
		CreatedAt:    now,
		UpdatedAt:    now,
		OwnerID:      ownerID,
		Metadata:     make(map[string]any),
	}

	m.runAction(ctx, def.EntryActions[def.InitialState], inst, nil)

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	m.publish(ctx, "process.created", map[string]any{"processId": inst.ID, "processType": processType, "state": inst.CurrentState})
	return inst, nil
}

// ApplyEvent attempts to transition instanceID via eventName. It validates
// the transition exists and its guard (if any) passes, runs the outgoing
// state's exit action, moves state, runs the incoming state's entry action,
// and appends a HistoryEntry. Before the state change is committed, the
// process:updated extension point is invoked with
// {processId, processType, data}; its returned data (if any) replaces the
// instance's data.
func (m *Manager) ApplyEvent(ctx context.Context, instanceID, eventName string, payload any) (*Instance, error) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return nil, errs.Newf(errs.NotFound, "process instance %q not found", instanceID)
	}
	def := m.defs[inst.Type]
	m.mu.Unlock()

	transition, ok := def.find(inst.CurrentState, eventName)
	if !ok {
		return nil, errs.Newf(errs.NoTransition, "no transition for event %q from state %q", eventName, inst.CurrentState)
	}
	if transition.Guard != nil && !transition.Guard(inst.Data, payload) {
		return nil, errs.Newf(errs.GuardFailed, "guard rejected event %q from state %q", eventName, inst.CurrentState)
	}

	if m.ext != nil {
		out, err := m.ext.ExecuteExtensionPoint(ctx, "process:updated", map[string]any{
			"processId": inst.ID, "processType": inst.Type, "data": inst.Data,
		})
		if err != nil {
			return nil, err
		}
		if params, ok := out.(map[string]any); ok {
			if rewritten, ok := params["data"].(map[string]any); ok {
				m.mu.Lock()
				inst.Data = rewritten
				m.mu.Unlock()
			}
		}
	}

	m.runAction(ctx, def.ExitActions[transition.From], inst, payload)

	m.mu.Lock()
	from := inst.CurrentState
	inst.CurrentState = transition.To
	inst.UpdatedAt = time.Now()
	inst.History = append(inst.History, HistoryEntry{
		EventName: eventName,
		From:      from,
		To:        transition.To,
		At:        inst.UpdatedAt,
	})
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]any)
	}
	inst.Metadata["lastTransition"] = eventName
	m.mu.Unlock()

	m.runAction(ctx, def.EntryActions[transition.To], inst, payload)

	m.publish(ctx, "process.stateChanged", map[string]any{
		"processId": inst.ID, "previousState": from, "currentState": transition.To, "transition": eventName, "data": inst.Data,
	})
	return inst, nil
}

// IsTransitionValid reports whether eventName can currently be applied to
// instanceID without mutating any state.
func (m *Manager) IsTransitionValid(instanceID, eventName string, payload any) (bool, error) {
	m.mu.RLock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.RUnlock()
		return false, errs.Newf(errs.NotFound, "process instance %q not found", instanceID)
	}
	def := m.defs[inst.Type]
	state := inst.CurrentState
	data := inst.Data
	m.mu.RUnlock()

	transition, ok := def.find(state, eventName)
	if !ok {
		return false, nil
	}
	if transition.Guard != nil && !transition.Guard(data, payload) {
		return false, nil
	}
	return true, nil
}

// Get returns the current Instance for instanceID.
func (m *Manager) Get(instanceID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, errs.Newf(errs.NotFound, "process instance %q not found", instanceID)
	}
	return inst, nil
}

// SaveCheckpoint snapshots instanceID's current state to the configured
// CheckpointStore under a freshly generated checkpoint ID, so a process
// instance may accumulate any number of checkpoints over its lifetime. It
// returns the new checkpoint's ID.
func (m *Manager) SaveCheckpoint(ctx context.Context, instanceID string) (string, error) {
	if m.store == nil {
		return "", errs.New(errs.ValidationError, "no checkpoint store configured")
	}
	m.mu.RLock()
	inst, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if !ok {
		return "", errs.Newf(errs.NotFound, "process instance %q not found", instanceID)
	}
	cp := Checkpoint{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		Type:         inst.Type,
		CurrentState: inst.CurrentState,
		Data:         cloneData(inst.Data),
		History:      append([]HistoryEntry(nil), inst.History...),
		Metadata:     cloneData(inst.Metadata),
		SavedAt:      time.Now(),
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return "", err
	}

	m.mu.Lock()
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]any)
	}
	inst.Metadata["latestCheckpoint"] = cp.ID
	m.mu.Unlock()

	return cp.ID, nil
}

// RestoreFromCheckpoint loads checkpointID back into an active Instance,
// provided its process type is still registered and the checkpoint belongs
// to instanceID (else errs.NotOwned). The restored instance's Metadata
// records restoredFrom/restoredAt so callers can observe the recovery.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Instance, error) {
	if m.store == nil {
		return nil, errs.New(errs.ValidationError, "no checkpoint store configured")
	}
	cp, err := m.store.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.InstanceID != instanceID {
		return nil, errs.Newf(errs.NotOwned, "checkpoint %q does not belong to process instance %q", checkpointID, instanceID)
	}
	m.mu.RLock()
	_, ok := m.defs[cp.Type]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.NotFound, "process type %q not registered", cp.Type)
	}

	now := time.Now()
	metadata := cloneData(cp.Metadata)
	metadata["restoredFrom"] = checkpointID
	metadata["restoredAt"] = now

	inst := &Instance{
		ID:           cp.InstanceID,
		Type:         cp.Type,
		CurrentState: cp.CurrentState,
		Data:         cloneData(cp.Data),
		History:      append([]HistoryEntry(nil), cp.History...),
		UpdatedAt:    cp.SavedAt,
		Metadata:     metadata,
		Recovery:     &Recovery{CheckpointID: checkpointID, LastSavedAt: cp.SavedAt},
	}
	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	m.publish(ctx, "process.restored", map[string]any{"processId": inst.ID, "processType": inst.Type, "state": inst.CurrentState, "checkpointId": checkpointID})
	return inst, nil
}

// runAction invokes action if set, swallowing its error per the
// specification: entry/exit action failures are reported on the bus but
// never block the transition that triggered them.
func (m *Manager) runAction(ctx context.Context, action Action, inst *Instance, payload any) {
	if action == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.publish(ctx, "process.actionFailed", map[string]any{"processId": inst.ID, "recovered": r})
		}
	}()
	if err := action(ctx, inst.Data, payload); err != nil {
		m.publish(ctx, "process.actionFailed", map[string]any{"processId": inst.ID, "error": err.Error()})
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, event.Event{Type: eventType, Payload: payload})
}

func cloneData(src map[string]any) map[string]any {
	if len(src) == 0 {
		return make(map[string]any)
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
