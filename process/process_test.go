package process

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/nimbusflow/reactor/errs"
	"github.com/nimbusflow/reactor/event"
	"github.com/nimbusflow/reactor/extension"
)

func orderDefinition() Definition {
	return Definition{
		Type:         "order",
		InitialState: "pending",
		Transitions: []Transition{
			{From: "pending", EventName: "pay", To: "paid"},
			{From: "paid", EventName: "ship", To: "shipped", Guard: func(data map[string]any, _ any) bool {
				inStock, _ := data["inStock"].(bool)
				return inStock
			}},
			{From: "paid", EventName: "cancel", To: "cancelled"},
		},
	}
}

func TestCreateProcessStartsInInitialState(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "owner-1", nil)
	require.NoError(t, err)
	require.Equal(t, "pending", inst.CurrentState)
}

func TestApplyEventTransitions(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)

	inst, err = m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)
	require.Equal(t, "paid", inst.CurrentState)
	require.Len(t, inst.History, 1)
	require.Equal(t, "pending", inst.History[0].From)
	require.Equal(t, "paid", inst.History[0].To)
}

func TestApplyEventInvalidTransition(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)

	_, err = m.ApplyEvent(context.Background(), inst.ID, "ship", nil)
	require.True(t, errs.Is(err, errs.NoTransition))
}

func TestApplyEventGuardFailed(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", map[string]any{"inStock": false})
	require.NoError(t, err)
	inst, err = m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)

	_, err = m.ApplyEvent(context.Background(), inst.ID, "ship", nil)
	require.True(t, errs.Is(err, errs.GuardFailed))
}

func TestIsTransitionValid(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)

	ok, err := m.IsTransitionValid(inst.ID, "pay", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.IsTransitionValid(inst.ID, "ship", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEntryAndExitActionsRun(t *testing.T) {
	var entered, exited []string
	def := orderDefinition()
	def.EntryActions = map[string]Action{
		"paid": func(_ context.Context, _ map[string]any, _ any) error {
			entered = append(entered, "paid")
			return nil
		},
	}
	def.ExitActions = map[string]Action{
		"pending": func(_ context.Context, _ map[string]any, _ any) error {
			exited = append(exited, "pending")
			return nil
		},
	}
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(def))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)
	_, err = m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)

	require.Equal(t, []string{"paid"}, entered)
	require.Equal(t, []string{"pending"}, exited)
}

func TestActionErrorIsSwallowed(t *testing.T) {
	def := orderDefinition()
	def.EntryActions = map[string]Action{
		"paid": func(context.Context, map[string]any, any) error {
			return errors.New("boom")
		},
	}
	m := NewManager()
	require.NoError(t, m.RegisterDefinition(def))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)
	inst, err = m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)
	require.Equal(t, "paid", inst.CurrentState)
}

type memCheckpointStore struct {
	saved map[string]Checkpoint
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{saved: make(map[string]Checkpoint)}
}

func (s *memCheckpointStore) Save(_ context.Context, cp Checkpoint) error {
	s.saved[cp.ID] = cp
	return nil
}

func (s *memCheckpointStore) Load(_ context.Context, checkpointID string) (Checkpoint, error) {
	cp, ok := s.saved[checkpointID]
	if !ok {
		return Checkpoint{}, errs.Newf(errs.NotFound, "checkpoint %q not found", checkpointID)
	}
	return cp, nil
}

func TestSaveAndRestoreCheckpoint(t *testing.T) {
	store := newMemCheckpointStore()
	m := NewManager(WithCheckpointStore(store))
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", map[string]any{"inStock": true})
	require.NoError(t, err)
	_, err = m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)
	cpID, err := m.SaveCheckpoint(context.Background(), inst.ID)
	require.NoError(t, err)

	restored, err := m.RestoreFromCheckpoint(context.Background(), inst.ID, cpID)
	require.NoError(t, err)
	require.Equal(t, "paid", restored.CurrentState)
	require.Len(t, restored.History, 1)
	require.Equal(t, cpID, restored.Metadata["restoredFrom"])
	require.NotNil(t, restored.Recovery)
	require.Equal(t, cpID, restored.Recovery.CheckpointID)
}

func TestRestoreFromCheckpointRejectsMismatchedInstance(t *testing.T) {
	store := newMemCheckpointStore()
	m := NewManager(WithCheckpointStore(store))
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)
	cpID, err := m.SaveCheckpoint(context.Background(), inst.ID)
	require.NoError(t, err)

	_, err = m.RestoreFromCheckpoint(context.Background(), "some-other-instance", cpID)
	require.True(t, errs.Is(err, errs.NotOwned))
}

func TestSaveCheckpointAllowsMultiplePerInstance(t *testing.T) {
	store := newMemCheckpointStore()
	m := NewManager(WithCheckpointStore(store))
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", map[string]any{"inStock": true})
	require.NoError(t, err)

	first, err := m.SaveCheckpoint(context.Background(), inst.ID)
	require.NoError(t, err)
	_, err = m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)
	second, err := m.SaveCheckpoint(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	restoredFirst, err := m.RestoreFromCheckpoint(context.Background(), inst.ID, first)
	require.NoError(t, err)
	require.Equal(t, "pending", restoredFirst.CurrentState)

	restoredSecond, err := m.RestoreFromCheckpoint(context.Background(), inst.ID, second)
	require.NoError(t, err)
	require.Equal(t, "paid", restoredSecond.CurrentState)
}

func TestCreateProcessDispatchesCreatedHook(t *testing.T) {
	ext := extension.New()
	ext.RegisterExtensionPoint("process:created")
	require.NoError(t, ext.RegisterExtension(extension.Extension{
		ID: "stamp",
		Hooks: map[string]extension.Hook{
			"process:created": func(_ context.Context, params any) (any, error) {
				p := params.(map[string]any)
				data := p["data"].(map[string]any)
				data["stamped"] = true
				p["data"] = data
				return p, nil
			},
		},
	}))

	m := NewManager(WithExtensions(ext))
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)
	require.Equal(t, true, inst.Data["stamped"])
}

func TestApplyEventDispatchesUpdatedHookAndStateChangedEvent(t *testing.T) {
	ext := extension.New()
	ext.RegisterExtensionPoint("process:updated")
	require.NoError(t, ext.RegisterExtension(extension.Extension{
		ID: "stamp",
		Hooks: map[string]extension.Hook{
			"process:updated": func(_ context.Context, params any) (any, error) {
				p := params.(map[string]any)
				data := p["data"].(map[string]any)
				data["touched"] = true
				p["data"] = data
				return p, nil
			},
		},
	}))

	bus := event.New()
	var payload map[string]any
	bus.Subscribe("process.stateChanged", func(_ context.Context, p any) error {
		payload = p.(map[string]any)
		return nil
	})

	m := NewManager(WithExtensions(ext), WithEventBus(bus))
	require.NoError(t, m.RegisterDefinition(orderDefinition()))
	inst, err := m.CreateProcess(context.Background(), "order", "", nil)
	require.NoError(t, err)

	updated, err := m.ApplyEvent(context.Background(), inst.ID, "pay", nil)
	require.NoError(t, err)
	require.Equal(t, true, updated.Data["touched"])

	require.NotNil(t, payload)
	require.Equal(t, inst.ID, payload["processId"])
	require.Equal(t, "pending", payload["previousState"])
	require.Equal(t, "paid", payload["currentState"])
	require.Equal(t, "pay", payload["transition"])
}

// TestApplyingSameEventSequenceIsDeterministicProperty verifies that for any
// prefix of the valid "pay" then "ship" event sequence, two fresh process
// instances driven through the identical prefix always land in the same
// state, whichever fresh manager instance drives them.
func TestApplyingSameEventSequenceIsDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	sequence := []string{"pay", "ship"}

	properties.Property("same event prefix yields same terminal state", prop.ForAll(
		func(prefixLen int) bool {
			run := func() (string, error) {
				m := NewManager()
				if err := m.RegisterDefinition(orderDefinition()); err != nil {
					return "", err
				}
				inst, err := m.CreateProcess(context.Background(), "order", "", map[string]any{"inStock": true})
				if err != nil {
					return "", err
				}
				for i := 0; i < prefixLen; i++ {
					inst, err = m.ApplyEvent(context.Background(), inst.ID, sequence[i], nil)
					if err != nil {
						return "", err
					}
				}
				return inst.CurrentState, nil
			}
			a, errA := run()
			b, errB := run()
			if errA != nil || errB != nil {
				return false
			}
			return a == b
		},
		gen.IntRange(0, len(sequence)),
	))

	properties.TestingRun(t)
}
