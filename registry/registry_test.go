package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusflow/reactor/errs"
)

func TestRegisterAndLookupTask(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTask(TaskDefinition{Type: "send-email", Version: "v1", Handler: "handler"}))

	def, err := r.Task(context.Background(), "send-email", "v1")
	require.NoError(t, err)
	require.Equal(t, "handler", def.Handler)
}

func TestTaskLookupDefaultsToLatest(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTask(TaskDefinition{Type: "send-email"}))

	_, err := r.Task(context.Background(), "send-email", "")
	require.NoError(t, err)
}

func TestTaskLookupMissingReturnsNotFound(t *testing.T) {
	r := New()
	_, err := r.Task(context.Background(), "missing", "")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestRegisterTaskRequiresType(t *testing.T) {
	r := New()
	err := r.RegisterTask(TaskDefinition{})
	require.True(t, errs.Is(err, errs.ValidationError))
}

func TestListTasksAndProcesses(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTask(TaskDefinition{Type: "a"}))
	require.NoError(t, r.RegisterTask(TaskDefinition{Type: "b"}))
	require.NoError(t, r.RegisterProcess(ProcessDefinition{Type: "order"}))

	tasks, err := r.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	procs, err := r.ListProcesses(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
}
