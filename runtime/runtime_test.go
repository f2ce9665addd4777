package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusflow/reactor/cancel"
)

func TestLifecycleHappyPath(t *testing.T) {
	rt := New()
	require.Equal(t, StateUninitialized, rt.State())

	require.NoError(t, rt.Initialize(context.Background(), "event:beforePublish"))
	require.Equal(t, StateInitialized, rt.State())

	require.NoError(t, rt.Start(context.Background()))
	require.Equal(t, StateRunning, rt.State())

	require.NoError(t, rt.Stop(context.Background()))
	require.Equal(t, StateStopped, rt.State())

	require.NoError(t, rt.Cleanup(context.Background()))
	require.Equal(t, StateUninitialized, rt.State())
}

func TestStartRequiresInitialized(t *testing.T) {
	rt := New()
	err := rt.Start(context.Background())
	require.Error(t, err)
}

func TestStopCancelsTrackedTasks(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Initialize(context.Background()))
	require.NoError(t, rt.Start(context.Background()))

	token := cancel.New()
	rt.Track("exec-1", token)
	require.False(t, token.IsCancelled())

	require.NoError(t, rt.Stop(context.Background()))
	require.True(t, token.IsCancelled())
}

func TestGetHealthAggregatesExtraComponents(t *testing.T) {
	healthy := fakeHealthChecker{status: HealthHealthy}
	degraded := fakeHealthChecker{status: HealthDegraded}
	rt := New(WithHealthChecker(healthy), WithHealthChecker(degraded))

	h := rt.GetHealth()
	require.Equal(t, HealthDegraded, h.Status)
}

func TestGetHealthUnhealthyDominates(t *testing.T) {
	degraded := fakeHealthChecker{status: HealthDegraded}
	unhealthy := fakeHealthChecker{status: HealthUnhealthy}
	rt := New(WithHealthChecker(degraded), WithHealthChecker(unhealthy))

	h := rt.GetHealth()
	require.Equal(t, HealthUnhealthy, h.Status)
}

func TestCleanupReturnsToUninitialized(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Initialize(context.Background()))
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	require.NoError(t, rt.Cleanup(context.Background()))
	require.Equal(t, StateUninitialized, rt.State())

	require.NoError(t, rt.Initialize(context.Background()))
	require.Equal(t, StateInitialized, rt.State())
}

type fakeHealthChecker struct {
	status HealthStatus
}

func (f fakeHealthChecker) Health() ComponentHealth {
	return ComponentHealth{Name: "fake", Status: f.status}
}
