package registry

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	def   TaskDefinition
	calls int
}

func (s *countingSource) Task(_ context.Context, taskType, version string) (TaskDefinition, error) {
	s.calls++
	return s.def, nil
}

func (s *countingSource) Process(_ context.Context, processType, version string) (ProcessDefinition, error) {
	return ProcessDefinition{}, nil
}

func TestCachingRegistryServesFromCacheOnSecondLookup(t *testing.T) {
	source := &countingSource{def: TaskDefinition{Type: "send-email"}}
	cache := NewCachingRegistry(source, time.Hour)

	_, err := cache.Task(context.Background(), "send-email", "")
	require.NoError(t, err)
	_, err = cache.Task(context.Background(), "send-email", "")
	require.NoError(t, err)

	require.Equal(t, 1, source.calls)
}

func TestCachingRegistryRefetchesAfterExpiry(t *testing.T) {
	source := &countingSource{def: TaskDefinition{Type: "send-email"}}
	cache := NewCachingRegistry(source, time.Millisecond)

	_, err := cache.Task(context.Background(), "send-email", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = cache.Task(context.Background(), "send-email", "")
	require.NoError(t, err)

	require.Equal(t, 2, source.calls)
}

func TestCachingRegistryInvalidate(t *testing.T) {
	source := &countingSource{def: TaskDefinition{Type: "send-email"}}
	cache := NewCachingRegistry(source, time.Hour)

	_, err := cache.Task(context.Background(), "send-email", "")
	require.NoError(t, err)
	cache.Invalidate("send-email", "")
	_, err = cache.Task(context.Background(), "send-email", "")
	require.NoError(t, err)

	require.Equal(t, 2, source.calls)
}

// TestCachedResultMatchesSourceProperty verifies that for any registered task
// type and version, repeated lookups through the cache return data matching
// what source would have returned directly, regardless of how many times the
// cache is consulted.
func TestCachedResultMatchesSourceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cache never diverges from source for a stable entry", prop.ForAll(
		func(taskType string, lookups int) bool {
			if lookups < 1 {
				lookups = 1
			}
			source := &countingSource{def: TaskDefinition{Type: taskType}}
			cache := NewCachingRegistry(source, time.Hour)
			for i := 0; i < lookups; i++ {
				def, err := cache.Task(context.Background(), taskType, "")
				if err != nil || def.Type != taskType {
					return false
				}
			}
			return source.calls == 1
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
