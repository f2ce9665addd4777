package extension

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusflow/reactor/errs"
)

func TestExecuteExtensionPointSequentialRewrite(t *testing.T) {
	sys := New()
	require.NoError(t, sys.RegisterExtension(Extension{
		ID: "uppercase",
		Hooks: map[string]Hook{
			"event:beforePublish": func(_ context.Context, params any) (any, error) {
				m := params.(map[string]any)
				m["touched"] = "once"
				return m, nil
			},
		},
	}))
	out, err := sys.ExecuteExtensionPoint(context.Background(), "event:beforePublish", map[string]any{"original": true})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, true, m["original"])
	require.Equal(t, "once", m["touched"])
}

func TestExecuteExtensionPointUnregisteredIsNoop(t *testing.T) {
	sys := New()
	params := map[string]any{"a": 1}
	out, err := sys.ExecuteExtensionPoint(context.Background(), "does:not:exist", params)
	require.NoError(t, err)
	require.Equal(t, params, out)
}

func TestExecuteExtensionPointFailFast(t *testing.T) {
	sys := New()
	var secondCalled bool
	require.NoError(t, sys.RegisterExtension(Extension{
		ID: "first",
		Hooks: map[string]Hook{
			"p": func(context.Context, any) (any, error) {
				return nil, errs.New(errs.ValidationError, "boom")
			},
		},
	}))
	require.NoError(t, sys.RegisterExtension(Extension{
		ID: "second",
		Hooks: map[string]Hook{
			"p": func(_ context.Context, params any) (any, error) {
				secondCalled = true
				return params, nil
			},
		},
	}))
	_, err := sys.ExecuteExtensionPoint(context.Background(), "p", nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.HookFailed))
	require.False(t, secondCalled)
}

func TestRegisterExtensionDuplicateID(t *testing.T) {
	sys := New()
	ext := Extension{ID: "dup", Hooks: map[string]Hook{"p": func(_ context.Context, params any) (any, error) { return params, nil }}}
	require.NoError(t, sys.RegisterExtension(ext))
	err := sys.RegisterExtension(ext)
	require.True(t, errs.Is(err, errs.AlreadyExists))
}

func TestUnregisterExtensionRoundTrip(t *testing.T) {
	sys := New()
	require.NoError(t, sys.RegisterExtension(Extension{
		ID: "temp",
		Hooks: map[string]Hook{
			"p": func(_ context.Context, params any) (any, error) {
				return map[string]any{"mutated": true}, nil
			},
		},
	}))
	require.NoError(t, sys.UnregisterExtension("temp"))
	err := sys.UnregisterExtension("temp")
	require.True(t, errs.Is(err, errs.NotFound))

	params := map[string]any{"x": 1}
	out, err := sys.ExecuteExtensionPoint(context.Background(), "p", params)
	require.NoError(t, err)
	require.Equal(t, params, out)
}

func TestPriorityOrdering(t *testing.T) {
	sys := New()
	var order []string
	mk := func(label string) Hook {
		return func(_ context.Context, params any) (any, error) {
			order = append(order, label)
			return params, nil
		}
	}
	require.NoError(t, sys.RegisterExtensionWithPriority("low", map[string]struct {
		Priority int
		Hook     Hook
	}{"p": {Priority: 1, Hook: mk("low")}}))
	require.NoError(t, sys.RegisterExtensionWithPriority("high", map[string]struct {
		Priority int
		Hook     Hook
	}{"p": {Priority: 10, Hook: mk("high")}}))
	require.NoError(t, sys.RegisterExtensionWithPriority("mid", map[string]struct {
		Priority int
		Hook     Hook
	}{"p": {Priority: 5, Hook: mk("mid")}}))

	_, err := sys.ExecuteExtensionPoint(context.Background(), "p", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"high", "mid", "low"}, order)
}
