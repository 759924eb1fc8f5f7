package activator

import (
	"context"
	"errors"
	"testing"

	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mailer struct {
	sent []string
}

func TestStaticActivation(t *testing.T) {
	registry := NewRegistry()
	var got []types.Parameter
	require.NoError(t, registry.RegisterStatic("Reports", "Rebuild", func(ctx context.Context, params []types.Parameter) error {
		got = params
		return nil
	}))

	work := types.WorkReference{TypeName: "Reports", MethodName: "Rebuild", Static: true}
	assert.True(t, registry.Lookup(work))

	invocation, err := registry.Activate(work)
	require.NoError(t, err)

	params := []types.Parameter{{TypeName: "int", Value: "7"}}
	require.NoError(t, invocation.Invoke(context.Background(), params))
	assert.Equal(t, params, got)
}

func TestInstanceActivationBuildsFreshInstances(t *testing.T) {
	registry := NewRegistry()
	var instances []*mailer

	require.NoError(t, registry.RegisterType("Mailer", func() (any, error) {
		m := &mailer{}
		instances = append(instances, m)
		return m, nil
	}))
	require.NoError(t, registry.RegisterMethod("Mailer", "Send", func(ctx context.Context, instance any, params []types.Parameter) error {
		m := instance.(*mailer)
		for _, p := range params {
			m.sent = append(m.sent, p.Value)
		}
		return nil
	}))

	work := types.WorkReference{TypeName: "Mailer", MethodName: "Send"}
	for _, to := range []string{"a@example.com", "b@example.com"} {
		invocation, err := registry.Activate(work)
		require.NoError(t, err)
		require.NoError(t, invocation.Invoke(context.Background(), []types.Parameter{{TypeName: "string", Value: to}}))
	}

	require.Len(t, instances, 2)
	assert.Equal(t, []string{"a@example.com"}, instances[0].sent)
	assert.Equal(t, []string{"b@example.com"}, instances[1].sent)
}

func TestActivateFailures(t *testing.T) {
	registry := NewRegistry()
	noop := func(ctx context.Context, instance any, params []types.Parameter) error { return nil }
	require.NoError(t, registry.RegisterMethod("Orphan", "Run", noop))
	require.NoError(t, registry.RegisterType("Broken", func() (any, error) { return nil, errors.New("boom") }))
	require.NoError(t, registry.RegisterMethod("Broken", "Run", noop))

	tests := []struct {
		name string
		work types.WorkReference
	}{
		{"unknown static", types.WorkReference{TypeName: "Reports", MethodName: "Rebuild", Static: true}},
		{"unknown method", types.WorkReference{TypeName: "Mailer", MethodName: "Send"}},
		{"type without factory", types.WorkReference{TypeName: "Orphan", MethodName: "Run"}},
		{"factory error", types.WorkReference{TypeName: "Broken", MethodName: "Run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Activate(tt.work)
			assert.ErrorIs(t, err, ErrNotActivatable)
		})
	}

	assert.False(t, registry.Lookup(types.WorkReference{TypeName: "Orphan", MethodName: "Run"}))
}

func TestDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	factory := func() (any, error) { return &mailer{}, nil }
	method := func(ctx context.Context, instance any, params []types.Parameter) error { return nil }
	static := func(ctx context.Context, params []types.Parameter) error { return nil }

	require.NoError(t, registry.RegisterType("Mailer", factory))
	assert.ErrorIs(t, registry.RegisterType("Mailer", factory), ErrAlreadyRegistered)

	require.NoError(t, registry.RegisterMethod("Mailer", "Send", method))
	assert.ErrorIs(t, registry.RegisterMethod("Mailer", "Send", method), ErrAlreadyRegistered)

	require.NoError(t, registry.RegisterStatic("", "Cleanup", static))
	assert.ErrorIs(t, registry.RegisterStatic("", "Cleanup", static), ErrAlreadyRegistered)

	assert.Error(t, registry.RegisterType("", factory))
	assert.Error(t, registry.RegisterMethod("Mailer", "", method))
	assert.Error(t, registry.RegisterStatic("", "Nil", nil))
}
