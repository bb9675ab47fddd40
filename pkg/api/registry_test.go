package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/pkg/config"
	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/llm"
)

// fakeFlowSource serves one definition at a mutable version.
type fakeFlowSource struct {
	def     *flow.Flow
	version int
	err     error
	loads   int
}

func (f *fakeFlowSource) GetFlow(context.Context, string) (*flow.Flow, int, error) {
	f.loads++
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.def, f.version, nil
}

func registryFlow() *flow.Flow {
	return &flow.Flow{
		SchemaVersion: flow.SchemaVersion,
		ID:            "signup",
		Entry:         "ask_name",
		Nodes: []*flow.Node{
			{ID: "ask_name", Kind: flow.KindQuestion, Key: "name", Prompt: "Qual é o seu nome?"},
			{ID: "done", Kind: flow.KindTerminal, Reason: "Concluído."},
		},
		Edges: []*flow.Edge{
			{Source: "ask_name", Target: "done", Guard: &flow.GuardRef{Fn: flow.GuardAnswersHas, Args: map[string]any{"key": "name"}}},
		},
	}
}

func registryConfig() *config.Config {
	cfg := &config.Config{Tenants: map[string]config.TenantConfig{
		"acme": {FlowID: "signup"},
	}}
	cfg.Defaults.Normalize()
	return cfg
}

func TestRunnerForCachesByVersion(t *testing.T) {
	source := &fakeFlowSource{def: registryFlow(), version: 1}
	reg := NewRegistry(source, llm.NewStubClient(), nil, registryConfig(), nil)
	ctx := context.Background()

	first, flowID, err := reg.RunnerFor(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "signup", flowID)

	// Same version: the cached runner is reused, but the store is still
	// consulted so a live modification is noticed.
	second, _, err := reg.RunnerFor(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, source.loads)
}

func TestRunnerForRecompilesOnNewVersion(t *testing.T) {
	source := &fakeFlowSource{def: registryFlow(), version: 1}
	reg := NewRegistry(source, llm.NewStubClient(), nil, registryConfig(), nil)
	ctx := context.Background()

	first, _, err := reg.RunnerFor(ctx, "acme")
	require.NoError(t, err)

	source.version = 2
	second, _, err := reg.RunnerFor(ctx, "acme")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRunnerForTenantWithoutFlow(t *testing.T) {
	source := &fakeFlowSource{def: registryFlow(), version: 1}
	reg := NewRegistry(source, llm.NewStubClient(), nil, registryConfig(), nil)

	_, _, err := reg.RunnerFor(context.Background(), "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no flow configured")
	assert.Zero(t, source.loads)
}

func TestRunnerForCompileFailure(t *testing.T) {
	broken := registryFlow()
	broken.Entry = "missing"
	source := &fakeFlowSource{def: broken, version: 1}
	reg := NewRegistry(source, llm.NewStubClient(), nil, registryConfig(), nil)

	_, _, err := reg.RunnerFor(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile flow")
}
