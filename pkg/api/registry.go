package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowrelay/flowrelay/pkg/config"
	"github.com/flowrelay/flowrelay/pkg/engine"
	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/llm"
	"github.com/flowrelay/flowrelay/pkg/responder"
	"github.com/flowrelay/flowrelay/pkg/runner"
)

// FlowSource loads the current definition and version of a flow.
type FlowSource interface {
	GetFlow(ctx context.Context, flowID string) (*flow.Flow, int, error)
}

type cachedRunner struct {
	runner  *runner.Runner
	flowID  string
	version int
}

// Registry resolves tenants to turn runners. Compiled flows are cached
// per tenant and recompiled when the stored version moves, so a live
// modification takes effect on the next turn without a restart.
type Registry struct {
	flows   FlowSource
	flowMod runner.FlowModExecutor
	resp    *responder.Responder
	cfg     *config.Config
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedRunner
}

// NewRegistry creates a runner registry. flowMod may be nil when live
// modification is not exposed.
func NewRegistry(flows FlowSource, client llm.Client, flowMod runner.FlowModExecutor, cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		flows:   flows,
		flowMod: flowMod,
		resp:    responder.New(client, logger),
		cfg:     cfg,
		logger:  logger,
		cache:   make(map[string]cachedRunner),
	}
}

// RunnerFor returns the runner and flow id for a tenant, compiling the
// flow on first use or when a newer version was persisted.
func (r *Registry) RunnerFor(ctx context.Context, tenantID string) (*runner.Runner, string, error) {
	tenant := r.cfg.Tenant(tenantID)
	if tenant.FlowID == "" {
		return nil, "", fmt.Errorf("tenant %q has no flow configured", tenantID)
	}

	def, version, err := r.flows.GetFlow(ctx, tenant.FlowID)
	if err != nil {
		return nil, "", fmt.Errorf("load flow %s: %w", tenant.FlowID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[tenantID]; ok && cached.flowID == def.ID && cached.version == version {
		return cached.runner, cached.flowID, nil
	}

	compiled, err := flow.Compile(def)
	if err != nil {
		return nil, "", fmt.Errorf("compile flow %s: %w", def.ID, err)
	}
	for _, warning := range compiled.Warnings {
		r.logger.Warn("Flow compiled with warning", "flow_id", def.ID, "warning", warning)
	}

	turnRunner := runner.New(engine.New(compiled), r.resp, r.flowMod, tenant, r.logger)
	r.cache[tenantID] = cachedRunner{runner: turnRunner, flowID: def.ID, version: version}
	r.logger.Info("Compiled flow for tenant",
		"tenant_id", tenantID, "flow_id", def.ID, "version", version)
	return turnRunner, def.ID, nil
}
