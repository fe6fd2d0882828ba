package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexrun/cortex/internal/agent"
	"github.com/cortexrun/cortex/internal/agent/providers"
	"github.com/cortexrun/cortex/internal/config"
	"github.com/cortexrun/cortex/internal/models"
	"github.com/cortexrun/cortex/internal/observability"
	"github.com/cortexrun/cortex/internal/sessions"
	"github.com/cortexrun/cortex/internal/tools/exec"
	"github.com/cortexrun/cortex/internal/tools/files"
	toolpolicy "github.com/cortexrun/cortex/internal/tools/policy"
	pkgmodels "github.com/cortexrun/cortex/pkg/models"
)

// runtime bundles the collaborators a Session needs, built once per `cortex
// run`/`serve` invocation from a loaded Config. Grounded on the teacher's
// main.go wiring of gateway/channel/provider construction (DESIGN.md A1),
// narrowed to the single-provider, single-workspace shape of this runtime.
type runtime struct {
	cfg      *config.Config
	provider agent.LLMProvider
	policy   *agent.PolicyEngine
	approval *agent.ApprovalManager
	store    *sessions.SQLiteStore
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	tracerShutdown func(context.Context) error

	// executor spawns subagents for the "task" built-in tool (spec §4.6,
	// C6). Its Session factory is rt.newChildSession, so every subagent
	// shares the runtime's provider/policy/approval/store rather than
	// rebuilding its own.
	executor *agent.SubagentExecutor
}

// buildRuntime constructs every collaborator Session needs from cfg: the
// default LLMProvider, a PolicyEngine, the D1 session store, the
// SubagentExecutor backing the "task" tool, and the observability stack
// (spec §4.7, §4.9-§4.13). Per-session tool Registries are built on demand
// by BuildRegistry, since the "task" tool is scoped to the Session that
// owns it (spec §4.6's per-parent spawn quota).
func buildRuntime(cfg *config.Config) (*runtime, error) {
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	store, err := sessions.Open(cfg.Session.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	if cfg.LLM.Bedrock.Enabled {
		refreshBedrockCatalog(cfg)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	var tracer *observability.Tracer
	var tracerShutdown func(context.Context) error
	if cfg.Observability.Tracing.Enabled {
		tracer, tracerShutdown = observability.NewTracer(observability.TraceConfig{
			Enabled:        cfg.Observability.Tracing.Enabled,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
			Environment:    cfg.Observability.Tracing.Environment,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Insecure:       cfg.Observability.Tracing.Insecure,
			Attributes:     cfg.Observability.Tracing.Attributes,
		})
	}

	rt := &runtime{
		cfg:      cfg,
		provider: provider,
		policy:   agent.NewPolicyEngine(),
		approval: agent.NewApprovalManager(),
		store:    store,
		metrics:  metrics,
		tracer:   tracer,
		tracerShutdown: tracerShutdown,
	}
	rt.executor = agent.NewSubagentExecutor(rt.newChildSession)
	return rt, nil
}

// BuildRegistry constructs a fresh tool Registry for a Session identified
// by sessionID at the given nesting depth: depth 0 for a top-level
// interactive/resumed session, or a subagent's own Depth when called from
// newChildSession. The "task" tool registered into it is scoped to
// sessionID so SubagentExecutor's per-parent spawn quota (spec §4.6)
// tracks the session that actually issues task calls, not a shared global
// registry.
func (rt *runtime) BuildRegistry(sessionID string, depth int) *agent.Registry {
	validator := agent.NewSchemaValidator()
	registry := agent.NewRegistry(validator)
	registerBuiltinTools(registry, rt.cfg, rt.executor, sessionID, depth)
	return registry
}

// newChildSession is the SubagentExecutor's Session factory (spec §4.6,
// C6): it looks up the depth Spawn already assigned the subagent, opens a
// dedicated rollout log keyed by the subagent's own id, and starts a
// Session against the runtime's shared provider/policy/approval exactly
// the way runSession starts a top-level one (cmd/cortex/commands_run.go).
func (rt *runtime) newChildSession(ctx context.Context, id, task string) (*agent.Session, error) {
	depth := 0
	if sa, ok := rt.executor.Get(id); ok {
		depth = sa.Depth
	}

	modelID := rt.cfg.LLM.Providers[rt.cfg.LLM.DefaultProvider].DefaultModel

	rollout, err := agent.OpenRollout(rt.cfg.Home, id, pkgmodels.SessionMeta{
		ID:        id,
		Timestamp: time.Now(),
		Cwd:       rt.cfg.Workspace.Path,
		Model:     modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("open subagent rollout: %w", err)
	}

	return agent.NewSession(agent.SessionConfig{
		ID:            id,
		Cwd:           rt.cfg.Workspace.Path,
		ModelID:       modelID,
		Provider:      rt.provider,
		Registry:      rt.BuildRegistry(id, depth),
		Policy:        rt.policy,
		Approval:      rt.approval,
		Rollout:       rollout,
		SandboxMode:   agent.DefaultSandboxMode,
		ApprovalMode:  agent.ApprovalModeOnRequest,
		MaxIterations: rt.cfg.Session.MaxIterations,
		Subagents:     rt.executor,
	}), nil
}

// buildProvider constructs the configured default LLMProvider, wrapped in a
// fallbackProvider when llm.fallback_chain names any additional providers
// to retry against (spec §4.7, DESIGN.md D2).
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	primary, err := buildNamedProvider(cfg, name)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.FallbackChain) == 0 {
		return primary, nil
	}
	return newFallbackProvider(cfg, name, primary), nil
}

// buildNamedProvider constructs a single LLMProvider by name. Grounded on
// the teacher's provider-selection switch in main.go (DESIGN.md D2), with a
// "bedrock" case added for providers.BedrockProvider. When the configured
// default model is present in the built-in model catalog, its context
// window is logged for operator visibility — the catalog lookup never
// blocks provider construction, since unregistered or custom model IDs
// (fine-tunes, new releases) are common and not an error.
func buildNamedProvider(cfg *config.Config, name string) (agent.LLMProvider, error) {
	entry := cfg.LLM.Providers[name]

	if m, ok := models.Get(entry.DefaultModel); ok {
		slog.Debug("resolved model from catalog", "provider", name, "model", entry.DefaultModel, "context_window", m.ContextWindow, "tier", m.Tier)
	}

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       entry.APIKey,
			BaseURL:      entry.BaseURL,
			DefaultModel: entry.DefaultModel,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       entry.APIKey,
			DefaultModel: entry.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(entry.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       cfg.LLM.Bedrock.Region,
			DefaultModel: entry.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// refreshBedrockCatalog runs a one-shot Bedrock foundation-model discovery
// at startup and registers the results with the package-level model
// catalog (DESIGN.md D2). A failed probe (missing AWS credentials, no
// network) is logged and otherwise ignored — Bedrock model metadata is an
// enrichment, not a requirement for the bedrock provider to function.
func refreshBedrockCatalog(cfg *config.Config) {
	refresh, err := time.ParseDuration(cfg.LLM.Bedrock.RefreshInterval)
	if err != nil || refresh <= 0 {
		refresh = models.DefaultBedrockRefreshInterval
	}
	discovery := models.NewBedrockDiscovery(models.BedrockDiscoveryConfig{
		Enabled:              true,
		Region:               cfg.LLM.Bedrock.Region,
		RefreshInterval:      refresh,
		ProviderFilter:       cfg.LLM.Bedrock.ProviderFilter,
		DefaultContextWindow: cfg.LLM.Bedrock.DefaultContextWindow,
		DefaultMaxTokens:     cfg.LLM.Bedrock.DefaultMaxTokens,
	}, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := discovery.RegisterWithCatalog(ctx, models.DefaultCatalog); err != nil {
		slog.Warn("bedrock model discovery failed", "error", err)
	}
}

// fallbackProvider retries Complete against the provider/model candidates
// named by llm.fallback_chain when the primary provider returns a
// FailoverError, using internal/models.RunWithModelFallback (DESIGN.md D2).
// Built providers are cached so a fallback chain with repeated requests
// doesn't reconstruct an SDK client per call.
type fallbackProvider struct {
	cfg         *config.Config
	primaryName string
	built       map[string]agent.LLMProvider
}

func newFallbackProvider(cfg *config.Config, primaryName string, primary agent.LLMProvider) agent.LLMProvider {
	return &fallbackProvider{
		cfg:         cfg,
		primaryName: primaryName,
		built:       map[string]agent.LLMProvider{primaryName: primary},
	}
}

func (f *fallbackProvider) Name() string { return f.built[f.primaryName].Name() }

func (f *fallbackProvider) Models() []agent.Model { return f.built[f.primaryName].Models() }

func (f *fallbackProvider) SupportsTools() bool { return f.built[f.primaryName].SupportsTools() }

func (f *fallbackProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	fallbacks := make([]string, 0, len(f.cfg.LLM.FallbackChain))
	for _, providerName := range f.cfg.LLM.FallbackChain {
		model := f.cfg.LLM.Providers[providerName].DefaultModel
		if model == "" {
			model = req.Model
		}
		fallbacks = append(fallbacks, providerName+"/"+model)
	}

	fbCfg := &models.FallbackConfig{
		PrimaryProvider: f.primaryName,
		PrimaryModel:    req.Model,
		Fallbacks:       fallbacks,
	}

	result, err := models.RunWithModelFallback(ctx, fbCfg, func(ctx context.Context, providerName, modelID string) (<-chan *agent.CompletionChunk, error) {
		provider, err := f.providerFor(providerName)
		if err != nil {
			return nil, err
		}
		sub := *req
		sub.Model = modelID
		return provider.Complete(ctx, &sub)
	}, func(providerName, modelID string, err error, attempt, total int) {
		slog.Warn("llm completion attempt failed", "provider", providerName, "model", modelID, "attempt", attempt, "total", total, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (f *fallbackProvider) providerFor(name string) (agent.LLMProvider, error) {
	if p, ok := f.built[name]; ok {
		return p, nil
	}
	provider, err := buildNamedProvider(f.cfg, name)
	if err != nil {
		return nil, err
	}
	f.built[name] = provider
	return provider, nil
}

// registerBuiltinTools registers the built-in file/exec/task tools,
// filtered through the configured approval profile's tool policy (spec
// §4.4, §4.6). executor/sessionID/depth scope the "task" tool (C6) to the
// Session it is registered for: sessionID becomes the SubagentExecutor
// parentID a spawned subagent's quota is charged against, and depth is
// the caller's own nesting depth, so a subagent's own registry correctly
// rejects further spawns once MaxSubagentDepth is reached.
func registerBuiltinTools(reg *agent.Registry, cfg *config.Config, executor *agent.SubagentExecutor, sessionID string, depth int) {
	filesCfg := files.Config{Workspace: cfg.Workspace.Path}
	execManager := exec.NewManager(cfg.Workspace.Path).
		WithSandbox(buildSandboxBackend(cfg), agent.DefaultSandboxMode).
		WithMaxOutput(maxOutputBytes(cfg))

	all := map[string]agent.ToolHandler{
		"read_file":   files.NewReadTool(filesCfg),
		"write_file":  files.NewWriteTool(filesCfg),
		"edit_file":   files.NewEditTool(filesCfg),
		"apply_patch": files.NewApplyPatchTool(filesCfg),
		"exec":        exec.NewExecTool("exec", execManager),
		"process":     exec.NewProcessTool(execManager),
		"task":        &agent.TaskTool{Executor: executor, ParentID: sessionID, Depth: depth},
	}

	profile := toolpolicy.Profile(cfg.Tools.Policies.Default)
	if profile == "" {
		profile = toolpolicy.ProfileCoding
	}
	policy := toolpolicy.ProfileDefaults[profile]
	if policy == nil {
		policy = toolpolicy.NewPolicy(profile)
	}

	resolver := toolpolicy.NewResolver()
	for name, handler := range all {
		if resolver.IsAllowed(policy, name) {
			reg.Register(handler)
		}
	}
	reg.Register(agent.NewBatchTool(reg))
}

// maxOutputBytes resolves the configured exec/process output size cap
// (spec §4.4: "size caps (configurable; default 1 MB each)"), falling
// back to exec.DefaultMaxOutputBytes when unset.
func maxOutputBytes(cfg *config.Config) int {
	if cfg.Tools.Execution.MaxOutputBytes > 0 {
		return cfg.Tools.Execution.MaxOutputBytes
	}
	return exec.DefaultMaxOutputBytes
}

// buildSandboxBackend resolves the configured SandboxBackend (spec §4.8).
// "firecracker" is constructed explicitly from config since it has no
// availability probe; every other named backend falls back to the
// platform probe, and an empty/unknown value resolves to passthrough.
func buildSandboxBackend(cfg *config.Config) agent.SandboxBackend {
	switch cfg.Tools.Sandbox.Backend {
	case "firecracker":
		fc := cfg.Tools.Sandbox.Firecracker
		return agent.NewFirecrackerBackend(agent.FirecrackerOptions{
			BinaryPath:      fc.BinaryPath,
			KernelImagePath: fc.KernelImagePath,
			RootDrivePath:   fc.RootDrivePath,
			SocketDir:       fc.SocketDir,
			VCPUCount:       fc.VCPUCount,
			MemSizeMiB:      fc.MemSizeMiB,
			BootTimeout:     fc.BootTimeout,
		})
	case "passthrough":
		return nil
	default:
		backend, _ := agent.ProbeSandboxBackend("")
		return backend
	}
}

// Close releases the runtime's held resources (session store handle,
// tracer exporter connection).
func (rt *runtime) Close() {
	if rt.store != nil {
		rt.store.Close()
	}
	if rt.tracerShutdown != nil {
		rt.tracerShutdown(context.Background())
	}
}
