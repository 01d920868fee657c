package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/conversation"
	"github.com/tenexlabs/tenex/internal/delegation"
	"github.com/tenexlabs/tenex/internal/events"
	"github.com/tenexlabs/tenex/internal/executor"
	"github.com/tenexlabs/tenex/internal/llm"
	"github.com/tenexlabs/tenex/internal/mcp"
	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/internal/prompt"
	"github.com/tenexlabs/tenex/internal/publish"
	"github.com/tenexlabs/tenex/internal/tools"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

const (
	defaultInboxSize     = 1024
	defaultShutdownGrace = 5 * time.Second
	defaultPersistFlush  = 5 * time.Second
)

// ProjectRef is an atomically swappable project definition. Project-update
// events replace the snapshot without stopping in-flight work.
type ProjectRef struct {
	p atomic.Pointer[project.Project]
}

func NewProjectRef(p *project.Project) *ProjectRef {
	r := &ProjectRef{}
	r.p.Store(p)
	return r
}

func (r *ProjectRef) Load() *project.Project   { return r.p.Load() }
func (r *ProjectRef) Store(p *project.Project) { r.p.Store(p) }

// Relay is what a runtime needs from the transport.
type Relay interface {
	Publish(ctx context.Context, ev *nostr.Event) error
	Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) []*nostr.Event
}

// Runtime supervises everything project-scoped: conversation store,
// delegation registry, processed-event cache, operations registry, MCP
// bridges, status heartbeat, and the per-agent executors.
type Runtime struct {
	projectRef *ProjectRef
	cfg        *config.Config
	relay      Relay
	agents     *agent.Store

	convs      *conversation.Store
	delegs     *delegation.Registry
	processed  *events.ProcessedCache
	ops        *executor.Operations
	guard      *ReplyGuard
	handler    *Handler
	toolReg    *tools.Registry
	mcp        *mcp.Manager
	compressor *executor.Compressor

	providersMu sync.Mutex
	providers   map[string]llm.Provider

	inbox   chan *nostr.Event
	inboxMu sync.Mutex // serializes drop-oldest against enqueue

	// OnDefinitionChange lets the daemon recompute subscription filters when
	// the agent set changes.
	OnDefinitionChange func(rt *Runtime, diff project.Diff)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a runtime for one project. Call Run to start it.
func New(cfg *config.Config, proj *project.Project, agents *agent.Store, rel Relay) *Runtime {
	projectDir := filepath.Join(cfg.DataDir, "projects", proj.ID())

	inboxSize := cfg.Daemon.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	debounce := defaultPersistFlush
	if cfg.Daemon.PersistDebounceMs > 0 {
		debounce = time.Duration(cfg.Daemon.PersistDebounceMs) * time.Millisecond
	}

	ref := NewProjectRef(proj)
	rt := &Runtime{
		projectRef: ref,
		cfg:        cfg,
		relay:      rel,
		agents:     agents,
		convs:      conversation.NewStore(filepath.Join(projectDir, "conversations")),
		delegs:     delegation.NewRegistry(),
		processed:  events.NewProcessedCache(filepath.Join(cfg.DataDir, "projects"), debounce),
		ops:        executor.NewOperations(),
		guard:      NewReplyGuard(0),
		compressor: executor.NewCompressor(cfg.Compression),
		providers:  make(map[string]llm.Provider),
		inbox:      make(chan *nostr.Event, inboxSize),
	}

	rt.toolReg = rt.buildTools(projectDir)
	rt.mcp = mcp.NewManager(rt.toolReg)

	rt.handler = &Handler{
		Project:         ref,
		Agents:          agents,
		Convs:           rt.convs,
		Delegs:          rt.delegs,
		Processed:       rt.processed,
		Fetch:           rel,
		Guard:           rt.guard,
		Ops:             rt.ops,
		Dispatch:        rt.dispatch,
		OnProjectUpdate: rt.applyProjectUpdate,
	}
	return rt
}

// Project returns the current definition snapshot.
func (rt *Runtime) Project() *project.Project { return rt.projectRef.Load() }

// AgentPubkeys returns the declared agent set, for subscription filters.
func (rt *Runtime) AgentPubkeys() []string { return rt.Project().Agents }

// Run restores persisted state and starts the runtime's goroutines. It
// returns once startup is complete; work continues until Stop.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	proj := rt.Project()

	if err := rt.processed.Load(proj.ID()); err != nil {
		slog.Warn("processed-event cache load failed", "project", proj.ID(), "error", err)
	}
	if err := rt.convs.LoadAll(); err != nil {
		return fmt.Errorf("start project %s: %w", proj.ID(), err)
	}
	if err := project.SaveCache(filepath.Join(rt.cfg.DataDir, "projects"), proj); err != nil {
		slog.Warn("project cache write failed", "project", proj.ID(), "error", err)
	}

	rt.mcp.Sync(ctx, proj.MCPServers)

	rt.startStatus(ctx)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-rt.inbox:
				rt.handler.Handle(ctx, ev)
			}
		}
	}()

	slog.Info("project runtime started",
		"project", proj.ID(), "agents", len(proj.Agents), "conversations", len(rt.convs.All()))
	return nil
}

func (rt *Runtime) startStatus(ctx context.Context) {
	proj := rt.Project()
	pm, ok := rt.agents.Get(proj.PMPubkey)
	if !ok {
		slog.Warn("PM agent not loaded, status heartbeat disabled", "project", proj.ID())
		return
	}
	pub, err := publish.New(rt.relay, pm)
	if err != nil {
		slog.Warn("status publisher unavailable", "project", proj.ID(), "error", err)
		return
	}

	interval := defaultStatusInterval
	if rt.cfg.Daemon.StatusIntervalMs > 0 {
		interval = time.Duration(rt.cfg.Daemon.StatusIntervalMs) * time.Millisecond
	}
	sp := &StatusPublisher{
		Project:  rt.projectRef,
		Agents:   rt.agents,
		Pub:      pub,
		Interval: interval,
		LLMSlug: func(ref string) string {
			slug, _ := rt.cfg.ResolveLLM(ref)
			return slug
		},
	}

	opsCtx := context.WithoutCancel(ctx)
	rt.ops.SetOnChange(func(ops []executor.OperationInfo) {
		sp.PublishOperations(opsCtx, ops)
	})

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		sp.Run(ctx)
	}()
}

// Stop cancels in-flight work, waits out the grace period, and flushes
// persistent state.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}

	grace := defaultShutdownGrace
	if rt.cfg.Daemon.ShutdownGraceMs > 0 {
		grace = time.Duration(rt.cfg.Daemon.ShutdownGraceMs) * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace period elapsed with work in flight",
			"project", rt.Project().ID())
	}

	rt.processed.Flush()
	rt.mcp.Close()
	slog.Info("project runtime stopped", "project", rt.Project().ID())
}

// Enqueue hands an inbound event to the runtime without blocking the
// transport reader. A full inbox drops the oldest pending event.
func (rt *Runtime) Enqueue(ev *nostr.Event) {
	rt.inboxMu.Lock()
	defer rt.inboxMu.Unlock()

	select {
	case rt.inbox <- ev:
		return
	default:
	}

	select {
	case dropped := <-rt.inbox:
		slog.Warn("inbox full, dropping oldest event",
			"project", rt.Project().ID(), "dropped", dropped.ID)
	default:
	}
	select {
	case rt.inbox <- ev:
	default:
	}
}

// applyProjectUpdate swaps in a changed definition, refreshes MCP bridges,
// and tells the daemon to recompute filters.
func (rt *Runtime) applyProjectUpdate(updated *project.Project, diff project.Diff) {
	slog.Info("project definition updated",
		"project", updated.ID(),
		"added", diff.AddedAgents, "removed", diff.RemovedAgents,
		"pmChanged", diff.PMChanged, "mcpChanged", diff.MCPChanged)

	rt.projectRef.Store(updated)
	if err := project.SaveCache(filepath.Join(rt.cfg.DataDir, "projects"), updated); err != nil {
		slog.Warn("project cache write failed", "project", updated.ID(), "error", err)
	}

	if diff.MCPChanged {
		rt.mcp.Sync(context.Background(), updated.MCPServers)
	}
	if rt.OnDefinitionChange != nil {
		rt.OnDefinitionChange(rt, diff)
	}
}

// dispatch runs one agent executor on its own goroutine. Concurrent
// invocations for different (agent, conversation) pairs are expected.
func (rt *Runtime) dispatch(ctx context.Context, target *agent.Agent, conversationID string, triggering *nostr.Event) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ex, err := rt.executorFor(target)
		if err != nil {
			slog.Error("executor setup failed", "agent", target.Slug, "error", err)
			return
		}
		inv := executor.Invocation{ConversationID: conversationID, Triggering: triggering}
		if err := ex.Execute(ctx, inv); err != nil {
			slog.Error("agent execution failed",
				"agent", target.Slug, "conversation", conversationID, "error", err)
		}
	}()
}

func (rt *Runtime) executorFor(target *agent.Agent) (*executor.Executor, error) {
	pub, err := publish.New(rt.relay, target)
	if err != nil {
		return nil, err
	}

	_, mc := rt.cfg.ResolveLLM(target.LLMConfig)
	proj := rt.Project()

	return &executor.Executor{
		Agent:         target,
		Provider:      rt.provider(mc.Provider),
		Model:         mc,
		Publisher:     pub,
		Conversations: rt.convs,
		Delegations:   rt.delegs,
		Tools:         rt.agentTools(target),
		Prompts:       prompt.DefaultRegistry(),
		Operations:    rt.ops,
		SlugOf: func(pubkey string) (string, bool) {
			if a, ok := rt.agents.Get(pubkey); ok {
				return a.Slug, true
			}
			return "", false
		},
		Compressor:    rt.compressor,
		ProjectTitle:  proj.Title,
		MaxIterations: rt.cfg.Daemon.MaxIterations,
	}, nil
}

// agentTools narrows the shared registry to the agent's declared tool set.
// complete is always present so every agent can end its turn.
func (rt *Runtime) agentTools(target *agent.Agent) *tools.Registry {
	if len(target.Tools) == 0 {
		return rt.toolReg.Subset([]string{tools.NameComplete})
	}
	names := make([]string, 0, len(target.Tools)+1)
	names = append(names, target.Tools...)
	if !target.HasTool(tools.NameComplete) {
		names = append(names, tools.NameComplete)
	}
	return rt.toolReg.Subset(names)
}

func (rt *Runtime) buildTools(projectDir string) *tools.Registry {
	workspace := filepath.Join(projectDir, "workspace")

	reg := tools.NewRegistry()
	reg.Register(tools.NewDelegateTool(func(pubkey string) bool {
		return rt.Project().HasAgent(pubkey)
	}))
	reg.Register(tools.NewCompleteTool())
	reg.Register(tools.NewSwitchPhaseTool(func(p string) bool {
		return conversation.ValidPhase(conversation.Phase(p))
	}))
	reg.Register(tools.NewReadFileTool(workspace))
	reg.Register(tools.NewWriteFileTool(workspace))
	reg.Register(tools.NewShellTool(workspace))
	return reg
}

func (rt *Runtime) provider(name string) llm.Provider {
	rt.providersMu.Lock()
	defer rt.providersMu.Unlock()
	if p, ok := rt.providers[name]; ok {
		return p
	}
	creds := rt.cfg.Credentials(name)
	p := llm.NewOpenAICompatible(name, creds.APIKey, creds.APIBase)
	rt.providers[name] = p
	return p
}
