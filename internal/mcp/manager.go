package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/internal/tools"
)

const (
	connectTimeout = 30 * time.Second
	callTimeout    = 60 * time.Second
)

// Manager owns the MCP server connections of one project and mirrors their
// tools into the project's tool registry. A server that fails to connect is
// logged and skipped; the project runs without its tools.
type Manager struct {
	registry *tools.Registry

	mu      sync.Mutex
	servers map[string]*serverState
}

type serverState struct {
	name      string
	client    *mcpclient.Client
	toolNames []string
}

func NewManager(registry *tools.Registry) *Manager {
	return &Manager{registry: registry, servers: make(map[string]*serverState)}
}

// Sync reconciles connections against the project's declared MCP servers:
// connects new ones, drops removed ones. Used at start and on project-update.
func (m *Manager) Sync(ctx context.Context, declared []project.MCPServer) {
	want := make(map[string]project.MCPServer, len(declared))
	for _, srv := range declared {
		want[srv.Name] = srv
	}

	m.mu.Lock()
	var drop []*serverState
	for name, ss := range m.servers {
		if _, keep := want[name]; !keep {
			drop = append(drop, ss)
			delete(m.servers, name)
		}
	}
	existing := make(map[string]struct{}, len(m.servers))
	for name := range m.servers {
		existing[name] = struct{}{}
	}
	m.mu.Unlock()

	for _, ss := range drop {
		m.disconnect(ss)
	}

	for name, srv := range want {
		if _, ok := existing[name]; ok {
			continue
		}
		if err := m.connect(ctx, srv); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
		}
	}
}

// Close drops every server connection and its registry entries.
func (m *Manager) Close() {
	m.mu.Lock()
	var all []*serverState
	for _, ss := range m.servers {
		all = append(all, ss)
	}
	m.servers = make(map[string]*serverState)
	m.mu.Unlock()

	for _, ss := range all {
		m.disconnect(ss)
	}
}

func (m *Manager) connect(ctx context.Context, srv project.MCPServer) error {
	if srv.Command == "" {
		return fmt.Errorf("server %s has no command", srv.Name)
	}

	client, err := mcpclient.NewStdioMCPClient(srv.Command, nil, srv.Args...)
	if err != nil {
		return fmt.Errorf("start %s: %w", srv.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "tenex", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize %s: %w", srv.Name, err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools of %s: %w", srv.Name, err)
	}

	ss := &serverState{name: srv.Name, client: client}
	for _, mcpTool := range listed.Tools {
		bt := newBridgeTool(srv.Name, mcpTool, client, callTimeout)
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp tool name collision, skipping", "server", srv.Name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		ss.toolNames = append(ss.toolNames, bt.Name())
	}

	m.mu.Lock()
	m.servers[srv.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected", "server", srv.Name, "tools", len(ss.toolNames))
	return nil
}

func (m *Manager) disconnect(ss *serverState) {
	for _, name := range ss.toolNames {
		m.registry.Unregister(name)
	}
	if err := ss.client.Close(); err != nil {
		slog.Debug("mcp server close", "server", ss.name, "error", err)
	}
	slog.Info("mcp server disconnected", "server", ss.name)
}
