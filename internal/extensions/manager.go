package extensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/tools"
)

// Manager owns the extension servers of one agent and projects their
// tools into the agent's registry under qualified names. A server that
// drops off stays registered so calls come back as server_unavailable
// rather than unknown_tool; there is no automatic reconnect.
type Manager struct {
	registry Registry
	servers  map[string]*Server
	log      *slog.Logger
}

// Registry is the part of the tool registry the manager needs.
type Registry interface {
	Register(tools.Tool)
	Unregister(string)
}

// NewManager wires extension tools into reg as servers come up.
func NewManager(reg Registry) *Manager {
	return &Manager{
		registry: reg,
		servers:  make(map[string]*Server),
		log:      slog.Default(),
	}
}

// QualifiedName builds the registry name for a remote tool.
func QualifiedName(serverID, toolName string) string {
	return tools.ExtPrefix + serverID + "__" + toolName
}

// Start connects every configured server. A server that fails to
// connect is logged and skipped; it does not block the others.
func (m *Manager) Start(ctx context.Context, specs []config.ExtensionServerSpec) {
	for _, spec := range specs {
		if strings.Contains(spec.ID, "__") {
			m.log.Warn("extensions.rejected", "server", spec.ID, "reason", "id contains __")
			continue
		}
		srv := NewServer(spec)
		if err := srv.Connect(ctx); err != nil {
			m.log.Warn("extensions.connect_failed", "server", spec.ID, "error", err)
			continue
		}
		m.servers[spec.ID] = srv
		for _, ts := range srv.Tools() {
			if strings.Contains(ts.Name, "__") {
				m.log.Warn("extensions.tool_rejected", "server", spec.ID, "tool", ts.Name,
					"reason", "name contains __")
				continue
			}
			m.registry.Register(&extTool{server: srv, spec: ts})
		}
		go m.watch(srv)
	}
}

func (m *Manager) watch(srv *Server) {
	<-srv.Exited()
	m.log.Warn("extensions.disconnected", "server", srv.ID())
}

// ToolNames lists the qualified names of every tool on live servers.
func (m *Manager) ToolNames() []string {
	var names []string
	for id, srv := range m.servers {
		if !srv.Connected() {
			continue
		}
		for _, ts := range srv.Tools() {
			names = append(names, QualifiedName(id, ts.Name))
		}
	}
	return names
}

// Stop terminates all servers and removes their tools.
func (m *Manager) Stop() {
	for id, srv := range m.servers {
		for _, ts := range srv.Tools() {
			m.registry.Unregister(QualifiedName(id, ts.Name))
		}
		srv.Close()
		delete(m.servers, id)
	}
}

// extTool adapts one remote tool to the registry contract.
type extTool struct {
	server *Server
	spec   ToolSpec
}

func (t *extTool) Name() string { return QualifiedName(t.server.ID(), t.spec.Name) }
func (t *extTool) Description() string {
	return fmt.Sprintf("[%s] %s", t.server.ID(), t.spec.Description)
}

func (t *extTool) Parameters() map[string]interface{} {
	if t.spec.InputSchema != nil {
		return t.spec.InputSchema
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *extTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !t.server.Connected() {
		return tools.KindError(tools.KindServerUnavailable,
			fmt.Sprintf("extension server %s is not connected", t.server.ID()))
	}
	out, isErr, err := t.server.CallTool(ctx, t.spec.Name, args)
	if err != nil {
		switch {
		case errors.Is(err, ErrCallTimeout):
			return tools.KindError(tools.KindTimeout, err.Error()).WithError(err)
		case errors.Is(err, ErrClosed):
			return tools.KindError(tools.KindServerUnavailable, err.Error()).WithError(err)
		}
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	if isErr {
		return tools.ErrorResult(out)
	}
	return tools.NewResult(out)
}
