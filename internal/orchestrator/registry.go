package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/bus"
	"github.com/nextlevelbuilder/trellis/internal/store"
)

// Registry tracks the running orchestrators and routes traffic from
// shared infrastructure (bus, scheduler, event router) to the right
// agent. It implements scheduler.ScopeLister.
type Registry struct {
	approvals *approval.Manager

	mu      sync.RWMutex
	orchs   map[string]*Orchestrator
	cancels map[string]context.CancelFunc
}

func NewRegistry(approvals *approval.Manager) *Registry {
	return &Registry{
		approvals: approvals,
		orchs:     make(map[string]*Orchestrator),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Deploy starts an orchestrator's run loop. Deploying an id again stops
// the previous instance first.
func (r *Registry) Deploy(ctx context.Context, o *Orchestrator) {
	r.mu.Lock()
	if cancel, ok := r.cancels[o.cfg.ID]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.orchs[o.cfg.ID] = o
	r.cancels[o.cfg.ID] = cancel
	r.mu.Unlock()

	go o.Run(runCtx)
	slog.Info("orchestrator.deployed", "agent", o.cfg.ID)
}

// Stop halts one agent. Queued entries are dropped.
func (r *Registry) Stop(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[agentID]; ok {
		cancel()
		delete(r.cancels, agentID)
		delete(r.orchs, agentID)
		slog.Info("orchestrator.stopped", "agent", agentID)
	}
}

// StopAll halts every agent. Shutdown path.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
		delete(r.orchs, id)
	}
}

// Get returns the running orchestrator for an agent id.
func (r *Registry) Get(agentID string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchs[agentID]
	return o, ok
}

// ActiveScopes enumerates every (user, agent) pair with live state.
// The scheduler sweeps these.
func (r *Registry) ActiveScopes() []store.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var scopes []store.Scope
	for _, o := range r.orchs {
		scopes = append(scopes, o.knownScopes()...)
	}
	return scopes
}

// FireTask routes a due schedule to its agent. scheduler.FireFunc.
func (r *Registry) FireTask(sc store.Scope, task *store.ScheduledTask) {
	o, ok := r.Get(sc.AgentID)
	if !ok {
		slog.Warn("orchestrator.fire_no_agent", "agent", sc.AgentID, "task", task.ID)
		return
	}
	o.EnqueueTask(sc, task)
}

// HandleInbound routes a chat message. Messages without an agent id go
// to the sole running agent, if there is exactly one.
func (r *Registry) HandleInbound(msg bus.InboundMessage) {
	o, ok := r.Get(msg.AgentID)
	if !ok {
		r.mu.RLock()
		if len(r.orchs) == 1 {
			for _, only := range r.orchs {
				o, ok = only, true
			}
		}
		r.mu.RUnlock()
	}
	if !ok {
		slog.Warn("orchestrator.inbound_unroutable", "agent", msg.AgentID, "channel", msg.Channel)
		return
	}
	o.EnqueueInbound(msg)
}

// HandleCallback routes a button press: approval tickets first, then
// the owning agent's reply handling.
func (r *Registry) HandleCallback(cb bus.CallbackReply) {
	if r.approvals != nil && r.approvals.HandleCallback(cb.Data) {
		return
	}
	o, ok := r.Get(cb.AgentID)
	if !ok {
		r.mu.RLock()
		if len(r.orchs) == 1 {
			for _, only := range r.orchs {
				o, ok = only, true
			}
		}
		r.mu.RUnlock()
	}
	if !ok {
		return
	}
	o.HandleCallback(cb)
}

// AgentStatus is one row of runtime diagnostics.
type AgentStatus struct {
	AgentID string
	Queued  int
}

// Statuses lists the running agents and their queue depths.
func (r *Registry) Statuses() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentStatus, 0, len(r.orchs))
	for id, o := range r.orchs {
		out = append(out, AgentStatus{AgentID: id, Queued: o.QueueLen()})
	}
	return out
}
