package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

const logCapacity = 200

// Registration is one agent's standing interest in events.
type Registration struct {
	AgentID string
	UserID  string
	Sources map[string]bool // accepted event sources; "system" accepts all
	Skills  []SkillTrigger
	Deliver DeliverFunc
}

// LogEntry records one dispatch for diagnostics.
type LogEntry struct {
	Time      time.Time
	EventID   string
	Key       string
	Priority  Priority
	Delivered []string // agent ids that received the event
}

// Router fans external events into matching agents. Process-wide; it
// holds only (agentId, userId) pairs and callbacks, never orchestrator
// references.
type Router struct {
	store *store.Store
	now   func() time.Time

	mu     sync.Mutex
	agents map[string]*Registration
	log    []LogEntry
}

func NewRouter(st *store.Store) *Router {
	return &Router{
		store:  st,
		now:    time.Now,
		agents: make(map[string]*Registration),
	}
}

// SetClock overrides the cooldown clock in tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Register adds or replaces an agent registration.
func (r *Router) Register(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[reg.AgentID] = reg
}

// Unregister removes an agent; pending dispatches to it are dropped.
func (r *Router) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Dispatch routes one event. Matching runs synchronously; delivery
// callbacks are expected to enqueue and return quickly.
func (r *Router) Dispatch(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if ev.Priority == "" {
		ev.Priority = PriorityNormal
	}

	targets := r.resolveTargets(ev)
	var delivered []string
	for _, reg := range targets {
		if r.dispatchTo(reg, ev) {
			delivered = append(delivered, reg.AgentID)
		}
	}

	r.appendLog(LogEntry{
		Time:      r.now(),
		EventID:   ev.ID,
		Key:       ev.Key(),
		Priority:  ev.Priority,
		Delivered: delivered,
	})
	slog.Debug("events.dispatched", "event", ev.Key(), "priority", string(ev.Priority),
		"delivered", len(delivered))
}

func (r *Router) resolveTargets(ev Event) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Registration
	if len(ev.TargetAgentIDs) > 0 {
		for _, id := range ev.TargetAgentIDs {
			if reg, ok := r.agents[id]; ok {
				out = append(out, reg)
			}
		}
		return out
	}
	for _, reg := range r.agents {
		out = append(out, reg)
	}
	return out
}

// dispatchTo runs the per-agent matching steps and returns whether
// anything was delivered.
func (r *Router) dispatchTo(reg *Registration, ev Event) bool {
	if !reg.Sources[ev.Source] && !reg.Sources["system"] {
		return false
	}

	sc := store.Scope{UserID: reg.UserID, AgentID: reg.AgentID}
	delivered := false

	subs, err := r.store.ListSubscriptions(sc)
	if err != nil {
		slog.Warn("events.subscriptions_unreadable", "agent", reg.AgentID, "error", err)
	}
	for _, sub := range subs {
		if !Matches(sub, ev) {
			continue
		}
		if r.inCooldown(sub) {
			slog.Debug("events.cooldown", "agent", reg.AgentID, "subscription", sub.ID)
			continue
		}
		now := r.now()
		sub.LastFiredAt = &now
		sub.FireCount++
		if err := r.store.SaveSubscription(sc, sub); err != nil {
			slog.Warn("events.subscription_save_failed", "subscription", sub.ID, "error", err)
		}
		reg.Deliver(Delivery{
			AgentID:      reg.AgentID,
			UserID:       reg.UserID,
			Instruction:  subscriptionInstruction(sub, ev),
			Event:        ev,
			Subscription: sub.ID,
		})
		delivered = true
	}

	for _, skill := range reg.Skills {
		if !matchSkill(skill.Pattern, ev) {
			continue
		}
		reg.Deliver(Delivery{
			AgentID:     reg.AgentID,
			UserID:      reg.UserID,
			Instruction: skillInstruction(skill, ev),
			Event:       ev,
		})
		delivered = true
	}

	// Nothing matched: explicitly targeted or urgent events still get
	// through with a generic instruction.
	if !delivered && (r.isExplicitTarget(reg.AgentID, ev) || ev.Priority == PriorityHigh || ev.Priority == PriorityCritical) {
		reg.Deliver(Delivery{
			AgentID:     reg.AgentID,
			UserID:      reg.UserID,
			Instruction: genericInstruction(ev),
			Event:       ev,
		})
		delivered = true
	}
	return delivered
}

func (r *Router) isExplicitTarget(agentID string, ev Event) bool {
	for _, id := range ev.TargetAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

func (r *Router) inCooldown(sub *store.Subscription) bool {
	if sub.CooldownMinutes <= 0 || sub.LastFiredAt == nil {
		return false
	}
	return r.now().Sub(*sub.LastFiredAt) < time.Duration(sub.CooldownMinutes)*time.Minute
}

// Recent returns the dispatch log, newest last.
func (r *Router) Recent() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Router) appendLog(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
	if len(r.log) > logCapacity {
		r.log = r.log[len(r.log)-logCapacity:]
	}
}

func subscriptionInstruction(sub *store.Subscription, ev Event) string {
	if sub.Instruction != "" {
		return fmt.Sprintf("%s\n\nTriggering event (%s):\n%s", sub.Instruction, ev.Key(), summarizeData(ev.Data))
	}
	return genericInstruction(ev)
}

func skillInstruction(skill SkillTrigger, ev Event) string {
	if skill.Instruction != "" {
		return fmt.Sprintf("%s\n\nTriggering event (%s):\n%s", skill.Instruction, ev.Key(), summarizeData(ev.Data))
	}
	return genericInstruction(ev)
}

func genericInstruction(ev Event) string {
	return fmt.Sprintf("An external event arrived from %s (type %s, priority %s). Decide whether it needs action and respond accordingly.\n%s",
		ev.Source, ev.Type, ev.Priority, summarizeData(ev.Data))
}

func summarizeData(data map[string]interface{}) string {
	if len(data) == 0 {
		return "(no payload)"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "(unserializable payload)"
	}
	const max = 1500
	if len(raw) > max {
		return string(raw[:max]) + "… (truncated)"
	}
	return string(raw)
}
