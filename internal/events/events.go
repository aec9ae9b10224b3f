package events

import (
	"time"
)

// Priority orders events and decides whether unmatched events still
// reach an explicitly targeted agent.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is one external occurrence entering the router.
type Event struct {
	ID             string                 `json:"id"`
	Source         string                 `json:"source"` // webhook, home_assistant, scheduler, system, ...
	Type           string                 `json:"eventType"`
	TargetAgentIDs []string               `json:"targetAgentIds,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Priority       Priority               `json:"priority"`
}

// Key is the source:eventType pair patterns are matched against.
func (e Event) Key() string {
	return e.Source + ":" + e.Type
}

// SkillTrigger binds an agent capability to a source:eventType pattern.
// A trailing "*" after the source matches every event type from that
// source.
type SkillTrigger struct {
	Name        string
	Pattern     string // "github:push" or "github:*"
	Instruction string
}

// Delivery is what the router hands to an agent's callback.
type Delivery struct {
	AgentID      string
	UserID       string
	Instruction  string
	Event        Event
	Subscription string // subscription id, empty for skill/generic deliveries
}

// DeliverFunc receives matched events; implemented by the orchestrator,
// which enqueues them as webhook-sourced entries.
type DeliverFunc func(Delivery)
