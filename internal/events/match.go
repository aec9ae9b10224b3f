package events

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// Matches reports whether the subscription fires for the event. Poll
// subscriptions are driven by a ticker, never by events.
func Matches(sub *store.Subscription, ev Event) bool {
	if !sub.Enabled {
		return false
	}
	switch sub.Type {
	case "webhook":
		return matchWebhook(sub.EventPattern, ev)
	case "keyword":
		return matchKeyword(sub, ev)
	case "entity_state":
		return matchEntityState(sub, ev)
	case "custom":
		return matchCustom(sub.EventPattern, ev)
	case "poll":
		return false
	}
	return false
}

// matchWebhook: "webhook:*" matches everything; "webhook:<prefix>"
// matches when source:eventType equals the prefix or sits under it.
func matchWebhook(pattern string, ev Event) bool {
	prefix := strings.TrimPrefix(pattern, "webhook:")
	if prefix == "*" || prefix == "" {
		return true
	}
	key := ev.Key()
	return key == prefix || strings.HasPrefix(key, prefix+":")
}

func matchKeyword(sub *store.Subscription, ev Event) bool {
	keyword := sub.Keyword
	if keyword == "" {
		keyword = sub.EventPattern
	}
	if keyword == "" {
		return false
	}
	needle := strings.ToLower(keyword)
	if strings.Contains(strings.ToLower(ev.Source), needle) {
		return true
	}
	data, _ := json.Marshal(ev.Data)
	return strings.Contains(strings.ToLower(string(data)), needle)
}

func matchEntityState(sub *store.Subscription, ev Event) bool {
	if sub.TargetEntityID == "" {
		return false
	}
	entity, _ := ev.Data["entity_id"].(string)
	if entity != sub.TargetEntityID {
		return false
	}
	if sub.TargetState == "" {
		return true // any change to the entity
	}
	return newState(ev.Data) == sub.TargetState
}

// newState pulls the new state value out of the event payload, which
// home automation sources ship either flat or as a nested state object.
func newState(data map[string]interface{}) string {
	switch v := data["new_state"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["state"].(string); ok {
			return s
		}
	}
	if s, ok := data["state"].(string); ok {
		return s
	}
	return ""
}

// matchCustom: exact event type, or trailing-wildcard prefix.
func matchCustom(pattern string, ev Event) bool {
	if pattern == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(ev.Type, strings.TrimSuffix(pattern, "*"))
	}
	return ev.Type == pattern
}

// matchSkill checks a skill trigger pattern against source:eventType.
func matchSkill(pattern string, ev Event) bool {
	if pattern == ev.Key() {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return ev.Source == strings.TrimSuffix(pattern, ":*")
	}
	return false
}
