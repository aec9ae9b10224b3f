package events

import (
	"testing"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

func sub(typ, pattern string) *store.Subscription {
	return &store.Subscription{Type: typ, EventPattern: pattern, Enabled: true}
}

func TestMatchWebhook(t *testing.T) {
	cases := []struct {
		pattern string
		event   Event
		want    bool
	}{
		{"webhook:*", Event{Source: "github", Type: "push"}, true},
		{"webhook:github", Event{Source: "github", Type: "push"}, true},
		{"webhook:github:push", Event{Source: "github", Type: "push"}, true},
		{"webhook:github:push", Event{Source: "github", Type: "pull_request"}, false},
		{"webhook:stripe", Event{Source: "github", Type: "push"}, false},
		{"webhook:git", Event{Source: "github", Type: "push"}, false}, // prefix is segment-wise
	}
	for _, tc := range cases {
		if got := Matches(sub("webhook", tc.pattern), tc.event); got != tc.want {
			t.Errorf("webhook %q vs %s = %v, want %v", tc.pattern, tc.event.Key(), got, tc.want)
		}
	}
}

func TestMatchKeyword(t *testing.T) {
	s := sub("keyword", "")
	s.Keyword = "Invoice"

	ev := Event{Source: "stripe", Type: "payment", Data: map[string]interface{}{
		"description": "invoice #42 paid",
	}}
	if !Matches(s, ev) {
		t.Error("keyword should match case-insensitively in data")
	}

	ev = Event{Source: "invoicer", Type: "ping"}
	if !Matches(s, ev) {
		t.Error("keyword should match in the source")
	}

	ev = Event{Source: "github", Type: "push"}
	if Matches(s, ev) {
		t.Error("keyword must not match unrelated events")
	}
}

func TestMatchEntityState(t *testing.T) {
	s := sub("entity_state", "")
	s.TargetEntityID = "binary_sensor.front_door"

	ev := Event{Source: "home_assistant", Type: "state_changed", Data: map[string]interface{}{
		"entity_id": "binary_sensor.front_door",
		"new_state": map[string]interface{}{"state": "on"},
	}}
	if !Matches(s, ev) {
		t.Error("any change to the target entity should match")
	}

	s.TargetState = "off"
	if Matches(s, ev) {
		t.Error("state filter set: 'on' must not match 'off'")
	}
	s.TargetState = "on"
	if !Matches(s, ev) {
		t.Error("state filter 'on' should match")
	}

	ev.Data["entity_id"] = "light.kitchen"
	if Matches(s, ev) {
		t.Error("other entity must not match")
	}
}

func TestMatchCustom(t *testing.T) {
	cases := []struct {
		pattern string
		typ     string
		want    bool
	}{
		{"deploy_done", "deploy_done", true},
		{"deploy_done", "deploy_failed", false},
		{"deploy_*", "deploy_failed", true},
		{"deploy_*", "build_failed", false},
		{"", "anything", false},
	}
	for _, tc := range cases {
		if got := Matches(sub("custom", tc.pattern), Event{Type: tc.typ}); got != tc.want {
			t.Errorf("custom %q vs %q = %v, want %v", tc.pattern, tc.typ, got, tc.want)
		}
	}
}

func TestPollNeverMatchesEvents(t *testing.T) {
	if Matches(sub("poll", "anything"), Event{Source: "x", Type: "anything"}) {
		t.Error("poll subscriptions are ticker-driven, not event-driven")
	}
}

func TestDisabledSubscriptionNeverMatches(t *testing.T) {
	s := sub("webhook", "webhook:*")
	s.Enabled = false
	if Matches(s, Event{Source: "github", Type: "push"}) {
		t.Error("disabled subscription matched")
	}
}

func TestMatchSkillPattern(t *testing.T) {
	if !matchSkill("github:push", Event{Source: "github", Type: "push"}) {
		t.Error("exact skill pattern should match")
	}
	if !matchSkill("github:*", Event{Source: "github", Type: "anything"}) {
		t.Error("wildcard skill pattern should match")
	}
	if matchSkill("github:push", Event{Source: "gitlab", Type: "push"}) {
		t.Error("other source matched")
	}
}
