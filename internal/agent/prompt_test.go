package agent

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPromptMasksIntegrationAccounts(t *testing.T) {
	d := promptData{
		Cfg:               testAgentConfig(),
		Now:               time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC),
		Language:          "en",
		IntegrationEmails: []string{"alice@example.com"},
		CredentialCount:   2,
	}
	prompt := buildSystemPrompt(d)
	if strings.Contains(prompt, "alice@example.com") {
		t.Error("full account identifier leaked into the prompt")
	}
	if !strings.Contains(prompt, "a***@example.com") {
		t.Errorf("masked identifier missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "2 stored credentials") {
		t.Error("credential count missing")
	}
}

func TestSystemPromptCountsOnly(t *testing.T) {
	d := promptData{
		Cfg:        testAgentConfig(),
		Now:        time.Now(),
		Language:   "en",
		NoteCount:  4,
		NoteTitles: []string{"wifi password hints", "travel plan"},
		ListCount:  1,
		ListTitles: []string{"groceries"},
	}
	prompt := buildSystemPrompt(d)
	if !strings.Contains(prompt, "Notes: 4") || !strings.Contains(prompt, "Lists: 1") {
		t.Errorf("entity counts missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "wifi password hints") {
		t.Error("recent titles missing")
	}
}

func TestSystemPromptLanguageDirective(t *testing.T) {
	d := promptData{Cfg: testAgentConfig(), Now: time.Now(), Language: "es"}
	if !strings.Contains(buildSystemPrompt(d), "español") {
		t.Error("spanish directive missing")
	}
	d.Language = "en"
	if !strings.Contains(buildSystemPrompt(d), "English") {
		t.Error("english directive missing")
	}
}

func TestEstimateTokensDeterministic(t *testing.T) {
	a := estimateTokens("hello world, this is a test message")
	b := estimateTokens("hello world, this is a test message")
	if a != b || a == 0 {
		t.Errorf("estimate unstable or zero: %d vs %d", a, b)
	}
	if estimateTokens() != 0 {
		t.Error("empty input must estimate zero")
	}
}
