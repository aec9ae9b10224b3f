package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/store"
)

// promptData carries everything the system prompt is composed from.
// Sections render in a fixed order so prompt caching stays effective.
type promptData struct {
	Cfg      *config.AgentConfig
	Now      time.Time
	Language string

	ToolsText string // empty in native tool mode

	Memory   []*store.MemoryEntry
	Recalled []*store.Message

	NoteCount    int
	NoteTitles   []string
	ListCount    int
	ListTitles   []string
	ExpenseCount int

	Schedules []*store.ScheduledTask

	IntegrationEmails []string
	CredentialCount   int

	Directive string // fast-path directive, if any
}

func buildSystemPrompt(d promptData) string {
	var b strings.Builder

	if d.Cfg.SystemPrompt != "" {
		b.WriteString(d.Cfg.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are %s, a personal assistant.", d.Cfg.Name)
	}
	b.WriteString("\n\n")

	loc := time.UTC
	if d.Cfg.Timezone != "" {
		if l, err := time.LoadLocation(d.Cfg.Timezone); err == nil {
			loc = l
		}
	}
	fmt.Fprintf(&b, "Current time: %s\n", d.Now.In(loc).Format("Monday, 2 January 2006 15:04 (MST)"))

	if d.Language == "es" {
		b.WriteString("Responde siempre en español salvo que el usuario escriba en otro idioma.\n")
	} else {
		b.WriteString("Reply in English unless the user writes in another language.\n")
	}

	if d.ToolsText != "" {
		b.WriteString("\n## Tools\n")
		b.WriteString("To use a tool, reply with exactly one line per call:\n")
		b.WriteString(`<tool_call>{"name": "tool_name", "arguments": {...}}</tool_call>` + "\n\n")
		b.WriteString(d.ToolsText)
		b.WriteString("\n")
	}

	if len(d.Memory) > 0 {
		b.WriteString("\n## Memory\n")
		for _, m := range d.Memory {
			b.WriteString("- " + m.Content + "\n")
		}
	}

	if len(d.Recalled) > 0 {
		b.WriteString("\n## Possibly relevant earlier conversation\n")
		for _, m := range d.Recalled {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
	}

	// Counts and titles only. Entity bodies enter the conversation
	// through tool results, never through the prompt.
	b.WriteString("\n## Stored data\n")
	fmt.Fprintf(&b, "Notes: %d", d.NoteCount)
	if len(d.NoteTitles) > 0 {
		fmt.Fprintf(&b, " (recent: %s)", strings.Join(d.NoteTitles, ", "))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Lists: %d", d.ListCount)
	if len(d.ListTitles) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(d.ListTitles, ", "))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Expenses tracked: %d\n", d.ExpenseCount)

	if len(d.Schedules) > 0 {
		b.WriteString("\n## Active schedules\n")
		for _, t := range d.Schedules {
			if !t.Enabled {
				continue
			}
			when := t.Cron
			if t.TriggerAt != nil {
				when = t.TriggerAt.In(loc).Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "- %s (%s)\n", t.Name, when)
		}
	}

	if len(d.IntegrationEmails) > 0 || d.CredentialCount > 0 {
		b.WriteString("\n## Integrations\n")
		for _, email := range d.IntegrationEmails {
			fmt.Fprintf(&b, "- account %s connected\n", approval.MaskIdentifier(email))
		}
		if d.CredentialCount > 0 {
			fmt.Fprintf(&b, "- %d stored credentials (values never shown)\n", d.CredentialCount)
		}
	}

	b.WriteString("\nWhen the user asks for an action, call the matching tool. Never claim an action happened unless a tool result confirms it. If nothing needs saying, reply NO_REPLY.\n")

	if d.Directive != "" {
		b.WriteString("\n" + d.Directive + "\n")
	}

	return b.String()
}

const (
	directiveConfirmed = "The user has just CONFIRMED the pending action. Execute it now with the appropriate tool. Do not ask again."
	directiveAction    = "This message is an action request. Prefer calling a tool over describing what you would do."
)
