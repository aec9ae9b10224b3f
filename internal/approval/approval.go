// Package approval routes privileged tool invocations through the
// user's chat channel for explicit confirmation. Every pending request
// is process-wide: a restart forgets it, which counts as a denial.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trellis/internal/bus"
)

// Decision is the outcome of one approval request.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
	TimedOut Decision = "timed_out"
)

// DefaultTimeout is how long a request waits for a button press.
const DefaultTimeout = 120 * time.Second

// Callback data prefixes recognized by the orchestrator.
const (
	ApprovePrefix = "approve:"
	DenyPrefix    = "deny:"
)

const maxButtonLabel = 28
const maxDetailChars = 800

// Kind classifies what is being approved, selecting the prompt emoji.
type Kind string

const (
	KindShell     Kind = "shell"
	KindCode      Kind = "code"
	KindHome      Kind = "home_assistant"
	KindBudget    Kind = "budget"
	KindExtension Kind = "extension"
)

func (k Kind) emoji() string {
	switch k {
	case KindShell:
		return "🖥️"
	case KindCode:
		return "🧪"
	case KindHome:
		return "🏠"
	case KindBudget:
		return "💸"
	default:
		return "🔐"
	}
}

// Request describes one privileged action awaiting confirmation.
type Request struct {
	Kind    Kind
	AgentID string
	UserID  string
	Channel string
	ChatID  string
	Summary string // one line, e.g. the tool name
	Detail  string // rendered fenced, capped at maxDetailChars
	Reason  string // why the action needs approval
	Timeout time.Duration
}

// Sender delivers the approval prompt. *bus.MessageBus implements it.
type Sender interface {
	PublishOutbound(bus.OutboundMessage) error
}

// Manager holds pending approvals keyed by ticket id.
type Manager struct {
	sender  Sender
	mu      sync.Mutex
	pending map[string]chan Decision
	now     func() time.Time
}

func NewManager(sender Sender) *Manager {
	return &Manager{sender: sender, pending: make(map[string]chan Decision), now: time.Now}
}

// Ask sends the prompt and blocks until the user decides, the timeout
// elapses, or ctx is done. A failed send is an immediate denial: the
// user never saw the prompt.
func (m *Manager) Ask(ctx context.Context, req Request) (Decision, error) {
	id := uuid.NewString()
	ch := make(chan Decision, 1)

	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	msg := bus.OutboundMessage{
		Channel: req.Channel,
		ChatID:  req.ChatID,
		Content: renderPrompt(req),
		Buttons: [][]bus.Button{{
			{Label: clipLabel("✅ Approve"), Data: ApprovePrefix + id},
			{Label: clipLabel("❌ Deny"), Data: DenyPrefix + id},
		}},
	}
	if err := m.sender.PublishOutbound(msg); err != nil {
		slog.Warn("approval.send_failed", "agent", req.AgentID, "kind", string(req.Kind), "error", err)
		return Denied, fmt.Errorf("approval prompt not delivered: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		slog.Info("approval.resolved", "agent", req.AgentID, "kind", string(req.Kind), "decision", string(d))
		return d, nil
	case <-timer.C:
		slog.Info("approval.timeout", "agent", req.AgentID, "kind", string(req.Kind))
		return TimedOut, nil
	case <-ctx.Done():
		return Denied, ctx.Err()
	}
}

// Resolve delivers a button press for the ticket. The first resolution
// wins; later presses on the same ticket report false.
func (m *Manager) Resolve(id string, approved bool) bool {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if approved {
		ch <- Approved
	} else {
		ch <- Denied
	}
	return true
}

// HandleCallback interprets approve:/deny: callback data. It reports
// whether the data was an approval ticket at all.
func (m *Manager) HandleCallback(data string) bool {
	switch {
	case strings.HasPrefix(data, ApprovePrefix):
		m.Resolve(strings.TrimPrefix(data, ApprovePrefix), true)
		return true
	case strings.HasPrefix(data, DenyPrefix):
		m.Resolve(strings.TrimPrefix(data, DenyPrefix), false)
		return true
	}
	return false
}

func renderPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Approval needed*: %s\n", req.Kind.emoji(), req.Summary)
	if req.Reason != "" {
		fmt.Fprintf(&b, "%s\n", req.Reason)
	}
	if req.Detail != "" {
		detail := Redact(req.Detail)
		if len([]rune(detail)) > maxDetailChars {
			detail = string([]rune(detail)[:maxDetailChars]) + "…"
		}
		fmt.Fprintf(&b, "```\n%s\n```\n", detail)
	}
	return b.String()
}

func clipLabel(label string) string {
	r := []rune(label)
	if len(r) <= maxButtonLabel {
		return label
	}
	return string(r[:maxButtonLabel-1]) + "…"
}
