// Package orchestrator owns the per-agent message queue and turn
// lifecycle: ordering, debounce, budget gating, history persistence and
// delivery. One orchestrator runs per deployed agent; turns execute
// single-flight.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/trellis/internal/agent"
	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/budget"
	"github.com/nextlevelbuilder/trellis/internal/bus"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/providers"
	"github.com/nextlevelbuilder/trellis/internal/store"
)

const (
	historyWindow  = 300
	replyTicketTTL = 30 * time.Minute
	pollTick       = 60 * time.Second
)

// Runner executes one turn. *agent.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Channel delivers output. *bus.MessageBus implements it.
type Channel interface {
	PublishOutbound(bus.OutboundMessage) error
	NotifyTyping(bus.TypingNotice)
}

// AlwaysOnStore persists which (user, agent) pairs carry live traffic.
// *kv.DB implements it.
type AlwaysOnStore interface {
	SetAlwaysOn(ctx context.Context, userID, agentID string, enabled bool) error
}

type replyTicket struct {
	text    string
	expires time.Time
}

// Orchestrator runs one agent's queue.
type Orchestrator struct {
	cfg    *config.AgentConfig
	runner Runner
	store  *store.Store
	ch     Channel

	approvals *approval.Manager
	gate      *budget.Gate
	alwaysOn  AlwaysOnStore

	q              *queue
	processTimeout time.Duration
	delayUser      time.Duration
	delayBg        time.Duration
	now            func() time.Time
	log            *slog.Logger

	ticketMu sync.Mutex
	tickets  map[string]replyTicket

	flagMu  sync.Mutex
	flagged map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithApprovals enables the budget override prompt.
func WithApprovals(m *approval.Manager) Option {
	return func(o *Orchestrator) { o.approvals = m }
}

// WithBudgetGate enables the pre-turn budget gate.
func WithBudgetGate(g *budget.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithAlwaysOnStore enables persistence of the per-user always-on flag.
func WithAlwaysOnStore(s AlwaysOnStore) Option {
	return func(o *Orchestrator) { o.alwaysOn = s }
}

// WithClock overrides the orchestrator clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDelays overrides the queue debounce delays. Test hook.
func WithDelays(user, background time.Duration) Option {
	return func(o *Orchestrator) {
		o.delayUser = user
		o.delayBg = background
	}
}

func New(cfg *config.AgentConfig, runner Runner, st *store.Store, ch Channel, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		runner:         runner,
		store:          st,
		ch:             ch,
		q:              newQueue(),
		processTimeout: config.DefaultProcessTimeoutMs * time.Millisecond,
		delayUser:      time.Duration(cfg.Options.QueueDelayUserMs) * time.Millisecond,
		delayBg:        time.Duration(cfg.Options.QueueDelayBackgroundMs) * time.Millisecond,
		now:            time.Now,
		log:            slog.With("agent", cfg.ID),
		tickets:        make(map[string]replyTicket),
		flagged:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue adds an entry to the agent's queue.
func (o *Orchestrator) Enqueue(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = o.now()
	}
	if e.ChatID == "" {
		e.ChatID = o.cfg.ChatID
	}
	if e.Channel == "" {
		e.Channel = "telegram"
	}
	o.q.push(e)
	o.log.Debug("orchestrator.enqueued", "source", e.Source, "queued", o.q.len())
}

// EnqueueInbound queues a chat message.
func (o *Orchestrator) EnqueueInbound(msg bus.InboundMessage) {
	o.Enqueue(&Entry{
		Source:  "user",
		UserID:  msg.UserID,
		ChatID:  msg.ChatID,
		Channel: msg.Channel,
		Message: msg.Content,
	})
}

// EnqueueTask queues a fired schedule.
func (o *Orchestrator) EnqueueTask(sc store.Scope, task *store.ScheduledTask) {
	o.Enqueue(&Entry{
		Source:  "scheduler",
		UserID:  sc.UserID,
		Message: task.Instruction,
		Task:    task,
	})
}

// QueueLen reports pending work. Diagnostics.
func (o *Orchestrator) QueueLen() int { return o.q.len() }

// Run drains the queue until ctx is done. Turns are single-flight; a
// short delay before each turn lets rapid-fire messages coalesce.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.pollLoop(ctx)

	for {
		e := o.q.waitPop(ctx)
		if e == nil {
			return
		}

		delay := o.delayBg
		if e.isUser() {
			delay = o.delayUser
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if e.isUser() {
			for {
				next := o.q.popUserFor(e.ChatID)
				if next == nil {
					break
				}
				e.Message += "\n" + next.Message
			}
		}

		o.process(ctx, e)
	}
}

func (o *Orchestrator) process(ctx context.Context, e *Entry) {
	sc := store.Scope{UserID: e.UserID, AgentID: o.cfg.ID}

	if e.isUser() {
		o.markAlwaysOn(ctx, e.UserID)
	}

	// Reminders deliver their stored text verbatim. No model call, no
	// spend.
	if e.Task != nil && e.Task.OneShot && e.Task.Name == "reminder" {
		text := "⏰ *Reminder*\n\n" + e.Task.Instruction
		o.send(e, text)
		o.appendHistory(sc, "assistant", text, e.Channel)
		return
	}

	if !o.passBudgetGate(ctx, e) {
		return
	}

	o.ch.NotifyTyping(bus.TypingNotice{Channel: e.Channel, ChatID: e.ChatID})

	// The user's message lands in history before the turn runs so a
	// crash mid-turn cannot lose it.
	history := o.buildHistory(sc)
	if e.isUser() {
		o.appendHistory(sc, "user", e.Message, e.Channel)
	}

	pctx, cancel := context.WithTimeout(ctx, o.processTimeout)
	res, err := o.runner.Run(pctx, agent.TurnRequest{
		UserID:  e.UserID,
		ChatID:  e.ChatID,
		Channel: e.Channel,
		Source:  e.Source,
		Message: e.Message,
		History: history,
	})
	cancel()

	if err != nil {
		o.log.Error("orchestrator.turn_failed", "source", e.Source, "error", err)
		if e.isUser() {
			o.send(e, "⚠️ Something went wrong handling that. Please try again.")
		}
		return
	}

	for _, notice := range res.ToolNotices {
		o.send(e, notice)
	}
	if res.FinalText != "" {
		o.send(e, res.FinalText)
		o.appendHistory(sc, "assistant", res.FinalText, e.Channel)
	}

	if e.Source == "scheduler" && e.Task != nil {
		o.appendHistory(sc, "system",
			fmt.Sprintf("Scheduled task %q (%s) executed.", e.Task.Name, e.Task.ID), e.Channel)
	}

	o.log.Info("orchestrator.turn_done", "source", e.Source,
		"iterations", res.Iterations, "budget_stopped", res.BudgetStopped)
}

// passBudgetGate checks spend before a turn starts. An exhausted budget
// asks the user once via inline buttons; approval lifts the limit for
// the day.
func (o *Orchestrator) passBudgetGate(ctx context.Context, e *Entry) bool {
	if o.gate == nil || o.cfg.BudgetUSD <= 0 {
		return true
	}
	st, err := o.gate.Check(ctx, e.UserID, o.cfg.BudgetUSD)
	if err != nil {
		o.log.Warn("orchestrator.budget_check_failed", "error", err)
		return true
	}
	if st.Allowed {
		return true
	}

	if o.approvals == nil || !e.isUser() {
		if e.isUser() {
			o.send(e, budgetRefusal(st))
		}
		return false
	}

	decision, err := o.approvals.Ask(ctx, approval.Request{
		Kind:    approval.KindBudget,
		AgentID: o.cfg.ID,
		UserID:  e.UserID,
		Channel: e.Channel,
		ChatID:  e.ChatID,
		Summary: "daily budget exhausted",
		Reason:  fmt.Sprintf("Spent %.2f of %.2f USD today. Authorize more for the rest of the day?", st.SpentUSD, st.LimitUSD),
	})
	if err != nil || decision != approval.Approved {
		o.send(e, budgetRefusal(st))
		return false
	}
	o.gate.GrantOverride(e.UserID)
	return true
}

func budgetRefusal(st budget.Status) string {
	return fmt.Sprintf("💸 Daily spend limit reached (%.2f of %.2f USD). I'll be back tomorrow, or authorize more spend to continue today.", st.SpentUSD, st.LimitUSD)
}

// markAlwaysOn records the (user, agent) pair once per process
// lifetime. The flag survives restarts; doctor reads it to show which
// deployments carry live traffic.
func (o *Orchestrator) markAlwaysOn(ctx context.Context, userID string) {
	if o.alwaysOn == nil || userID == "" {
		return
	}
	o.flagMu.Lock()
	already := o.flagged[userID]
	o.flagged[userID] = true
	o.flagMu.Unlock()
	if already {
		return
	}
	if err := o.alwaysOn.SetAlwaysOn(ctx, userID, o.cfg.ID, true); err != nil {
		o.log.Warn("orchestrator.always_on_persist_failed", "user", userID, "error", err)
	}
}

func (o *Orchestrator) send(e *Entry, content string) {
	err := o.ch.PublishOutbound(bus.OutboundMessage{
		Channel: e.Channel,
		ChatID:  e.ChatID,
		Content: content,
	})
	if err != nil {
		o.log.Warn("orchestrator.send_failed", "channel", e.Channel, "error", err)
	}
}

func (o *Orchestrator) appendHistory(sc store.Scope, role, content, source string) {
	err := o.store.AppendMessage(sc, &store.Message{Role: role, Content: content, Source: source})
	if err != nil {
		o.log.Warn("orchestrator.history_append_failed", "error", err)
	}
}

// buildHistory loads the conversation window for the engine. Only user
// and assistant entries are replayed; system receipts stay on disk.
func (o *Orchestrator) buildHistory(sc store.Scope) []providers.Message {
	msgs, err := o.store.LoadMessages(sc, 0)
	if err != nil {
		o.log.Warn("orchestrator.history_load_failed", "error", err)
		return nil
	}
	msgs = trimHistory(msgs, historyWindow)

	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// trimHistory keeps the most recent max entries plus every user entry
// older than the window, so what the person said is never forgotten by
// trimming alone.
func trimHistory(msgs []*store.Message, max int) []*store.Message {
	if len(msgs) <= max {
		return msgs
	}
	tailStart := len(msgs) - max
	var kept []*store.Message
	for _, m := range msgs[:tailStart] {
		if m.Role == "user" {
			kept = append(kept, m)
		}
	}
	return append(kept, msgs[tailStart:]...)
}

// HandleCallback interprets button data that is not an approval ticket.
func (o *Orchestrator) HandleCallback(cb bus.CallbackReply) {
	data := cb.Data
	entry := &Entry{
		Source:  "user",
		UserID:  cb.UserID,
		ChatID:  cb.ChatID,
		Channel: cb.Channel,
	}
	switch {
	case strings.HasPrefix(data, "replyid:"):
		text, ok := o.takeReplyTicket(strings.TrimPrefix(data, "replyid:"))
		if !ok {
			o.send(entry, "That button has expired.")
			return
		}
		entry.Message = text
	case strings.HasPrefix(data, "reply:"):
		text, err := url.QueryUnescape(strings.TrimPrefix(data, "reply:"))
		if err != nil {
			return
		}
		entry.Message = text
	default:
		entry.Message = data
	}
	o.Enqueue(entry)
}

// NewReplyTicket registers text behind a short callback id, so button
// payloads stay within the channel's 64-byte data limit. Tickets are
// single use and expire after 30 minutes.
func (o *Orchestrator) NewReplyTicket(text string) string {
	id := uuid.NewString()[:8]
	o.ticketMu.Lock()
	o.tickets[id] = replyTicket{text: text, expires: o.now().Add(replyTicketTTL)}
	o.ticketMu.Unlock()
	return "replyid:" + id
}

func (o *Orchestrator) takeReplyTicket(id string) (string, bool) {
	o.ticketMu.Lock()
	defer o.ticketMu.Unlock()
	t, ok := o.tickets[id]
	if !ok {
		return "", false
	}
	delete(o.tickets, id)
	if o.now().After(t.expires) {
		return "", false
	}
	return t.text, true
}

// pollLoop turns poll subscriptions into background entries on a fixed
// minute tick.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	t := time.NewTicker(pollTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.PollSweep()
		}
	}
}

// PollSweep enqueues every due poll subscription once.
func (o *Orchestrator) PollSweep() {
	for _, sc := range o.knownScopes() {
		subs, err := o.store.ListSubscriptions(sc)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if sub.Type != "poll" || !sub.Enabled {
				continue
			}
			interval := time.Duration(sub.PollIntervalSec) * time.Second
			if interval < pollTick {
				interval = pollTick
			}
			now := o.now()
			if sub.LastFiredAt != nil && now.Sub(*sub.LastFiredAt) < interval {
				continue
			}
			sub.LastFiredAt = &now
			sub.FireCount++
			if err := o.store.SaveSubscription(sc, sub); err != nil {
				o.log.Warn("orchestrator.poll_persist_failed", "subscription", sub.ID, "error", err)
				continue
			}
			instruction := sub.Instruction
			if instruction == "" {
				instruction = fmt.Sprintf("Check %s and report anything noteworthy.", sub.PollTarget)
			}
			o.Enqueue(&Entry{
				Source:  "event",
				UserID:  sc.UserID,
				Message: instruction,
			})
		}
	}
}

// knownScopes lists the (user, agent) pairs with conversation state on
// disk for this agent.
func (o *Orchestrator) knownScopes() []store.Scope {
	users, err := o.store.UsersWithAgent(o.cfg.ID)
	if err != nil {
		return nil
	}
	scopes := make([]store.Scope, 0, len(users))
	for _, u := range users {
		scopes = append(scopes, store.Scope{UserID: u, AgentID: o.cfg.ID})
	}
	return scopes
}
