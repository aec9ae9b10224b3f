package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/agent"
	"github.com/nextlevelbuilder/trellis/internal/approval"
	"github.com/nextlevelbuilder/trellis/internal/budget"
	"github.com/nextlevelbuilder/trellis/internal/bus"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/store"
	"github.com/nextlevelbuilder/trellis/internal/store/kv"
)

type fakeRunner struct {
	mu     sync.Mutex
	reqs   []agent.TurnRequest
	result *agent.TurnResult
	onRun  func(agent.TurnRequest)
}

func (f *fakeRunner) Run(_ context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun(req)
	}
	if f.result != nil {
		return f.result, nil
	}
	return &agent.TurnResult{FinalText: "done", Iterations: 1}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []bus.OutboundMessage
	typing int
}

func (c *fakeChannel) PublishOutbound(msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) NotifyTyping(bus.TypingNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
}

func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Content
	}
	return out
}

func testCfg() *config.AgentConfig {
	return &config.AgentConfig{
		ID: "home", Name: "Home", Provider: "fake", Model: "m", ChatID: "chat-1",
		Options: config.Options{
			QueueDelayUserMs:       1,
			QueueDelayBackgroundMs: 1,
		},
	}
}

func newTestOrch(t *testing.T, r Runner, ch Channel, opts ...Option) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(testCfg(), r, st, ch, opts...), st
}

func TestQueueUserAheadOfBackground(t *testing.T) {
	q := newQueue()
	q.push(&Entry{ID: "b1", Source: "webhook"})
	q.push(&Entry{ID: "b2", Source: "scheduler"})
	q.push(&Entry{ID: "u1", Source: "user"})
	q.push(&Entry{ID: "u2", Source: "user"})
	q.push(&Entry{ID: "b3", Source: "event"})

	var got []string
	for e := q.pop(); e != nil; e = q.pop() {
		got = append(got, e.ID)
	}
	want := []string{"u1", "u2", "b1", "b2", "b3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestReminderFastPathSkipsLLM(t *testing.T) {
	r := &fakeRunner{}
	ch := &fakeChannel{}
	o, st := newTestOrch(t, r, ch)

	sc := store.Scope{UserID: "alice", AgentID: "home"}
	task := &store.ScheduledTask{Name: "reminder", Instruction: "Buy milk", OneShot: true}
	o.process(context.Background(), &Entry{
		Source: "scheduler", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Task: task,
	})

	if r.count() != 0 {
		t.Fatalf("llm turns = %d, want 0", r.count())
	}
	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0] != "⏰ *Reminder*\n\nBuy milk" {
		t.Fatalf("sent = %v", msgs)
	}
	// The delivery lands in history.
	hist, _ := st.LoadMessages(sc, 0)
	if len(hist) != 1 || hist[0].Role != "assistant" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestScheduledTaskRunsEngineAndRecordsReceipt(t *testing.T) {
	r := &fakeRunner{result: &agent.TurnResult{FinalText: "Summary ready.", Iterations: 2}}
	ch := &fakeChannel{}
	o, st := newTestOrch(t, r, ch)

	task := &store.ScheduledTask{Name: "daily-digest", Cron: "0 8 * * *", Instruction: "Summarize the news"}
	o.process(context.Background(), &Entry{
		Source: "scheduler", UserID: "alice", ChatID: "chat-1", Channel: "telegram",
		Message: task.Instruction, Task: task,
	})

	if r.count() != 1 {
		t.Fatalf("llm turns = %d, want 1", r.count())
	}
	if r.reqs[0].Source != "scheduler" {
		t.Errorf("source = %q", r.reqs[0].Source)
	}

	hist, _ := st.LoadMessages(store.Scope{UserID: "alice", AgentID: "home"}, 0)
	var receipt bool
	for _, m := range hist {
		if m.Role == "system" && strings.Contains(m.Content, "daily-digest") {
			receipt = true
		}
	}
	if !receipt {
		t.Errorf("execution receipt missing from history: %+v", hist)
	}
}

func TestUserMessagePersistedBeforeTurn(t *testing.T) {
	var histLen int
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sc := store.Scope{UserID: "alice", AgentID: "home"}
	r := &fakeRunner{}
	r.onRun = func(agent.TurnRequest) {
		msgs, _ := st.LoadMessages(sc, 0)
		histLen = len(msgs)
	}
	o := New(testCfg(), r, st, &fakeChannel{})

	o.process(context.Background(), &Entry{
		Source: "user", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Message: "hello",
	})
	if histLen != 1 {
		t.Errorf("history during turn = %d entries, want the user message already there", histLen)
	}
	// Current message must not be duplicated into the replayed window.
	if len(r.reqs[0].History) != 0 {
		t.Errorf("history sent to engine = %+v, want empty", r.reqs[0].History)
	}
}

// scriptedLedger reports a fixed daily spend.
type scriptedLedger struct{ cost float64 }

func (l *scriptedLedger) CostSince(context.Context, string, time.Time) (float64, error) {
	return l.cost, nil
}
func (l *scriptedLedger) RecordUsage(context.Context, kv.UsageEvent) error { return nil }

func TestBudgetGateDenialRefusesTurn(t *testing.T) {
	r := &fakeRunner{}
	ch := &fakeChannel{}
	gate := budget.NewGate(&scriptedLedger{cost: 10})
	o, _ := newTestOrch(t, r, ch, WithBudgetGate(gate))
	o.cfg.BudgetUSD = 5

	o.process(context.Background(), &Entry{
		Source: "user", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Message: "hi",
	})
	if r.count() != 0 {
		t.Fatalf("llm turns = %d, want 0", r.count())
	}
	msgs := ch.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "spend limit") {
		t.Fatalf("sent = %v", msgs)
	}
}

// decideSender presses the requested button on every approval prompt.
type decideSender struct {
	mgr     *approval.Manager
	approve bool
}

func (s *decideSender) PublishOutbound(msg bus.OutboundMessage) error {
	if len(msg.Buttons) == 0 {
		return nil
	}
	idx := 0
	if !s.approve {
		idx = 1
	}
	data := msg.Buttons[0][idx].Data
	go s.mgr.HandleCallback(data)
	return nil
}

func TestBudgetGateApprovalGrantsOverride(t *testing.T) {
	sender := &decideSender{approve: true}
	mgr := approval.NewManager(sender)
	sender.mgr = mgr

	r := &fakeRunner{}
	ch := &fakeChannel{}
	gate := budget.NewGate(&scriptedLedger{cost: 10})
	o, _ := newTestOrch(t, r, ch, WithBudgetGate(gate), WithApprovals(mgr))
	o.cfg.BudgetUSD = 5

	o.process(context.Background(), &Entry{
		Source: "user", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Message: "hi",
	})
	if r.count() != 1 {
		t.Fatalf("llm turns = %d, want 1 after approval", r.count())
	}

	// The override must now let checks through without another prompt.
	st, err := gate.Check(context.Background(), "alice", 5)
	if err != nil || !st.Allowed || !st.Overridden {
		t.Errorf("post-approval status = %+v, err %v", st, err)
	}
}

func TestBudgetGateDenyButtonRefuses(t *testing.T) {
	sender := &decideSender{approve: false}
	mgr := approval.NewManager(sender)
	sender.mgr = mgr

	r := &fakeRunner{}
	ch := &fakeChannel{}
	gate := budget.NewGate(&scriptedLedger{cost: 10})
	o, _ := newTestOrch(t, r, ch, WithBudgetGate(gate), WithApprovals(mgr))
	o.cfg.BudgetUSD = 5

	o.process(context.Background(), &Entry{
		Source: "user", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Message: "hi",
	})
	if r.count() != 0 {
		t.Fatalf("llm turns = %d, want 0 after denial", r.count())
	}
}

type fakeAlwaysOn struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAlwaysOn) SetAlwaysOn(_ context.Context, userID, agentID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%s=%t", userID, agentID, enabled))
	return nil
}

func TestAlwaysOnFlaggedOnFirstUserTurn(t *testing.T) {
	flags := &fakeAlwaysOn{}
	r := &fakeRunner{}
	o, _ := newTestOrch(t, r, &fakeChannel{}, WithAlwaysOnStore(flags))

	entry := func() *Entry {
		return &Entry{Source: "user", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Message: "hi"}
	}
	o.process(context.Background(), entry())
	o.process(context.Background(), entry())
	// Background traffic never flags.
	o.process(context.Background(), &Entry{Source: "event", UserID: "bob", ChatID: "chat-1", Channel: "telegram", Message: "check"})

	flags.mu.Lock()
	defer flags.mu.Unlock()
	if len(flags.calls) != 1 || flags.calls[0] != "alice/home=true" {
		t.Fatalf("flag writes = %v, want a single write for alice", flags.calls)
	}
}

func TestTrimHistoryPreservesUserEntries(t *testing.T) {
	var msgs []*store.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, &store.Message{Role: "user", Content: "early user"})
	}
	for i := 0; i < 400; i++ {
		msgs = append(msgs, &store.Message{Role: "assistant", Content: "flood"})
	}

	trimmed := trimHistory(msgs, historyWindow)
	users := 0
	for _, m := range trimmed {
		if m.Role == "user" {
			users++
		}
	}
	if users != 5 {
		t.Errorf("user entries after trim = %d, want all 5", users)
	}
	if len(trimmed) != historyWindow+5 {
		t.Errorf("trimmed length = %d, want %d", len(trimmed), historyWindow+5)
	}
	if trimmed[len(trimmed)-1] != msgs[len(msgs)-1] {
		t.Error("newest entry lost")
	}
}

func TestReplyTicketRoundTrip(t *testing.T) {
	r := &fakeRunner{}
	o, _ := newTestOrch(t, r, &fakeChannel{})

	data := o.NewReplyTicket("send the weekly report")
	if !strings.HasPrefix(data, "replyid:") {
		t.Fatalf("ticket data = %q", data)
	}
	o.HandleCallback(bus.CallbackReply{
		Channel: "telegram", UserID: "alice", ChatID: "chat-1", Data: data,
	})

	e := o.q.pop()
	if e == nil || e.Message != "send the weekly report" || e.Source != "user" {
		t.Fatalf("entry = %+v", e)
	}

	// Single use.
	o.HandleCallback(bus.CallbackReply{Channel: "telegram", ChatID: "chat-1", Data: data})
	if o.q.pop() != nil {
		t.Error("ticket reused")
	}
}

func TestReplyTicketExpires(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := base
	o, _ := newTestOrch(t, &fakeRunner{}, &fakeChannel{}, WithClock(func() time.Time { return now }))

	data := o.NewReplyTicket("late reply")
	now = base.Add(31 * time.Minute)
	o.HandleCallback(bus.CallbackReply{Channel: "telegram", ChatID: "chat-1", Data: data})
	if e := o.q.pop(); e != nil {
		t.Fatalf("expired ticket enqueued: %+v", e)
	}
}

func TestCallbackInlineReply(t *testing.T) {
	o, _ := newTestOrch(t, &fakeRunner{}, &fakeChannel{})
	o.HandleCallback(bus.CallbackReply{
		Channel: "telegram", UserID: "alice", ChatID: "chat-1", Data: "reply:hello%20world",
	})
	e := o.q.pop()
	if e == nil || e.Message != "hello world" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestRunCoalescesUserBurst(t *testing.T) {
	done := make(chan agent.TurnRequest, 1)
	r := &fakeRunner{}
	r.onRun = func(req agent.TurnRequest) { done <- req }
	o, _ := newTestOrch(t, r, &fakeChannel{}, WithDelays(50*time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	for _, m := range []string{"first", "second", "third"} {
		o.Enqueue(&Entry{Source: "user", UserID: "alice", ChatID: "chat-1", Channel: "telegram", Message: m})
	}

	select {
	case req := <-done:
		for _, part := range []string{"first", "second", "third"} {
			if !strings.Contains(req.Message, part) {
				t.Errorf("merged message missing %q: %q", part, req.Message)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn never ran")
	}
	if r.count() != 1 {
		t.Errorf("turns = %d, want 1 for the burst", r.count())
	}
}

func TestPollSweepEnqueuesDueSubscriptions(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := base
	o, st := newTestOrch(t, &fakeRunner{}, &fakeChannel{}, WithClock(func() time.Time { return now }))

	sc := store.Scope{UserID: "alice", AgentID: "home"}
	// Scope must be discoverable on disk.
	if err := st.AppendMessage(sc, &store.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	sub := &store.Subscription{
		Type: "poll", Enabled: true,
		PollTarget: "status page", PollIntervalSec: 300,
		Instruction: "Check the status page",
	}
	if err := st.SaveSubscription(sc, sub); err != nil {
		t.Fatal(err)
	}

	o.PollSweep()
	e := o.q.pop()
	if e == nil || e.Source != "event" || e.Message != "Check the status page" {
		t.Fatalf("entry = %+v", e)
	}

	// Within the interval nothing fires again.
	now = base.Add(2 * time.Minute)
	o.PollSweep()
	if e := o.q.pop(); e != nil {
		t.Fatalf("sweep inside interval enqueued %+v", e)
	}

	now = base.Add(6 * time.Minute)
	o.PollSweep()
	if e := o.q.pop(); e == nil {
		t.Fatal("sweep after interval enqueued nothing")
	}
}

func TestRegistryRoutesBySingleAgentFallback(t *testing.T) {
	reg := NewRegistry(nil)
	r := &fakeRunner{}
	o, _ := newTestOrch(t, r, &fakeChannel{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Deploy(ctx, o)

	reg.HandleInbound(bus.InboundMessage{Channel: "telegram", UserID: "alice", ChatID: "c", Content: "hi"})
	deadline := time.Now().Add(2 * time.Second)
	for r.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.count() != 1 {
		t.Fatalf("turns = %d, want 1", r.count())
	}

	reg.Stop("home")
	if _, ok := reg.Get("home"); ok {
		t.Error("agent still registered after Stop")
	}
}
