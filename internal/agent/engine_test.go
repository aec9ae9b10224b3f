package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/budget"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/providers"
	"github.com/nextlevelbuilder/trellis/internal/store"
	"github.com/nextlevelbuilder/trellis/internal/store/kv"
	"github.com/nextlevelbuilder/trellis/internal/tools"
)

// fakeProvider replays scripted responses and records every request.
type fakeProvider struct {
	native  bool
	scripts []*providers.ChatResponse
	calls   []providers.ChatRequest
}

func (p *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls = append(p.calls, req)
	if len(p.scripts) == 0 {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.scripts[0]
	p.scripts = p.scripts[1:]
	return resp, nil
}

func (p *fakeProvider) DefaultModel() string        { return "fake-model" }
func (p *fakeProvider) Name() string                { return "fake" }
func (p *fakeProvider) SupportsNativeTools() bool   { return p.native }

func toolCallResp(id, name string, args map[string]interface{}) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

func textResp(content string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}
}

// fakeTool counts executions and delegates to an injectable body.
type fakeTool struct {
	name     string
	parallel bool
	execute  func(ctx context.Context, args map[string]interface{}) *tools.Result

	mu    sync.Mutex
	calls int
}

func (f *fakeTool) Name() string                        { return f.name }
func (f *fakeTool) Description() string                 { return "test tool" }
func (f *fakeTool) Parameters() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (f *fakeTool) IsParallelSafe() bool                { return f.parallel }

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return tools.NewResult("ok")
}

func (f *fakeTool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAgentConfig() *config.AgentConfig {
	return &config.AgentConfig{
		ID:       "home",
		Name:     "Home",
		Provider: "fake",
		Model:    "fake-model",
		Timezone: "UTC",
		Options: config.Options{
			MaxToolIterations:                 config.DefaultMaxToolIterations,
			FastConfirmationMaxToolIterations: config.DefaultFastConfirmIterations,
			ToolResultMaxChars:                config.DefaultToolResultMaxChars,
			ToolResultsTotalMaxChars:          config.DefaultToolResultsTotalChars,
			LLMTimeoutMs:                      config.DefaultLLMTimeoutMs,
			ToolTimeoutMs:                     config.DefaultToolTimeoutMs,
			MaxExtToolsInPrompt:               config.DefaultMaxExtToolsInPrompt,
		},
	}
}

func newTestEngine(t *testing.T, p providers.Provider, reg *tools.Registry, opts ...Option) *Engine {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(testAgentConfig(), p, reg, st, opts...)
}

func userTurn(msg string) TurnRequest {
	return TurnRequest{
		UserID: "alice", ChatID: "chat-1", Channel: "telegram",
		Source: "user", Message: msg,
	}
}

func TestRunPlainReply(t *testing.T) {
	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		textResp("Hello! <thinking>hidden</thinking>How can I help?"),
	}}
	e := newTestEngine(t, p, tools.NewRegistry())

	res, err := e.Run(context.Background(), userTurn("hi there, how are you"))
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalText != "Hello! How can I help?" {
		t.Errorf("final = %q", res.FinalText)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestRunNativeToolRoundTrip(t *testing.T) {
	echo := &fakeTool{name: "echo"}
	reg := tools.NewRegistry()
	reg.Register(echo)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "echo", map[string]interface{}{"text": "hi"}),
		textResp("Echoed."),
	}}
	e := newTestEngine(t, p, reg)

	res, err := e.Run(context.Background(), userTurn("please echo hi for me"))
	if err != nil {
		t.Fatal(err)
	}
	if echo.count() != 1 {
		t.Errorf("tool executions = %d, want 1", echo.count())
	}
	if res.FinalText != "Echoed." {
		t.Errorf("final = %q", res.FinalText)
	}

	// The second request must carry the paired tool result.
	second := p.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != "ok" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestRunTextModeParsesToolCalls(t *testing.T) {
	echo := &fakeTool{name: "echo"}
	reg := tools.NewRegistry()
	reg.Register(echo)

	p := &fakeProvider{native: false, scripts: []*providers.ChatResponse{
		textResp("On it.\n<tool_call>{\"name\": \"echo\", \"arguments\": {\"text\": \"hi\"}}</tool_call>"),
		textResp("Echoed."),
	}}
	e := newTestEngine(t, p, reg)

	res, err := e.Run(context.Background(), userTurn("please echo hi for me"))
	if err != nil {
		t.Fatal(err)
	}
	if echo.count() != 1 {
		t.Errorf("tool executions = %d, want 1", echo.count())
	}
	if res.FinalText != "Echoed." {
		t.Errorf("final = %q", res.FinalText)
	}
	// Text mode advertises the registry in the system prompt.
	if !strings.Contains(p.calls[0].Messages[0].Content, "echo") {
		t.Error("system prompt does not describe tools in text mode")
	}
	if len(p.calls[0].Tools) != 0 {
		t.Error("text-mode request must not carry native tool defs")
	}
}

func TestNativeModeRecoversMarkupCalls(t *testing.T) {
	echo := &fakeTool{name: "echo"}
	reg := tools.NewRegistry()
	reg.Register(echo)

	// Native providers occasionally emit call markup as prose instead of
	// a structured tool call.
	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		textResp("<tool_call>{\"name\": \"echo\", \"arguments\": {\"text\": \"hi\"}}</tool_call>"),
		textResp("Echoed."),
	}}
	e := newTestEngine(t, p, reg)

	res, err := e.Run(context.Background(), userTurn("please echo hi for me"))
	if err != nil {
		t.Fatal(err)
	}
	if echo.count() != 1 {
		t.Errorf("tool executions = %d, want 1", echo.count())
	}
	if res.FinalText != "Echoed." {
		t.Errorf("final = %q", res.FinalText)
	}
}

func TestConfirmationFastPath(t *testing.T) {
	add := &fakeTool{name: "add_to_list"}
	reg := tools.NewRegistry()
	reg.Register(add)

	// Always asks for another tool call; the confirmation cap must stop
	// the loop at the reduced iteration budget.
	var scripts []*providers.ChatResponse
	for i := 0; i < 10; i++ {
		scripts = append(scripts, toolCallResp("c", "add_to_list", map[string]interface{}{"n": i}))
	}
	p := &fakeProvider{native: true, scripts: scripts}
	e := newTestEngine(t, p, reg)

	req := userTurn("yes")
	req.History = []providers.Message{
		{Role: "user", Content: "please add milk to the shopping list"},
		{Role: "assistant", Content: "Do you want me to add milk to the shopping list?"},
	}
	res, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.calls) != config.DefaultFastConfirmIterations {
		t.Errorf("llm calls = %d, want %d", len(p.calls), config.DefaultFastConfirmIterations)
	}
	if !strings.Contains(p.calls[0].Messages[0].Content, "CONFIRMED") {
		t.Error("system prompt missing the confirmed-action directive")
	}
	if res.FinalText == "" {
		t.Error("expected a cap-exhausted notice")
	}
}

func TestConfirmationBehindFollowUpMessages(t *testing.T) {
	add := &fakeTool{name: "add_to_list"}
	reg := tools.NewRegistry()
	reg.Register(add)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "add_to_list", map[string]interface{}{"item": "milk"}),
		textResp("Added."),
	}}
	e := newTestEngine(t, p, reg)

	// The pending question sits two assistant messages back, behind
	// follow-up remarks delivered before the user answered.
	req := userTurn("yes")
	req.History = []providers.Message{
		{Role: "user", Content: "please add milk to the shopping list"},
		{Role: "assistant", Content: "Do you want me to add milk to the shopping list?"},
		{Role: "assistant", Content: "I can also pin it to the top of the list."},
		{Role: "assistant", Content: "Either way works for me."},
	}
	if _, err := e.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.calls[0].Messages[0].Content, "CONFIRMED") {
		t.Error("question behind follow-up messages not treated as pending confirmation")
	}
	if add.count() != 1 {
		t.Errorf("tool executions = %d, want 1", add.count())
	}
}

func TestHallucinationCorrection(t *testing.T) {
	add := &fakeTool{name: "add_to_list"}
	reg := tools.NewRegistry()
	reg.Register(add)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		textResp("I'll add milk to the list right away."),
		toolCallResp("c1", "add_to_list", map[string]interface{}{"item": "milk"}),
		textResp("Added milk to the shopping list."),
	}}
	e := newTestEngine(t, p, reg)

	res, err := e.Run(context.Background(), userTurn("add milk to the shopping list please"))
	if err != nil {
		t.Fatal(err)
	}
	if add.count() != 1 {
		t.Fatalf("tool executions = %d, want exactly 1", add.count())
	}
	if res.FinalText != "Added milk to the shopping list." {
		t.Errorf("final = %q", res.FinalText)
	}

	// The correction was injected before the second call.
	second := p.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "no tool was invoked") {
		t.Errorf("corrective message = %+v", last)
	}
}

func TestHallucinationCorrectionOnlyOnce(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&fakeTool{name: "add_to_list"})

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		textResp("I'll add milk to the list right away."),
		textResp("I'll add milk to the list right away."),
	}}
	e := newTestEngine(t, p, reg)

	res, err := e.Run(context.Background(), userTurn("add milk to the shopping list please"))
	if err != nil {
		t.Fatal(err)
	}
	// Second toolless promise goes through rather than looping forever.
	if len(p.calls) != 2 {
		t.Errorf("llm calls = %d, want 2", len(p.calls))
	}
	if res.FinalText == "" {
		t.Error("expected the second reply to be delivered")
	}
}

func TestLoopGuardBlocksThirdIdenticalFailure(t *testing.T) {
	failing := &fakeTool{
		name: "flaky",
		execute: func(context.Context, map[string]interface{}) *tools.Result {
			return tools.ErrorResult("backend unreachable")
		},
	}
	reg := tools.NewRegistry()
	reg.Register(failing)

	args := map[string]interface{}{"id": "x"}
	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "flaky", args),
		toolCallResp("c2", "flaky", args),
		toolCallResp("c3", "flaky", args),
		textResp("That keeps failing, I'll stop."),
	}}
	e := newTestEngine(t, p, reg)

	if _, err := e.Run(context.Background(), userTurn("please fetch record x for me")); err != nil {
		t.Fatal(err)
	}
	if failing.count() != 2 {
		t.Errorf("tool executions = %d, want 2 (third must be short-circuited)", failing.count())
	}

	fourth := p.calls[3].Messages
	last := fourth[len(fourth)-1]
	if !strings.Contains(last.Content, "tool_loop_blocked") {
		t.Errorf("third result should be the loop-guard refusal, got %q", last.Content)
	}
}

func TestLoopGuardAllowsChangedArguments(t *testing.T) {
	failing := &fakeTool{
		name: "flaky",
		execute: func(context.Context, map[string]interface{}) *tools.Result {
			return tools.ErrorResult("nope")
		},
	}
	reg := tools.NewRegistry()
	reg.Register(failing)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "flaky", map[string]interface{}{"id": "x"}),
		toolCallResp("c2", "flaky", map[string]interface{}{"id": "x"}),
		toolCallResp("c3", "flaky", map[string]interface{}{"id": "y"}),
		textResp("Giving up."),
	}}
	e := newTestEngine(t, p, reg)

	if _, err := e.Run(context.Background(), userTurn("please fetch the record for me")); err != nil {
		t.Fatal(err)
	}
	if failing.count() != 3 {
		t.Errorf("tool executions = %d, want 3 (new arguments reset the guard)", failing.count())
	}
}

// seqLedger returns scripted spend readings in order, then repeats the
// last one.
type seqLedger struct {
	mu     sync.Mutex
	costs  []float64
	events []kv.UsageEvent
}

func (l *seqLedger) CostSince(context.Context, string, time.Time) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.costs[0]
	if len(l.costs) > 1 {
		l.costs = l.costs[1:]
	}
	return c, nil
}

func (l *seqLedger) RecordUsage(_ context.Context, ev kv.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func TestBudgetStopsBeforeFirstCall(t *testing.T) {
	p := &fakeProvider{native: true}
	ledger := &seqLedger{costs: []float64{10}}
	e := newTestEngine(t, p, tools.NewRegistry(), WithBudgetGate(budget.NewGate(ledger)))
	e.cfg.BudgetUSD = 5

	res, err := e.Run(context.Background(), userTurn("hello there, how are you"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.BudgetStopped {
		t.Fatal("expected budget stop")
	}
	if len(p.calls) != 0 {
		t.Errorf("llm calls = %d, want 0", len(p.calls))
	}
	if !strings.Contains(res.FinalText, "spend limit") {
		t.Errorf("final = %q", res.FinalText)
	}
}

func TestBudgetExhaustedMidTurn(t *testing.T) {
	echo := &fakeTool{name: "echo"}
	reg := tools.NewRegistry()
	reg.Register(echo)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "echo", map[string]interface{}{"text": "hi"}),
		textResp("never reached"),
	}}
	ledger := &seqLedger{costs: []float64{0, 10}}
	e := newTestEngine(t, p, reg, WithBudgetGate(budget.NewGate(ledger)))
	e.cfg.BudgetUSD = 5

	res, err := e.Run(context.Background(), userTurn("please echo hi for me"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.BudgetStopped {
		t.Fatal("expected budget stop after the first iteration")
	}
	if len(p.calls) != 1 {
		t.Errorf("llm calls = %d, want 1", len(p.calls))
	}
	if echo.count() != 1 {
		t.Errorf("tool executions = %d, want 1", echo.count())
	}
	if len(ledger.events) == 0 {
		t.Error("usage never recorded")
	}
}

func TestParallelBatchPreservesOrder(t *testing.T) {
	slow := &fakeTool{
		name: "slow", parallel: true,
		execute: func(context.Context, map[string]interface{}) *tools.Result {
			time.Sleep(50 * time.Millisecond)
			return tools.NewResult("slow-result")
		},
	}
	fast := &fakeTool{
		name: "fast", parallel: true,
		execute: func(context.Context, map[string]interface{}) *tools.Result {
			return tools.NewResult("fast-result")
		},
	}
	reg := tools.NewRegistry()
	reg.Register(slow)
	reg.Register(fast)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "a", Name: "slow", Arguments: map[string]interface{}{}},
				{ID: "b", Name: "fast", Arguments: map[string]interface{}{}},
			},
			FinishReason: "tool_calls",
		},
		textResp("Both done."),
	}}
	e := newTestEngine(t, p, reg)

	if _, err := e.Run(context.Background(), userTurn("please run both checks for me")); err != nil {
		t.Fatal(err)
	}

	var toolMsgs []providers.Message
	for _, m := range p.calls[1].Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("tool messages = %d, want 2", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "a" || toolMsgs[0].Content != "slow-result" {
		t.Errorf("first result out of order: %+v", toolMsgs[0])
	}
	if toolMsgs[1].ToolCallID != "b" || toolMsgs[1].Content != "fast-result" {
		t.Errorf("second result out of order: %+v", toolMsgs[1])
	}
}

func TestDuplicateCallsCollapse(t *testing.T) {
	echo := &fakeTool{name: "echo"}
	reg := tools.NewRegistry()
	reg.Register(echo)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "a", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}},
				{ID: "b", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}},
			},
			FinishReason: "tool_calls",
		},
		textResp("Done."),
	}}
	e := newTestEngine(t, p, reg)

	if _, err := e.Run(context.Background(), userTurn("please echo hi for me")); err != nil {
		t.Fatal(err)
	}
	if echo.count() != 1 {
		t.Errorf("tool executions = %d, want 1", echo.count())
	}
}

func TestAdaptiveMaxTokensOnLength(t *testing.T) {
	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		{Content: "truncated…", FinishReason: "length"},
		textResp("Full answer."),
	}}
	e := newTestEngine(t, p, tools.NewRegistry())

	res, err := e.Run(context.Background(), userTurn("tell me about the weather please"))
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalText != "Full answer." {
		t.Errorf("final = %q", res.FinalText)
	}
	if p.calls[0].MaxTokens != baseMaxTokens {
		t.Errorf("first maxTokens = %d", p.calls[0].MaxTokens)
	}
	if p.calls[1].MaxTokens != 2*baseMaxTokens {
		t.Errorf("retry maxTokens = %d, want doubled", p.calls[1].MaxTokens)
	}
}

func TestCompactResults(t *testing.T) {
	long := strings.Repeat("x", 500)
	results := []*tools.Result{
		tools.NewResult(long),
		tools.NewResult("short"),
	}
	compactResults(results, 300, 10_000)
	if len(results[0].ForLLM) > 330 {
		t.Errorf("per-result cap not applied: %d chars", len(results[0].ForLLM))
	}
	if !strings.Contains(results[0].ForLLM, "truncated") {
		t.Error("missing truncation marker")
	}
	if results[1].ForLLM != "short" {
		t.Error("short result must be untouched")
	}

	// Combined cap.
	results = []*tools.Result{
		tools.NewResult(strings.Repeat("a", 900)),
		tools.NewResult(strings.Repeat("b", 900)),
	}
	compactResults(results, 1000, 1200)
	total := len(results[0].ForLLM) + len(results[1].ForLLM)
	if total > 1300 {
		t.Errorf("combined size = %d, want near the 1200 cap", total)
	}
}

func TestToolNoticesForwarded(t *testing.T) {
	noisy := &fakeTool{
		name: "noisy",
		execute: func(context.Context, map[string]interface{}) *tools.Result {
			return tools.UserResult("visible to the user")
		},
	}
	reg := tools.NewRegistry()
	reg.Register(noisy)

	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "noisy", map[string]interface{}{}),
		textResp("Done."),
	}}
	e := newTestEngine(t, p, reg)

	res, err := e.Run(context.Background(), userTurn("please run the noisy tool"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ToolNotices) != 1 || res.ToolNotices[0] != "visible to the user" {
		t.Errorf("notices = %v", res.ToolNotices)
	}
}

func TestUnknownToolReportedToLLM(t *testing.T) {
	p := &fakeProvider{native: true, scripts: []*providers.ChatResponse{
		toolCallResp("c1", "does_not_exist", map[string]interface{}{}),
		textResp("Sorry, I can't do that."),
	}}
	e := newTestEngine(t, p, tools.NewRegistry())

	if _, err := e.Run(context.Background(), userTurn("please do the thing for me")); err != nil {
		t.Fatal(err)
	}
	second := p.calls[1].Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "unknown_tool") {
		t.Errorf("tool message = %q", last.Content)
	}
}
