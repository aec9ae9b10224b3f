// Package agent runs one LLM turn: prompt assembly, the tool-use
// iteration loop, budget gating and reply sanitation. It is
// channel-agnostic; the orchestrator owns queues and delivery.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/trellis/internal/budget"
	"github.com/nextlevelbuilder/trellis/internal/config"
	"github.com/nextlevelbuilder/trellis/internal/providers"
	"github.com/nextlevelbuilder/trellis/internal/store"
	"github.com/nextlevelbuilder/trellis/internal/store/kv"
	"github.com/nextlevelbuilder/trellis/internal/tools"
	"github.com/nextlevelbuilder/trellis/internal/tracing"
)

const (
	baseMaxTokens    = 4096
	ceilingMaxTokens = 8192

	recallWindow = 200
	recallLimit  = 5
	memoryLimit  = 20
)

// Engine executes turns for a single agent.
type Engine struct {
	cfg      *config.AgentConfig
	provider providers.Provider
	registry *tools.Registry
	store    *store.Store

	gate     *budget.Gate
	smartRAG bool
	now      func() time.Time
	log      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBudgetGate enables per-user daily spend enforcement.
func WithBudgetGate(g *budget.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithSmartRecall reranks recalled conversation snippets with a cheap
// LLM scoring pass instead of raw keyword order.
func WithSmartRecall() Option {
	return func(e *Engine) { e.smartRAG = true }
}

// WithClock overrides the engine clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg *config.AgentConfig, provider providers.Provider, registry *tools.Registry, st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		store:    st,
		now:      time.Now,
		log:      slog.With("agent", cfg.ID),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TurnRequest is one unit of work for the engine.
type TurnRequest struct {
	UserID  string
	ChatID  string
	Channel string
	Source  string // "user", "scheduler", "webhook", "event"
	Message string
	History []providers.Message
}

// TurnResult is what the orchestrator delivers and records.
type TurnResult struct {
	FinalText     string
	ToolNotices   []string // user-facing tool outputs, in execution order
	Iterations    int
	Usage         providers.Usage
	BudgetStopped bool
}

// Run executes one turn to completion.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.id", e.cfg.ID),
		attribute.String("channel", req.Channel),
		attribute.String("source", req.Source),
	))
	defer span.End()

	ctx = tools.WithUserID(ctx, req.UserID)
	ctx = tools.WithAgentID(ctx, e.cfg.ID)
	ctx = tools.WithChatID(ctx, req.ChatID)
	ctx = tools.WithChannel(ctx, req.Channel)

	sc := store.Scope{UserID: req.UserID, AgentID: e.cfg.ID}
	lang := DetectLanguage(append(recentUserTexts(req.History, 3), req.Message)...)

	confirmed := req.Source == "user" && IsAffirmative(req.Message) && lastAssistantAskedConfirmation(req.History)
	actionable := confirmed || HasImperativeVerb(req.Message)

	maxIter := e.cfg.Options.MaxToolIterations
	directive := ""
	switch {
	case confirmed:
		maxIter = e.cfg.Options.FastConfirmationMaxToolIterations
		directive = directiveConfirmed
	case actionable:
		directive = directiveAction
	}

	native := providers.NativeTools(e.provider)
	system := buildSystemPrompt(e.gatherPromptData(ctx, sc, req, lang, native, directive))

	msgs := make([]providers.Message, 0, len(req.History)+2)
	msgs = append(msgs, providers.Message{Role: "system", Content: system})
	msgs = append(msgs, req.History...)
	msgs = append(msgs, providers.Message{Role: "user", Content: req.Message})

	res := &TurnResult{}
	guard := newLoopGuard()
	maxTokens := baseMaxTokens
	toolsInvoked := false
	correctiveUsed := false

	llmTimeout := time.Duration(e.cfg.Options.LLMTimeoutMs) * time.Millisecond

	for iter := 0; iter < maxIter; iter++ {
		res.Iterations = iter + 1

		if notice, stopped := e.checkBudget(ctx, req.UserID, lang); stopped {
			res.BudgetStopped = true
			res.FinalText = notice
			return res, nil
		}

		chatReq := providers.ChatRequest{
			Messages:  msgs,
			Model:     e.cfg.Model,
			MaxTokens: maxTokens,
		}
		if native {
			chatReq.Tools = e.registry.ProviderDefs()
		}

		cctx, cancel := context.WithTimeout(ctx, llmTimeout)
		cctx, llmSpan := tracing.Tracer().Start(cctx, "llm.chat", trace.WithAttributes(
			attribute.String("llm.model", e.cfg.Model),
			attribute.Int("llm.max_tokens", maxTokens),
		))
		resp, err := e.provider.Chat(cctx, chatReq)
		llmSpan.End()
		cancel()
		if err != nil {
			if isOutputLimit(err) && maxTokens < ceilingMaxTokens {
				maxTokens = min(maxTokens*2, ceilingMaxTokens)
				e.log.Debug("agent.max_tokens_raised", "max_tokens", maxTokens)
				continue
			}
			return nil, fmt.Errorf("llm call: %w", err)
		}

		u := usageFor(chatReq, resp)
		addUsage(&res.Usage, u)
		e.recordSpend(ctx, req.UserID, u)

		if resp.FinishReason == "length" && len(resp.ToolCalls) == 0 && maxTokens < ceilingMaxTokens {
			maxTokens = min(maxTokens*2, ceilingMaxTokens)
			continue
		}

		calls := resp.ToolCalls
		content := resp.Content
		// Text-only providers always need the parse; native providers
		// sometimes emit call markup as prose, so fall through only when
		// the reply actually carries it.
		if len(calls) == 0 && (!native || HasToolCallMarkup(content)) {
			parsed, cleaned := ParseToolCalls(content)
			if len(parsed) > 0 {
				content = cleaned
				for i, p := range parsed {
					calls = append(calls, providers.ToolCall{
						ID:        fmt.Sprintf("call_%d_%d", iter, i),
						Name:      p.Name,
						Arguments: p.Args,
					})
				}
			}
		}

		if len(calls) == 0 {
			text := SanitizeReply(content)
			if actionable && !toolsInvoked && !correctiveUsed && hallucinatedReply(text, confirmed) {
				correctiveUsed = true
				e.log.Info("agent.hallucination_corrected", "user", req.UserID)
				msgs = append(msgs,
					providers.Message{Role: "assistant", Content: resp.Content},
					providers.Message{Role: "user", Content: correctiveInstruction})
				continue
			}
			if IsSilentReply(text) {
				return res, nil
			}
			res.FinalText = text
			return res, nil
		}

		calls = dedupeCalls(calls)
		msgs = append(msgs, providers.Message{Role: "assistant", Content: content, ToolCalls: calls})

		results := e.executeBatch(ctx, guard, calls)
		toolsInvoked = true
		compactResults(results, e.cfg.Options.ToolResultMaxChars, e.cfg.Options.ToolResultsTotalMaxChars)

		for i, call := range calls {
			r := results[i]
			if r.ForUser != "" && !r.Silent {
				res.ToolNotices = append(res.ToolNotices, r.ForUser)
			}
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    toolMessageContent(r),
				ToolCallID: call.ID,
			})
		}
	}

	res.FinalText = exhaustedNotice(lang)
	return res, nil
}

// checkBudget runs before every provider call. Ledger failures allow
// the call and log, so a broken disk does not mute the agent.
func (e *Engine) checkBudget(ctx context.Context, userID, lang string) (string, bool) {
	if e.gate == nil || e.cfg.BudgetUSD <= 0 {
		return "", false
	}
	st, err := e.gate.Check(ctx, userID, e.cfg.BudgetUSD)
	if err != nil {
		e.log.Warn("agent.budget_check_failed", "error", err)
		return "", false
	}
	if st.Allowed {
		return "", false
	}
	return budgetNotice(lang, st), true
}

func (e *Engine) recordSpend(ctx context.Context, userID string, u providers.Usage) {
	if e.gate == nil {
		return
	}
	err := e.gate.Record(ctx, kv.UsageEvent{
		UserID:       userID,
		AgentID:      e.cfg.ID,
		Model:        e.cfg.Model,
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		CostUSD:      costUSD(e.cfg.Model, u),
		CreatedAt:    e.now(),
	})
	if err != nil {
		e.log.Warn("agent.usage_record_failed", "error", err)
	}
}

// dedupeCalls collapses repeated calls within one batch, keeping the
// first occurrence of each signature.
func dedupeCalls(calls []providers.ToolCall) []providers.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := calls[:0]
	for _, c := range calls {
		sig := callSignature(c.Name, c.Arguments)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	return out
}

// executeBatch runs parallel-safe calls concurrently and the rest in
// order. Results land at the index of their originating call so the
// transcript stays deterministic.
func (e *Engine) executeBatch(ctx context.Context, guard *loopGuard, calls []providers.ToolCall) []*tools.Result {
	results := make([]*tools.Result, len(calls))
	toolTimeout := time.Duration(e.cfg.Options.ToolTimeoutMs) * time.Millisecond

	var g errgroup.Group
	var serial []int
	for i, call := range calls {
		if !e.registry.IsParallelSafe(call.Name) {
			serial = append(serial, i)
			continue
		}
		i, call := i, call
		g.Go(func() error {
			results[i] = e.executeOne(ctx, guard, call, toolTimeout)
			return nil
		})
	}
	g.Wait()
	for _, i := range serial {
		results[i] = e.executeOne(ctx, guard, calls[i], toolTimeout)
	}
	return results
}

func (e *Engine) executeOne(ctx context.Context, guard *loopGuard, call providers.ToolCall, timeout time.Duration) *tools.Result {
	sig := callSignature(call.Name, call.Arguments)
	if guard.blocked(sig) {
		e.log.Warn("agent.tool_loop_blocked", "tool", call.Name)
		return tools.KindError(tools.KindToolLoopBlocked,
			fmt.Sprintf("%s was already attempted twice with these exact arguments and failed both times. Do not retry it; explain the situation to the user instead.", call.Name))
	}

	start := e.now()
	r := e.registry.Execute(ctx, call.Name, call.Arguments, timeout)
	e.log.Debug("agent.tool_executed", "tool", call.Name, "error", r.IsError,
		"elapsed", e.now().Sub(start).Round(time.Millisecond))

	if r.IsError {
		guard.recordFailure(sig)
	}
	return r
}

func toolMessageContent(r *tools.Result) string {
	if r.IsError {
		kind := r.Kind
		if kind == "" {
			kind = "error"
		}
		return fmt.Sprintf("ERROR (%s): %s", kind, r.ForLLM)
	}
	return r.ForLLM
}

// compactResults clips each result and then the batch total so a noisy
// tool cannot flood the context window.
func compactResults(results []*tools.Result, perMax, totalMax int) {
	total := 0
	for _, r := range results {
		if len(r.ForLLM) > perMax {
			r.ForLLM = r.ForLLM[:perMax] + "\n… (result truncated)"
		}
		total += len(r.ForLLM)
	}
	if total <= totalMax {
		return
	}
	// Over the combined cap: clip the largest results first until the
	// batch fits.
	for total > totalMax {
		largest := 0
		for i := range results {
			if len(results[i].ForLLM) > len(results[largest].ForLLM) {
				largest = i
			}
		}
		r := results[largest]
		if len(r.ForLLM) <= 200 {
			break
		}
		total -= len(r.ForLLM)
		r.ForLLM = r.ForLLM[:len(r.ForLLM)/2] + "\n… (result truncated)"
		total += len(r.ForLLM)
	}
}

// gatherPromptData loads everything the system prompt needs. Store
// failures degrade to empty sections rather than failing the turn.
func (e *Engine) gatherPromptData(ctx context.Context, sc store.Scope, req TurnRequest, lang string, native bool, directive string) promptData {
	d := promptData{
		Cfg:       e.cfg,
		Now:       e.now(),
		Language:  lang,
		Directive: directive,
	}

	if !native {
		d.ToolsText = e.registry.Describe(tools.DescribeOptions{
			MaxExtTools: e.cfg.Options.MaxExtToolsInPrompt,
		})
	}

	if mem, err := e.store.ListMemory(sc); err == nil {
		if len(mem) > memoryLimit {
			mem = mem[:memoryLimit]
		}
		d.Memory = mem
	}

	if req.Source == "user" {
		d.Recalled = e.recall(ctx, sc, req.UserID, req.Message)
	}

	if notes, err := e.store.ListNotes(sc); err == nil {
		d.NoteCount = len(notes)
		for i := 0; i < len(notes) && i < 3; i++ {
			d.NoteTitles = append(d.NoteTitles, notes[i].Title)
		}
	}
	if lists, err := e.store.ListLists(sc); err == nil {
		d.ListCount = len(lists)
		for i := 0; i < len(lists) && i < 3; i++ {
			d.ListTitles = append(d.ListTitles, lists[i].Title)
		}
	}
	if expenses, err := e.store.ListExpenses(sc); err == nil {
		d.ExpenseCount = len(expenses)
	}
	if schedules, err := e.store.ListSchedules(sc); err == nil {
		d.Schedules = schedules
	}
	return d
}

// recall surfaces earlier conversation relevant to the message. With
// smart recall enabled, an LLM scoring pass filters the keyword hits;
// any failure falls back to the keyword order untouched.
func (e *Engine) recall(ctx context.Context, sc store.Scope, userID, message string) []*store.Message {
	hits, err := e.store.SearchConversation(sc, message, recallWindow, recallLimit)
	if err != nil || len(hits) == 0 {
		return nil
	}
	if !e.smartRAG || len(hits) < 2 {
		return hits
	}

	if notice, stopped := e.checkBudget(ctx, userID, "en"); stopped {
		_ = notice
		return hits
	}

	var b strings.Builder
	b.WriteString("Rate how relevant each snippet is to the message, 0-10. Reply with one line per snippet: index: score\n\nMessage: ")
	b.WriteString(message)
	b.WriteString("\n\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "%d: %s\n", i, clip(h.Content, 200))
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := e.provider.Chat(cctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: b.String()}},
		Model:     e.cfg.Model,
		MaxTokens: 200,
	})
	if err != nil {
		return hits
	}
	e.recordSpend(ctx, userID, usageFor(providers.ChatRequest{}, resp))

	scores := parseScores(resp.Content, len(hits))
	if scores == nil {
		return hits
	}
	var kept []*store.Message
	for i, h := range hits {
		if scores[i] >= 5 {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return hits
	}
	return kept
}

// parseScores reads "index: score" lines. Returns nil when nothing
// parseable comes back.
func parseScores(text string, n int) []int {
	scores := make([]int, n)
	found := false
	for _, line := range strings.Split(text, "\n") {
		idxStr, scoreStr, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		idx, err1 := strconv.Atoi(strings.TrimSpace(idxStr))
		score, err2 := strconv.Atoi(strings.TrimSpace(scoreStr))
		if err1 != nil || err2 != nil || idx < 0 || idx >= n {
			continue
		}
		scores[idx] = score
		found = true
	}
	if !found {
		return nil
	}
	return scores
}

func recentUserTexts(history []providers.Message, n int) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].Role == "user" {
			out = append(out, history[i].Content)
		}
	}
	return out
}

// lastAssistantAskedConfirmation scans the three most recent assistant
// messages; the pending question may sit behind a tool notice or a
// follow-up remark.
func lastAssistantAskedConfirmation(history []providers.Message) bool {
	seen := 0
	for i := len(history) - 1; i >= 0 && seen < 3; i-- {
		if history[i].Role != "assistant" {
			continue
		}
		if asksConfirmation(history[i].Content) {
			return true
		}
		seen++
	}
	return false
}

func isOutputLimit(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "max_tokens") ||
		strings.Contains(msg, "output limit") ||
		strings.Contains(msg, "too long")
}

func budgetNotice(lang string, st budget.Status) string {
	if lang == "es" {
		return fmt.Sprintf("He alcanzado el límite de gasto diario (%.2f de %.2f USD). Puedo continuar mañana, o puedes autorizar más gasto para hoy.", st.SpentUSD, st.LimitUSD)
	}
	return fmt.Sprintf("I've hit the daily spend limit (%.2f of %.2f USD). I can continue tomorrow, or you can authorize more spend for today.", st.SpentUSD, st.LimitUSD)
}

func exhaustedNotice(lang string) string {
	if lang == "es" {
		return "No he podido completar la tarea en el número de pasos permitido. Dime si quieres que siga intentándolo."
	}
	return "I couldn't finish the task within the allowed number of steps. Let me know if you want me to keep trying."
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
