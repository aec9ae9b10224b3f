package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// RememberTool stores one working-memory fact.
type RememberTool struct {
	store *store.Store
}

func NewRememberTool(s *store.Store) *RememberTool { return &RememberTool{store: s} }

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Store a fact about the user or an ongoing task for later conversations."
}
func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"fact": map[string]interface{}{"type": "string", "description": "The fact to remember"},
		},
		"required": []string{"fact"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	fact := strings.TrimSpace(strArg(args, "fact"))
	if fact == "" {
		return KindError(KindInvalidArgs, "fact is required")
	}
	m := &store.MemoryEntry{Content: fact}
	if err := t.store.SaveMemory(sc, m); err != nil {
		return ErrorResult(fmt.Sprintf("save memory: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Remembered (id %s).", m.ID))
}

// RecallTool searches past conversation turns for relevant context.
type RecallTool struct {
	store *store.Store
}

func NewRecallTool(s *store.Store) *RecallTool { return &RecallTool{store: s} }

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Description() string {
	return "Search earlier conversation history for messages related to a topic."
}
func (t *RecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"topic": map[string]interface{}{"type": "string", "description": "What to look for"},
			"limit": map[string]interface{}{"type": "number", "description": "Max messages (default 6)"},
		},
		"required": []string{"topic"},
	}
}
func (t *RecallTool) IsParallelSafe() bool { return true }

func (t *RecallTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	topic := strArg(args, "topic")
	if strings.TrimSpace(topic) == "" {
		return KindError(KindInvalidArgs, "topic is required")
	}
	limit, ok := intArg(args, "limit")
	if !ok || limit <= 0 {
		limit = 6
	}

	msgs, err := t.store.SearchConversation(sc, topic, 0, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search conversation: %v", err)).WithError(err)
	}
	if len(msgs) == 0 {
		return NewResult("Nothing relevant in earlier conversation.")
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s %s] %s\n", m.CreatedAt.Format("Jan 2 15:04"), m.Role, clip(m.Content, 300))
	}
	return NewResult(b.String())
}

// ForgetTool deletes a stored memory entry.
type ForgetTool struct {
	store *store.Store
}

func NewForgetTool(s *store.Store) *ForgetTool { return &ForgetTool{store: s} }

func (t *ForgetTool) Name() string        { return "forget" }
func (t *ForgetTool) Description() string { return "Delete a remembered fact by id." }
func (t *ForgetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": "string", "description": "Memory entry id"},
		},
		"required": []string{"id"},
	}
}

func (t *ForgetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	id := strArg(args, "id")
	if id == "" {
		return KindError(KindInvalidArgs, "id is required")
	}
	if err := t.store.DeleteMemory(sc, id); err != nil {
		return ErrorResult(fmt.Sprintf("forget: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Forgot entry %s.", id))
}
