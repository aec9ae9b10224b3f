package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// SaveNoteTool persists a titled note.
type SaveNoteTool struct {
	store *store.Store
}

func NewSaveNoteTool(s *store.Store) *SaveNoteTool { return &SaveNoteTool{store: s} }

func (t *SaveNoteTool) Name() string { return "save_note" }
func (t *SaveNoteTool) Description() string {
	return "Save a note with a title, content and optional tags. Pass an existing id to update."
}
func (t *SaveNoteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title":   map[string]interface{}{"type": "string", "description": "Short note title"},
			"content": map[string]interface{}{"type": "string", "description": "Note body"},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional tags for retrieval",
			},
			"id": map[string]interface{}{"type": "string", "description": "Existing note id to update"},
		},
		"required": []string{"title", "content"},
	}
}

func (t *SaveNoteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	title := strings.TrimSpace(strArg(args, "title"))
	content := strArg(args, "content")
	if title == "" || content == "" {
		return KindError(KindInvalidArgs, "title and content are required")
	}

	n := &store.Note{Title: title, Content: content, Tags: strSliceArg(args, "tags")}
	if id := strArg(args, "id"); id != "" {
		existing, err := t.store.GetNote(sc, id)
		if err != nil {
			return ErrorResult(fmt.Sprintf("note %s not found", id))
		}
		n.Meta = existing.Meta
	}
	if err := t.store.SaveNote(sc, n); err != nil {
		return ErrorResult(fmt.Sprintf("save note: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Saved note %q (id %s)", n.Title, n.ID))
}

// FindNotesTool runs the ranked note search.
type FindNotesTool struct {
	store *store.Store
}

func NewFindNotesTool(s *store.Store) *FindNotesTool { return &FindNotesTool{store: s} }

func (t *FindNotesTool) Name() string { return "find_notes" }
func (t *FindNotesTool) Description() string {
	return "Search saved notes by title, tags and content. Returns best matches first."
}
func (t *FindNotesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "Search text"},
			"limit": map[string]interface{}{"type": "number", "description": "Max results (default 5)"},
		},
		"required": []string{"query"},
	}
}
func (t *FindNotesTool) IsParallelSafe() bool { return true }

func (t *FindNotesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	query := strArg(args, "query")
	if strings.TrimSpace(query) == "" {
		return KindError(KindInvalidArgs, "query is required")
	}
	limit, ok := intArg(args, "limit")
	if !ok || limit <= 0 {
		limit = 5
	}

	notes, err := t.store.SearchNotes(sc, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search notes: %v", err)).WithError(err)
	}
	if len(notes) == 0 {
		return NewResult("No notes matched.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d note(s):\n", len(notes))
	for _, n := range notes {
		fmt.Fprintf(&b, "- [%s] %s", n.ID, n.Title)
		if len(n.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(n.Tags, ", "))
		}
		fmt.Fprintf(&b, ": %s\n", clip(n.Content, 200))
	}
	return NewResult(b.String())
}

// ListNotesTool lists notes newest first.
type ListNotesTool struct {
	store *store.Store
}

func NewListNotesTool(s *store.Store) *ListNotesTool { return &ListNotesTool{store: s} }

func (t *ListNotesTool) Name() string        { return "list_notes" }
func (t *ListNotesTool) Description() string { return "List saved notes, most recently updated first." }
func (t *ListNotesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{"type": "number", "description": "Max notes to list (default 10)"},
		},
	}
}
func (t *ListNotesTool) IsParallelSafe() bool { return true }

func (t *ListNotesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	notes, err := t.store.ListNotes(sc)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list notes: %v", err)).WithError(err)
	}
	if len(notes) == 0 {
		return NewResult("No notes saved yet.")
	}
	limit, ok := intArg(args, "limit")
	if !ok || limit <= 0 {
		limit = 10
	}
	if len(notes) > limit {
		notes = notes[:limit]
	}

	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", n.ID, n.Title, n.UpdatedAt.Format("2006-01-02"))
	}
	return NewResult(b.String())
}

// DeleteNoteTool removes a note, keeping an undo snapshot.
type DeleteNoteTool struct {
	store *store.Store
}

func NewDeleteNoteTool(s *store.Store) *DeleteNoteTool { return &DeleteNoteTool{store: s} }

func (t *DeleteNoteTool) Name() string        { return "delete_note" }
func (t *DeleteNoteTool) Description() string { return "Delete a note by id." }
func (t *DeleteNoteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": "string", "description": "Note id"},
		},
		"required": []string{"id"},
	}
}

func (t *DeleteNoteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	id := strArg(args, "id")
	if id == "" {
		return KindError(KindInvalidArgs, "id is required")
	}
	if err := t.store.DeleteNote(sc, id); err != nil {
		return ErrorResult(fmt.Sprintf("delete note: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Deleted note %s.", id))
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
