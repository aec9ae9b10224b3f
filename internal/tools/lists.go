package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// AddToListTool appends items to a named list, creating it on first use.
type AddToListTool struct {
	store *store.Store
}

func NewAddToListTool(s *store.Store) *AddToListTool { return &AddToListTool{store: s} }

func (t *AddToListTool) Name() string { return "add_to_list" }
func (t *AddToListTool) Description() string {
	return "Add one or more items to a named list. The list is created if it does not exist."
}
func (t *AddToListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"list": map[string]interface{}{"type": "string", "description": "List name, e.g. \"shopping\""},
			"items": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Items to add",
			},
		},
		"required": []string{"list", "items"},
	}
}

func (t *AddToListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	title := strings.TrimSpace(strArg(args, "list"))
	items := strSliceArg(args, "items")
	if title == "" || len(items) == 0 {
		return KindError(KindInvalidArgs, "list and items are required")
	}

	l, err := t.store.FindListByTitle(sc, title)
	if err != nil {
		l = &store.List{Title: title}
	}
	for _, text := range items {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		l.Items = append(l.Items, store.ListItem{Text: text})
	}
	if err := t.store.SaveList(sc, l); err != nil {
		return ErrorResult(fmt.Sprintf("save list: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Added %d item(s) to %q (%d total).", len(items), l.Title, len(l.Items)))
}

// ShowListTool renders a list with item states.
type ShowListTool struct {
	store *store.Store
}

func NewShowListTool(s *store.Store) *ShowListTool { return &ShowListTool{store: s} }

func (t *ShowListTool) Name() string        { return "show_list" }
func (t *ShowListTool) Description() string { return "Show a named list, or all lists when no name given." }
func (t *ShowListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"list": map[string]interface{}{"type": "string", "description": "List name"},
		},
	}
}
func (t *ShowListTool) IsParallelSafe() bool { return true }

func (t *ShowListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}

	title := strings.TrimSpace(strArg(args, "list"))
	if title == "" {
		lists, err := t.store.ListLists(sc)
		if err != nil {
			return ErrorResult(fmt.Sprintf("list lists: %v", err)).WithError(err)
		}
		if len(lists) == 0 {
			return NewResult("No lists yet.")
		}
		var b strings.Builder
		for _, l := range lists {
			fmt.Fprintf(&b, "- %s (%d items)\n", l.Title, len(l.Items))
		}
		return NewResult(b.String())
	}

	l, err := t.store.FindListByTitle(sc, title)
	if err != nil {
		return NewResult(fmt.Sprintf("No list named %q.", title))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", l.Title)
	for _, item := range l.Items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s (id %s)\n", mark, item.Text, item.ID)
	}
	return NewResult(b.String())
}

// CheckListItemTool toggles an item's done state by id or text match.
type CheckListItemTool struct {
	store *store.Store
}

func NewCheckListItemTool(s *store.Store) *CheckListItemTool { return &CheckListItemTool{store: s} }

func (t *CheckListItemTool) Name() string { return "check_list_item" }
func (t *CheckListItemTool) Description() string {
	return "Mark a list item done or not done, matched by item id or text."
}
func (t *CheckListItemTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"list": map[string]interface{}{"type": "string", "description": "List name"},
			"item": map[string]interface{}{"type": "string", "description": "Item id or text"},
			"done": map[string]interface{}{"type": "boolean", "description": "Target state (default true)"},
		},
		"required": []string{"list", "item"},
	}
}

func (t *CheckListItemTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	title := strArg(args, "list")
	ref := strings.TrimSpace(strArg(args, "item"))
	if title == "" || ref == "" {
		return KindError(KindInvalidArgs, "list and item are required")
	}
	done, ok := boolArg(args, "done")
	if !ok {
		done = true
	}

	l, err := t.store.FindListByTitle(sc, title)
	if err != nil {
		return NewResult(fmt.Sprintf("No list named %q.", title))
	}
	for i := range l.Items {
		if l.Items[i].ID == ref || strings.EqualFold(l.Items[i].Text, ref) {
			l.Items[i].Done = done
			if err := t.store.SaveList(sc, l); err != nil {
				return ErrorResult(fmt.Sprintf("save list: %v", err)).WithError(err)
			}
			state := "done"
			if !done {
				state = "not done"
			}
			return NewResult(fmt.Sprintf("Marked %q as %s.", l.Items[i].Text, state))
		}
	}
	return NewResult(fmt.Sprintf("No item %q in %q.", ref, l.Title))
}

// RemoveFromListTool deletes items or whole lists, with undo snapshots.
type RemoveFromListTool struct {
	store *store.Store
}

func NewRemoveFromListTool(s *store.Store) *RemoveFromListTool { return &RemoveFromListTool{store: s} }

func (t *RemoveFromListTool) Name() string { return "remove_from_list" }
func (t *RemoveFromListTool) Description() string {
	return "Remove an item from a list, or delete the whole list when no item given."
}
func (t *RemoveFromListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"list": map[string]interface{}{"type": "string", "description": "List name"},
			"item": map[string]interface{}{"type": "string", "description": "Item id or text; omit to delete the list"},
		},
		"required": []string{"list"},
	}
}

func (t *RemoveFromListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	title := strArg(args, "list")
	if title == "" {
		return KindError(KindInvalidArgs, "list is required")
	}

	l, err := t.store.FindListByTitle(sc, title)
	if err != nil {
		return NewResult(fmt.Sprintf("No list named %q.", title))
	}

	ref := strings.TrimSpace(strArg(args, "item"))
	if ref == "" {
		if err := t.store.DeleteList(sc, l.ID); err != nil {
			return ErrorResult(fmt.Sprintf("delete list: %v", err)).WithError(err)
		}
		return NewResult(fmt.Sprintf("Deleted list %q.", l.Title))
	}

	for i := range l.Items {
		if l.Items[i].ID == ref || strings.EqualFold(l.Items[i].Text, ref) {
			removed := l.Items[i].Text
			l.Items = append(l.Items[:i], l.Items[i+1:]...)
			if err := t.store.SaveList(sc, l); err != nil {
				return ErrorResult(fmt.Sprintf("save list: %v", err)).WithError(err)
			}
			return NewResult(fmt.Sprintf("Removed %q from %q.", removed, l.Title))
		}
	}
	return NewResult(fmt.Sprintf("No item %q in %q.", ref, l.Title))
}
