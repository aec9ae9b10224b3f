package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// AddExpenseTool records one expense.
type AddExpenseTool struct {
	store *store.Store
}

func NewAddExpenseTool(s *store.Store) *AddExpenseTool { return &AddExpenseTool{store: s} }

func (t *AddExpenseTool) Name() string { return "add_expense" }
func (t *AddExpenseTool) Description() string {
	return "Record an expense with an amount, description and optional category."
}
func (t *AddExpenseTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"amount":      map[string]interface{}{"type": "number", "description": "Amount in euros"},
			"description": map[string]interface{}{"type": "string", "description": "What the money was spent on"},
			"category":    map[string]interface{}{"type": "string", "description": "Optional category, e.g. groceries"},
			"date":        map[string]interface{}{"type": "string", "description": "Optional date YYYY-MM-DD (default today)"},
		},
		"required": []string{"amount", "description"},
	}
}

func (t *AddExpenseTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	amount, ok := floatArg(args, "amount")
	desc := strings.TrimSpace(strArg(args, "description"))
	if !ok || amount <= 0 || desc == "" {
		return KindError(KindInvalidArgs, "a positive amount and a description are required")
	}

	e := &store.Expense{Description: desc, AmountEUR: amount, Category: strArg(args, "category")}
	if d := strArg(args, "date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			return KindError(KindInvalidArgs, fmt.Sprintf("date %q is not YYYY-MM-DD", d))
		}
		e.Date = parsed
	}
	if err := t.store.SaveExpense(sc, e); err != nil {
		return ErrorResult(fmt.Sprintf("save expense: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Recorded %.2f EUR for %q.", amount, desc))
}

// ListExpensesTool summarizes recorded spend over a recent window.
type ListExpensesTool struct {
	store *store.Store
}

func NewListExpensesTool(s *store.Store) *ListExpensesTool { return &ListExpensesTool{store: s} }

func (t *ListExpensesTool) Name() string { return "list_expenses" }
func (t *ListExpensesTool) Description() string {
	return "List recent expenses with a per-category total. Days defaults to 30."
}
func (t *ListExpensesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"days": map[string]interface{}{"type": "number", "description": "Look-back window in days"},
		},
	}
}
func (t *ListExpensesTool) IsParallelSafe() bool { return true }

func (t *ListExpensesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	days, ok := intArg(args, "days")
	if !ok || days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	all, err := t.store.ListExpenses(sc)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list expenses: %v", err)).WithError(err)
	}

	var total float64
	byCategory := make(map[string]float64)
	var b strings.Builder
	count := 0
	for _, e := range all {
		if e.Date.Before(cutoff) {
			continue
		}
		count++
		total += e.AmountEUR
		cat := e.Category
		if cat == "" {
			cat = "uncategorized"
		}
		byCategory[cat] += e.AmountEUR
		fmt.Fprintf(&b, "- %s: %.2f EUR (%s)\n", e.Description, e.AmountEUR, e.Date.Format("2006-01-02"))
	}
	if count == 0 {
		return NewResult(fmt.Sprintf("No expenses in the last %d days.", days))
	}

	fmt.Fprintf(&b, "\nTotal: %.2f EUR over %d expense(s).\n", total, count)
	for cat, sum := range byCategory {
		fmt.Fprintf(&b, "  %s: %.2f EUR\n", cat, sum)
	}
	return NewResult(b.String())
}
