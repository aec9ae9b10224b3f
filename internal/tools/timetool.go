package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current time, optionally in a timezone.
type CurrentTimeTool struct {
	now func() time.Time
}

func NewCurrentTimeTool() *CurrentTimeTool { return &CurrentTimeTool{now: time.Now} }

func (t *CurrentTimeTool) Name() string        { return "current_time" }
func (t *CurrentTimeTool) Description() string { return "Get the current date and time." }
func (t *CurrentTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{"type": "string", "description": "IANA timezone (default server local)"},
		},
	}
}
func (t *CurrentTimeTool) IsParallelSafe() bool { return true }

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	loc := time.Local
	if tz := strArg(args, "timezone"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return KindError(KindInvalidArgs, fmt.Sprintf("unknown timezone %q", tz))
		}
		loc = l
	}
	return NewResult(t.now().In(loc).Format("Monday, January 2 2006 15:04 MST"))
}
