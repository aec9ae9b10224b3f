package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/scheduler"
	"github.com/nextlevelbuilder/trellis/internal/store"
)

// AddScheduleTool creates a recurring task. The schedule may be cron or
// one of the supported natural phrases; anything else is rejected with
// the validation error so the model can correct itself.
type AddScheduleTool struct {
	store *store.Store
}

func NewAddScheduleTool(s *store.Store) *AddScheduleTool { return &AddScheduleTool{store: s} }

func (t *AddScheduleTool) Name() string { return "add_schedule" }
func (t *AddScheduleTool) Description() string {
	return "Create a recurring task. Schedule accepts cron (\"0 14 * * *\") or phrases like \"every day at 14:00\", \"monday at 9:00\", \"every 15 minutes\"."
}
func (t *AddScheduleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string", "description": "Short task name"},
			"schedule":    map[string]interface{}{"type": "string", "description": "Cron expression or natural phrase"},
			"instruction": map[string]interface{}{"type": "string", "description": "What the agent should do when the task fires"},
			"timezone":    map[string]interface{}{"type": "string", "description": "IANA timezone for the schedule (default agent timezone)"},
		},
		"required": []string{"name", "schedule", "instruction"},
	}
}

func (t *AddScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	name := strings.TrimSpace(strArg(args, "name"))
	instruction := strings.TrimSpace(strArg(args, "instruction"))
	if name == "" || instruction == "" {
		return KindError(KindInvalidArgs, "name, schedule and instruction are required")
	}

	cron, err := scheduler.NormalizeCron(strArg(args, "schedule"))
	if err != nil {
		return KindError(KindInvalidArgs, fmt.Sprintf("schedule rejected: %v", err))
	}

	task := &store.ScheduledTask{
		Name:        name,
		Cron:        cron,
		Instruction: instruction,
		Enabled:     true,
		Timezone:    strArg(args, "timezone"),
	}
	if err := t.store.SaveSchedule(sc, task); err != nil {
		return ErrorResult(fmt.Sprintf("save schedule: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Scheduled %q (%s), id %s.", name, cron, task.ID))
}

// SetReminderTool creates a one-shot task firing at an absolute time.
type SetReminderTool struct {
	store *store.Store
	now   func() time.Time
}

func NewSetReminderTool(s *store.Store) *SetReminderTool {
	return &SetReminderTool{store: s, now: time.Now}
}

func (t *SetReminderTool) Name() string { return "set_reminder" }
func (t *SetReminderTool) Description() string {
	return "Set a one-time reminder. Time accepts \"2026-04-03 15:00\", \"15:04\" (next occurrence) or \"in 20 minutes\"."
}
func (t *SetReminderTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{"type": "string", "description": "Reminder text"},
			"time":    map[string]interface{}{"type": "string", "description": "When to fire"},
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone used to interpret the time (default server local)",
			},
		},
		"required": []string{"message", "time"},
	}
}

var reInMinutes = regexp.MustCompile(`(?i)^in\s+(\d+)\s+(minute|min|hour)s?$`)

func (t *SetReminderTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	message := strings.TrimSpace(strArg(args, "message"))
	when := strings.TrimSpace(strArg(args, "time"))
	if message == "" || when == "" {
		return KindError(KindInvalidArgs, "message and time are required")
	}

	loc := time.Local
	if tz := strArg(args, "timezone"); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	at, err := t.parseWhen(when, loc)
	if err != nil {
		return KindError(KindInvalidArgs, err.Error())
	}
	if !at.After(t.now()) {
		return KindError(KindInvalidArgs, fmt.Sprintf("time %s is in the past", at.Format(time.RFC3339)))
	}

	task := &store.ScheduledTask{
		Name:        "reminder",
		Instruction: message,
		Enabled:     true,
		OneShot:     true,
		TriggerAt:   &at,
		Timezone:    loc.String(),
	}
	if err := t.store.SaveSchedule(sc, task); err != nil {
		return ErrorResult(fmt.Sprintf("save reminder: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Reminder set for %s (id %s).", at.Format("Mon Jan 2 15:04"), task.ID))
}

func (t *SetReminderTool) parseWhen(when string, loc *time.Location) (time.Time, error) {
	now := t.now().In(loc)

	if m := reInMinutes.FindStringSubmatch(when); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Minute
		if strings.HasPrefix(strings.ToLower(m[2]), "hour") {
			unit = time.Hour
		}
		return now.Add(time.Duration(n) * unit), nil
	}

	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", time.RFC3339} {
		if at, err := time.ParseInLocation(layout, when, loc); err == nil {
			return at, nil
		}
	}

	// Bare clock time: next occurrence today or tomorrow.
	if clock, err := time.ParseInLocation("15:04", when, loc); err == nil {
		at := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", when)
}

// ListSchedulesTool lists scheduled tasks and reminders.
type ListSchedulesTool struct {
	store *store.Store
}

func NewListSchedulesTool(s *store.Store) *ListSchedulesTool { return &ListSchedulesTool{store: s} }

func (t *ListSchedulesTool) Name() string        { return "list_schedules" }
func (t *ListSchedulesTool) Description() string { return "List scheduled tasks and pending reminders." }
func (t *ListSchedulesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *ListSchedulesTool) IsParallelSafe() bool { return true }

func (t *ListSchedulesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	tasks, err := t.store.ListSchedules(sc)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list schedules: %v", err)).WithError(err)
	}
	if len(tasks) == 0 {
		return NewResult("No schedules or reminders.")
	}

	var b strings.Builder
	for _, task := range tasks {
		state := "on"
		if !task.Enabled {
			state = "off"
		}
		if task.TriggerAt != nil {
			fmt.Fprintf(&b, "- [%s] %s at %s (%s): %s\n", task.ID, task.Name, task.TriggerAt.Format("Jan 2 15:04"), state, clip(task.Instruction, 80))
		} else {
			fmt.Fprintf(&b, "- [%s] %s (%s, %s): %s\n", task.ID, task.Name, task.Cron, state, clip(task.Instruction, 80))
		}
	}
	return NewResult(b.String())
}

// RemoveScheduleTool deletes a scheduled task by id.
type RemoveScheduleTool struct {
	store *store.Store
}

func NewRemoveScheduleTool(s *store.Store) *RemoveScheduleTool { return &RemoveScheduleTool{store: s} }

func (t *RemoveScheduleTool) Name() string        { return "remove_schedule" }
func (t *RemoveScheduleTool) Description() string { return "Delete a scheduled task or reminder by id." }
func (t *RemoveScheduleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": "string", "description": "Schedule id"},
		},
		"required": []string{"id"},
	}
}

func (t *RemoveScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	id := strArg(args, "id")
	if id == "" {
		return KindError(KindInvalidArgs, "id is required")
	}
	if err := t.store.DeleteSchedule(sc, id); err != nil {
		return ErrorResult(fmt.Sprintf("remove schedule: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Removed schedule %s.", id))
}

// ToggleScheduleTool flips a schedule's enabled state.
type ToggleScheduleTool struct {
	store *store.Store
}

func NewToggleScheduleTool(s *store.Store) *ToggleScheduleTool { return &ToggleScheduleTool{store: s} }

func (t *ToggleScheduleTool) Name() string        { return "toggle_schedule" }
func (t *ToggleScheduleTool) Description() string { return "Enable or disable a scheduled task by id." }
func (t *ToggleScheduleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":      map[string]interface{}{"type": "string", "description": "Schedule id"},
			"enabled": map[string]interface{}{"type": "boolean", "description": "Target state; omit to flip"},
		},
		"required": []string{"id"},
	}
}

func (t *ToggleScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	sc, err := scopeFromCtx(ctx)
	if err != nil {
		return ErrorResult(err.Error())
	}
	id := strArg(args, "id")
	if id == "" {
		return KindError(KindInvalidArgs, "id is required")
	}
	task, err := t.store.GetSchedule(sc, id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("schedule %s not found", id))
	}
	if enabled, ok := boolArg(args, "enabled"); ok {
		task.Enabled = enabled
	} else {
		task.Enabled = !task.Enabled
	}
	if err := t.store.SaveSchedule(sc, task); err != nil {
		return ErrorResult(fmt.Sprintf("save schedule: %v", err)).WithError(err)
	}
	state := "enabled"
	if !task.Enabled {
		state = "disabled"
	}
	return NewResult(fmt.Sprintf("Schedule %q is now %s.", task.Name, state))
}
