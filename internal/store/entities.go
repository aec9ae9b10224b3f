package store

import "time"

// Entity kinds map to subfolders under the per-(user,agent) subtree.
const (
	KindNote         = "notes"
	KindList         = "lists"
	KindExpense      = "expenses"
	KindSchedule     = "schedules"
	KindMemory       = "memory"
	KindConversation = "conversation"
	KindReminder     = "reminders"
	KindUndo         = "undo"
	KindFile         = "files"
	KindSubscription = "subscriptions"
)

// Meta is the shared identity block embedded in every entity.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Note is a titled, tagged text note.
type Note struct {
	Meta
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// List is a named list of items (shopping list, todo, ...).
type List struct {
	Meta
	Title string     `json:"title"`
	Items []ListItem `json:"items"`
}

// ListItem is one entry in a List.
type ListItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done,omitempty"`
}

// Expense is one tracked expense.
type Expense struct {
	Meta
	Description string    `json:"description"`
	AmountEUR   float64   `json:"amount"`
	Category    string    `json:"category,omitempty"`
	Date        time.Time `json:"date"`
}

// ScheduledTask is a cron or absolute-timestamp trigger owned by an agent.
type ScheduledTask struct {
	Meta
	Name        string     `json:"name"`
	Cron        string     `json:"cron,omitempty"`
	Instruction string     `json:"instruction"`
	Enabled     bool       `json:"enabled"`
	StartAt     *time.Time `json:"startAt,omitempty"`
	TriggerAt   *time.Time `json:"triggerAt,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
	OneShot     bool       `json:"oneShot,omitempty"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
}

// MemoryEntry is one persisted working-memory item.
type MemoryEntry struct {
	Meta
	Content string `json:"content"`
}

// Message is one conversation log entry. The log is append-only.
type Message struct {
	Meta
	Role    string `json:"role"` // user, assistant, system, tool_result
	Content string `json:"content"`
	Source  string `json:"source,omitempty"` // originating channel
}

// LocationReminder fires when the user enters a named place.
type LocationReminder struct {
	Meta
	Place   string `json:"place"`
	Message string `json:"message"`
	Fired   bool   `json:"fired,omitempty"`
}

// UndoRecord captures the prior state of a destructive operation.
type UndoRecord struct {
	Meta
	Operation string `json:"operation"` // e.g. "delete_note", "remove_list_item"
	Kind      string `json:"kind"`
	Snapshot  []byte `json:"snapshot"` // JSON of the entity before the change
}

// FileRecord tracks a file the agent downloaded or produced.
type FileRecord struct {
	Meta
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
}

// Subscription is a persisted event-router subscription.
type Subscription struct {
	Meta
	EventPattern    string     `json:"eventPattern"`
	Type            string     `json:"type"` // webhook, poll, keyword, entity_state, custom
	Enabled         bool       `json:"enabled"`
	Instruction     string     `json:"instruction"`
	Keyword         string     `json:"keyword,omitempty"`
	PollTarget      string     `json:"pollTarget,omitempty"`
	PollIntervalSec int        `json:"pollIntervalSec,omitempty"`
	TargetEntityID  string     `json:"targetEntityId,omitempty"`
	TargetState     string     `json:"targetState,omitempty"`
	CooldownMinutes int        `json:"cooldownMinutes,omitempty"`
	LastFiredAt     *time.Time `json:"lastFiredAt,omitempty"`
	FireCount       int        `json:"fireCount,omitempty"`
}
