package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for missing or unreadable entities. A corrupt
// entity file is reported as missing; other entities stay readable.
var ErrNotFound = errors.New("entity not found")

// Scope addresses one (user, agent) subtree.
type Scope struct {
	UserID  string
	AgentID string
}

// Store persists entities as one JSON file per id under
// <base>/<user>/<agent>/<kind>/. Writes are atomic (temp file + rename),
// so a successful write appears fully or not at all.
type Store struct {
	base string
	mu   sync.Mutex
	now  func() time.Time
}

func New(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{base: base, now: time.Now}, nil
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) dir(sc Scope, kind string) string {
	return filepath.Join(s.base, sanitizeSegment(sc.UserID), sanitizeSegment(sc.AgentID), kind)
}

func sanitizeSegment(v string) string {
	if v == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// touch fills identity and bumps UpdatedAt, keeping it strictly
// monotonic within the entity even under a coarse clock.
func (s *Store) touch(m *Meta) {
	now := s.now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if !now.After(m.UpdatedAt) {
		now = m.UpdatedAt.Add(time.Millisecond)
	}
	m.UpdatedAt = now
}

func (s *Store) put(sc Scope, kind, id string, v any) error {
	dir := s.dir(sc, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "entity-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, id+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) get(sc Scope, kind, id string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir(sc, kind), id+".json"))
	if err != nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrNotFound
	}
	return nil
}

func (s *Store) remove(sc Scope, kind, id string) error {
	err := os.Remove(filepath.Join(s.dir(sc, kind), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// listEntities loads every readable entity of a kind, skipping corrupt
// files, ordered by UpdatedAt descending.
func listEntities[T any](s *Store, sc Scope, kind string, updatedAt func(*T) time.Time) ([]*T, error) {
	dir := s.dir(sc, kind)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*T
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			continue
		}
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return updatedAt(out[i]).After(updatedAt(out[j]))
	})
	return out, nil
}

// --- Notes ---

func (s *Store) SaveNote(sc Scope, n *Note) error {
	s.mu.Lock()
	s.touch(&n.Meta)
	s.mu.Unlock()
	return s.put(sc, KindNote, n.ID, n)
}

func (s *Store) GetNote(sc Scope, id string) (*Note, error) {
	var n Note
	if err := s.get(sc, KindNote, id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) DeleteNote(sc Scope, id string) error {
	if n, err := s.GetNote(sc, id); err == nil {
		s.pushUndo(sc, "delete_note", KindNote, n)
	}
	return s.remove(sc, KindNote, id)
}

func (s *Store) ListNotes(sc Scope) ([]*Note, error) {
	return listEntities(s, sc, KindNote, func(n *Note) time.Time { return n.UpdatedAt })
}

// --- Lists ---

func (s *Store) SaveList(sc Scope, l *List) error {
	s.mu.Lock()
	s.touch(&l.Meta)
	for i := range l.Items {
		if l.Items[i].ID == "" {
			l.Items[i].ID = uuid.NewString()
		}
	}
	s.mu.Unlock()
	return s.put(sc, KindList, l.ID, l)
}

func (s *Store) GetList(sc Scope, id string) (*List, error) {
	var l List
	if err := s.get(sc, KindList, id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// FindListByTitle matches case-insensitively on the list title.
func (s *Store) FindListByTitle(sc Scope, title string) (*List, error) {
	lists, err := s.ListLists(sc)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(title))
	for _, l := range lists {
		if strings.ToLower(strings.TrimSpace(l.Title)) == want {
			return l, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) DeleteList(sc Scope, id string) error {
	if l, err := s.GetList(sc, id); err == nil {
		s.pushUndo(sc, "delete_list", KindList, l)
	}
	return s.remove(sc, KindList, id)
}

func (s *Store) ListLists(sc Scope) ([]*List, error) {
	return listEntities(s, sc, KindList, func(l *List) time.Time { return l.UpdatedAt })
}

// --- Expenses ---

func (s *Store) SaveExpense(sc Scope, e *Expense) error {
	s.mu.Lock()
	s.touch(&e.Meta)
	if e.Date.IsZero() {
		e.Date = e.CreatedAt
	}
	s.mu.Unlock()
	return s.put(sc, KindExpense, e.ID, e)
}

func (s *Store) ListExpenses(sc Scope) ([]*Expense, error) {
	return listEntities(s, sc, KindExpense, func(e *Expense) time.Time { return e.UpdatedAt })
}

// --- Schedules ---

func (s *Store) SaveSchedule(sc Scope, t *ScheduledTask) error {
	s.mu.Lock()
	s.touch(&t.Meta)
	s.mu.Unlock()
	return s.put(sc, KindSchedule, t.ID, t)
}

func (s *Store) GetSchedule(sc Scope, id string) (*ScheduledTask, error) {
	var t ScheduledTask
	if err := s.get(sc, KindSchedule, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) DeleteSchedule(sc Scope, id string) error {
	return s.remove(sc, KindSchedule, id)
}

func (s *Store) ListSchedules(sc Scope) ([]*ScheduledTask, error) {
	return listEntities(s, sc, KindSchedule, func(t *ScheduledTask) time.Time { return t.UpdatedAt })
}

// --- Working memory ---

func (s *Store) SaveMemory(sc Scope, m *MemoryEntry) error {
	s.mu.Lock()
	s.touch(&m.Meta)
	s.mu.Unlock()
	return s.put(sc, KindMemory, m.ID, m)
}

func (s *Store) ListMemory(sc Scope) ([]*MemoryEntry, error) {
	return listEntities(s, sc, KindMemory, func(m *MemoryEntry) time.Time { return m.UpdatedAt })
}

func (s *Store) DeleteMemory(sc Scope, id string) error {
	return s.remove(sc, KindMemory, id)
}

// --- Conversation log (append-only) ---

func (s *Store) AppendMessage(sc Scope, m *Message) error {
	s.mu.Lock()
	s.touch(&m.Meta)
	s.mu.Unlock()
	return s.put(sc, KindConversation, m.ID, m)
}

// LoadMessages returns up to limit most recent messages in
// chronological order. limit <= 0 loads everything.
func (s *Store) LoadMessages(sc Scope, limit int) ([]*Message, error) {
	msgs, err := listEntities(s, sc, KindConversation, func(m *Message) time.Time { return m.CreatedAt })
	if err != nil {
		return nil, err
	}
	// listEntities sorts newest first; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// --- Location reminders ---

func (s *Store) SaveReminder(sc Scope, r *LocationReminder) error {
	s.mu.Lock()
	s.touch(&r.Meta)
	s.mu.Unlock()
	return s.put(sc, KindReminder, r.ID, r)
}

func (s *Store) ListReminders(sc Scope) ([]*LocationReminder, error) {
	return listEntities(s, sc, KindReminder, func(r *LocationReminder) time.Time { return r.UpdatedAt })
}

// --- Undo history ---

func (s *Store) pushUndo(sc Scope, op, kind string, entity any) {
	snapshot, err := json.Marshal(entity)
	if err != nil {
		return
	}
	rec := &UndoRecord{Operation: op, Kind: kind, Snapshot: snapshot}
	s.mu.Lock()
	s.touch(&rec.Meta)
	s.mu.Unlock()
	_ = s.put(sc, KindUndo, rec.ID, rec)
}

func (s *Store) ListUndo(sc Scope) ([]*UndoRecord, error) {
	return listEntities(s, sc, KindUndo, func(r *UndoRecord) time.Time { return r.UpdatedAt })
}

// --- File records ---

func (s *Store) SaveFileRecord(sc Scope, f *FileRecord) error {
	s.mu.Lock()
	s.touch(&f.Meta)
	s.mu.Unlock()
	return s.put(sc, KindFile, f.ID, f)
}

func (s *Store) ListFileRecords(sc Scope) ([]*FileRecord, error) {
	return listEntities(s, sc, KindFile, func(f *FileRecord) time.Time { return f.UpdatedAt })
}

// --- Subscriptions ---

func (s *Store) SaveSubscription(sc Scope, sub *Subscription) error {
	s.mu.Lock()
	s.touch(&sub.Meta)
	s.mu.Unlock()
	return s.put(sc, KindSubscription, sub.ID, sub)
}

func (s *Store) DeleteSubscription(sc Scope, id string) error {
	return s.remove(sc, KindSubscription, id)
}

func (s *Store) ListSubscriptions(sc Scope) ([]*Subscription, error) {
	return listEntities(s, sc, KindSubscription, func(sub *Subscription) time.Time { return sub.UpdatedAt })
}

// UsersWithAgent lists user ids holding state for the given agent.
func (s *Store) UsersWithAgent(agentID string) ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("scan store dir: %w", err)
	}
	agentSeg := sanitizeSegment(agentID)
	var users []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.base, e.Name(), agentSeg)); err == nil {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}
