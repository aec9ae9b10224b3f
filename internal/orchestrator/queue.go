package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// Entry is one queued unit of work for an agent.
type Entry struct {
	ID         string
	Source     string // "user", "scheduler", "webhook", "event"
	UserID     string
	Message    string
	ChatID     string
	Channel    string
	Task       *store.ScheduledTask // set for scheduler entries
	EnqueuedAt time.Time
}

func (e *Entry) isUser() bool { return e.Source == "user" }

// queue orders work for one agent. User entries go after existing user
// entries but ahead of any background entry, so a waiting person is
// never stuck behind a batch of webhook work.
type queue struct {
	mu      sync.Mutex
	entries []*Entry
	wake    chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(e *Entry) {
	q.mu.Lock()
	if e.isUser() {
		pos := len(q.entries)
		for i, existing := range q.entries {
			if !existing.isUser() {
				pos = i
				break
			}
		}
		q.entries = append(q.entries, nil)
		copy(q.entries[pos+1:], q.entries[pos:])
		q.entries[pos] = e
	} else {
		q.entries = append(q.entries, e)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}

// popUserFor takes the next entry only if it is a user message for the
// same chat. Used to coalesce bursts typed while the delay ran.
func (q *queue) popUserFor(chatID string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	if !e.isUser() || e.ChatID != chatID {
		return nil
	}
	q.entries = q.entries[1:]
	return e
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// waitPop blocks until an entry is available or ctx is done.
func (q *queue) waitPop(ctx context.Context) *Entry {
	for {
		if e := q.pop(); e != nil {
			return e
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}
