// Package scheduler fires cron and one-shot tasks owned by agents. It
// polls persisted schedules on a fixed tick and hands due tasks to the
// orchestrator for queueing; it never talks to the LLM itself.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// tick is the evaluation interval. Dedup below must be comfortably
// larger than one tick so a minute-granularity cron fires once.
const (
	tick        = 30 * time.Second
	firedWithin = 60 * time.Second
)

// FireFunc receives a due task. The scheduler has already persisted the
// run bookkeeping when this is called.
type FireFunc func(sc store.Scope, task *store.ScheduledTask)

// ScopeLister enumerates the (user, agent) pairs whose schedules are
// live. The orchestrator registry implements this.
type ScopeLister interface {
	ActiveScopes() []store.Scope
}

type Scheduler struct {
	store  *store.Store
	scopes ScopeLister
	fire   FireFunc
	gron   *gronx.Gronx
	now    func() time.Time
}

func New(s *store.Store, scopes ScopeLister, fire FireFunc) *Scheduler {
	return &Scheduler{
		store:  s,
		scopes: scopes,
		fire:   fire,
		gron:   gronx.New(),
		now:    time.Now,
	}
}

// SetClock overrides the scheduler clock. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run evaluates schedules every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep evaluates every schedule of every active scope once.
func (s *Scheduler) Sweep() {
	for _, sc := range s.scopes.ActiveScopes() {
		tasks, err := s.store.ListSchedules(sc)
		if err != nil {
			slog.Error("scheduler.list_failed", "user", sc.UserID, "agent", sc.AgentID, "error", err)
			continue
		}
		// Oldest-created first so long-standing schedules are evaluated
		// before ones added during this sweep's window.
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
		for _, task := range tasks {
			s.evaluate(sc, task)
		}
	}
}

func (s *Scheduler) evaluate(sc store.Scope, task *store.ScheduledTask) {
	if !task.Enabled {
		return
	}
	now := s.now()
	if task.StartAt != nil && now.Before(*task.StartAt) {
		return
	}

	// One-shot: absolute trigger fires once, then the task disables
	// itself so a restart cannot re-fire it.
	if task.TriggerAt != nil {
		if now.Before(*task.TriggerAt) {
			return
		}
		fired := now
		task.LastRun = &fired
		task.Enabled = false
		if err := s.store.SaveSchedule(sc, task); err != nil {
			slog.Error("scheduler.persist_failed", "task", task.ID, "error", err)
			return
		}
		slog.Info("scheduler.fire", "task", task.ID, "name", task.Name, "one_shot", true)
		s.fire(sc, task)
		return
	}

	if task.Cron == "" {
		return
	}
	if task.LastRun != nil && now.Sub(*task.LastRun) < firedWithin {
		return
	}

	// gronx pads 5-field expressions with a seconds segment of "0", so
	// the reference time must sit on the minute boundary or nothing is
	// ever due.
	ref := now.In(taskLocation(task.Timezone)).Truncate(time.Minute)
	due, err := s.gron.IsDue(task.Cron, ref)
	if err != nil {
		slog.Warn("scheduler.bad_cron", "task", task.ID, "cron", task.Cron, "error", err)
		return
	}
	if !due {
		return
	}

	fired := now
	task.LastRun = &fired
	if task.OneShot {
		task.Enabled = false
	}
	if err := s.store.SaveSchedule(sc, task); err != nil {
		slog.Error("scheduler.persist_failed", "task", task.ID, "error", err)
		return
	}
	slog.Info("scheduler.fire", "task", task.ID, "name", task.Name, "cron", task.Cron)
	s.fire(sc, task)
}

// taskLocation resolves the task timezone, falling back to server local
// time for empty or unknown names.
func taskLocation(tz string) *time.Location {
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
