// Package agent is the background scheduling agent: it owns the heap of
// pending fire instants and raises triggers when they come due.
package agent

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/metrics"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/recurrence"
	"github.com/joescharf/wake/internal/store"
)

// Store is the subset of store.Store the agent reads its schedule from.
type Store interface {
	GetAlarm(ctx context.Context, id string) (*models.AlarmDefinition, error)
	ListAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error)
	ListSessions(ctx context.Context, userID string, states ...models.SessionState) ([]*models.AlarmSession, error)
	MarkFired(ctx context.Context, id string, at time.Time) error
}

// Trigger is raised when a heap entry comes due.
type Trigger struct {
	Kind      Kind
	AlarmID   string
	SessionID string // snooze wakes only
	FireAt    time.Time
}

// Handler receives triggers. It is called from the agent goroutine without
// the heap lock held.
type Handler func(ctx context.Context, t Trigger)

// Entry is a read-only view of a heap entry.
type Entry struct {
	Kind      Kind      `json:"kind"`
	AlarmID   string    `json:"alarm_id"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Config configures an Agent.
type Config struct {
	UserID         string
	RescanInterval time.Duration
	// OnRescan runs after every periodic rescan, from the agent goroutine.
	OnRescan       func(ctx context.Context)
	Clock          clockwork.Clock
	Logger         zerolog.Logger
}

// Agent maintains at most one ScheduledOccurrence per definition plus one
// wake-up per snoozed session.
type Agent struct {
	store    Store
	handler  Handler
	userID   string
	rescan   time.Duration
	onRescan func(ctx context.Context)
	clock    clockwork.Clock
	log      zerolog.Logger

	// schedMu orders schedule writers. Each reads the store and applies the
	// result under it, so a rebuild from an older read never lands last.
	schedMu sync.Mutex

	mu       sync.Mutex
	heap     entryHeap
	byAlarm  map[string]*entry
	bySnooze map[string]*entry

	wake chan struct{}
}

// New creates an agent. Call Run (or Resume and FireDue) to drive it.
func New(s Store, handler Handler, cfg Config) *Agent {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Agent{
		store:    s,
		handler:  handler,
		userID:   cfg.UserID,
		rescan:   cfg.RescanInterval,
		onRescan: cfg.OnRescan,
		clock:    clock,
		log:      cfg.Logger,
		byAlarm:  make(map[string]*entry),
		bySnooze: make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// Wake nudges the run loop to re-evaluate the heap.
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Resume throws the heap away and recomputes every occurrence and snooze
// wake-up from the store. Instants that passed while the agent was not
// running are kept and fire on the next FireDue.
func (a *Agent) Resume(ctx context.Context) error {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	defs, err := a.store.ListAlarms(ctx, a.userID)
	if err != nil {
		return fmt.Errorf("load alarms: %w", err)
	}
	snoozed, err := a.store.ListSessions(ctx, a.userID, models.SessionStateSnoozed)
	if err != nil {
		return fmt.Errorf("load snoozed sessions: %w", err)
	}
	now := a.clock.Now()

	a.mu.Lock()
	a.heap = a.heap[:0]
	clear(a.byAlarm)
	clear(a.bySnooze)

	for _, def := range defs {
		ref := def.UpdatedAt
		if def.LastFiredAt != nil && def.LastFiredAt.After(ref) {
			ref = *def.LastFiredAt
		}
		at, ok, err := recurrence.Resolve(def, ref)
		if err != nil {
			a.log.Warn().Err(err).Str("alarm_id", def.ID).Msg("alarm cannot be scheduled")
			continue
		}
		if !ok {
			continue
		}
		a.pushLocked(&entry{kind: KindOccurrence, alarmID: def.ID, at: at, def: def.Clone()})
	}

	for _, s := range snoozed {
		at := now
		if s.SnoozedUntil != nil {
			at = *s.SnoozedUntil
		}
		a.pushLocked(&entry{kind: KindSnooze, alarmID: s.AlarmID, sessionID: s.ID, at: at})
	}
	n := len(a.heap)
	a.mu.Unlock()

	metrics.ScheduledOccurrences.Set(float64(n))
	a.log.Debug().Int("entries", n).Msg("schedule recomputed")
	a.Wake()
	return nil
}

// Reschedule replaces the occurrence for one alarm after its definition
// changed. The next instant is computed relative to now, so an edit never
// touches the deadline of a session that is already ringing.
func (a *Agent) Reschedule(ctx context.Context, alarmID string) error {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	def, err := a.store.GetAlarm(ctx, alarmID)
	if errors.Is(err, store.ErrNotFound) {
		a.cancel(alarmID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load alarm: %w", err)
	}

	at, ok, rerr := recurrence.Resolve(def, a.clock.Now())

	a.mu.Lock()
	a.removeLocked(a.byAlarm[alarmID])
	if ok {
		a.pushLocked(&entry{kind: KindOccurrence, alarmID: def.ID, at: at, def: def.Clone()})
	}
	n := len(a.heap)
	a.mu.Unlock()

	metrics.ScheduledOccurrences.Set(float64(n))
	a.Wake()
	if rerr != nil {
		return rerr
	}
	return nil
}

// Cancel drops the pending occurrence for alarmID. It reports whether one
// was queued.
func (a *Agent) Cancel(alarmID string) bool {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	return a.cancel(alarmID)
}

func (a *Agent) cancel(alarmID string) bool {
	a.mu.Lock()
	e := a.byAlarm[alarmID]
	a.removeLocked(e)
	n := len(a.heap)
	a.mu.Unlock()

	metrics.ScheduledOccurrences.Set(float64(n))
	return e != nil
}

// ScheduleSnooze arms (or re-arms) the wake-up of a snoozed session.
func (a *Agent) ScheduleSnooze(sessionID, alarmID string, at time.Time) {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	a.mu.Lock()
	a.removeLocked(a.bySnooze[sessionID])
	a.pushLocked(&entry{kind: KindSnooze, alarmID: alarmID, sessionID: sessionID, at: at})
	n := len(a.heap)
	a.mu.Unlock()

	metrics.ScheduledOccurrences.Set(float64(n))
	a.Wake()
}

// CancelSnooze drops a session's wake-up, if any.
func (a *Agent) CancelSnooze(sessionID string) {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	a.mu.Lock()
	a.removeLocked(a.bySnooze[sessionID])
	n := len(a.heap)
	a.mu.Unlock()

	metrics.ScheduledOccurrences.Set(float64(n))
}

// FireDue pops every entry due at now, queues the next occurrence for each
// fired definition, and then hands the triggers to the handler. It returns
// the number of triggers raised.
func (a *Agent) FireDue(ctx context.Context, now time.Time) int {
	due := a.popDue(ctx, now)

	for _, t := range due {
		metrics.TriggersTotal.WithLabelValues(string(t.Kind)).Inc()
		a.log.Info().
			Str("alarm_id", t.AlarmID).
			Str("session_id", t.SessionID).
			Str("kind", string(t.Kind)).
			Time("fire_at", t.FireAt).
			Msg("trigger")
		if a.handler != nil {
			a.handler(ctx, t)
		}
	}
	return len(due)
}

// popDue takes the due entries off the heap and checkpoints the fired
// occurrences before another schedule writer can read the store.
func (a *Agent) popDue(ctx context.Context, now time.Time) []Trigger {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	var due []Trigger
	a.mu.Lock()
	for len(a.heap) > 0 && !a.heap[0].at.After(now) {
		e := heap.Pop(&a.heap).(*entry)
		switch e.kind {
		case KindOccurrence:
			delete(a.byAlarm, e.alarmID)
			// Relative to max(at, now): a long outage fires once, not once
			// per missed instant.
			ref := e.at
			if now.After(ref) {
				ref = now
			}
			if next, ok := recurrence.NextFireInstant(e.def, ref); ok {
				a.pushLocked(&entry{kind: KindOccurrence, alarmID: e.alarmID, at: next, def: e.def})
			}
		case KindSnooze:
			delete(a.bySnooze, e.sessionID)
		}
		due = append(due, Trigger{Kind: e.kind, AlarmID: e.alarmID, SessionID: e.sessionID, FireAt: e.at})
	}
	n := len(a.heap)
	a.mu.Unlock()

	metrics.ScheduledOccurrences.Set(float64(n))

	for _, t := range due {
		if t.Kind != KindOccurrence {
			continue
		}
		if err := a.store.MarkFired(ctx, t.AlarmID, t.FireAt); err != nil {
			a.log.Warn().Err(err).Str("alarm_id", t.AlarmID).Msg("checkpoint failed")
		}
	}
	return due
}

// Pending returns the heap contents in fire order.
func (a *Agent) Pending() []Entry {
	a.mu.Lock()
	out := make([]Entry, 0, len(a.heap))
	for _, e := range a.heap {
		out = append(out, Entry{Kind: e.kind, AlarmID: e.alarmID, SessionID: e.sessionID, At: e.at})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Len returns the number of heap entries.
func (a *Agent) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.heap)
}

// Next returns the nearest pending instant.
func (a *Agent) Next() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.heap) == 0 {
		return time.Time{}, false
	}
	return a.heap[0].at, true
}

// Run resumes the schedule and then loops: fire what is due, sleep until the
// next instant or a wake signal, repeat. A periodic rescan picks up
// definitions and sessions written by other processes sharing the store.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Resume(ctx); err != nil {
		return err
	}

	var rescan <-chan time.Time
	if a.rescan > 0 {
		ticker := a.clock.NewTicker(a.rescan)
		defer ticker.Stop()
		rescan = ticker.Chan()
	}

	a.log.Info().Int("entries", a.Len()).Msg("scheduling agent started")
	for {
		a.FireDue(ctx, a.clock.Now())

		var timer clockwork.Timer
		var timerC <-chan time.Time
		if next, ok := a.Next(); ok {
			timer = a.clock.NewTimer(next.Sub(a.clock.Now()))
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			a.log.Info().Msg("scheduling agent stopped")
			return nil
		case <-timerC:
		case <-a.wake:
		case <-rescan:
			if err := a.Resume(ctx); err != nil {
				a.log.Error().Err(err).Msg("rescan failed")
			}
			if a.onRescan != nil {
				a.onRescan(ctx)
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (a *Agent) pushLocked(e *entry) {
	heap.Push(&a.heap, e)
	switch e.kind {
	case KindOccurrence:
		a.byAlarm[e.alarmID] = e
	case KindSnooze:
		a.bySnooze[e.sessionID] = e
	}
}

func (a *Agent) removeLocked(e *entry) {
	if e == nil {
		return
	}
	if e.index >= 0 {
		heap.Remove(&a.heap, e.index)
	}
	switch e.kind {
	case KindOccurrence:
		delete(a.byAlarm, e.alarmID)
	case KindSnooze:
		delete(a.bySnooze, e.sessionID)
	}
}
