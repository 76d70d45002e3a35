// Package sessions is the alarm session state machine. The Manager is the
// only writer of AlarmSession state; everything else requests transitions.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/metrics"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/store"
)

// Store is the subset of store.Store needed for session transitions.
type Store interface {
	GetAlarm(ctx context.Context, id string) (*models.AlarmDefinition, error)
	GetSession(ctx context.Context, id string) (*models.AlarmSession, error)
	PutSession(ctx context.Context, s *models.AlarmSession) error
	ListSessions(ctx context.Context, userID string, states ...models.SessionState) ([]*models.AlarmSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Outcome classifies the result of a transition request.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons.
const (
	ReasonSnoozeLimit    = "snooze_limit_reached"
	ReasonSnoozeDisabled = "snooze_disabled"
)

// Result is returned by every transition request. Expected conditions (a
// repeated request, an exhausted snooze budget) are results, not errors.
type Result struct {
	Session *models.AlarmSession `json:"session"`
	Outcome Outcome              `json:"outcome"`
	Reason  string               `json:"reason,omitempty"`
}

// Err converts a rejected result into a TRANSITION_REJECTED error for
// surfaces that report failures as errors. It is nil otherwise.
func (r *Result) Err() error {
	if r.Outcome != OutcomeRejected {
		return nil
	}
	id := ""
	if r.Session != nil {
		id = r.Session.ID
	}
	return alarmerr.TransitionRejected(id, r.Reason)
}

// Change describes an accepted transition to observers.
type Change struct {
	Event   models.TransitionEvent
	Session *models.AlarmSession
	// Local is true when this context performed the transition, false when it
	// adopted a snapshot from another context.
	Local bool
	// Superseded is set when the session was discarded because a newer firing
	// of the same alarm replaced it. Event is zero in that case.
	Superseded bool
}

// Observer is notified after a change has been persisted.
type Observer func(ctx context.Context, c Change)

// Manager serializes transitions for one context.
type Manager struct {
	store  Store
	userID string
	origin string
	clock  clockwork.Clock
	log    zerolog.Logger

	mu        sync.Mutex
	observers []Observer
	// seen is the last state of each session this manager wrote or reported,
	// nil until the first Rescan.
	seen      map[string]seenSession
}

type seenSession struct {
	alarmID string
	counter int64
	state   models.SessionState
}

// NewManager creates a session manager for userID acting as context origin.
func NewManager(s Store, userID, origin string, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{store: s, userID: userID, origin: origin, clock: clock, log: logger}
}

// Observe registers an observer. Observers run synchronously, in order,
// after the transition is persisted.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Origin returns the context id stamped on local transitions.
func (m *Manager) Origin() string { return m.origin }

// Trigger starts a ringing session for a due occurrence. The definition is
// re-read first: if it was disabled or deleted after the occurrence was
// scheduled, the session goes straight to suppressed and never rings.
func (m *Manager) Trigger(ctx context.Context, alarmID string, fireAt time.Time) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, err := m.store.GetAlarm(ctx, alarmID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load alarm: %w", err)
	}

	id := store.SessionID(alarmID, fireAt)
	existing, err := m.store.GetSession(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if existing != nil {
		// Fired here before, or adopted from a context that fired it first.
		return &Result{Session: existing, Outcome: OutcomeNoop}, nil
	}

	all, err := m.forAlarm(ctx, alarmID)
	if err != nil {
		return nil, err
	}
	var live []*models.AlarmSession
	for _, s := range all {
		if !s.FireAt.Before(fireAt) {
			// Same occurrence under another id, or a later one already fired.
			return &Result{Session: s, Outcome: OutcomeNoop}, nil
		}
		if !s.State.Terminal() {
			live = append(live, s)
		}
	}

	now := m.clock.Now().UTC()
	sess := &models.AlarmSession{
		ID:          id,
		AlarmID:     alarmID,
		UserID:      m.userID,
		Counter:     1,
		FireAt:      fireAt.UTC(),
		TriggeredAt: now,
		UpdatedAt:   now,
		Origin:      m.origin,
	}

	if def == nil || !def.Enabled {
		sess.State = models.SessionStateSuppressed
		sess.LastMethod = models.MethodAutomatic
		sess.DismissedAt = &now
		metrics.SuppressedTotal.Inc()
		m.log.Info().Str("alarm_id", alarmID).Msg("trigger suppressed: alarm disabled or deleted")
		return m.commit(ctx, nil, sess, true)
	}

	sess.State = models.SessionStateRinging
	sess.LastMethod = models.MethodTrigger
	sess.SnoozeEnabled = def.Snooze.Enabled
	sess.SnoozeInterval = def.Snooze.Interval
	sess.MaxSnoozes = def.Snooze.MaxCount

	if err := m.supersede(ctx, live); err != nil {
		return nil, err
	}
	return m.commit(ctx, nil, sess, true)
}

// Snooze moves a ringing session to snoozed. A request beyond the snooze
// budget is rejected and never increases the count.
func (m *Manager) Snooze(ctx context.Context, sessionID string, method models.TransitionMethod) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if cur.State != models.SessionStateRinging {
		return &Result{Session: cur, Outcome: OutcomeNoop}, nil
	}
	reason := ""
	switch {
	case !cur.SnoozeEnabled:
		reason = ReasonSnoozeDisabled
	case cur.SnoozeCount >= cur.MaxSnoozes:
		reason = ReasonSnoozeLimit
	}
	if reason != "" {
		metrics.RejectedTotal.WithLabelValues(reason).Inc()
		m.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("snooze rejected")
		return &Result{Session: cur, Outcome: OutcomeRejected, Reason: reason}, nil
	}

	next := m.advance(cur, models.SessionStateSnoozed, method)
	next.SnoozeCount++
	until := next.UpdatedAt.Add(cur.SnoozeInterval)
	next.SnoozedUntil = &until
	return m.commit(ctx, cur, next, true)
}

// Dismiss ends a ringing or snoozed session. Dismissing an already terminal
// session is a no-op returning its current state.
func (m *Manager) Dismiss(ctx context.Context, sessionID string, method models.TransitionMethod) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if cur.State != models.SessionStateRinging && cur.State != models.SessionStateSnoozed {
		return &Result{Session: cur, Outcome: OutcomeNoop}, nil
	}

	next := m.advance(cur, models.SessionStateDismissed, method)
	next.DismissedAt = &next.UpdatedAt
	return m.commit(ctx, cur, next, true)
}

// Rering returns a snoozed session to ringing once its snooze has elapsed at
// the given instant.
func (m *Manager) Rering(ctx context.Context, sessionID string, at time.Time) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if cur.State != models.SessionStateSnoozed || (cur.SnoozedUntil != nil && at.Before(*cur.SnoozedUntil)) {
		return &Result{Session: cur, Outcome: OutcomeNoop}, nil
	}

	next := m.advance(cur, models.SessionStateRinging, models.MethodAutomatic)
	next.SnoozedUntil = nil
	return m.commit(ctx, cur, next, true)
}

// Converge adopts a snapshot observed in another context when it wins under
// the convergence rule: higher counter, or equal counter and a more final
// state.
func (m *Manager) Converge(ctx context.Context, snap *models.AlarmSession) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.GetSession(ctx, snap.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if cur != nil && !snap.Supersedes(cur) {
		return &Result{Session: cur, Outcome: OutcomeNoop}, nil
	}

	if cur == nil && !snap.State.Terminal() {
		all, err := m.forAlarm(ctx, snap.AlarmID)
		if err != nil {
			return nil, err
		}
		var older []*models.AlarmSession
		for _, s := range all {
			switch {
			case s.FireAt.After(snap.FireAt):
				// A later occurrence already fired here.
				return &Result{Session: s, Outcome: OutcomeNoop}, nil
			case s.FireAt.Equal(snap.FireAt) && s.ID < snap.ID:
				// One occurrence fired under two ids: the lower id wins everywhere.
				return &Result{Session: s, Outcome: OutcomeNoop}, nil
			case !s.State.Terminal():
				older = append(older, s)
			}
		}
		if err := m.supersede(ctx, older); err != nil {
			return nil, err
		}
	}

	adopted := snap.Clone()
	adopted.UserID = m.userID
	// The originating context owns the remote write.
	adopted.Synced = true
	return m.commit(ctx, cur, adopted, false)
}

// Rescan reports sessions that another process sharing the store changed
// since this manager last saw them. Observers receive them as adopted
// changes, and a live session that disappeared is reported superseded. The
// first call only records what is there. It returns the number of changes
// reported.
func (m *Manager) Rescan(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.ListSessions(ctx, m.userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if m.seen == nil {
		m.seen = make(map[string]seenSession, len(all))
		for _, s := range all {
			m.track(s)
		}
		return 0, nil
	}

	n := 0
	present := make(map[string]bool, len(all))
	for _, s := range all {
		present[s.ID] = true
		prev, ok := m.seen[s.ID]
		m.track(s)
		if ok && prev.counter == s.Counter && prev.state == s.State {
			continue
		}
		if !ok && s.State.Terminal() {
			continue
		}
		from := models.SessionStateIdle
		if ok {
			from = prev.state
		}
		n++
		m.notify(ctx, Change{
			Event: models.TransitionEvent{
				SessionID: s.ID,
				AlarmID:   s.AlarmID,
				From:      from,
				To:        s.State,
				Method:    s.LastMethod,
				Counter:   s.Counter,
				Timestamp: s.UpdatedAt,
			},
			Session: s,
		})
	}
	for id, prev := range m.seen {
		if present[id] {
			continue
		}
		delete(m.seen, id)
		if prev.state.Terminal() {
			continue
		}
		n++
		m.notify(ctx, Change{
			Session:    &models.AlarmSession{ID: id, AlarmID: prev.alarmID, UserID: m.userID, State: prev.state},
			Superseded: true,
		})
	}
	if n > 0 {
		m.log.Debug().Int("changes", n).Msg("picked up session changes from the store")
	}
	return n, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.AlarmSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Active returns the live (ringing or snoozed) session of an alarm, or nil.
func (m *Manager) Active(ctx context.Context, alarmID string) (*models.AlarmSession, error) {
	live, err := m.liveForAlarm(ctx, alarmID)
	if err != nil || len(live) == 0 {
		return nil, err
	}
	return live[0], nil
}

// List returns the user's sessions, optionally filtered by state.
func (m *Manager) List(ctx context.Context, states ...models.SessionState) ([]*models.AlarmSession, error) {
	return m.store.ListSessions(ctx, m.userID, states...)
}

// advance copies cur into the next snapshot with the counter bumped.
func (m *Manager) advance(cur *models.AlarmSession, to models.SessionState, method models.TransitionMethod) *models.AlarmSession {
	next := cur.Clone()
	next.State = to
	next.Counter++
	next.UpdatedAt = m.clock.Now().UTC()
	next.LastMethod = method
	next.Origin = m.origin
	next.Synced = false
	return next
}

// commit persists next and notifies observers. If another process sharing
// the store wrote a winning snapshot in the meantime, that one is returned
// as a no-op.
func (m *Manager) commit(ctx context.Context, cur, next *models.AlarmSession, local bool) (*Result, error) {
	if err := m.store.PutSession(ctx, next); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	stored, err := m.store.GetSession(ctx, next.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if stored.Counter != next.Counter || stored.State != next.State {
		return &Result{Session: stored, Outcome: OutcomeNoop}, nil
	}

	from := models.SessionStateIdle
	if cur != nil {
		from = cur.State
	}
	c := Change{
		Event: models.TransitionEvent{
			SessionID: next.ID,
			AlarmID:   next.AlarmID,
			From:      from,
			To:        next.State,
			Method:    next.LastMethod,
			Counter:   next.Counter,
			Timestamp: next.UpdatedAt,
		},
		Session: next.Clone(),
		Local:   local,
	}
	if local {
		metrics.TransitionsTotal.WithLabelValues(string(next.State), string(next.LastMethod)).Inc()
	}
	m.log.Debug().
		Str("session_id", next.ID).
		Str("alarm_id", next.AlarmID).
		Str("from", string(from)).
		Str("to", string(next.State)).
		Int64("counter", next.Counter).
		Bool("local", local).
		Msg("transition")
	m.track(next)
	m.notify(ctx, c)
	return &Result{Session: next, Outcome: OutcomeApplied}, nil
}

// supersede discards live sessions replaced by a fresh firing of their alarm.
func (m *Manager) supersede(ctx context.Context, old []*models.AlarmSession) error {
	for _, s := range old {
		if err := m.store.DeleteSession(ctx, s.ID); err != nil {
			return fmt.Errorf("supersede session %s: %w", s.ID, err)
		}
		if m.seen != nil {
			delete(m.seen, s.ID)
		}
		m.log.Debug().Str("session_id", s.ID).Str("alarm_id", s.AlarmID).Msg("session superseded")
		m.notify(ctx, Change{Session: s, Superseded: true})
	}
	return nil
}

func (m *Manager) liveForAlarm(ctx context.Context, alarmID string) ([]*models.AlarmSession, error) {
	return m.forAlarm(ctx, alarmID, models.SessionStateRinging, models.SessionStateSnoozed)
}

func (m *Manager) forAlarm(ctx context.Context, alarmID string, states ...models.SessionState) ([]*models.AlarmSession, error) {
	all, err := m.store.ListSessions(ctx, m.userID, states...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*models.AlarmSession
	for _, s := range all {
		if s.AlarmID == alarmID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Manager) track(s *models.AlarmSession) {
	if m.seen != nil {
		m.seen[s.ID] = seenSession{alarmID: s.AlarmID, counter: s.Counter, state: s.State}
	}
}

func (m *Manager) notify(ctx context.Context, c Change) {
	for _, o := range m.observers {
		o(ctx, c)
	}
}
