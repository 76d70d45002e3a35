// Package engine wires one user context together: the local cache, the
// scheduling agent, the session machine, alert delivery, cross-context
// sync and the offline reconciler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/wake/internal/agent"
	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/events"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/notify"
	"github.com/joescharf/wake/internal/reconcile"
	"github.com/joescharf/wake/internal/recurrence"
	"github.com/joescharf/wake/internal/sessions"
	"github.com/joescharf/wake/internal/store"
	"github.com/joescharf/wake/internal/synchronizer"
)

// ErrNoRemote is returned by sync operations when no remote store is configured.
var ErrNoRemote = errors.New("no remote store configured")

// ErrExists is returned when creating an alarm under an id already in use.
var ErrExists = errors.New("alarm already exists")

// UserContext identifies who the engine acts for and where it keeps state.
type UserContext struct {
	UserID    string
	ContextID string
	Cache     store.Store
}

// Options configures an Engine. Zero values pick working defaults.
type Options struct {
	// Remote is the authoritative store. Without it the cache is
	// authoritative and nothing is queued.
	Remote reconcile.RemoteStore
	// Bus connects this context to the user's other contexts.
	Bus synchronizer.Bus
	// Notifier is the primary alert surface; in-app alerts are the fallback.
	Notifier notify.Notifier
	Events   *events.Stream
	Clock    clockwork.Clock
	Logger   zerolog.Logger

	// RunAgent starts the scheduling agent in Run. Only one process per
	// cache should run it.
	RunAgent       bool
	RescanInterval time.Duration

	SyncInterval   time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Concurrency    int

	// OnDeliveryError receives DELIVERY errors after the in-app fallback
	// took over.
	OnDeliveryError func(err error)
}

// Engine is one live context of one user.
type Engine struct {
	uc     UserContext
	store  store.Store
	clock  clockwork.Clock
	log    zerolog.Logger
	remote reconcile.RemoteStore

	agent      *agent.Agent
	sessions   *sessions.Manager
	dispatcher *notify.Dispatcher
	sync       *synchronizer.Synchronizer
	reconciler *reconcile.Reconciler
	events     *events.Stream
	runAgent   bool

	// defMu serializes definition edits made through this context.
	defMu sync.Mutex
}

// New assembles an engine for uc.
func New(uc UserContext, opts Options) (*Engine, error) {
	if uc.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if uc.ContextID == "" {
		return nil, errors.New("context id is required")
	}
	if uc.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Bus == nil {
		opts.Bus = synchronizer.NewMemoryBus()
	}
	if opts.Events == nil {
		opts.Events = events.NewStream(0)
	}

	e := &Engine{
		uc:       uc,
		store:    uc.Cache,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("user_id", uc.UserID).Str("context_id", uc.ContextID).Logger(),
		remote:   opts.Remote,
		events:   opts.Events,
		runAgent: opts.RunAgent,
	}

	e.sessions = sessions.NewManager(uc.Cache, uc.UserID, uc.ContextID, opts.Clock, e.log.With().Str("component", "sessions").Logger())
	e.agent = agent.New(uc.Cache, e.onTrigger, agent.Config{
		UserID:         uc.UserID,
		RescanInterval: opts.RescanInterval,
		OnRescan:       e.onRescan,
		Clock:          opts.Clock,
		Logger:         e.log.With().Str("component", "agent").Logger(),
	})

	inApp := notify.NewInAppNotifier()
	e.dispatcher = notify.NewDispatcher(opts.Notifier, inApp, e.onSelect, e.log.With().Str("component", "notify").Logger())
	e.dispatcher.OnDeliveryError = opts.OnDeliveryError

	e.sync = synchronizer.New(opts.Bus, uc.UserID, uc.ContextID, e.sessions, e.applyDefinition,
		e.log.With().Str("component", "sync").Logger())

	if opts.Remote != nil {
		e.reconciler = reconcile.New(uc.Cache, opts.Remote, reconcile.Hooks{
			AlarmChanged: e.onRemoteChanged,
			AlarmRemoved: e.onRemoteRemoved,
			Loss:         func(_ context.Context, l models.ReconciliationLoss) { e.events.PublishLoss(l) },
			Session:      e.onRemoteSession,
		}, reconcile.Config{
			UserID:         uc.UserID,
			MaxAttempts:    opts.MaxAttempts,
			InitialBackoff: opts.InitialBackoff,
			MaxBackoff:     opts.MaxBackoff,
			Concurrency:    opts.Concurrency,
			Interval:       opts.SyncInterval,
			Clock:          opts.Clock,
			Logger:         e.log.With().Str("component", "reconcile").Logger(),
		})
	}

	e.sessions.Observe(e.observe)
	e.sessions.Observe(e.sync.Observer())
	return e, nil
}

func (e *Engine) UserID() string                          { return e.uc.UserID }
func (e *Engine) ContextID() string                       { return e.uc.ContextID }
func (e *Engine) Store() store.Store                      { return e.store }
func (e *Engine) Agent() *agent.Agent                     { return e.agent }
func (e *Engine) Sessions() *sessions.Manager             { return e.sessions }
func (e *Engine) Dispatcher() *notify.Dispatcher          { return e.dispatcher }
func (e *Engine) Synchronizer() *synchronizer.Synchronizer { return e.sync }
func (e *Engine) Events() *events.Stream                  { return e.events }
func (e *Engine) Now() time.Time                          { return e.clock.Now() }

// Run drives the context until ctx is done: the synchronizer always, the
// agent when configured, and the reconciler when a remote store is set.
func (e *Engine) Run(ctx context.Context) error {
	if !e.runAgent {
		// Keep the heap populated for status and listings.
		if err := e.agent.Resume(ctx); err != nil {
			return err
		}
	} else {
		// Baseline for the rescans that pick up other processes' transitions.
		if _, err := e.sessions.Rescan(ctx); err != nil {
			return err
		}
		e.prune(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sync.Run(gctx) })
	if e.runAgent {
		g.Go(func() error {
			select {
			case <-e.sync.Ready():
			case <-gctx.Done():
				return nil
			}
			return e.agent.Run(gctx)
		})
	}
	if e.reconciler != nil {
		g.Go(func() error { return e.reconciler.Run(gctx) })
	}

	e.log.Info().Bool("agent", e.runAgent).Bool("remote", e.reconciler != nil).Msg("engine started")
	err := g.Wait()
	e.dispatcher.Wait()
	e.log.Info().Msg("engine stopped")
	return err
}

// --- Alarm definitions ---

// Alarms lists the user's definitions.
func (e *Engine) Alarms(ctx context.Context) ([]*models.AlarmDefinition, error) {
	return e.store.ListAlarms(ctx, e.uc.UserID)
}

// Alarm returns one of the user's definitions.
func (e *Engine) Alarm(ctx context.Context, id string) (*models.AlarmDefinition, error) {
	def, err := e.store.GetAlarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.UserID != e.uc.UserID {
		return nil, fmt.Errorf("alarm %s: %w", id, store.ErrNotFound)
	}
	return def, nil
}

// ResolveAlarm finds an alarm by full id or unique id prefix.
func (e *Engine) ResolveAlarm(ctx context.Context, id string) (*models.AlarmDefinition, error) {
	if def, err := e.Alarm(ctx, id); err == nil {
		return def, nil
	}
	defs, err := e.Alarms(ctx)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(id)
	var matches []*models.AlarmDefinition
	for _, d := range defs {
		if strings.HasPrefix(d.ID, upper) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("alarm %s: %w", id, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous alarm id %s: matches %d alarms", id, len(matches))
	}
}

// CreateAlarm stores a new definition and schedules it.
func (e *Engine) CreateAlarm(ctx context.Context, def *models.AlarmDefinition) (*models.AlarmDefinition, error) {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	def = def.Clone()
	now := e.clock.Now().UTC()
	if def.ID == "" {
		def.ID = store.NewID()
	}
	def.UserID = e.uc.UserID
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now
	def.LastFiredAt = nil
	def.Weekdays = models.NormalizeWeekdays(def.Weekdays)
	if len(def.Weekdays) == 0 {
		def.Weekdays = nil
	}
	if err := def.Validate(); err != nil {
		return nil, alarmerr.Scheduling(def.ID, fmt.Errorf("invalid alarm: %w", err))
	}
	if _, err := e.store.GetAlarm(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("alarm %s: %w", def.ID, ErrExists)
	}

	if err := e.commitDefinition(ctx, models.MutationCreate, def); err != nil {
		return nil, err
	}
	return def, nil
}

// UpdateAlarm replaces a definition. Any occurrence scheduled for the old
// version is cancelled before the new one is queued.
func (e *Engine) UpdateAlarm(ctx context.Context, def *models.AlarmDefinition) (*models.AlarmDefinition, error) {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	cur, err := e.Alarm(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	def = def.Clone()
	def.UserID = e.uc.UserID
	def.Version = cur.Version + 1
	def.CreatedAt = cur.CreatedAt
	def.UpdatedAt = e.clock.Now().UTC()
	def.LastFiredAt = cur.LastFiredAt
	def.Weekdays = models.NormalizeWeekdays(def.Weekdays)
	if len(def.Weekdays) == 0 {
		def.Weekdays = nil
	}
	if err := def.Validate(); err != nil {
		return nil, alarmerr.Scheduling(def.ID, fmt.Errorf("invalid alarm: %w", err))
	}

	if err := e.commitDefinition(ctx, models.MutationUpdate, def); err != nil {
		return nil, err
	}
	return def, nil
}

// SetEnabled flips a definition's enabled flag.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*models.AlarmDefinition, error) {
	def, err := e.Alarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Enabled == enabled {
		return def, nil
	}
	def.Enabled = enabled
	return e.UpdateAlarm(ctx, def)
}

// DeleteAlarm removes a definition and cancels its pending occurrence.
func (e *Engine) DeleteAlarm(ctx context.Context, id string) error {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	def, err := e.Alarm(ctx, id)
	if err != nil {
		return err
	}
	if err := e.enqueue(ctx, &models.PendingMutation{AlarmID: id, Op: models.MutationDelete, Definition: def}); err != nil {
		return err
	}
	if err := e.store.DeleteAlarm(ctx, id); err != nil {
		return err
	}
	e.agent.Cancel(id)
	e.broadcast(ctx, synchronizer.DefinitionChanged{AlarmID: id, Deleted: true})
	e.notifyReconciler()
	e.log.Info().Str("alarm_id", id).Msg("alarm deleted")
	return nil
}

// commitDefinition queues the mutation, then writes the cache. The queue
// entry must exist before the cache row so a concurrent pull never mistakes
// an unreplayed edit for a remote-only change.
func (e *Engine) commitDefinition(ctx context.Context, op models.MutationOp, def *models.AlarmDefinition) error {
	if err := e.enqueue(ctx, &models.PendingMutation{AlarmID: def.ID, Op: op, Definition: def.Clone()}); err != nil {
		return err
	}
	if err := e.store.PutAlarm(ctx, def); err != nil {
		return err
	}
	if err := e.agent.Reschedule(ctx, def.ID); err != nil {
		e.log.Warn().Err(err).Str("alarm_id", def.ID).Msg("alarm cannot be scheduled")
	}
	e.broadcast(ctx, synchronizer.DefinitionChanged{AlarmID: def.ID, Definition: def})
	e.notifyReconciler()
	e.log.Info().Str("alarm_id", def.ID).Str("op", string(op)).Str("schedule", def.Schedule()).Msg("alarm saved")
	return nil
}

// Upcoming returns the next n fire instants of a definition.
func (e *Engine) Upcoming(ctx context.Context, id string, n int) ([]time.Time, error) {
	def, err := e.Alarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := recurrence.Resolve(def, e.clock.Now()); err != nil {
		return nil, err
	}
	return recurrence.Upcoming(def, e.clock.Now(), n), nil
}

// --- Sessions ---

// Dismiss ends a ringing or snoozed session.
func (e *Engine) Dismiss(ctx context.Context, sessionID string, method models.TransitionMethod) (*sessions.Result, error) {
	if err := e.ownSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.sessions.Dismiss(ctx, sessionID, method)
}

// Snooze snoozes a ringing session.
func (e *Engine) Snooze(ctx context.Context, sessionID string, method models.TransitionMethod) (*sessions.Result, error) {
	if err := e.ownSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.sessions.Snooze(ctx, sessionID, method)
}

func (e *Engine) ownSession(ctx context.Context, sessionID string) error {
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.UserID != e.uc.UserID {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

// Session returns one session.
func (e *Engine) Session(ctx context.Context, sessionID string) (*models.AlarmSession, error) {
	if err := e.ownSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.sessions.Get(ctx, sessionID)
}

// ResolveSession finds a session by full id or unique id prefix.
func (e *Engine) ResolveSession(ctx context.Context, id string) (*models.AlarmSession, error) {
	if s, err := e.Session(ctx, id); err == nil {
		return s, nil
	}
	list, err := e.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(id)
	var matches []*models.AlarmSession
	for _, s := range list {
		if strings.HasPrefix(s.ID, upper) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session id %s: matches %d sessions", id, len(matches))
	}
}

// ListSessions returns the user's sessions, optionally filtered by state.
func (e *Engine) ListSessions(ctx context.Context, states ...models.SessionState) ([]*models.AlarmSession, error) {
	return e.sessions.List(ctx, states...)
}

// --- Sync ---

// Sync runs one reconciliation pass now.
func (e *Engine) Sync(ctx context.Context) (*reconcile.Report, error) {
	if e.reconciler == nil {
		return nil, ErrNoRemote
	}
	return e.reconciler.Sync(ctx)
}

// Queue returns the pending mutations.
func (e *Engine) Queue(ctx context.Context) ([]*models.PendingMutation, error) {
	return e.store.ListMutations(ctx, e.uc.UserID)
}

// ConnectivityRestored asks the reconciler for an immediate pass.
func (e *Engine) ConnectivityRestored() {
	e.notifyReconciler()
}

func (e *Engine) notifyReconciler() {
	if e.reconciler != nil {
		e.reconciler.Notify()
	}
}

// enqueue appends a mutation to the offline queue. Without a remote store
// the cache is authoritative and nothing is queued.
func (e *Engine) enqueue(ctx context.Context, m *models.PendingMutation) error {
	if e.remote == nil {
		return nil
	}
	m.UserID = e.uc.UserID
	m.Origin = e.uc.ContextID
	if err := e.store.AppendMutation(ctx, m); err != nil {
		return fmt.Errorf("queue %s: %w", m.Op, err)
	}
	return nil
}

func (e *Engine) broadcast(ctx context.Context, msg synchronizer.Message) {
	if err := e.sync.Broadcast(ctx, msg); err != nil {
		e.log.Warn().Err(err).Str("kind", string(msg.Kind())).Msg("broadcast failed")
	}
}

// Status is a snapshot of the context for status surfaces.
type Status struct {
	UserID    string                 `json:"user_id"`
	ContextID string                 `json:"context_id"`
	Alarms    int                    `json:"alarms"`
	Enabled   int                    `json:"enabled"`
	Live      []*models.AlarmSession `json:"live_sessions"`
	Next      *agent.Entry           `json:"next,omitempty"`
	Pending   int                    `json:"pending_mutations"`
	Remote    bool                   `json:"remote"`
}

// Status summarizes the context.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	defs, err := e.Alarms(ctx)
	if err != nil {
		return nil, err
	}
	live, err := e.sessions.List(ctx, models.SessionStateRinging, models.SessionStateSnoozed)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.CountMutations(ctx, e.uc.UserID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		UserID:    e.uc.UserID,
		ContextID: e.uc.ContextID,
		Alarms:    len(defs),
		Live:      live,
		Pending:   pending,
		Remote:    e.reconciler != nil,
	}
	for _, d := range defs {
		if d.Enabled {
			st.Enabled++
		}
	}
	if entries := e.agent.Pending(); len(entries) > 0 {
		st.Next = &entries[0]
	}
	return st, nil
}
