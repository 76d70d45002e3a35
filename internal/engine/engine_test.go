package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/wake/internal/agent"
	"github.com/joescharf/wake/internal/events"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/notify"
	"github.com/joescharf/wake/internal/reconcile"
	"github.com/joescharf/wake/internal/remote"
	"github.com/joescharf/wake/internal/sessions"
	"github.com/joescharf/wake/internal/store"
	"github.com/joescharf/wake/internal/synchronizer"
)

// Sunday evening; the first weekday occurrence is Monday 07:00.
var (
	sun2200 = time.Date(2026, 10, 18, 22, 0, 0, 0, time.UTC)
	mon0700 = time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
)

type fixture struct {
	e     *Engine
	store *store.SQLiteStore
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, contextID string, bus synchronizer.Bus, rs reconcile.RemoteStore) *fixture {
	t.Helper()
	return openFixture(t, filepath.Join(t.TempDir(), "wake.db"), contextID, bus, rs, nil)
}

// openFixture opens an engine on the cache at path; tune adjusts its options.
func openFixture(t *testing.T, path, contextID string, bus synchronizer.Bus, rs reconcile.RemoteStore, tune func(*Options)) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	clock := clockwork.NewFakeClockAt(sun2200)
	opts := Options{
		Bus:            bus,
		Clock:          clock,
		Logger:         zerolog.Nop(),
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	if rs != nil {
		opts.Remote = rs
	}
	if tune != nil {
		tune(&opts)
	}
	e, err := New(UserContext{UserID: "u1", ContextID: contextID, Cache: st}, opts)
	require.NoError(t, err)
	return &fixture{e: e, store: st, clock: clock}
}

func weekdayAlarm(maxSnoozes int) *models.AlarmDefinition {
	return &models.AlarmDefinition{
		Label:     "work",
		TimeOfDay: models.TimeOfDay{Hour: 7},
		Weekdays:  []time.Weekday{time.Friday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday},
		Location:  "UTC",
		Enabled:   true,
		Snooze:    models.SnoozePolicy{Enabled: true, Interval: 5 * time.Minute, MaxCount: maxSnoozes},
	}
}

// collector drains an event subscription in the background.
type collector struct {
	mu  sync.Mutex
	got []events.Event
}

func collect(t *testing.T, s *events.Stream) *collector {
	t.Helper()
	ch, stop := s.Subscribe()
	t.Cleanup(stop)
	c := &collector{}
	go func() {
		for e := range ch {
			c.mu.Lock()
			c.got = append(c.got, e)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) transitions() []models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.SessionState
	for _, e := range c.got {
		if e.Transition != nil {
			out = append(out, e.Transition.To)
		}
	}
	return out
}

func (c *collector) losses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.got {
		if e.Loss != nil {
			n++
		}
	}
	return n
}

func ops(t *testing.T, e *Engine) []models.MutationOp {
	t.Helper()
	q, err := e.Queue(context.Background())
	require.NoError(t, err)
	var out []models.MutationOp
	for _, m := range q {
		out = append(out, m.Op)
	}
	return out
}

func waitAlerts(t *testing.T, e *Engine, n int) []notify.Alert {
	t.Helper()
	inApp := e.Dispatcher().InApp()
	require.Eventually(t, func() bool { return len(inApp.Pending()) == n }, 5*time.Second, 5*time.Millisecond)
	return inApp.Pending()
}

func TestNew_RequiresUserContext(t *testing.T) {
	_, err := New(UserContext{ContextID: "c"}, Options{})
	assert.Error(t, err)
	_, err = New(UserContext{UserID: "u1"}, Options{})
	assert.Error(t, err)
	_, err = New(UserContext{UserID: "u1", ContextID: "c"}, Options{})
	assert.Error(t, err)
}

func TestCreateAlarm_QueuesSchedulesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	bus := synchronizer.NewMemoryBus()
	f := newFixture(t, "ctx-a", bus, remote.NewMemory())

	sub, err := bus.Subscribe(ctx, synchronizer.Topic("u1"))
	require.NoError(t, err)
	defer sub.Close()

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, "u1", def.UserID)
	assert.Equal(t, int64(1), def.Version)
	assert.Equal(t, time.Monday, def.Weekdays[0], "weekdays are normalized")

	assert.Equal(t, []models.MutationOp{models.MutationCreate}, ops(t, f.e))

	pending := f.e.Agent().Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, agent.KindOccurrence, pending[0].Kind)
	assert.True(t, pending[0].At.Equal(mon0700))

	env := <-sub.C()
	assert.Equal(t, synchronizer.KindDefinitionChanged, env.Kind)
	assert.Equal(t, "ctx-a", env.Origin)

	next, err := f.e.Upcoming(ctx, def.ID, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.True(t, next[1].Equal(mon0700.AddDate(0, 0, 1)))
}

func TestCreateAlarm_Invalid(t *testing.T) {
	f := newFixture(t, "ctx-a", nil, nil)
	def := weekdayAlarm(1)
	def.Weekdays = nil

	_, err := f.e.CreateAlarm(context.Background(), def)
	assert.ErrorContains(t, err, "invalid alarm")
}

func TestUpdateAlarm_ReplacesOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ctx-a", nil, remote.NewMemory())

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)

	def.TimeOfDay = models.TimeOfDay{Hour: 6, Minute: 30}
	updated, err := f.e.UpdateAlarm(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	pending := f.e.Agent().Pending()
	require.Len(t, pending, 1, "an edit never leaves two occurrences queued")
	assert.True(t, pending[0].At.Equal(mon0700.Add(-30*time.Minute)))

	_, err = f.e.SetEnabled(ctx, def.ID, false)
	require.NoError(t, err)
	assert.Empty(t, f.e.Agent().Pending())

	assert.Equal(t, []models.MutationOp{models.MutationCreate, models.MutationUpdate, models.MutationUpdate}, ops(t, f.e))
}

// A weekday alarm rings Monday 07:00, is snoozed once (the limit), rings
// again five minutes later, refuses a second snooze and is dismissed.
func TestRingSnoozeDismiss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, "ctx-a", nil, remote.NewMemory())
	ev := collect(t, f.e.Events())

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(1))
	require.NoError(t, err)

	f.clock.Advance(mon0700.Sub(sun2200))
	require.Equal(t, 1, f.e.Agent().FireDue(ctx, f.clock.Now()))

	ringing, err := f.e.ListSessions(ctx, models.SessionStateRinging)
	require.NoError(t, err)
	require.Len(t, ringing, 1)
	id := ringing[0].ID
	assert.Equal(t, def.ID, ringing[0].AlarmID)

	alerts := waitAlerts(t, f.e, 1)
	assert.True(t, alerts[0].Offers(notify.ActionSnooze))
	require.NoError(t, f.e.Dispatcher().InApp().Select(id, notify.ActionSnooze, models.MethodNotification))

	require.Eventually(t, func() bool {
		s, err := f.e.Session(ctx, id)
		return err == nil && s.State == models.SessionStateSnoozed
	}, 5*time.Second, 5*time.Millisecond)

	var wake *agent.Entry
	for _, p := range f.e.Agent().Pending() {
		if p.Kind == agent.KindSnooze {
			wake = &p
		}
	}
	require.NotNil(t, wake)
	assert.True(t, wake.At.Equal(mon0700.Add(5*time.Minute)))

	f.clock.Advance(5 * time.Minute)
	require.Equal(t, 1, f.e.Agent().FireDue(ctx, f.clock.Now()))

	alerts = waitAlerts(t, f.e, 1)
	assert.False(t, alerts[0].Offers(notify.ActionSnooze), "snooze budget is spent")

	res, err := f.e.Snooze(ctx, id, models.MethodVoice)
	require.NoError(t, err)
	assert.Equal(t, sessions.OutcomeRejected, res.Outcome)
	assert.Equal(t, 1, res.Session.SnoozeCount)

	res, err = f.e.Dismiss(ctx, id, models.MethodVoice)
	require.NoError(t, err)
	assert.Equal(t, sessions.OutcomeApplied, res.Outcome)
	waitAlerts(t, f.e, 0)

	res, err = f.e.Dismiss(ctx, id, models.MethodVoice)
	require.NoError(t, err)
	assert.Equal(t, sessions.OutcomeNoop, res.Outcome)
	assert.Equal(t, models.SessionStateDismissed, res.Session.State)

	assert.Equal(t, []models.MutationOp{models.MutationCreate, models.MutationSnooze, models.MutationDismiss}, ops(t, f.e))
	require.Eventually(t, func() bool { return len(ev.transitions()) == 4 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.SessionState{
		models.SessionStateRinging, models.SessionStateSnoozed, models.SessionStateRinging, models.SessionStateDismissed,
	}, ev.transitions())

	cancel()
	f.e.Dispatcher().Wait()
}

// An occurrence that fires after its alarm was disabled never rings.
func TestTriggerAfterDisable_Suppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ctx-a", nil, nil)
	ev := collect(t, f.e.Events())

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	_, err = f.e.SetEnabled(ctx, def.ID, false)
	require.NoError(t, err)
	assert.Empty(t, f.e.Agent().Pending())

	f.e.onTrigger(ctx, agent.Trigger{Kind: agent.KindOccurrence, AlarmID: def.ID, FireAt: mon0700})

	all, err := f.e.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.SessionStateSuppressed, all[0].State)
	assert.Empty(t, f.e.Dispatcher().InApp().Pending())
	require.Eventually(t, func() bool { return len(ev.transitions()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.SessionStateSuppressed, ev.transitions()[0])
}

// A ringing alarm answered in one tab disappears from the other.
func TestTwoContextsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := synchronizer.NewMemoryBus()
	a := newFixture(t, "tab-a", bus, nil)
	b := newFixture(t, "tab-b", bus, nil)

	done := make(chan error, 2)
	for _, f := range []*fixture{a, b} {
		go func(e *Engine) { done <- e.Run(ctx) }(f.e)
		<-f.e.Synchronizer().Ready()
	}

	def, err := a.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := b.store.GetAlarm(ctx, def.ID)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	a.clock.Advance(mon0700.Sub(sun2200))
	require.Equal(t, 1, a.e.Agent().FireDue(ctx, a.clock.Now()))

	alerts := waitAlerts(t, b.e, 1)
	waitAlerts(t, a.e, 1)
	require.NoError(t, b.e.Dispatcher().InApp().Select(alerts[0].SessionID, notify.ActionDismiss, models.MethodManual))

	waitAlerts(t, a.e, 0)
	require.Eventually(t, func() bool {
		s, err := a.e.Session(ctx, alerts[0].SessionID)
		return err == nil && s.State == models.SessionStateDismissed
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

// Two offline edits replay in order once connectivity returns.
func TestOfflineEditsReplayInOrder(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	f := newFixture(t, "ctx-a", nil, mem)
	mem.SetOffline(true)

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	def.TimeOfDay = models.TimeOfDay{Hour: 7, Minute: 15}
	def, err = f.e.UpdateAlarm(ctx, def)
	require.NoError(t, err)
	def.TimeOfDay = models.TimeOfDay{Hour: 7, Minute: 30}
	_, err = f.e.UpdateAlarm(ctx, def)
	require.NoError(t, err)

	rep, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Kept)

	mem.SetOffline(false)
	rep, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Applied)

	got, ok := mem.Alarm(def.ID)
	require.True(t, ok)
	assert.Equal(t, models.TimeOfDay{Hour: 7, Minute: 30}, got.TimeOfDay)
	assert.Equal(t, int64(3), got.Version)
	assert.Empty(t, ops(t, f.e))
}

func TestRemoteDeleteWinsOverQueuedEdit(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	f := newFixture(t, "ctx-a", nil, mem)
	ev := collect(t, f.e.Events())

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	_, err = f.e.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, mem.DeleteAlarm(ctx, "u1", def.ID, "other-device:1"))

	def.TimeOfDay.Minute = 45
	_, err = f.e.UpdateAlarm(ctx, def)
	require.NoError(t, err)
	require.Len(t, f.e.Agent().Pending(), 1)

	rep, err := f.e.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Losses, 1)
	assert.Empty(t, rep.Failures)

	_, err = f.e.Alarm(ctx, def.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.e.Agent().Pending())
	require.Eventually(t, func() bool { return ev.losses() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestDeleteAlarm(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	f := newFixture(t, "ctx-a", nil, mem)

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	require.NoError(t, f.e.DeleteAlarm(ctx, def.ID))
	assert.Empty(t, f.e.Agent().Pending())

	_, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, mem.Tombstoned(def.ID))

	assert.ErrorIs(t, f.e.DeleteAlarm(ctx, def.ID), store.ErrNotFound)
}

func TestNoRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ctx-a", nil, nil)

	_, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	assert.Empty(t, ops(t, f.e), "without a remote the cache is authoritative")

	_, err = f.e.Sync(ctx)
	assert.ErrorIs(t, err, ErrNoRemote)

	st, err := f.e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Alarms)
	assert.Equal(t, 1, st.Enabled)
	assert.False(t, st.Remote)
	require.NotNil(t, st.Next)
	assert.True(t, st.Next.At.Equal(mon0700))
}

func TestResolveAlarm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ctx-a", nil, nil)

	for _, id := range []string{"01HAAA111", "01HAAB222"} {
		def := weekdayAlarm(1)
		def.ID = id
		_, err := f.e.CreateAlarm(ctx, def)
		require.NoError(t, err)
	}

	def, err := f.e.ResolveAlarm(ctx, "01HAAB222")
	require.NoError(t, err)
	assert.Equal(t, "01HAAB222", def.ID)

	def, err = f.e.ResolveAlarm(ctx, "01haaa")
	require.NoError(t, err)
	assert.Equal(t, "01HAAA111", def.ID)

	_, err = f.e.ResolveAlarm(ctx, "01HAA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = f.e.ResolveAlarm(ctx, "ZZ")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.e.CreateAlarm(ctx, &models.AlarmDefinition{ID: "01HAAA111", TimeOfDay: models.TimeOfDay{Hour: 8}, Date: "2026-10-20", Enabled: true})
	assert.ErrorIs(t, err, ErrExists)
}

func TestResolveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ctx-a", nil, nil)

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(1))
	require.NoError(t, err)
	for _, id := range []string{"01HSESS01", "01HSESS02"} {
		require.NoError(t, f.store.PutSession(ctx, &models.AlarmSession{
			ID: id, AlarmID: def.ID, UserID: "u1", State: models.SessionStateRinging,
			Counter: 1, FireAt: mon0700, TriggeredAt: mon0700, UpdatedAt: mon0700,
		}))
	}
	require.NoError(t, f.store.PutSession(ctx, &models.AlarmSession{
		ID: "01HOTHER", AlarmID: def.ID, UserID: "someone-else", State: models.SessionStateRinging,
		Counter: 1, FireAt: mon0700, TriggeredAt: mon0700, UpdatedAt: mon0700,
	}))

	s, err := f.e.ResolveSession(ctx, "01hsess02")
	require.NoError(t, err)
	assert.Equal(t, "01HSESS02", s.ID)

	_, err = f.e.ResolveSession(ctx, "01HSESS")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = f.e.ResolveSession(ctx, "01HOTHER")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// droppingBus loses every envelope of one kind.
type droppingBus struct {
	*synchronizer.MemoryBus
	drop synchronizer.Kind
}

func (b droppingBus) Publish(ctx context.Context, topic string, env synchronizer.Envelope) error {
	if env.Kind == b.drop {
		return nil
	}
	return b.MemoryBus.Publish(ctx, topic, env)
}

func runEngines(ctx context.Context, fs ...*fixture) chan error {
	done := make(chan error, len(fs))
	for _, f := range fs {
		go func(e *Engine) { done <- e.Run(ctx) }(f.e)
		<-f.e.Synchronizer().Ready()
	}
	return done
}

// The dismissal broadcast never reaches b; the next sync recovers it from
// the remote store.
func TestMissedDismissRecoveredOnSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := remote.NewMemory()
	bus := droppingBus{MemoryBus: synchronizer.NewMemoryBus(), drop: synchronizer.KindDismiss}
	a := newFixture(t, "dev-a", bus, mem)
	b := newFixture(t, "dev-b", bus, mem)

	_, err := a.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	_, err = a.e.Sync(ctx)
	require.NoError(t, err)
	rep, err := b.e.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Pull.Added)

	done := runEngines(ctx, a, b)

	a.clock.Advance(mon0700.Sub(sun2200))
	b.clock.Advance(mon0700.Sub(sun2200))
	require.Equal(t, 1, a.e.Agent().FireDue(ctx, a.clock.Now()))
	alerts := waitAlerts(t, b.e, 1)
	id := alerts[0].SessionID

	_, err = a.e.Dismiss(ctx, id, models.MethodManual)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := mem.Session(id)
		return ok && s.State == models.SessionStateDismissed
	}, 5*time.Second, 5*time.Millisecond)

	stale, err := b.e.Session(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.SessionStateRinging, stale.State, "the dismissal broadcast was lost")

	rep, err = b.e.Sync(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.Pull)
	assert.Equal(t, 1, rep.Pull.Converged)

	waitAlerts(t, b.e, 0)
	got, err := b.e.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateDismissed, got.State)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

// Both contexts run their own agent and fire the same occurrence. They agree
// on one session, so one dismissal silences both.
func TestBothContextsFireSameOccurrence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := synchronizer.NewMemoryBus()
	a := newFixture(t, "dev-a", bus, nil)
	b := newFixture(t, "dev-b", bus, nil)
	done := runEngines(ctx, a, b)

	def, err := a.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.e.Agent().Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	a.clock.Advance(mon0700.Sub(sun2200))
	b.clock.Advance(mon0700.Sub(sun2200))
	require.Equal(t, 1, a.e.Agent().FireDue(ctx, a.clock.Now()))
	require.Equal(t, 1, b.e.Agent().FireDue(ctx, b.clock.Now()))

	alertsA := waitAlerts(t, a.e, 1)
	alertsB := waitAlerts(t, b.e, 1)
	require.Equal(t, alertsA[0].SessionID, alertsB[0].SessionID)
	id := alertsA[0].SessionID
	assert.Equal(t, store.SessionID(def.ID, mon0700), id)

	_, err = a.e.Dismiss(ctx, id, models.MethodManual)
	require.NoError(t, err)

	waitAlerts(t, b.e, 0)
	require.Eventually(t, func() bool {
		live, err := b.e.ListSessions(ctx, models.SessionStateRinging, models.SessionStateSnoozed)
		return err == nil && len(live) == 0
	}, 5*time.Second, 5*time.Millisecond)

	all, err := b.e.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.SessionStateDismissed, all[0].State)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

// The CLI answers an alert through its own engine on the shared cache, with
// no bus between the processes. The daemon withdraws the alert at its next
// rescan.
func TestRescanPicksUpDismissFromSharedCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "wake.db")
	daemon := openFixture(t, path, "daemon", nil, nil, func(o *Options) {
		o.RunAgent = true
		o.RescanInterval = time.Minute
	})
	ev := collect(t, daemon.e.Events())
	done := runEngines(ctx, daemon)

	_, err := daemon.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)

	daemon.clock.Advance(mon0700.Sub(sun2200))
	daemon.e.Agent().FireDue(ctx, daemon.clock.Now())
	alerts := waitAlerts(t, daemon.e, 1)
	id := alerts[0].SessionID

	cli := openFixture(t, path, "cli", nil, nil, nil)
	res, err := cli.e.Dismiss(ctx, id, models.MethodManual)
	require.NoError(t, err)
	require.Equal(t, sessions.OutcomeApplied, res.Outcome)

	require.Eventually(t, func() bool {
		daemon.clock.Advance(time.Minute)
		return len(daemon.e.Dispatcher().InApp().Pending()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got := ev.transitions()
		return len(got) > 0 && got[len(got)-1] == models.SessionStateDismissed
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// Without a remote store finished sessions are still pruned once they are
// past retention.
func TestRescanPrunesFinishedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ctx-a", nil, nil)

	def, err := f.e.CreateAlarm(ctx, weekdayAlarm(3))
	require.NoError(t, err)
	old := sun2200.Add(-models.TerminalRetention - time.Hour)
	recent := sun2200.Add(-time.Hour)
	for id, at := range map[string]time.Time{"01HOLD": old, "01HRECENT": recent} {
		require.NoError(t, f.store.PutSession(ctx, &models.AlarmSession{
			ID: id, AlarmID: def.ID, UserID: "u1", State: models.SessionStateDismissed,
			Counter: 2, FireAt: at, TriggeredAt: at, UpdatedAt: at, DismissedAt: &at,
		}))
	}

	f.e.onRescan(ctx)

	_, err = f.store.GetSession(ctx, "01HOLD")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetSession(ctx, "01HRECENT")
	assert.NoError(t, err)
}
