package synchronizer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/sessions"
	"github.com/joescharf/wake/internal/store"
)

var mon0700 = time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefinition() *models.AlarmDefinition {
	return &models.AlarmDefinition{
		ID:        "a1",
		UserID:    "u1",
		TimeOfDay: models.TimeOfDay{Hour: 7},
		Weekdays:  []time.Weekday{time.Monday},
		Location:  "UTC",
		Enabled:   true,
		Snooze:    models.SnoozePolicy{Enabled: true, Interval: 5 * time.Minute, MaxCount: 3},
	}
}

// testContext is one context: its own cache, session machine and synchronizer.
type testContext struct {
	store    *store.SQLiteStore
	sessions *sessions.Manager
	sync     *Synchronizer

	mu   sync.Mutex
	defs []DefinitionChanged
}

func (tc *testContext) definitionChanges() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.defs)
}

func newTestContext(t *testing.T, bus Bus, origin string) *testContext {
	t.Helper()
	st := newTestStore(t)
	require.NoError(t, st.PutAlarm(context.Background(), testDefinition()))

	tc := &testContext{store: st}
	tc.sessions = sessions.NewManager(st, "u1", origin, clockwork.NewFakeClockAt(mon0700), zerolog.Nop())
	tc.sync = New(bus, "u1", origin, tc.sessions, func(_ context.Context, m DefinitionChanged) error {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.defs = append(tc.defs, m)
		return nil
	}, zerolog.Nop())
	tc.sessions.Observe(tc.sync.Observer())
	return tc
}

func ringingSnapshot(counter int64) *models.AlarmSession {
	return &models.AlarmSession{
		ID: "s1", AlarmID: "a1", UserID: "u1",
		State:         models.SessionStateRinging,
		SnoozeEnabled: true, SnoozeInterval: 5 * time.Minute, MaxSnoozes: 3,
		Counter: counter, FireAt: mon0700, TriggeredAt: mon0700, UpdatedAt: mon0700,
		LastMethod: models.MethodTrigger, Origin: "agent",
	}
}

func receive(t *testing.T, sub Subscription) Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope")
		return Envelope{}
	}
}

func TestEncodeDecode(t *testing.T) {
	msgs := []Message{
		Trigger{Session: ringingSnapshot(1)},
		Dismiss{SessionID: "s1", Method: models.MethodVoice},
		Snooze{SessionID: "s1", Session: ringingSnapshot(2)},
		DefinitionChanged{AlarmID: "a1", Definition: testDefinition()},
		DefinitionChanged{AlarmID: "a1", Deleted: true},
		SyncStateUpdate{Session: ringingSnapshot(4)},
	}
	for _, msg := range msgs {
		env, err := Encode("ctx-a", "u1", msg, mon0700)
		require.NoError(t, err, msg.Kind())
		assert.Equal(t, msg.Kind(), env.Kind)

		got, err := Decode(env)
		require.NoError(t, err, msg.Kind())
		assert.Equal(t, msg.Kind(), got.Kind())
	}
}

func TestEncode_RequiresFields(t *testing.T) {
	_, err := Encode("ctx-a", "u1", Trigger{}, mon0700)
	assert.Error(t, err)
	_, err = Encode("ctx-a", "u1", Dismiss{}, mon0700)
	assert.Error(t, err)
	_, err = Encode("ctx-a", "u1", DefinitionChanged{AlarmID: "a1"}, mon0700)
	assert.Error(t, err)

	snap := ringingSnapshot(0)
	_, err = Encode("ctx-a", "u1", SyncStateUpdate{Session: snap}, mon0700)
	assert.Error(t, err)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(Envelope{Kind: "teleport", Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestMessageFor(t *testing.T) {
	s := ringingSnapshot(1)
	change := func(from, to models.SessionState) sessions.Change {
		return sessions.Change{Event: models.TransitionEvent{From: from, To: to}, Session: s, Local: true}
	}
	assert.Equal(t, KindTrigger, MessageFor(change(models.SessionStateIdle, models.SessionStateRinging)).Kind())
	assert.Equal(t, KindSyncStateUpdate, MessageFor(change(models.SessionStateSnoozed, models.SessionStateRinging)).Kind())
	assert.Equal(t, KindSnooze, MessageFor(change(models.SessionStateRinging, models.SessionStateSnoozed)).Kind())
	assert.Equal(t, KindDismiss, MessageFor(change(models.SessionStateRinging, models.SessionStateDismissed)).Kind())
	assert.Equal(t, KindSyncStateUpdate, MessageFor(change(models.SessionStateIdle, models.SessionStateSuppressed)).Kind())
}

// Two tabs act on the same session at counter 3: one dismisses, the other
// snoozes. Whatever order the broadcasts arrive in, both end dismissed.
func TestConflictingTransitions_ConvergeOnDismissed(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	a := newTestContext(t, bus, "tab-a")
	b := newTestContext(t, bus, "tab-b")

	for _, tc := range []*testContext{a, b} {
		_, err := tc.sessions.Converge(ctx, ringingSnapshot(2))
		require.NoError(t, err)
	}

	capture, err := bus.Subscribe(ctx, Topic("u1"))
	require.NoError(t, err)
	defer capture.Close()

	dismissed, err := a.sessions.Dismiss(ctx, "s1", models.MethodManual)
	require.NoError(t, err)
	snoozed, err := b.sessions.Snooze(ctx, "s1", models.MethodManual)
	require.NoError(t, err)
	require.Equal(t, int64(3), dismissed.Session.Counter)
	require.Equal(t, int64(3), snoozed.Session.Counter)

	envA := receive(t, capture)
	envB := receive(t, capture)
	assert.Equal(t, KindDismiss, envA.Kind)
	assert.Equal(t, KindSnooze, envB.Kind)

	// Deliver everything to everyone, duplicated and in both orders.
	for _, env := range []Envelope{envB, envA, envA, envB} {
		a.sync.Handle(ctx, env)
		b.sync.Handle(ctx, env)
	}

	finalA, err := a.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	finalB, err := b.store.GetSession(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, models.SessionStateDismissed, finalA.State)
	if diff := cmp.Diff(finalA, finalB, cmpopts.IgnoreFields(models.AlarmSession{}, "Synced")); diff != "" {
		t.Errorf("contexts diverged (-a +b):\n%s", diff)
	}
}

func TestRun_PropagatesTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	a := newTestContext(t, bus, "tab-a")
	b := newTestContext(t, bus, "tab-b")

	done := make(chan error, 2)
	for _, tc := range []*testContext{a, b} {
		go func(s *Synchronizer) { done <- s.Run(ctx) }(tc.sync)
		<-tc.sync.Ready()
	}

	trig, err := a.sessions.Trigger(ctx, "a1", mon0700)
	require.NoError(t, err)
	id := trig.Session.ID

	require.Eventually(t, func() bool {
		s, err := b.store.GetSession(ctx, id)
		return err == nil && s.State == models.SessionStateRinging
	}, 5*time.Second, 10*time.Millisecond)

	// Request-style dismiss from a thin client without a cache: every
	// context performs it and the idempotent machine keeps them agreeing.
	require.NoError(t, New(bus, "u1", "cli", nil, nil, zerolog.Nop()).
		Broadcast(ctx, Dismiss{SessionID: id, Method: models.MethodVoice}))

	require.Eventually(t, func() bool {
		sa, errA := a.store.GetSession(ctx, id)
		sb, errB := b.store.GetSession(ctx, id)
		return errA == nil && errB == nil &&
			sa.State == models.SessionStateDismissed && sb.State == models.SessionStateDismissed
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.sync.Broadcast(ctx, DefinitionChanged{AlarmID: "a1", Deleted: true}))
	require.Eventually(t, func() bool { return b.definitionChanges() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestHandle_IgnoresOwnAndForeignMessages(t *testing.T) {
	ctx := context.Background()
	a := newTestContext(t, NewMemoryBus(), "tab-a")

	own, err := Encode("tab-a", "u1", Trigger{Session: ringingSnapshot(1)}, mon0700)
	require.NoError(t, err)
	a.sync.Handle(ctx, own)

	foreign, err := Encode("tab-x", "someone-else", Trigger{Session: ringingSnapshot(1)}, mon0700)
	require.NoError(t, err)
	a.sync.Handle(ctx, foreign)

	_, err = a.store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryBus_DropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, bus.Publish(ctx, "t", Envelope{Kind: KindTrigger}))
	}
	assert.Len(t, sub.C(), subscriberBuffer)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, bus.Publish(ctx, "t", Envelope{Kind: KindTrigger}))
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	bus := NewRedisBus(client, zerolog.Nop())

	sub, err := bus.Subscribe(ctx, Topic("u1"))
	require.NoError(t, err)
	defer sub.Close()

	env, err := Encode("tab-a", "u1", Trigger{Session: ringingSnapshot(1)}, mon0700)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, Topic("u1"), env))

	got := receive(t, sub)
	assert.Equal(t, KindTrigger, got.Kind)
	assert.Equal(t, "tab-a", got.Origin)

	msg, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.(Trigger).Session.ID)
}

func TestRun_AnnouncesLiveSessionsOnSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	a := newTestContext(t, bus, "tab-a")
	_, err := a.sessions.Converge(ctx, ringingSnapshot(1))
	require.NoError(t, err)

	capture, err := bus.Subscribe(ctx, Topic("u1"))
	require.NoError(t, err)
	defer capture.Close()

	done := make(chan error, 1)
	go func() { done <- a.sync.Run(ctx) }()

	env := receive(t, capture)
	require.Equal(t, KindSyncStateUpdate, env.Kind)
	assert.Equal(t, "tab-a", env.Origin)
	msg, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.(SyncStateUpdate).Session.ID)

	cancel()
	require.NoError(t, <-done)
}

// b was away while a dismissed: b still rings. b's announcement on
// subscribe makes a send the dismissal back.
func TestRun_ContextThatMissedATransitionCatchesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemoryBus()
	a := newTestContext(t, bus, "tab-a")
	b := newTestContext(t, bus, "tab-b")
	for _, tc := range []*testContext{a, b} {
		_, err := tc.sessions.Converge(ctx, ringingSnapshot(1))
		require.NoError(t, err)
	}
	_, err := a.sessions.Dismiss(ctx, "s1", models.MethodManual)
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() { done <- a.sync.Run(ctx) }()
	<-a.sync.Ready()
	go func() { done <- b.sync.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, err := b.store.GetSession(ctx, "s1")
		return err == nil && s.State == models.SessionStateDismissed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

// closingBus hands out memory subscriptions the test can cut, and fails the
// first few subscribe attempts after a cut.
type closingBus struct {
	*MemoryBus

	mu       sync.Mutex
	subs     []Subscription
	failures int
}

func (b *closingBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("connection refused")
	}
	sub, err := b.MemoryBus.Subscribe(ctx, topic)
	if err == nil {
		b.subs = append(b.subs, sub)
	}
	return sub, err
}

func (b *closingBus) cut(failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = failures
	for _, sub := range b.subs {
		_ = sub.Close()
	}
	b.subs = nil
}

func (b *closingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func TestRun_ResubscribesWhenSubscriptionCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &closingBus{MemoryBus: NewMemoryBus()}
	a := newTestContext(t, bus, "tab-a")
	a.sync.retryInitial = time.Millisecond
	a.sync.retryMax = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- a.sync.Run(ctx) }()
	<-a.sync.Ready()
	require.Equal(t, 1, bus.count())

	bus.cut(2)
	require.Eventually(t, func() bool { return bus.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Messages flow again on the new subscription.
	remote := New(bus.MemoryBus, "u1", "tab-b", nil, nil, zerolog.Nop())
	require.NoError(t, remote.Broadcast(ctx, Trigger{Session: ringingSnapshot(1)}))
	require.Eventually(t, func() bool {
		_, err := a.store.GetSession(ctx, "s1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
