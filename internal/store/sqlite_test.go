package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/wake/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func weekdayAlarm() *models.AlarmDefinition {
	return &models.AlarmDefinition{
		UserID:    "u1",
		Label:     "work",
		TimeOfDay: models.TimeOfDay{Hour: 7},
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Location:  "UTC",
		Enabled:   true,
		Snooze:    models.SnoozePolicy{Enabled: true, Interval: 5 * time.Minute, MaxCount: 3},
		Sound:     models.SoundPreferences{Name: "chime", Volume: 80, Vibrate: true},
		Challenge: "math",
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Alarm CRUD ---

func TestAlarmCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := weekdayAlarm()
	require.NoError(t, s.PutAlarm(ctx, def))
	assert.NotEmpty(t, def.ID, "should assign an id")
	assert.False(t, def.CreatedAt.IsZero())

	got, err := s.GetAlarm(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "work", got.Label)
	assert.Equal(t, models.TimeOfDay{Hour: 7}, got.TimeOfDay)
	assert.Equal(t, def.Weekdays, got.Weekdays)
	assert.True(t, got.Enabled)
	assert.Equal(t, def.Snooze, got.Snooze)
	assert.Equal(t, def.Sound, got.Sound)
	assert.Equal(t, "math", got.Challenge)
	assert.Nil(t, got.LastFiredAt)

	// Update
	got.Label = "gym"
	got.TimeOfDay = models.TimeOfDay{Hour: 6, Minute: 30}
	got.Version++
	require.NoError(t, s.PutAlarm(ctx, got))

	updated, err := s.GetAlarm(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "gym", updated.Label)
	assert.Equal(t, 30, updated.TimeOfDay.Minute)
	assert.Equal(t, int64(1), updated.Version)

	// List
	other := weekdayAlarm()
	other.UserID = "u2"
	require.NoError(t, s.PutAlarm(ctx, other))

	list, err := s.ListAlarms(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Delete
	require.NoError(t, s.DeleteAlarm(ctx, def.ID))
	_, err = s.GetAlarm(ctx, def.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlarm_SingleShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := weekdayAlarm()
	def.Weekdays = nil
	def.Date = "2026-10-20"
	require.NoError(t, s.PutAlarm(ctx, def))

	got, err := s.GetAlarm(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Weekdays)
	assert.Equal(t, "2026-10-20", got.Date)
	assert.False(t, got.Recurring())
}

func TestMarkFired_KeepsCheckpointAcrossUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := weekdayAlarm()
	require.NoError(t, s.PutAlarm(ctx, def))

	fired := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkFired(ctx, def.ID, fired))

	// An older checkpoint never moves it back.
	require.NoError(t, s.MarkFired(ctx, def.ID, fired.Add(-time.Hour)))

	def.Label = "edited"
	def.LastFiredAt = nil
	require.NoError(t, s.PutAlarm(ctx, def))

	got, err := s.GetAlarm(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(fired))
}

// --- Sessions ---

func newSession(alarmID string, state models.SessionState) *models.AlarmSession {
	now := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	return &models.AlarmSession{
		AlarmID:        alarmID,
		UserID:         "u1",
		State:          state,
		SnoozeEnabled:  true,
		SnoozeInterval: 5 * time.Minute,
		MaxSnoozes:     1,
		Counter:        1,
		FireAt:         now,
		TriggeredAt:    now,
		UpdatedAt:      now,
		LastMethod:     models.MethodTrigger,
		Origin:         "ctx-a",
	}
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("a1", models.SessionStateRinging)
	require.NoError(t, s.PutSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	until := sess.FireAt.Add(5 * time.Minute)
	sess.State = models.SessionStateSnoozed
	sess.SnoozeCount = 1
	sess.SnoozedUntil = &until
	sess.Counter = 2
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateSnoozed, got.State)
	assert.Equal(t, 1, got.SnoozeCount)
	assert.Equal(t, int64(2), got.Counter)
	assert.Equal(t, 5*time.Minute, got.SnoozeInterval)
	require.NotNil(t, got.SnoozedUntil)
	assert.True(t, got.SnoozedUntil.Equal(until))
	assert.Nil(t, got.DismissedAt)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_FilterByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newSession("a1", models.SessionStateRinging)))
	require.NoError(t, s.PutSession(ctx, newSession("a2", models.SessionStateSnoozed)))
	require.NoError(t, s.PutSession(ctx, newSession("a3", models.SessionStateDismissed)))

	all, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	live, err := s.ListSessions(ctx, "u1", models.SessionStateRinging, models.SessionStateSnoozed)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	none, err := s.ListSessions(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPruneSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dismissed := newSession("a1", models.SessionStateDismissed)
	require.NoError(t, s.PutSession(ctx, dismissed))
	suppressed := newSession("a2", models.SessionStateSuppressed)
	require.NoError(t, s.PutSession(ctx, suppressed))
	ringing := newSession("a3", models.SessionStateRinging)
	require.NoError(t, s.PutSession(ctx, ringing))
	recent := newSession("a4", models.SessionStateDismissed)
	recent.UpdatedAt = recent.UpdatedAt.Add(2 * time.Hour)
	require.NoError(t, s.PutSession(ctx, recent))

	// Unsynced terminal sessions expire too; only a queued dismiss holds one back.
	queued := newSession("a5", models.SessionStateDismissed)
	require.NoError(t, s.PutSession(ctx, queued))
	require.NoError(t, s.AppendMutation(ctx, &models.PendingMutation{
		UserID: "u1", AlarmID: "a5", Op: models.MutationDismiss, Session: queued, Origin: "ctx-a",
	}))

	cutoff := dismissed.UpdatedAt.Add(time.Hour)
	n, err := s.PruneSessions(ctx, "u1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetSession(ctx, dismissed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, suppressed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, ringing.ID)
	assert.NoError(t, err, "live sessions are never pruned")
	_, err = s.GetSession(ctx, recent.ID)
	assert.NoError(t, err, "sessions inside the retention window are kept")
	_, err = s.GetSession(ctx, queued.ID)
	assert.NoError(t, err, "sessions with a queued dismiss are kept")

	n, err = s.PruneSessions(ctx, "someone-else", cutoff.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionID_Deterministic(t *testing.T) {
	at := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)

	id := SessionID("a1", at)
	assert.Equal(t, id, SessionID("a1", at.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, id, SessionID("a2", at))
	assert.NotEqual(t, id, SessionID("a1", at.Add(24*time.Hour)))
	assert.Less(t, id, SessionID("a1", at.Add(24*time.Hour)), "ids sort by occurrence")
	assert.Len(t, id, 26)
}

func TestMarkSessionSynced_IgnoresStaleCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("a1", models.SessionStateDismissed)
	sess.Counter = 3
	require.NoError(t, s.PutSession(ctx, sess))

	require.NoError(t, s.MarkSessionSynced(ctx, sess.ID, 2))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)

	require.NoError(t, s.MarkSessionSynced(ctx, sess.ID, 3))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
}

// --- Mutation queue ---

func TestMutationQueue_SequenceOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := weekdayAlarm()
	def.ID = "a1"

	var seqs []int64
	for i, minute := range []int{15, 30} {
		d := def.Clone()
		d.TimeOfDay.Minute = minute
		m := &models.PendingMutation{UserID: "u1", AlarmID: "a1", Op: models.MutationUpdate, Definition: d, Origin: "ctx-a"}
		require.NoError(t, s.AppendMutation(ctx, m), "append %d", i)
		seqs = append(seqs, m.Seq)
	}
	sess := newSession("a1", models.SessionStateDismissed)
	sess.ID = "s1"
	require.NoError(t, s.AppendMutation(ctx, &models.PendingMutation{UserID: "u1", AlarmID: "a1", Op: models.MutationDismiss, Session: sess, Origin: "ctx-a"}))

	assert.Less(t, seqs[0], seqs[1])

	list, err := s.ListMutations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 15, list[0].Definition.TimeOfDay.Minute)
	assert.Equal(t, 30, list[1].Definition.TimeOfDay.Minute)
	assert.Equal(t, models.MutationDismiss, list[2].Op)
	require.NotNil(t, list[2].Session)
	assert.Equal(t, "s1", list[2].Session.ID)
	assert.Equal(t, "ctx-a:"+strconv.FormatInt(list[0].Seq, 10), list[0].IdempotencyKey())

	n, err := s.CountMutations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.RecordMutationAttempt(ctx, list[0].Seq, "timeout"))
	require.NoError(t, s.DeleteMutation(ctx, list[1].Seq))

	list, err = s.ListMutations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, "timeout", list[0].LastError)
}

func TestPutSession_IgnoresLosingSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("a1", models.SessionStateDismissed)
	sess.Counter = 3
	require.NoError(t, s.PutSession(ctx, sess))

	// Same counter, less final state: loses the tie.
	stale := sess.Clone()
	stale.State = models.SessionStateSnoozed
	require.NoError(t, s.PutSession(ctx, stale))

	// Lower counter: loses outright.
	older := sess.Clone()
	older.State = models.SessionStateRinging
	older.Counter = 2
	require.NoError(t, s.PutSession(ctx, older))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateDismissed, got.State)
	assert.Equal(t, int64(3), got.Counter)

	// Rewriting the winning snapshot is allowed.
	sess.Synced = true
	require.NoError(t, s.PutSession(ctx, sess))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
}
