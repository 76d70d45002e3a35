package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/wake/internal/models"
)

// ringingSession stores a ringing session for a freshly added alarm.
func ringingSession(t *testing.T, maxSnoozes int) *models.AlarmSession {
	t.Helper()
	require.NoError(t, alarmAddRun(alarmFlags(t, false, "time", "07:00", "days", "daily")))
	def := listAlarms(t)[0]

	s, err := getStore()
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	sess := &models.AlarmSession{
		ID:             "01JSESSION0000000000000000",
		AlarmID:        def.ID,
		UserID:         viper.GetString("user_id"),
		State:          models.SessionStateRinging,
		SnoozeEnabled:  true,
		SnoozeInterval: 5 * time.Minute,
		MaxSnoozes:     maxSnoozes,
		Counter:        1,
		FireAt:         now,
		TriggeredAt:    now,
		UpdatedAt:      now,
		LastMethod:     models.MethodTrigger,
		Origin:         "other-device",
	}
	require.NoError(t, s.PutSession(context.Background(), sess))
	return sess
}

func getSession(t *testing.T, id string) *models.AlarmSession {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)
	sess, err := s.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func TestParseStateFilter(t *testing.T) {
	states, err := parseStateFilter("live")
	require.NoError(t, err)
	assert.Equal(t, []models.SessionState{models.SessionStateRinging, models.SessionStateSnoozed}, states)

	states, err = parseStateFilter("dismissed")
	require.NoError(t, err)
	assert.Equal(t, []models.SessionState{models.SessionStateDismissed}, states)

	states, err = parseStateFilter("")
	require.NoError(t, err)
	assert.Nil(t, states)

	_, err = parseStateFilter("idle")
	assert.Error(t, err)
}

func TestSessionSnoozeThenDismiss(t *testing.T) {
	testEnv(t)
	out := captureUI(t)
	sess := ringingSession(t, 1)

	require.NoError(t, sessionListRun("live"))
	assert.Contains(t, out.String(), shortID(sess.ID))
	assert.Contains(t, out.String(), "0/1")

	out.Reset()
	require.NoError(t, sessionTransitionRun("01jsession", models.SessionStateSnoozed))
	assert.Contains(t, out.String(), "Snoozed")
	got := getSession(t, sess.ID)
	assert.Equal(t, models.SessionStateSnoozed, got.State)
	assert.Equal(t, 1, got.SnoozeCount)
	assert.Equal(t, models.MethodManual, got.LastMethod)
	assert.Greater(t, got.Counter, sess.Counter)

	// Snoozing a snoozed session changes nothing.
	out.Reset()
	require.NoError(t, sessionTransitionRun(sess.ID, models.SessionStateSnoozed))
	assert.Contains(t, out.String(), "already")

	require.NoError(t, sessionTransitionRun(sess.ID, models.SessionStateDismissed))
	assert.Equal(t, models.SessionStateDismissed, getSession(t, sess.ID).State)

	out.Reset()
	require.NoError(t, sessionListRun("live"))
	assert.Contains(t, out.String(), "No sessions")
}

func TestSessionSnooze_Rejected(t *testing.T) {
	testEnv(t)
	captureUI(t)
	sess := ringingSession(t, 0)

	err := sessionTransitionRun(sess.ID, models.SessionStateSnoozed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snooze_limit_reached")
	assert.Equal(t, models.SessionStateRinging, getSession(t, sess.ID).State)
}

func TestSessionTransition_UnknownSession(t *testing.T) {
	testEnv(t)
	captureUI(t)

	err := sessionTransitionRun("NOPE", models.SessionStateDismissed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStatusRun(t *testing.T) {
	testEnv(t)
	out := captureUI(t)
	ringingSession(t, 1)

	out.Reset()
	require.NoError(t, statusRun(nil))
	assert.Contains(t, out.String(), "1 alarms (1 enabled)")
	assert.Contains(t, out.String(), "ringing")
	assert.Contains(t, out.String(), "local only")
	assert.Contains(t, out.String(), "not running")
}

func TestExportRun(t *testing.T) {
	dir := testEnv(t)
	out := captureUI(t)

	require.NoError(t, exportRun())
	assert.Contains(t, out.String(), "Nothing to export")

	require.NoError(t, alarmAddRun(alarmFlags(t, false, "time", "07:00", "days", "weekdays", "label", "work")))

	out.Reset()
	require.NoError(t, exportRun())
	assert.Contains(t, out.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, out.String(), "SUMMARY:work")

	exportOutput = filepath.Join(dir, "alarms.ics")
	defer func() { exportOutput = "" }()
	require.NoError(t, exportRun())
	data, err := os.ReadFile(exportOutput)
	require.NoError(t, err)
	assert.Contains(t, string(data), "RRULE:FREQ=WEEKLY")
}
