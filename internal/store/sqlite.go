package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/wake/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. The agent, the reconciler and
	// the HTTP API all write from different goroutines, so serialize through a
	// single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Other processes (CLI commands next to a running agent) share the file.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewID generates a new ULID string.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// SessionID derives the id of the session for one occurrence of an alarm.
// Every context that fires the same occurrence arrives at the same id, so
// the copies converge as one session instead of living side by side.
func SessionID(alarmID string, fireAt time.Time) string {
	fireAt = fireAt.UTC()
	sum := sha256.Sum256([]byte(alarmID + "@" + fireAt.Format(time.RFC3339Nano)))
	return ulid.MustNew(ulid.Timestamp(fireAt), bytes.NewReader(sum[:])).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Alarms ---

const alarmColumns = `id, user_id, label, hour, minute, second, weekdays, date, location, enabled,
	snooze_enabled, snooze_interval_ms, snooze_max, sound_name, sound_volume, sound_vibrate,
	challenge, version, created_at, updated_at, last_fired_at`

func encodeWeekdays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range models.NormalizeWeekdays(days) {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) []time.Weekday {
	if s == "" {
		return nil
	}
	var days []time.Weekday
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}

// PutAlarm inserts or replaces a definition. The agent checkpoint
// (last_fired_at) survives replacement.
func (s *SQLiteStore) PutAlarm(ctx context.Context, def *models.AlarmDefinition) error {
	if def.ID == "" {
		def.ID = NewID()
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms (`+alarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, label=excluded.label, hour=excluded.hour, minute=excluded.minute,
			second=excluded.second, weekdays=excluded.weekdays, date=excluded.date, location=excluded.location,
			enabled=excluded.enabled, snooze_enabled=excluded.snooze_enabled,
			snooze_interval_ms=excluded.snooze_interval_ms, snooze_max=excluded.snooze_max,
			sound_name=excluded.sound_name, sound_volume=excluded.sound_volume,
			sound_vibrate=excluded.sound_vibrate, challenge=excluded.challenge, version=excluded.version,
			created_at=excluded.created_at, updated_at=excluded.updated_at`,
		def.ID, def.UserID, def.Label, def.TimeOfDay.Hour, def.TimeOfDay.Minute, def.TimeOfDay.Second,
		encodeWeekdays(def.Weekdays), def.Date, def.Location, boolToInt(def.Enabled),
		boolToInt(def.Snooze.Enabled), def.Snooze.Interval.Milliseconds(), def.Snooze.MaxCount,
		def.Sound.Name, def.Sound.Volume, boolToInt(def.Sound.Vibrate),
		def.Challenge, def.Version, def.CreatedAt.UTC(), def.UpdatedAt.UTC(), nullTime(def.LastFiredAt),
	)
	if err != nil {
		return fmt.Errorf("put alarm: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row rowScanner) (*models.AlarmDefinition, error) {
	def := &models.AlarmDefinition{}
	var weekdays string
	var intervalMS int64
	var lastFired sql.NullTime
	err := row.Scan(&def.ID, &def.UserID, &def.Label,
		&def.TimeOfDay.Hour, &def.TimeOfDay.Minute, &def.TimeOfDay.Second,
		&weekdays, &def.Date, &def.Location, &def.Enabled,
		&def.Snooze.Enabled, &intervalMS, &def.Snooze.MaxCount,
		&def.Sound.Name, &def.Sound.Volume, &def.Sound.Vibrate,
		&def.Challenge, &def.Version, &def.CreatedAt, &def.UpdatedAt, &lastFired)
	if err != nil {
		return nil, err
	}
	def.Weekdays = decodeWeekdays(weekdays)
	def.Snooze.Interval = time.Duration(intervalMS) * time.Millisecond
	if lastFired.Valid {
		t := lastFired.Time
		def.LastFiredAt = &t
	}
	return def, nil
}

func (s *SQLiteStore) GetAlarm(ctx context.Context, id string) (*models.AlarmDefinition, error) {
	def, err := scanAlarm(s.db.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alarm %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alarm: %w", err)
	}
	return def, nil
}

func (s *SQLiteStore) ListAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE user_id = ? ORDER BY hour, minute, second, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*models.AlarmDefinition
	for rows.Next() {
		def, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *SQLiteStore) DeleteAlarm(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM alarms WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	return nil
}

// MarkFired records the agent's checkpoint for an alarm. It never moves the
// checkpoint backwards.
func (s *SQLiteStore) MarkFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET last_fired_at = ? WHERE id = ? AND (last_fired_at IS NULL OR last_fired_at < ?)`,
		at.UTC(), id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark alarm fired: %w", err)
	}
	return nil
}

// --- Sessions ---

const sessionColumns = `id, alarm_id, user_id, state, snooze_count, snooze_enabled, snooze_interval_ms,
	max_snoozes, counter, fire_at, triggered_at, snoozed_until, dismissed_at, updated_at,
	last_method, origin, synced`

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// stateRank mirrors models.SessionState.Rank in SQL.
func stateRank(col string) string {
	return fmt.Sprintf(`(CASE %s WHEN '%s' THEN 1 WHEN '%s' THEN 2 WHEN '%s' THEN 3 WHEN '%s' THEN 4 ELSE 0 END)`,
		col, models.SessionStateRinging, models.SessionStateSnoozed, models.SessionStateDismissed, models.SessionStateSuppressed)
}

// PutSession inserts a session snapshot or replaces an existing one. A
// snapshot that loses to the stored one under the convergence rule is
// silently ignored, so the cache never moves backwards.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *models.AlarmSession) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, snooze_count=excluded.snooze_count,
			snooze_enabled=excluded.snooze_enabled, snooze_interval_ms=excluded.snooze_interval_ms,
			max_snoozes=excluded.max_snoozes, counter=excluded.counter, fire_at=excluded.fire_at,
			triggered_at=excluded.triggered_at, snoozed_until=excluded.snoozed_until,
			dismissed_at=excluded.dismissed_at, updated_at=excluded.updated_at,
			last_method=excluded.last_method, origin=excluded.origin, synced=excluded.synced
		WHERE excluded.counter > sessions.counter
			OR (excluded.counter = sessions.counter AND `+stateRank("excluded.state")+` >= `+stateRank("sessions.state")+`)`,
		sess.ID, sess.AlarmID, sess.UserID, string(sess.State), sess.SnoozeCount,
		boolToInt(sess.SnoozeEnabled), sess.SnoozeInterval.Milliseconds(), sess.MaxSnoozes,
		sess.Counter, sess.FireAt.UTC(), sess.TriggeredAt.UTC(),
		nullTime(sess.SnoozedUntil), nullTime(sess.DismissedAt), sess.UpdatedAt.UTC(),
		string(sess.LastMethod), sess.Origin, boolToInt(sess.Synced),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*models.AlarmSession, error) {
	sess := &models.AlarmSession{}
	var state, method string
	var intervalMS int64
	var snoozedUntil, dismissedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.AlarmID, &sess.UserID, &state, &sess.SnoozeCount,
		&sess.SnoozeEnabled, &intervalMS, &sess.MaxSnoozes, &sess.Counter,
		&sess.FireAt, &sess.TriggeredAt, &snoozedUntil, &dismissedAt, &sess.UpdatedAt,
		&method, &sess.Origin, &sess.Synced)
	if err != nil {
		return nil, err
	}
	sess.State = models.SessionState(state)
	sess.LastMethod = models.TransitionMethod(method)
	sess.SnoozeInterval = time.Duration(intervalMS) * time.Millisecond
	if snoozedUntil.Valid {
		t := snoozedUntil.Time
		sess.SnoozedUntil = &t
	}
	if dismissedAt.Valid {
		t := dismissedAt.Time
		sess.DismissedAt = &t
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.AlarmSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, newest trigger first, optionally
// filtered by state.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, states ...models.SessionState) ([]*models.AlarmSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ?`
	args := []any{userID}

	if len(states) > 0 {
		placeholders := ""
		for i, st := range states {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		query += " AND state IN (" + placeholders + ")"
	}
	query += " ORDER BY triggered_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.AlarmSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// MarkSessionSynced flags a session as acknowledged by the remote store, as
// long as no newer transition happened in the meantime.
func (s *SQLiteStore) MarkSessionSynced(ctx context.Context, id string, counter int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET synced = 1 WHERE id = ? AND counter <= ?", id, counter)
	if err != nil {
		return fmt.Errorf("mark session synced: %w", err)
	}
	return nil
}

// PruneSessions removes terminal sessions last updated before the cutoff.
// Sessions of an alarm with a queued dismiss or snooze stay until it is
// replayed.
func (s *SQLiteStore) PruneSessions(ctx context.Context, userID string, before time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at FROM sessions
		WHERE user_id = ? AND state IN (?, ?)
			AND NOT EXISTS (SELECT 1 FROM mutations m
				WHERE m.user_id = sessions.user_id AND m.alarm_id = sessions.alarm_id
					AND m.op IN (?, ?))`,
		userID, string(models.SessionStateDismissed), string(models.SessionStateSuppressed),
		string(models.MutationDismiss), string(models.MutationSnooze))
	if err != nil {
		return 0, fmt.Errorf("list prunable sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var updated time.Time
		if err := rows.Scan(&id, &updated); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan session: %w", err)
		}
		if updated.Before(before) {
			expired = append(expired, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range expired {
		res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return n, fmt.Errorf("prune session %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, nil
}

// --- Mutation queue ---

type mutationPayload struct {
	Definition *models.AlarmDefinition `json:"definition,omitempty"`
	Session    *models.AlarmSession    `json:"session,omitempty"`
}

// AppendMutation adds m to the end of the queue and sets m.Seq.
func (s *SQLiteStore) AppendMutation(ctx context.Context, m *models.PendingMutation) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(mutationPayload{Definition: m.Definition, Session: m.Session})
	if err != nil {
		return fmt.Errorf("encode mutation payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mutations (id, user_id, alarm_id, op, payload, origin, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.AlarmID, string(m.Op), string(payload), m.Origin, m.Attempts, m.LastError, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	m.Seq = seq
	return nil
}

// ListMutations returns the user's queue in sequence order.
func (s *SQLiteStore) ListMutations(ctx context.Context, userID string) ([]*models.PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, user_id, alarm_id, op, payload, origin, attempts, last_error, created_at
		FROM mutations WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PendingMutation
	for rows.Next() {
		m := &models.PendingMutation{}
		var op, payload string
		if err := rows.Scan(&m.Seq, &m.ID, &m.UserID, &m.AlarmID, &op, &payload,
			&m.Origin, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		m.Op = models.MutationOp(op)
		var p mutationPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode mutation %d payload: %w", m.Seq, err)
		}
		m.Definition = p.Definition
		m.Session = p.Session
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountMutations(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutations WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RecordMutationAttempt(ctx context.Context, seq int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE mutations SET attempts = attempts + 1, last_error = ? WHERE seq = ?", lastErr, seq)
	if err != nil {
		return fmt.Errorf("record mutation attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMutation(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mutations WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	return nil
}
