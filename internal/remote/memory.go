// Package remote is the authoritative alarm store as seen from a device:
// an HTTP client, an in-memory backend, and a server exposing that backend.
package remote

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/models"
)

// Write is one write the backend accepted.
type Write struct {
	Op      string
	AlarmID string
	Key     string
	// Definition is set for upserts.
	Definition *models.AlarmDefinition
}

// Memory is an in-memory authoritative store. Deleted alarms leave a
// tombstone so late writes for them are reported as conflicts, and every
// write is idempotent under its key.
type Memory struct {
	mu       sync.Mutex
	alarms   map[string]*models.AlarmDefinition
	tombs    map[string]time.Time
	sessions map[string]*models.AlarmSession
	keys     map[string]struct{}
	writes   []Write
	offline  bool
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		alarms:   make(map[string]*models.AlarmDefinition),
		tombs:    make(map[string]time.Time),
		sessions: make(map[string]*models.AlarmSession),
		keys:     make(map[string]struct{}),
		now:      time.Now,
	}
}

// SetOffline makes every call fail with a retryable error until cleared.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *Memory) unavailable() error {
	if m.offline {
		return alarmerr.Retryable("remote store unavailable", nil)
	}
	return nil
}

// seen records key and reports whether it was already applied.
func (m *Memory) seen(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := m.keys[key]; ok {
		return true
	}
	m.keys[key] = struct{}{}
	return false
}

func (m *Memory) FetchAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, alarmerr.Retryable("fetch alarms", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return nil, err
	}

	var out []*models.AlarmDefinition
	for _, def := range m.alarms {
		if def.UserID == userID {
			out = append(out, def.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.AlarmDefinition) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) UpsertAlarm(ctx context.Context, def *models.AlarmDefinition, key string) error {
	if err := ctx.Err(); err != nil {
		return alarmerr.Retryable("upsert alarm", err)
	}
	if def == nil || def.ID == "" {
		return alarmerr.ReconciliationFailure("", "definition without id", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	if _, gone := m.tombs[def.ID]; gone {
		return alarmerr.SyncConflict(def.ID, "alarm was deleted remotely")
	}
	if err := def.Validate(); err != nil {
		return alarmerr.ReconciliationFailure(def.ID, "definition rejected", err)
	}
	if cur, ok := m.alarms[def.ID]; ok && cur.UserID != def.UserID {
		return alarmerr.ReconciliationFailure(def.ID, "alarm belongs to another user", nil)
	}
	if m.seen(key) {
		return nil
	}

	c := def.Clone()
	c.LastFiredAt = nil
	m.alarms[def.ID] = c
	m.writes = append(m.writes, Write{Op: "upsert", AlarmID: def.ID, Key: key, Definition: c.Clone()})
	return nil
}

func (m *Memory) DeleteAlarm(ctx context.Context, userID, alarmID, key string) error {
	if err := ctx.Err(); err != nil {
		return alarmerr.Retryable("delete alarm", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	if cur, ok := m.alarms[alarmID]; ok && cur.UserID != userID {
		return alarmerr.ReconciliationFailure(alarmID, "alarm belongs to another user", nil)
	}
	if m.seen(key) {
		return nil
	}

	delete(m.alarms, alarmID)
	if _, ok := m.tombs[alarmID]; !ok {
		m.tombs[alarmID] = m.now()
	}
	for id, s := range m.sessions {
		if s.AlarmID == alarmID {
			delete(m.sessions, id)
		}
	}
	m.writes = append(m.writes, Write{Op: "delete", AlarmID: alarmID, Key: key})
	return nil
}

// RecordSession stores a session outcome. Older snapshots never replace
// newer ones.
func (m *Memory) RecordSession(ctx context.Context, s *models.AlarmSession, key string) error {
	if err := ctx.Err(); err != nil {
		return alarmerr.Retryable("record session", err)
	}
	if s == nil || s.ID == "" {
		return alarmerr.ReconciliationFailure("", "session without id", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return err
	}
	if _, gone := m.tombs[s.AlarmID]; gone {
		return alarmerr.SyncConflict(s.AlarmID, "alarm was deleted remotely")
	}
	if m.seen(key) {
		return nil
	}

	if s.Supersedes(m.sessions[s.ID]) {
		m.sessions[s.ID] = s.Clone()
	}
	m.writes = append(m.writes, Write{Op: "session", AlarmID: s.AlarmID, Key: key})
	return nil
}

// FetchSessions returns the user's latest session snapshots.
func (m *Memory) FetchSessions(ctx context.Context, userID string) ([]*models.AlarmSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, alarmerr.Retryable("fetch sessions", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unavailable(); err != nil {
		return nil, err
	}

	var out []*models.AlarmSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.AlarmSession) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Alarm returns the stored definition.
func (m *Memory) Alarm(id string) (*models.AlarmDefinition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.alarms[id]
	return def.Clone(), ok
}

// Session returns the stored session snapshot.
func (m *Memory) Session(id string) (*models.AlarmSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s.Clone(), ok
}

// Tombstoned reports whether the alarm was deleted.
func (m *Memory) Tombstoned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tombs[id]
	return ok
}

// Writes returns the accepted writes in order.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writes)
}

func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("remote.Memory{alarms=%d tombstones=%d sessions=%d}", len(m.alarms), len(m.tombs), len(m.sessions))
}
