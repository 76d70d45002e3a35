package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/wake/internal/models"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store is the device-local persistence cache: the last known alarm
// definitions, live sessions, and the offline mutation queue.
type Store interface {
	// Alarm definitions
	PutAlarm(ctx context.Context, def *models.AlarmDefinition) error
	GetAlarm(ctx context.Context, id string) (*models.AlarmDefinition, error)
	ListAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error)
	DeleteAlarm(ctx context.Context, id string) error
	MarkFired(ctx context.Context, id string, at time.Time) error

	// Sessions
	PutSession(ctx context.Context, s *models.AlarmSession) error
	GetSession(ctx context.Context, id string) (*models.AlarmSession, error)
	ListSessions(ctx context.Context, userID string, states ...models.SessionState) ([]*models.AlarmSession, error)
	DeleteSession(ctx context.Context, id string) error
	MarkSessionSynced(ctx context.Context, id string, counter int64) error
	PruneSessions(ctx context.Context, userID string, before time.Time) (int64, error)

	// Offline mutation queue
	AppendMutation(ctx context.Context, m *models.PendingMutation) error
	ListMutations(ctx context.Context, userID string) ([]*models.PendingMutation, error)
	CountMutations(ctx context.Context, userID string) (int, error)
	RecordMutationAttempt(ctx context.Context, seq int64, lastErr string) error
	DeleteMutation(ctx context.Context, seq int64) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
