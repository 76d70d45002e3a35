package models

import (
	"fmt"
	"time"
)

// MutationOp is the kind of a queued change.
type MutationOp string

const (
	MutationCreate  MutationOp = "create"
	MutationUpdate  MutationOp = "update"
	MutationDelete  MutationOp = "delete"
	MutationDismiss MutationOp = "dismiss"
	MutationSnooze  MutationOp = "snooze"
)

// SessionOp reports whether the mutation carries a session snapshot.
func (op MutationOp) SessionOp() bool {
	return op == MutationDismiss || op == MutationSnooze
}

// PendingMutation is an entry of the offline queue. Seq is assigned by the
// local cache and is strictly increasing.
type PendingMutation struct {
	Seq        int64            `json:"seq"`
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	AlarmID    string           `json:"alarm_id"`
	Op         MutationOp       `json:"op"`
	Definition *AlarmDefinition `json:"definition,omitempty"`
	Session    *AlarmSession    `json:"session,omitempty"`
	Origin     string           `json:"origin"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"last_error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// IdempotencyKey identifies the mutation to the remote store across retries.
func (m *PendingMutation) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", m.Origin, m.Seq)
}
