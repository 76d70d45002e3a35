package models

import "time"

// TransitionEvent is published for every transition accepted by a context.
type TransitionEvent struct {
	SessionID string           `json:"session_id"`
	AlarmID   string           `json:"alarm_id"`
	From      SessionState     `json:"from_state"`
	To        SessionState     `json:"to_state"`
	Method    TransitionMethod `json:"method"`
	Counter   int64            `json:"counter"`
	Timestamp time.Time        `json:"timestamp"`
}

// ReconciliationLoss is published when a queued mutation is discarded.
type ReconciliationLoss struct {
	AlarmID    string     `json:"alarm_id"`
	MutationID string     `json:"mutation_id"`
	Seq        int64      `json:"seq"`
	Op         MutationOp `json:"op"`
	Discarded  bool       `json:"discarded"`
	Reason     string     `json:"reason"`
}
