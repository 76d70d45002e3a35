package models

import "time"

// SessionState is the lifecycle state of one ringing episode.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateRinging    SessionState = "ringing"
	SessionStateSnoozed    SessionState = "snoozed"
	SessionStateDismissed  SessionState = "dismissed"
	SessionStateSuppressed SessionState = "suppressed"
)

// TerminalRetention is how long a finished session stays in a cache. The row
// keeps late or repeated snapshots of the same occurrence from ringing again.
const TerminalRetention = 24 * time.Hour

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionStateDismissed || s == SessionStateSuppressed
}

// Rank orders states by finality; higher ranks win counter ties.
func (s SessionState) Rank() int {
	switch s {
	case SessionStateRinging:
		return 1
	case SessionStateSnoozed:
		return 2
	case SessionStateDismissed:
		return 3
	case SessionStateSuppressed:
		return 4
	default:
		return 0
	}
}

// TransitionMethod records how a transition was requested.
type TransitionMethod string

const (
	MethodTrigger      TransitionMethod = "trigger"
	MethodManual       TransitionMethod = "manual"
	MethodNotification TransitionMethod = "notification"
	MethodVoice        TransitionMethod = "voice"
	MethodAutomatic    TransitionMethod = "automatic"
	MethodAPI          TransitionMethod = "api"
)

// AlarmSession is the live state of one firing occurrence, kept across snoozes.
type AlarmSession struct {
	ID          string       `json:"id"`
	AlarmID     string       `json:"alarm_id"`
	UserID      string       `json:"user_id"`
	State       SessionState `json:"state"`
	SnoozeCount int          `json:"snooze_count"`

	// Snooze policy frozen at trigger time; edits to the definition
	// do not affect an episode already in progress.
	SnoozeEnabled  bool          `json:"snooze_enabled"`
	SnoozeInterval time.Duration `json:"snooze_interval"`
	MaxSnoozes     int           `json:"max_snoozes"`

	Counter      int64            `json:"counter"`
	FireAt       time.Time        `json:"fire_at"`
	TriggeredAt  time.Time        `json:"triggered_at"`
	SnoozedUntil *time.Time       `json:"snoozed_until,omitempty"`
	DismissedAt  *time.Time       `json:"dismissed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastMethod   TransitionMethod `json:"last_method"`
	Origin       string           `json:"origin"`
	Synced       bool             `json:"synced"`
}

// Supersedes reports whether s should replace other under the convergence rule:
// the higher transition counter wins, ties go to the more final state.
func (s *AlarmSession) Supersedes(other *AlarmSession) bool {
	if other == nil {
		return true
	}
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.State.Rank() > other.State.Rank()
}

// Clone returns a deep copy.
func (s *AlarmSession) Clone() *AlarmSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.SnoozedUntil != nil {
		t := *s.SnoozedUntil
		c.SnoozedUntil = &t
	}
	if s.DismissedAt != nil {
		t := *s.DismissedAt
		c.DismissedAt = &t
	}
	return &c
}
