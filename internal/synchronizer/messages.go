// Package synchronizer propagates session transitions and definition changes
// between the live contexts of one user.
package synchronizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/sessions"
)

// Kind tags a message on the wire.
type Kind string

const (
	KindTrigger           Kind = "trigger"
	KindDismiss           Kind = "dismiss"
	KindSnooze            Kind = "snooze"
	KindDefinitionChanged Kind = "definition_changed"
	KindSyncStateUpdate   Kind = "sync_state_update"
)

// Message is the closed set of cross-context messages.
type Message interface {
	Kind() Kind
	Validate() error
	sealed()
}

// Trigger announces a freshly fired session.
type Trigger struct {
	Session *models.AlarmSession `json:"session"`
}

// Dismiss carries the snapshot of a dismissed session. A message with only
// SessionID set is a request asking the receiver to dismiss on the sender's
// behalf.
type Dismiss struct {
	SessionID string                  `json:"session_id"`
	Method    models.TransitionMethod `json:"method"`
	Session   *models.AlarmSession    `json:"session,omitempty"`
}

// Snooze is Dismiss for snoozes.
type Snooze struct {
	SessionID string                  `json:"session_id"`
	Method    models.TransitionMethod `json:"method"`
	Session   *models.AlarmSession    `json:"session,omitempty"`
}

// DefinitionChanged announces an edited, created or deleted definition.
type DefinitionChanged struct {
	AlarmID    string                  `json:"alarm_id"`
	Deleted    bool                    `json:"deleted"`
	Definition *models.AlarmDefinition `json:"definition,omitempty"`
}

// SyncStateUpdate carries any other session snapshot: a re-ring or a
// suppression, the live sessions a context announces when it subscribes,
// and the newer state a context sends back to one that is behind.
type SyncStateUpdate struct {
	Session *models.AlarmSession `json:"session"`
}

func (Trigger) Kind() Kind           { return KindTrigger }
func (Dismiss) Kind() Kind           { return KindDismiss }
func (Snooze) Kind() Kind            { return KindSnooze }
func (DefinitionChanged) Kind() Kind { return KindDefinitionChanged }
func (SyncStateUpdate) Kind() Kind   { return KindSyncStateUpdate }

func (Trigger) sealed()           {}
func (Dismiss) sealed()           {}
func (Snooze) sealed()            {}
func (DefinitionChanged) sealed() {}
func (SyncStateUpdate) sealed()   {}

var errNoSession = errors.New("session snapshot is required")

func validSnapshot(s *models.AlarmSession) error {
	if s == nil {
		return errNoSession
	}
	if s.ID == "" || s.AlarmID == "" {
		return errors.New("session snapshot needs id and alarm id")
	}
	if s.Counter < 1 {
		return errors.New("session snapshot has no transition counter")
	}
	return nil
}

func (m Trigger) Validate() error { return validSnapshot(m.Session) }

func (m SyncStateUpdate) Validate() error { return validSnapshot(m.Session) }

func (m Dismiss) Validate() error {
	if m.Session != nil {
		return validSnapshot(m.Session)
	}
	if m.SessionID == "" {
		return errors.New("dismiss needs a session id")
	}
	return nil
}

func (m Snooze) Validate() error {
	if m.Session != nil {
		return validSnapshot(m.Session)
	}
	if m.SessionID == "" {
		return errors.New("snooze needs a session id")
	}
	return nil
}

func (m DefinitionChanged) Validate() error {
	if m.AlarmID == "" {
		return errors.New("definition change needs an alarm id")
	}
	if !m.Deleted && m.Definition == nil {
		return errors.New("definition change needs the definition")
	}
	return nil
}

// Envelope is the wire form of a message.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps msg for the wire.
func Encode(origin, userID string, msg Message, now time.Time) (Envelope, error) {
	if err := msg.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid %s message: %w", msg.Kind(), err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return Envelope{Kind: msg.Kind(), Origin: origin, UserID: userID, SentAt: now.UTC(), Payload: payload}, nil
}

// Decode unwraps and validates an envelope.
func Decode(env Envelope) (Message, error) {
	var (
		msg Message
		err error
	)
	switch env.Kind {
	case KindTrigger:
		var m Trigger
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindDismiss:
		var m Dismiss
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindSnooze:
		var m Snooze
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindDefinitionChanged:
		var m DefinitionChanged
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindSyncStateUpdate:
		var m SyncStateUpdate
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", env.Kind, err)
	}
	return msg, nil
}

// MessageFor maps a local session change to the message announcing it.
func MessageFor(c sessions.Change) Message {
	s := c.Session
	switch {
	case c.Event.To == models.SessionStateRinging && c.Event.From == models.SessionStateIdle:
		return Trigger{Session: s}
	case c.Event.To == models.SessionStateDismissed:
		return Dismiss{SessionID: s.ID, Method: s.LastMethod, Session: s}
	case c.Event.To == models.SessionStateSnoozed:
		return Snooze{SessionID: s.ID, Method: s.LastMethod, Session: s}
	default:
		return SyncStateUpdate{Session: s}
	}
}
