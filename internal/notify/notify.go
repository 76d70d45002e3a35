// Package notify turns triggers into interactive alerts and hands the user's
// selection back to the session state machine.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/wake/internal/models"
)

// Action is a button offered on an alert.
type Action string

const (
	ActionDismiss Action = "dismiss"
	ActionSnooze  Action = "snooze"
)

// ParseAction accepts an action name or its first letter.
func ParseAction(s string) (Action, error) {
	switch s {
	case "d", "dismiss":
		return ActionDismiss, nil
	case "s", "snooze":
		return ActionSnooze, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Alert is what the user sees when an alarm rings.
type Alert struct {
	SessionID string                  `json:"session_id"`
	AlarmID   string                  `json:"alarm_id"`
	Title     string                  `json:"title"`
	Body      string                  `json:"body"`
	Actions   []Action                `json:"actions"`
	Sound     models.SoundPreferences `json:"sound"`
	Challenge string                  `json:"challenge,omitempty"`
	FireAt    time.Time               `json:"fire_at"`
}

// Offers reports whether a is one of the alert's actions.
func (a Alert) Offers(action Action) bool {
	for _, x := range a.Actions {
		if x == action {
			return true
		}
	}
	return false
}

// NewAlert builds the alert for a ringing session.
func NewAlert(def *models.AlarmDefinition, s *models.AlarmSession) Alert {
	title := def.Label
	if title == "" {
		title = "Alarm"
	}
	body := fmt.Sprintf("%s (%s)", def.TimeOfDay, def.Schedule())
	if s.SnoozeCount > 0 {
		body += fmt.Sprintf(", snoozed %d/%d", s.SnoozeCount, s.MaxSnoozes)
	}
	actions := []Action{ActionDismiss}
	if s.SnoozeEnabled && s.SnoozeCount < s.MaxSnoozes {
		actions = append(actions, ActionSnooze)
	}
	return Alert{
		SessionID: s.ID,
		AlarmID:   s.AlarmID,
		Title:     title,
		Body:      body,
		Actions:   actions,
		Sound:     def.Sound,
		Challenge: def.Challenge,
		FireAt:    s.FireAt,
	}
}

// Selection is the user's answer to an alert.
type Selection struct {
	SessionID string                  `json:"session_id"`
	Action    Action                  `json:"action"`
	Method    models.TransitionMethod `json:"method"`
}

// Notifier is a host notification facility.
type Notifier interface {
	// Name identifies the notifier in logs.
	Name() string
	// Permission reports whether alerts may be shown.
	Permission(ctx context.Context) (bool, error)
	// ShowAlert presents the alert and blocks until the user picks an action
	// or ctx is done.
	ShowAlert(ctx context.Context, a Alert) (Selection, error)
}
