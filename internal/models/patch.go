package models

import (
	"fmt"
	"time"
)

// AlarmPatch is a partial edit of a definition. Nil fields are left alone.
// Setting days clears the date and the other way around.
type AlarmPatch struct {
	Label     *string           `json:"label,omitempty"`
	Time      *string           `json:"time,omitempty"`
	Days      *string           `json:"days,omitempty"`
	Date      *string           `json:"date,omitempty"`
	Location  *string           `json:"location,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
	Snooze    *SnoozePolicy     `json:"snooze,omitempty"`
	Sound     *SoundPreferences `json:"sound,omitempty"`
	Challenge *string           `json:"challenge,omitempty"`
}

// Apply writes the patch onto d.
func (p *AlarmPatch) Apply(d *AlarmDefinition) error {
	if p.Label != nil {
		d.Label = *p.Label
	}
	if p.Time != nil {
		t, err := ParseTimeOfDay(*p.Time)
		if err != nil {
			return err
		}
		d.TimeOfDay = t
	}
	if p.Days != nil {
		days, err := ParseWeekdays(*p.Days)
		if err != nil {
			return err
		}
		d.Weekdays = days
		if len(days) > 0 {
			d.Date = ""
		}
	}
	if p.Date != nil {
		if *p.Date != "" {
			if _, err := time.Parse(DateLayout, *p.Date); err != nil {
				return fmt.Errorf("invalid date %q (want YYYY-MM-DD)", *p.Date)
			}
			d.Weekdays = nil
		}
		d.Date = *p.Date
	}
	if p.Location != nil {
		d.Location = *p.Location
	}
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if p.Snooze != nil {
		d.Snooze = *p.Snooze
	}
	if p.Sound != nil {
		d.Sound = *p.Sound
	}
	if p.Challenge != nil {
		d.Challenge = *p.Challenge
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p *AlarmPatch) Empty() bool {
	return p.Label == nil && p.Time == nil && p.Days == nil && p.Date == nil &&
		p.Location == nil && p.Enabled == nil && p.Snooze == nil && p.Sound == nil && p.Challenge == nil
}

// NewAlarm builds an enabled definition from a patch over the default snooze policy.
func NewAlarm(p *AlarmPatch, snooze SnoozePolicy) (*AlarmDefinition, error) {
	d := &AlarmDefinition{Enabled: true, Snooze: snooze, Sound: SoundPreferences{Volume: 80}}
	if p.Time == nil {
		return nil, fmt.Errorf("time is required")
	}
	if err := p.Apply(d); err != nil {
		return nil, err
	}
	return d, nil
}
