// Package ical exports alarm definitions as an iCalendar feed so calendar
// apps can show them. Each alarm becomes a VEVENT with an audible VALARM.
package ical

import (
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-ical"

	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/recurrence"
)

const productID = "-//joescharf//wake//EN"

// ErrEmpty is returned when no definition produced an event.
var ErrEmpty = errors.New("no schedulable alarms to export")

// Encode writes defs as a VCALENDAR. stamp is used as DTSTAMP and as the
// reference for each recurring event's first instance.
func Encode(w io.Writer, defs []*models.AlarmDefinition, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, def := range defs {
		ev, ok := event(def, stamp)
		if !ok {
			continue
		}
		cal.Children = append(cal.Children, ev.Component)
	}
	if len(cal.Children) == 0 {
		return ErrEmpty
	}
	return ical.NewEncoder(w).Encode(cal)
}

// event builds the VEVENT of def. Definitions whose start cannot be
// resolved are skipped.
func event(def *models.AlarmDefinition, stamp time.Time) (*ical.Event, bool) {
	start, ok := firstInstance(def, stamp)
	if !ok {
		return nil, false
	}

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, def.ID+"@wake")
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeStart, start)
	ev.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Minute))
	ev.Props.SetText(ical.PropSummary, summary(def))
	ev.Props.SetText(ical.PropDescription, def.Schedule())
	ev.Props.SetText(ical.PropSequence, strconv.FormatInt(def.Version, 10))
	if !def.Enabled {
		ev.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	if rule := recurrence.Rule(def); rule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.SetValueType(ical.ValueRecurrence)
		p.Value = rule
		ev.Props.Set(p)
	}

	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "AUDIO")
	trigger := ical.NewProp(ical.PropTrigger)
	trigger.SetValueType(ical.ValueDuration)
	trigger.Value = "PT0S"
	alarm.Props.Set(trigger)
	ev.Children = append(ev.Children, alarm)

	return ev, true
}

func summary(def *models.AlarmDefinition) string {
	if def.Label != "" {
		return def.Label
	}
	return "Alarm " + def.TimeOfDay.String()
}

// firstInstance returns the instant DTSTART points at: the date itself for
// single-shot alarms, the next weekday occurrence after stamp otherwise.
// The time is kept in the alarm's zone unless that zone is the host's.
func firstInstance(def *models.AlarmDefinition, stamp time.Time) (time.Time, bool) {
	loc, err := def.Loc()
	if err != nil {
		return time.Time{}, false
	}

	var start time.Time
	if def.Recurring() {
		enabled := def.Clone()
		enabled.Enabled = true
		next, ok := recurrence.NextFireInstant(enabled, stamp)
		if !ok {
			return time.Time{}, false
		}
		start = next
	} else {
		day, err := time.ParseInLocation(models.DateLayout, def.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		tod := def.TimeOfDay
		start = time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, tod.Second, 0, loc)
	}

	if loc == time.Local {
		return start.UTC(), true
	}
	return start.In(loc), true
}
