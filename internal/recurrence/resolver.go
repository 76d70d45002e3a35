// Package recurrence resolves alarm definitions to concrete fire instants.
// Everything here is pure: no I/O, no clock reads.
package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/models"
)

// maxGap bounds how far a daylight-saving transition can shift a wall clock.
const maxGap = 3 * time.Hour

var weekdayToRRule = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// NextFireInstant returns the soonest instant strictly after ref at which def
// should fire. It returns false for disabled, spent, or unresolvable definitions.
func NextFireInstant(def *models.AlarmDefinition, ref time.Time) (time.Time, bool) {
	t, ok, err := Resolve(def, ref)
	if err != nil {
		return time.Time{}, false
	}
	return t, ok
}

// Resolve is NextFireInstant with the reason a definition cannot be resolved.
// The error is always an alarmerr SCHEDULING error.
func Resolve(def *models.AlarmDefinition, ref time.Time) (time.Time, bool, error) {
	if def == nil || !def.Enabled {
		return time.Time{}, false, nil
	}
	if err := def.Validate(); err != nil {
		return time.Time{}, false, alarmerr.Scheduling(def.ID, err)
	}
	loc, _ := def.Loc()

	if !def.Recurring() {
		at, err := oneShotInstant(def, loc)
		if err != nil {
			return time.Time{}, false, alarmerr.Scheduling(def.ID, err)
		}
		at = skipGap(at, def.TimeOfDay, loc)
		if !at.After(ref) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	}

	rule, err := weeklyRule(def, ref.In(loc))
	if err != nil {
		return time.Time{}, false, alarmerr.Scheduling(def.ID, err)
	}
	// Start early: a candidate inside a gap is shifted later, possibly past ref.
	cursor := ref.Add(-maxGap)
	for {
		raw := rule.After(cursor, false)
		if raw.IsZero() {
			return time.Time{}, false, nil
		}
		if next := skipGap(raw, def.TimeOfDay, loc); next.After(ref) {
			return next, true, nil
		}
		cursor = raw
	}
}

// Upcoming lists up to n fire instants after ref.
func Upcoming(def *models.AlarmDefinition, ref time.Time, n int) []time.Time {
	var out []time.Time
	for len(out) < n {
		next, ok := NextFireInstant(def, ref)
		if !ok {
			break
		}
		out = append(out, next)
		ref = next
	}
	return out
}

// Rule returns the RFC 5545 RRULE value for a recurring definition, or "" for
// a single-shot one.
func Rule(def *models.AlarmDefinition) string {
	if !def.Recurring() {
		return ""
	}
	opt := weeklyOption(def, time.Time{})
	return opt.RRuleString()
}

func oneShotInstant(def *models.AlarmDefinition, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(models.DateLayout, def.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date: %w", err)
	}
	tod := def.TimeOfDay
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, tod.Second, 0, loc), nil
}

// skipGap moves a wall time that does not exist on its day, because clocks
// sprang forward over it, to the same offset past the gap: 02:30 on a
// spring-forward day in New York fires at 03:30 EDT. time.Date normalizes
// such times to the earlier side of the gap.
func skipGap(t time.Time, tod models.TimeOfDay, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	got := time.Date(y, m, d, local.Hour(), local.Minute(), local.Second(), 0, time.UTC)
	want := time.Date(y, m, d, tod.Hour, tod.Minute, tod.Second, 0, time.UTC)
	diff := want.Sub(got)
	switch {
	case diff > 12*time.Hour:
		diff -= 24 * time.Hour
	case diff <= -12*time.Hour:
		diff += 24 * time.Hour
	}
	if diff <= 0 {
		return t
	}
	return t.Add(diff)
}

func weeklyOption(def *models.AlarmDefinition, dtstart time.Time) rrule.ROption {
	days := models.NormalizeWeekdays(def.Weekdays)
	byday := make([]rrule.Weekday, 0, len(days))
	for _, d := range days {
		byday = append(byday, weekdayToRRule[d])
	}
	return rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   dtstart,
		Byweekday: byday,
		Byhour:    []int{def.TimeOfDay.Hour},
		Byminute:  []int{def.TimeOfDay.Minute},
		Bysecond:  []int{def.TimeOfDay.Second},
	}
}

// weeklyRule anchors the rule one day before ref so the first candidate is
// never later than the answer.
func weeklyRule(def *models.AlarmDefinition, refLocal time.Time) (*rrule.RRule, error) {
	loc := refLocal.Location()
	dtstart := time.Date(refLocal.Year(), refLocal.Month(), refLocal.Day()-1, 0, 0, 0, 0, loc)
	return rrule.NewRRule(weeklyOption(def, dtstart))
}
