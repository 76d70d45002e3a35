package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout of a single-shot alarm date.
const DateLayout = "2006-01-02"

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM or HH:MM:SS)", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
		}
		vals[i] = n
	}
	t := TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

// Validate checks the components are within a day.
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("time of day out of range: %02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return nil
}

func (t TimeOfDay) String() string {
	if t.Second == 0 {
		return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
	}
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses a day list such as "mon-fri", "mon,wed,fri", "weekdays",
// "weekends" or "daily". The result is sorted Sunday first with no duplicates.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return nil, nil
	case "daily", "everyday", "all":
		return []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}, nil
	case "weekdays":
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, nil
	case "weekends":
		return []time.Weekday{time.Sunday, time.Saturday}, nil
	}

	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if from, to, ok := strings.Cut(part, "-"); ok {
			a, okA := weekdayNames[shortDay(from)]
			b, okB := weekdayNames[shortDay(to)]
			if !okA || !okB {
				return nil, fmt.Errorf("invalid weekday range %q", part)
			}
			for d := a; ; d = (d + 1) % 7 {
				seen[d] = true
				if d == b {
					break
				}
			}
			continue
		}
		d, ok := weekdayNames[shortDay(part)]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		seen[d] = true
	}
	return NormalizeWeekdays(mapKeys(seen)), nil
}

func shortDay(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 3 {
		return s[:3]
	}
	return s
}

func mapKeys(m map[time.Weekday]bool) []time.Weekday {
	out := make([]time.Weekday, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	return out
}

// NormalizeWeekdays sorts and de-duplicates a weekday set.
func NormalizeWeekdays(days []time.Weekday) []time.Weekday {
	out := slices.Clone(days)
	slices.Sort(out)
	return slices.Compact(out)
}

// FormatWeekdays renders a weekday set compactly ("mon,tue" / "daily").
func FormatWeekdays(days []time.Weekday) string {
	days = NormalizeWeekdays(days)
	switch len(days) {
	case 0:
		return ""
	case 7:
		return "daily"
	}
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = strings.ToLower(d.String()[:3])
	}
	return strings.Join(names, ",")
}

// SnoozePolicy controls whether and how often a ringing alarm may be snoozed.
type SnoozePolicy struct {
	Enabled  bool
	Interval time.Duration
	MaxCount int
}

type snoozePolicyJSON struct {
	Enabled  bool            `json:"enabled"`
	Interval json.RawMessage `json:"interval,omitempty"`
	MaxCount int             `json:"max_count"`
}

// MarshalJSON writes the interval as a Go duration string ("5m0s").
func (p SnoozePolicy) MarshalJSON() ([]byte, error) {
	iv, _ := json.Marshal(p.Interval.String())
	return json.Marshal(snoozePolicyJSON{Enabled: p.Enabled, Interval: iv, MaxCount: p.MaxCount})
}

// UnmarshalJSON accepts the interval as a duration string or as seconds.
func (p *SnoozePolicy) UnmarshalJSON(b []byte) error {
	var raw snoozePolicyJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Enabled = raw.Enabled
	p.MaxCount = raw.MaxCount
	p.Interval = 0
	if len(raw.Interval) == 0 || string(raw.Interval) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Interval, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("snooze interval: %w", err)
		}
		p.Interval = d
		return nil
	}
	var secs float64
	if err := json.Unmarshal(raw.Interval, &secs); err != nil {
		return fmt.Errorf("snooze interval: %w", err)
	}
	p.Interval = time.Duration(secs * float64(time.Second))
	return nil
}

// SoundPreferences are passed through to the notification surface.
type SoundPreferences struct {
	Name    string `json:"name,omitempty"`
	Volume  int    `json:"volume"`
	Vibrate bool   `json:"vibrate"`
}

// AlarmDefinition is a user's alarm schedule rule.
type AlarmDefinition struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Label     string           `json:"label"`
	TimeOfDay TimeOfDay        `json:"time_of_day"`
	Weekdays  []time.Weekday   `json:"weekdays,omitempty"` // empty = single-shot
	Date      string           `json:"date,omitempty"`     // YYYY-MM-DD, single-shot only
	Location  string           `json:"location,omitempty"` // IANA zone; empty = local
	Enabled   bool             `json:"enabled"`
	Snooze    SnoozePolicy     `json:"snooze"`
	Sound     SoundPreferences `json:"sound"`
	Challenge string           `json:"challenge,omitempty"`
	Version   int64            `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// LastFiredAt is the agent's checkpoint; it never leaves the device.
	LastFiredAt *time.Time `json:"-"`
}

// Recurring reports whether the alarm repeats on weekdays.
func (d *AlarmDefinition) Recurring() bool {
	return len(d.Weekdays) > 0
}

// Loc resolves the definition's time zone.
func (d *AlarmDefinition) Loc() (*time.Location, error) {
	if d.Location == "" || d.Location == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(d.Location)
}

// Validate checks that the definition resolves to a deterministic schedule.
func (d *AlarmDefinition) Validate() error {
	if d.UserID == "" {
		return fmt.Errorf("alarm user id is required")
	}
	if err := d.TimeOfDay.Validate(); err != nil {
		return err
	}
	for _, wd := range d.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return fmt.Errorf("invalid weekday %d", wd)
		}
	}
	switch {
	case d.Recurring() && d.Date != "":
		return fmt.Errorf("alarm cannot have both weekdays and a date")
	case !d.Recurring() && d.Date == "":
		return fmt.Errorf("alarm needs weekdays or a date")
	case d.Date != "":
		if _, err := time.Parse(DateLayout, d.Date); err != nil {
			return fmt.Errorf("invalid alarm date %q: %w", d.Date, err)
		}
	}
	if _, err := d.Loc(); err != nil {
		return fmt.Errorf("invalid alarm location %q: %w", d.Location, err)
	}
	if d.Snooze.Enabled {
		if d.Snooze.Interval <= 0 {
			return fmt.Errorf("snooze interval must be positive")
		}
		if d.Snooze.MaxCount < 0 {
			return fmt.Errorf("snooze max count must not be negative")
		}
	}
	if d.Sound.Volume < 0 || d.Sound.Volume > 100 {
		return fmt.Errorf("volume must be between 0 and 100")
	}
	return nil
}

// Schedule renders the rule for humans ("07:00 mon,tue" / "07:00 on 2026-10-20").
func (d *AlarmDefinition) Schedule() string {
	if d.Recurring() {
		return d.TimeOfDay.String() + " " + FormatWeekdays(d.Weekdays)
	}
	return d.TimeOfDay.String() + " on " + d.Date
}

// Clone returns a deep copy.
func (d *AlarmDefinition) Clone() *AlarmDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.Weekdays = slices.Clone(d.Weekdays)
	if d.LastFiredAt != nil {
		t := *d.LastFiredAt
		c.LastFiredAt = &t
	}
	return &c
}
