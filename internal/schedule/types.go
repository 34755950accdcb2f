package schedule

import (
	"fmt"
	"strings"
	"time"
)

// secondsPerDay bounds a TimeOfDay.
const secondsPerDay = 24 * 60 * 60

// TimeOfDay is a wall-clock time with second precision, stored as seconds
// since midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	layout := time.TimeOnly
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return Clock(t), nil
}

// Clock returns the wall-clock time of day of t in t's location.
func Clock(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

// String renders HH:MM:SS.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(t)/3600, int(t)%3600/60, int(t)%60)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(data []byte) error {
	parsed, err := ParseTimeOfDay(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Date is a calendar day without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight of the date in loc.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(data []byte) error {
	parsed, err := ParseDate(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Window is a recurring weekly time range for a group. Break windows exempt
// their range from monitoring and win over overlapping monitoring windows.
type Window struct {
	ID        string       `json:"id" yaml:"id"`
	GroupID   string       `json:"group_id" yaml:"group_id"`
	DayOfWeek time.Weekday `json:"day_of_week" yaml:"day_of_week"`
	Start     TimeOfDay    `json:"start_time" yaml:"start_time"`
	End       TimeOfDay    `json:"end_time" yaml:"end_time"`
	IsBreak   bool         `json:"is_break" yaml:"is_break"`
}

// Validate checks the window invariants. Windows spanning midnight are not
// supported.
func (w Window) Validate() error {
	if w.GroupID == "" {
		return fmt.Errorf("window %s: group_id is required", w.ID)
	}
	if w.DayOfWeek < time.Sunday || w.DayOfWeek > time.Saturday {
		return fmt.Errorf("window %s: day_of_week %d out of range", w.ID, w.DayOfWeek)
	}
	if w.Start < 0 || w.End >= secondsPerDay {
		return fmt.Errorf("window %s: time out of range", w.ID)
	}
	if w.Start > w.End {
		return fmt.Errorf("window %s: start %s after end %s", w.ID, w.Start, w.End)
	}
	return nil
}

// Contains reports whether the wall-clock time falls in [Start, End].
func (w Window) Contains(t TimeOfDay) bool {
	return w.Start <= t && t <= w.End
}

// Holiday suppresses every window of a group for a whole day. Recurring
// holidays match on month and day across years.
type Holiday struct {
	ID        string `json:"id" yaml:"id"`
	GroupID   string `json:"group_id" yaml:"group_id"`
	Date      Date   `json:"date" yaml:"date"`
	Recurring bool   `json:"recurring" yaml:"recurring"`
}

// Matches reports whether the holiday falls on d.
func (h Holiday) Matches(d Date) bool {
	if h.Recurring {
		return h.Date.Month == d.Month && h.Date.Day == d.Day
	}
	return h.Date == d
}

// Set is an immutable snapshot of the schedule data for a user's groups.
type Set struct {
	Windows  []Window
	Holidays []Holiday
	LoadedAt time.Time
	Version  uint64
}

// NewSet builds a snapshot, dropping windows that fail validation. One error
// is returned per dropped window.
func NewSet(windows []Window, holidays []Holiday, loadedAt time.Time) (*Set, []error) {
	var errs []error
	valid := make([]Window, 0, len(windows))
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, w)
	}
	return &Set{
		Windows:  valid,
		Holidays: append([]Holiday(nil), holidays...),
		LoadedAt: loadedAt,
	}, errs
}
