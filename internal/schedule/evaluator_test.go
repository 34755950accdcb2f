package schedule

import (
	"testing"
	"time"
)

const testGroup = "class-7b"

func mustTime(t *testing.T, s string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("parse time of day %q: %v", s, err)
	}
	return tod
}

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

// mondaySchedule is Monday 09:00-17:00 monitored with a 12:00-13:00 break.
func mondaySchedule(t *testing.T) []Window {
	return []Window{
		{ID: "w-school", GroupID: testGroup, DayOfWeek: time.Monday, Start: mustTime(t, "09:00"), End: mustTime(t, "17:00")},
		{ID: "w-lunch", GroupID: testGroup, DayOfWeek: time.Monday, Start: mustTime(t, "12:00"), End: mustTime(t, "13:00"), IsBreak: true},
	}
}

// 2024-01-01 is a Monday.
func at(day, clock string) time.Time {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", day+" "+clock, time.UTC)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestIsMonitored(t *testing.T) {
	set, errs := NewSet(mondaySchedule(t), nil, time.Now())
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}

	tests := []struct {
		name  string
		ts    time.Time
		group string
		want  bool
	}{
		{"inside monitoring window", at("2024-01-01", "14:00:00"), testGroup, true},
		{"window start is inclusive", at("2024-01-01", "09:00:00"), testGroup, true},
		{"window end is inclusive", at("2024-01-01", "17:00:00"), testGroup, true},
		{"before window", at("2024-01-01", "08:59:59"), testGroup, false},
		{"after window", at("2024-01-01", "17:00:01"), testGroup, false},
		{"break wins over overlapping window", at("2024-01-01", "12:30:00"), testGroup, false},
		{"break start is inclusive", at("2024-01-01", "12:00:00"), testGroup, false},
		{"break end is inclusive", at("2024-01-01", "13:00:00"), testGroup, false},
		{"just after break", at("2024-01-01", "13:00:01"), testGroup, true},
		{"other weekday has no windows", at("2024-01-02", "14:00:00"), testGroup, false},
		{"other group has no windows", at("2024-01-01", "14:00:00"), "class-8a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMonitored(tt.ts, set, tt.group); got != tt.want {
				t.Errorf("IsMonitored(%s) = %v, want %v", tt.ts.Format(time.RFC3339), got, tt.want)
			}
		})
	}
}

func TestIsMonitoredFailsClosed(t *testing.T) {
	ts := at("2024-01-01", "14:00:00")

	if IsMonitored(ts, nil, testGroup) {
		t.Error("nil set (schedules never loaded) must not be monitored")
	}

	empty, _ := NewSet(nil, nil, time.Now())
	if IsMonitored(ts, empty, testGroup) {
		t.Error("a day without windows must not be monitored")
	}

	onlyBreak, _ := NewSet([]Window{
		{ID: "b", GroupID: testGroup, DayOfWeek: time.Monday, Start: mustTime(t, "00:00"), End: mustTime(t, "23:59:59"), IsBreak: true},
	}, nil, time.Now())
	if IsMonitored(ts, onlyBreak, testGroup) {
		t.Error("a day with only a break window must not be monitored")
	}
}

func TestIsMonitoredHolidays(t *testing.T) {
	windows := mondaySchedule(t)

	tests := []struct {
		name     string
		holidays []Holiday
		ts       time.Time
		want     bool
	}{
		{
			name:     "one-off holiday on the day",
			holidays: []Holiday{{ID: "h1", GroupID: testGroup, Date: mustDate(t, "2024-01-01")}},
			ts:       at("2024-01-01", "14:00:00"),
			want:     false,
		},
		{
			name:     "one-off holiday in another year does not match",
			holidays: []Holiday{{ID: "h1", GroupID: testGroup, Date: mustDate(t, "2018-01-01")}},
			ts:       at("2024-01-01", "14:00:00"),
			want:     true,
		},
		{
			name:     "recurring holiday matches month and day across years",
			holidays: []Holiday{{ID: "h1", GroupID: testGroup, Date: mustDate(t, "2018-01-01"), Recurring: true}},
			ts:       at("2024-01-01", "14:00:00"),
			want:     false,
		},
		{
			name:     "holiday for another group is ignored",
			holidays: []Holiday{{ID: "h1", GroupID: "class-8a", Date: mustDate(t, "2024-01-01")}},
			ts:       at("2024-01-01", "14:00:00"),
			want:     true,
		},
		{
			name:     "holiday on the next day is ignored",
			holidays: []Holiday{{ID: "h1", GroupID: testGroup, Date: mustDate(t, "2024-01-02")}},
			ts:       at("2024-01-01", "14:00:00"),
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, _ := NewSet(windows, tt.holidays, time.Now())
			if got := IsMonitored(tt.ts, set, testGroup); got != tt.want {
				t.Errorf("IsMonitored = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMonitoredUsesTimestampLocation(t *testing.T) {
	set, _ := NewSet(mondaySchedule(t), nil, time.Now())
	loc := time.FixedZone("UTC+10", 10*3600)

	// 04:00 UTC Monday is 14:00 Monday at UTC+10.
	ts := at("2024-01-01", "04:00:00")
	if IsMonitored(ts, set, testGroup) {
		t.Error("04:00 UTC should not be monitored")
	}
	if !IsMonitored(ts.In(loc), set, testGroup) {
		t.Error("14:00 local should be monitored")
	}
}

func TestNewSetDropsInvalidWindows(t *testing.T) {
	windows := []Window{
		{ID: "ok", GroupID: testGroup, DayOfWeek: time.Monday, Start: mustTime(t, "09:00"), End: mustTime(t, "10:00")},
		{ID: "reversed", GroupID: testGroup, DayOfWeek: time.Monday, Start: mustTime(t, "22:00"), End: mustTime(t, "02:00")},
		{ID: "bad-day", GroupID: testGroup, DayOfWeek: 7, Start: mustTime(t, "09:00"), End: mustTime(t, "10:00")},
	}

	set, errs := NewSet(windows, nil, time.Now())
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
	if len(set.Windows) != 1 || set.Windows[0].ID != "ok" {
		t.Fatalf("expected only window 'ok' to survive, got %+v", set.Windows)
	}
	if IsMonitored(at("2024-01-01", "23:00:00"), set, testGroup) {
		t.Error("window spanning midnight must never match")
	}
}

func TestEvaluatorMatchesPureFunction(t *testing.T) {
	eval, err := NewEvaluator(4)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	var cache Cache
	set, _ := NewSet(mondaySchedule(t), []Holiday{
		{ID: "h", GroupID: testGroup, Date: mustDate(t, "2024-01-08")},
	}, time.Now())
	cache.Replace(set)

	start := at("2024-01-01", "00:00:00")
	for i := 0; i < 14*24*4; i++ {
		ts := start.Add(time.Duration(i) * 15 * time.Minute)
		want := IsMonitored(ts, cache.Load(), testGroup)
		if got := eval.IsMonitored(ts, cache.Load(), testGroup); got != want {
			t.Fatalf("Evaluator.IsMonitored(%s) = %v, pure = %v", ts, got, want)
		}
	}

	hits, misses := eval.Stats()
	if hits == 0 || misses == 0 {
		t.Errorf("expected both cache hits and misses, got hits=%d misses=%d", hits, misses)
	}
}

func TestEvaluatorSeesReplacedSnapshot(t *testing.T) {
	eval, err := NewEvaluator(0)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	var cache Cache
	ts := at("2024-01-01", "14:00:00")

	first, _ := NewSet(mondaySchedule(t), nil, time.Now())
	cache.Replace(first)
	if !eval.IsMonitored(ts, cache.Load(), testGroup) {
		t.Fatal("expected monitored with first snapshot")
	}

	second, _ := NewSet(nil, nil, time.Now())
	cache.Replace(second)
	if eval.IsMonitored(ts, cache.Load(), testGroup) {
		t.Fatal("replaced snapshot without windows must not be monitored")
	}
	if first.Version == second.Version {
		t.Fatalf("snapshots share version %d", first.Version)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:00", 9 * 3600, false},
		{"09:00:30", 9*3600 + 30, false},
		{"23:59:59", 86399, false},
		{"24:00", 0, true},
		{"9am", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseTimeOfDay(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
