package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/kwatch/internal/schedule"
)

func TestParseCheckTime(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 1, 3, 9, 30, 15, 0, time.UTC)

	tests := []struct {
		name             string
		date, day, clock string
		want             time.Time
		wantErr          bool
	}{
		{name: "defaults to now", want: now},
		{name: "time only", clock: "14:00", want: time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)},
		{name: "time with seconds", clock: "14:00:30", want: time.Date(2024, 1, 3, 14, 0, 30, 0, time.UTC)},
		{name: "today by name", day: "wednesday", clock: "08:00", want: time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)},
		{name: "next monday", day: "mon", clock: "08:00", want: time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)},
		{name: "date wins over day", date: "2024-12-25", day: "monday", clock: "10:30", want: time.Date(2024, 12, 25, 10, 30, 0, 0, time.UTC)},
		{name: "bad day", day: "someday", wantErr: true},
		{name: "bad time", clock: "25:00", wantErr: true},
		{name: "bad date", date: "2024-13-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCheckTime(tt.date, tt.day, tt.clock, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCheckTime failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	body := `
windows:
  - id: lessons
    group_id: class-7b
    day_of_week: 1
    start_time: "09:00"
    end_time: "15:00"
  - id: lunch
    group_id: class-7b
    day_of_week: 1
    start_time: "12:00"
    end_time: "12:45"
    is_break: true
holidays:
  - id: christmas
    group_id: class-7b
    date: "2024-12-25"
    recurring: true
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	fixture, err := loadFixture(path)
	if err != nil {
		t.Fatalf("loadFixture failed: %v", err)
	}
	if len(fixture.Windows) != 2 || len(fixture.Holidays) != 1 {
		t.Fatalf("Unexpected fixture: %+v", fixture)
	}

	set, invalid := schedule.NewSet(fixture.Windows, fixture.Holidays, time.Now())
	if len(invalid) != 0 {
		t.Fatalf("Unexpected invalid windows: %v", invalid)
	}

	monday := func(clock string) time.Time {
		at, err := parseCheckTime("2024-01-01", "", clock, time.Now().UTC())
		if err != nil {
			t.Fatalf("parseCheckTime: %v", err)
		}
		return at
	}
	if !schedule.IsMonitored(monday("10:00"), set, "class-7b") {
		t.Error("Expected lessons to be monitored")
	}
	if schedule.IsMonitored(monday("12:15"), set, "class-7b") {
		t.Error("Expected lunch break to be exempt")
	}

	// A Monday, inside the lessons window
	christmas := time.Date(2023, 12, 25, 10, 0, 0, 0, time.UTC)
	if schedule.IsMonitored(christmas, set, "class-7b") {
		t.Error("Expected recurring holiday to suppress monitoring")
	}
}
