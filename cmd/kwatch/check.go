package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kwatch/internal/config"
	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	checkGroup     string
	checkDay       string
	checkTime      string
	checkDate      string
	checkSchedules string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a group is monitored at a given time",
	Long: `Evaluate the monitoring schedule of a group, using the schedules in the
remote store or a YAML fixture file.`,
	Example: `  kwatch check --group year-9
  kwatch check --group year-9 --day monday --time 14:00
  kwatch check --group year-9 --date 2024-12-25 --time 10:30 --schedules fixtures.yaml`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkGroup, "group", "", "Group ID (required)")
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to today")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM or HH:MM:SS) - defaults to now")
	checkCmd.Flags().StringVar(&checkDate, "date", "", "Calendar date (YYYY-MM-DD) - overrides --day")
	checkCmd.Flags().StringVar(&checkSchedules, "schedules", "", "YAML file with windows and holidays instead of the remote store")
	_ = checkCmd.MarkFlagRequired("group")

	rootCmd.AddCommand(checkCmd)
}

// scheduleFixture is the YAML layout of --schedules and `schedule import`.
type scheduleFixture struct {
	Windows  []schedule.Window  `yaml:"windows"`
	Holidays []schedule.Holiday `yaml:"holidays"`
}

func loadFixture(path string) (*scheduleFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules file: %w", err)
	}
	var fixture scheduleFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to parse schedules file: %w", err)
	}
	return &fixture, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		if checkSchedules == "" {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		// A fixture needs no store; evaluate natively in local time.
		fmt.Fprintf(os.Stderr, "⚠️  Using defaults, configuration not loaded: %v\n", err)
		cfg = &config.Config{Monitor: config.MonitorConfig{Timezone: "Local", Evaluator: "native"}}
	}

	loc, err := time.LoadLocation(cfg.Monitor.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Monitor.Timezone, err)
	}

	at, err := parseCheckTime(checkDate, checkDay, checkTime, time.Now().In(loc))
	if err != nil {
		return err
	}

	var windows []schedule.Window
	var holidays []schedule.Holiday
	source := checkSchedules
	if checkSchedules != "" {
		fixture, err := loadFixture(checkSchedules)
		if err != nil {
			return err
		}
		windows, holidays = fixture.Windows, fixture.Holidays
	} else {
		store, err := openRemote(ctx, cfg.Storage, false, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		groups := []string{checkGroup}
		if windows, err = store.FetchSchedules(ctx, groups); err != nil {
			return fmt.Errorf("failed to fetch schedules: %w", err)
		}
		if holidays, err = store.FetchHolidays(ctx, groups); err != nil {
			return fmt.Errorf("failed to fetch holidays: %w", err)
		}
		source = cfg.Storage.Type
	}

	set, invalid := schedule.NewSet(windows, holidays, time.Now())

	evaluator, _, err := newEvaluator(cfg.Monitor, logger)
	if err != nil {
		return err
	}

	printCheckResult(checkResult{
		group:     checkGroup,
		at:        at,
		source:    source,
		evaluator: cfg.Monitor.Evaluator,
		monitored: evaluator.IsMonitored(at, set, checkGroup),
		set:       set,
		invalid:   invalid,
	})
	return nil
}

type checkResult struct {
	group     string
	at        time.Time
	source    string
	evaluator string
	monitored bool
	set       *schedule.Set
	invalid   []error
}

// printCheckResult prints the check result with colors
func printCheckResult(r checkResult) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SCHEDULE CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Group:      %s\n", r.group)
	fmt.Printf("Check Time: %s (%s)\n", r.at.Format("2006-01-02 15:04:05 MST"), r.at.Weekday())
	fmt.Printf("Schedules:  %s\n", r.source)
	fmt.Printf("Evaluator:  %s\n", r.evaluator)
	fmt.Println()

	cyan.Print("Decision:   ")
	if r.monitored {
		red.Println("MONITORED")
		fmt.Println("            → Active use opens a usage session")
	} else {
		green.Println("NOT MONITORED")
		fmt.Println("            → No session is recorded")
	}
	fmt.Println()

	date := schedule.DateOf(r.at)
	now := schedule.Clock(r.at)
	for _, h := range r.set.Holidays {
		if h.GroupID == r.group && h.Matches(date) {
			yellow.Printf("Holiday:    %s (%s)\n", h.ID, h.Date)
		}
	}
	for _, w := range r.set.Windows {
		if w.GroupID != r.group || w.DayOfWeek != r.at.Weekday() {
			continue
		}
		kind := "window"
		if w.IsBreak {
			kind = "break "
		}
		marker := " "
		if w.Contains(now) {
			marker = "*"
		}
		fmt.Printf("%s %s     %s %s-%s\n", marker, kind, w.ID, w.Start, w.End)
	}
	for _, err := range r.invalid {
		yellow.Printf("Ignored:    %v\n", err)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime resolves the date, day and time flags relative to now.
// --date wins over --day; a bare --day picks its next occurrence, today
// included.
func parseCheckTime(dateStr, dayStr, timeStr string, now time.Time) (time.Time, error) {
	clock := schedule.Clock(now)
	if timeStr != "" {
		parsed, err := schedule.ParseTimeOfDay(timeStr)
		if err != nil {
			return time.Time{}, err
		}
		clock = parsed
	}

	day := schedule.DateOf(now)
	switch {
	case dateStr != "":
		parsed, err := schedule.ParseDate(dateStr)
		if err != nil {
			return time.Time{}, err
		}
		day = parsed
	case dayStr != "":
		target, err := parseWeekday(dayStr)
		if err != nil {
			return time.Time{}, err
		}
		ahead := int(target - now.Weekday())
		if ahead < 0 {
			ahead += 7
		}
		day = schedule.DateOf(now.AddDate(0, 0, ahead))
	}

	secs := int(clock)
	return time.Date(day.Year, day.Month, day.Day, secs/3600, secs%3600/60, secs%60, 0, now.Location()), nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid day: %s", s)
}
