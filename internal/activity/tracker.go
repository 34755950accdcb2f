package activity

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultActivityGap is how recent the last interaction must be for the
	// screen to count as active.
	DefaultActivityGap = 2 * time.Second

	// DefaultSampleInterval is the sampling cadence of the consecutive counter.
	DefaultSampleInterval = time.Second
)

// Visibility is the foreground state of the application shell.
type Visibility int

const (
	Foreground Visibility = iota
	Background
)

func (v Visibility) String() string {
	if v == Background {
		return "background"
	}
	return "foreground"
}

// ParseVisibility parses "foreground" or "background".
func ParseVisibility(s string) (Visibility, error) {
	switch s {
	case "foreground", "visible":
		return Foreground, nil
	case "background", "hidden":
		return Background, nil
	}
	return Foreground, fmt.Errorf("unknown visibility: %q", s)
}

// Config holds tracker configuration
type Config struct {
	ActivityGap    time.Duration
	SampleInterval time.Duration
}

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	LastActivity       time.Time     `json:"last_activity"`
	Foreground         bool          `json:"foreground"`
	Connected          bool          `json:"connected"`
	ScreenActive       bool          `json:"screen_active"`
	ConsecutiveActive  time.Duration `json:"-"`
	ConsecutiveSeconds int64         `json:"consecutive_active_seconds"`
}

// Tracker derives the screen-active signal and the consecutive active
// counter from interaction, visibility and connectivity events.
type Tracker struct {
	gap      time.Duration
	interval time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	foreground   bool
	connected    bool
	consecutive  time.Duration
}

// NewTracker creates a tracker that starts in the foreground and online.
func NewTracker(config Config) *Tracker {
	if config.ActivityGap <= 0 {
		config.ActivityGap = DefaultActivityGap
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultSampleInterval
	}
	return &Tracker{
		gap:        config.ActivityGap,
		interval:   config.SampleInterval,
		foreground: true,
		connected:  true,
	}
}

// RecordInteraction notes a qualifying interaction at the given time.
// Out-of-order timestamps never move lastActivity backwards.
func (t *Tracker) RecordInteraction(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.lastActivity) {
		t.lastActivity = at
	}
}

// SetVisibility updates the foreground state. Going to the background marks
// the screen inactive and resets the counter immediately; coming to the
// foreground counts as an interaction.
func (t *Tracker) SetVisibility(v Visibility, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch v {
	case Background:
		t.foreground = false
		t.consecutive = 0
	case Foreground:
		t.foreground = true
		if at.After(t.lastActivity) {
			t.lastActivity = at
		}
	}
}

// SetConnectivity records the connectivity flag and reports whether it changed.
func (t *Tracker) SetConnectivity(online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.connected != online
	t.connected = online
	return changed
}

// Connected returns the last known connectivity flag.
func (t *Tracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// IsScreenActive reports whether the last interaction is within the activity
// gap and the shell is in the foreground.
func (t *Tracker) IsScreenActive(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.screenActiveLocked(now)
}

func (t *Tracker) screenActiveLocked(now time.Time) bool {
	if !t.foreground || t.lastActivity.IsZero() {
		return false
	}
	return now.Sub(t.lastActivity) < t.gap
}

// Sample advances the consecutive counter by one sample interval while the
// screen is active and resets it otherwise. It returns the new value.
func (t *Tracker) Sample(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.screenActiveLocked(now) {
		t.consecutive += t.interval
	} else {
		t.consecutive = 0
	}
	return t.consecutive
}

// ConsecutiveActive returns the current consecutive active duration.
func (t *Tracker) ConsecutiveActive() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// Snapshot returns the tracker state as seen at now.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		LastActivity:       t.lastActivity,
		Foreground:         t.foreground,
		Connected:          t.connected,
		ScreenActive:       t.screenActiveLocked(now),
		ConsecutiveActive:  t.consecutive,
		ConsecutiveSeconds: int64(t.consecutive / time.Second),
	}
}
