package storage

import "time"

// UsageSession is one contiguous violation-eligible active period. EndTime
// and DurationSeconds are nil while the session is open.
type UsageSession struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	GroupID         string     `json:"group_id"`
	DeviceID        string     `json:"device_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// IsOpen reports whether the session has not been closed.
func (s UsageSession) IsOpen() bool {
	return s.EndTime == nil
}

// WithDuration returns a copy with DurationSeconds set to now - StartTime.
func (s UsageSession) WithDuration(now time.Time) UsageSession {
	d := ElapsedSeconds(s.StartTime, now)
	s.DurationSeconds = &d
	return s
}

// Closed returns a copy closed at end with the matching duration.
func (s UsageSession) Closed(end time.Time) UsageSession {
	s = s.WithDuration(end)
	s.EndTime = &end
	return s
}

// ElapsedSeconds is the whole seconds between start and end, never negative.
func ElapsedSeconds(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// EventKind is the session lifecycle step that produced a write.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventClose  EventKind = "close"
)

// QueueEntry is a pending session write in the local queue.
type QueueEntry struct {
	Key        string       `json:"key"`
	Kind       EventKind    `json:"kind"`
	Session    UsageSession `json:"session"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Revision   uint64       `json:"revision"`
}
