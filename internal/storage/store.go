package storage

import (
	"context"
	"errors"

	"github.com/goodtune/kwatch/internal/schedule"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Tables that publish change notifications.
const (
	TableScheduleWindows = "schedule_windows"
	TableHolidays        = "holidays"
)

// RemoteStore is the shared data store holding schedules, holidays and usage
// sessions.
type RemoteStore interface {
	ScheduleStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}

// ScheduleStore reads schedule data and publishes changes to it.
type ScheduleStore interface {
	FetchSchedules(ctx context.Context, groupIDs []string) ([]schedule.Window, error)
	FetchHolidays(ctx context.Context, groupIDs []string) ([]schedule.Holiday, error)
	// Subscribe invokes onChange whenever table changes for groupID. The
	// subscription ends when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, table, groupID string, onChange func()) (Subscription, error)
}

// ScheduleAdmin manages schedule data. The monitoring engine never writes
// schedules; this is used by tooling.
type ScheduleAdmin interface {
	PutWindow(ctx context.Context, window schedule.Window) error
	DeleteWindow(ctx context.Context, groupID, id string) error
	PutHoliday(ctx context.Context, holiday schedule.Holiday) error
	DeleteHoliday(ctx context.Context, groupID, id string) error
}

// SessionStore persists usage sessions. UpsertSession is keyed by session id
// and never reopens a closed session.
type SessionStore interface {
	UpsertSession(ctx context.Context, session UsageSession) error
	GetSession(ctx context.Context, id string) (*UsageSession, error)
	ListOpenSessions(ctx context.Context, userID, groupID string) ([]UsageSession, error)
}

// Subscription is a live change feed.
type Subscription interface {
	Close() error
}

// Queue is the local durable store of session writes awaiting remote
// acknowledgement. Entries are keyed by session id so repeated writes for one
// session coalesce.
type Queue interface {
	// Enqueue stores entry, replacing any pending entry with the same key.
	// A replaced entry keeps its original EnqueuedAt and gets a new Revision.
	Enqueue(ctx context.Context, entry QueueEntry) (QueueEntry, error)
	// List returns all entries, oldest first.
	List(ctx context.Context) ([]QueueEntry, error)
	// Get returns the pending entry for key or ErrNotFound.
	Get(ctx context.Context, key string) (*QueueEntry, error)
	// Remove deletes the entry for key only if it still has revision. It
	// reports whether the entry was removed.
	Remove(ctx context.Context, key string, revision uint64) (bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
