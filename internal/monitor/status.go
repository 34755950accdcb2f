package monitor

import (
	"time"

	"github.com/goodtune/kwatch/internal/activity"
)

// GroupStatus is the state machine of one group.
type GroupStatus struct {
	GroupID      string     `json:"group_id"`
	State        string     `json:"state"`
	Monitored    bool       `json:"monitored"`
	SessionID    string     `json:"session_id,omitempty"`
	SessionStart *time.Time `json:"session_start,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running          bool              `json:"running"`
	UserID           string            `json:"user_id"`
	DeviceID         string            `json:"device_id"`
	LastTick         time.Time         `json:"last_tick"`
	ScheduleVersion  uint64            `json:"schedule_version"`
	ScheduleLoadedAt *time.Time        `json:"schedule_loaded_at,omitempty"`
	Activity         activity.Snapshot `json:"activity"`
	Groups           []GroupStatus     `json:"groups"`
}

// Status returns the engine state as of the last tick.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := Status{
		Running:  e.running,
		UserID:   e.config.UserID,
		DeviceID: e.config.DeviceID,
		LastTick: e.lastTick,
		Activity: e.tracker.Snapshot(e.clock.Now()),
		Groups:   make([]GroupStatus, 0, len(e.config.Groups)),
	}
	if set := e.schedules.Load(); set != nil {
		loadedAt := set.LoadedAt
		status.ScheduleVersion = set.Version
		status.ScheduleLoadedAt = &loadedAt
	}

	for _, groupID := range e.config.Groups {
		s := e.slots[groupID]
		gs := GroupStatus{GroupID: groupID, State: "idle", Monitored: s.monitored}
		if s.session != nil {
			start := s.session.StartTime
			gs.State = "active"
			gs.SessionID = s.session.ID
			gs.SessionStart = &start
		}
		status.Groups = append(status.Groups, gs)
	}
	return status
}
