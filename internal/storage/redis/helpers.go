package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kwatch/internal/storage"
)

// parseUsageSession converts a Redis hash to UsageSession
func parseUsageSession(data map[string]string) (*storage.UsageSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	session := &storage.UsageSession{
		ID:        data["id"],
		UserID:    data["user_id"],
		GroupID:   data["group_id"],
		DeviceID:  data["device_id"],
		StartTime: startTime,
	}

	if raw := data["end_time"]; raw != "" {
		endTime, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end_time: %w", err)
		}
		session.EndTime = &endTime
	}

	if raw := data["duration_seconds"]; raw != "" {
		duration, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration_seconds: %w", err)
		}
		session.DurationSeconds = &duration
	}

	return session, nil
}

// sessionArgs renders the upsert script arguments. Unset fields are empty
// strings.
func sessionArgs(session storage.UsageSession) []interface{} {
	endTime := ""
	if session.EndTime != nil {
		endTime = session.EndTime.UTC().Format(time.RFC3339Nano)
	}
	duration := ""
	if session.DurationSeconds != nil {
		duration = strconv.FormatInt(*session.DurationSeconds, 10)
	}
	return []interface{}{
		session.ID,
		session.UserID,
		session.GroupID,
		session.DeviceID,
		session.StartTime.UTC().Format(time.RFC3339Nano),
		endTime,
		duration,
	}
}
