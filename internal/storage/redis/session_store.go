package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/goodtune/kwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// UpsertSession creates or updates a usage session keyed by its id
func (s *Store) UpsertSession(ctx context.Context, session storage.UsageSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	keys := []string{sessionKey(session.ID), openSessionsKey(session.UserID, session.GroupID)}
	return s.upsert.Run(ctx, s.client, keys, sessionArgs(session)...).Err()
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (*storage.UsageSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseUsageSession(data)
}

// ListOpenSessions returns the sessions without an end time for a user and group
func (s *Store) ListOpenSessions(ctx context.Context, userID, groupID string) ([]storage.UsageSession, error) {
	ids, err := s.client.SMembers(ctx, openSessionsKey(userID, groupID)).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.UsageSession{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.UsageSession, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseUsageSession(data)
		if err != nil || !session.IsOpen() {
			continue
		}
		sessions = append(sessions, *session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	return sessions, nil
}
