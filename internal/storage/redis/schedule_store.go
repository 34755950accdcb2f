package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// FetchSchedules returns the windows of every listed group
func (s *Store) FetchSchedules(ctx context.Context, groupIDs []string) ([]schedule.Window, error) {
	return fetchHashes[schedule.Window](ctx, s.client, groupIDs, windowsKey, func(a, b schedule.Window) bool {
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		return a.ID < b.ID
	})
}

// FetchHolidays returns the holidays of every listed group
func (s *Store) FetchHolidays(ctx context.Context, groupIDs []string) ([]schedule.Holiday, error) {
	return fetchHashes[schedule.Holiday](ctx, s.client, groupIDs, holidaysKey, func(a, b schedule.Holiday) bool {
		if a.GroupID != b.GroupID {
			return a.GroupID < b.GroupID
		}
		return a.ID < b.ID
	})
}

// PutWindow stores a window and notifies subscribers
func (s *Store) PutWindow(ctx context.Context, window schedule.Window) error {
	if window.ID == "" {
		return fmt.Errorf("window id is required")
	}
	if err := window.Validate(); err != nil {
		return err
	}
	return s.putAndPublish(ctx, windowsKey(window.GroupID), window.ID, window,
		changesChannel(storage.TableScheduleWindows, window.GroupID))
}

// DeleteWindow removes a window and notifies subscribers
func (s *Store) DeleteWindow(ctx context.Context, groupID, id string) error {
	return s.deleteAndPublish(ctx, windowsKey(groupID), id,
		changesChannel(storage.TableScheduleWindows, groupID))
}

// PutHoliday stores a holiday and notifies subscribers
func (s *Store) PutHoliday(ctx context.Context, holiday schedule.Holiday) error {
	if holiday.ID == "" || holiday.GroupID == "" {
		return fmt.Errorf("holiday id and group_id are required")
	}
	return s.putAndPublish(ctx, holidaysKey(holiday.GroupID), holiday.ID, holiday,
		changesChannel(storage.TableHolidays, holiday.GroupID))
}

// DeleteHoliday removes a holiday and notifies subscribers
func (s *Store) DeleteHoliday(ctx context.Context, groupID, id string) error {
	return s.deleteAndPublish(ctx, holidaysKey(groupID), id,
		changesChannel(storage.TableHolidays, groupID))
}

// Subscribe calls onChange for every change published for table and group
func (s *Store) Subscribe(ctx context.Context, table, groupID string, onChange func()) (storage.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, changesChannel(table, groupID))

	// Wait for the subscription confirmation so no change is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s changes: %w", table, err)
	}

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onChange()
			}
		}
	}()

	return pubsub, nil
}

func (s *Store) putAndPublish(ctx context.Context, key, field string, value any, channel string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", field, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	pipe.Publish(ctx, channel, field)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) deleteAndPublish(ctx context.Context, key, field, channel string) error {
	removed, err := s.client.HDel(ctx, key, field).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return s.client.Publish(ctx, channel, field).Err()
}

func fetchHashes[T any](ctx context.Context, client *redis.Client, groupIDs []string, keyFn func(string) string, less func(a, b T) bool) ([]T, error) {
	items := make([]T, 0)
	if len(groupIDs) == 0 {
		return items, nil
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(groupIDs))
	for i, groupID := range groupIDs {
		cmds[i] = pipe.HGetAll(ctx, keyFn(groupID))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		for field, raw := range data {
			var item T
			if err := json.Unmarshal([]byte(raw), &item); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", field, err)
			}
			items = append(items, item)
		}
	}

	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
	return items, nil
}
