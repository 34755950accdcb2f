package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kwatch/internal/config"
	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// changesChannel is the NOTIFY channel fed by the schedule triggers. Payloads
// are "<table>:<group_id>".
const changesChannel = "kwatch_changes"

//go:embed schema.sql
var schemaSQL string

var (
	_ storage.RemoteStore   = (*Store)(nil)
	_ storage.ScheduleAdmin = (*Store)(nil)
)

// Store implements storage.RemoteStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and applies the schema.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	s, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Connect creates the connection pool without contacting the server or
// applying the schema.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// FetchSchedules returns the windows of every listed group.
func (s *Store) FetchSchedules(ctx context.Context, groupIDs []string) ([]schedule.Window, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, group_id, day_of_week, start_time, end_time, is_break
		FROM schedule_windows
		WHERE group_id = ANY($1)
		ORDER BY group_id, id`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("query schedule windows: %w", err)
	}
	defer rows.Close()

	windows := make([]schedule.Window, 0)
	for rows.Next() {
		var (
			w          schedule.Window
			day        int16
			start, end pgtype.Time
		)
		if err := rows.Scan(&w.ID, &w.GroupID, &day, &start, &end, &w.IsBreak); err != nil {
			return nil, fmt.Errorf("scan schedule window: %w", err)
		}
		w.DayOfWeek = time.Weekday(day)
		w.Start = fromPGTime(start)
		w.End = fromPGTime(end)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// FetchHolidays returns the holidays of every listed group.
func (s *Store) FetchHolidays(ctx context.Context, groupIDs []string) ([]schedule.Holiday, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, group_id, date, recurring
		FROM holidays
		WHERE group_id = ANY($1)
		ORDER BY group_id, id`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("query holidays: %w", err)
	}
	defer rows.Close()

	holidays := make([]schedule.Holiday, 0)
	for rows.Next() {
		var (
			h    schedule.Holiday
			date time.Time
		)
		if err := rows.Scan(&h.ID, &h.GroupID, &date, &h.Recurring); err != nil {
			return nil, fmt.Errorf("scan holiday: %w", err)
		}
		h.Date = schedule.DateOf(date)
		holidays = append(holidays, h)
	}
	return holidays, rows.Err()
}

// PutWindow inserts or replaces a window. The trigger publishes the change.
func (s *Store) PutWindow(ctx context.Context, w schedule.Window) error {
	if w.ID == "" {
		return fmt.Errorf("window id is required")
	}
	if err := w.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_windows (id, group_id, day_of_week, start_time, end_time, is_break)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			day_of_week = EXCLUDED.day_of_week,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			is_break = EXCLUDED.is_break`,
		w.ID, w.GroupID, int16(w.DayOfWeek), toPGTime(w.Start), toPGTime(w.End), w.IsBreak)
	if err != nil {
		return fmt.Errorf("upsert schedule window: %w", err)
	}
	return nil
}

// DeleteWindow removes a window.
func (s *Store) DeleteWindow(ctx context.Context, groupID, id string) error {
	return s.deleteRow(ctx, "DELETE FROM schedule_windows WHERE group_id = $1 AND id = $2", groupID, id)
}

// PutHoliday inserts or replaces a holiday.
func (s *Store) PutHoliday(ctx context.Context, h schedule.Holiday) error {
	if h.ID == "" || h.GroupID == "" {
		return fmt.Errorf("holiday id and group_id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO holidays (id, group_id, date, recurring)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			date = EXCLUDED.date,
			recurring = EXCLUDED.recurring`,
		h.ID, h.GroupID, h.Date.Time(time.UTC), h.Recurring)
	if err != nil {
		return fmt.Errorf("upsert holiday: %w", err)
	}
	return nil
}

// DeleteHoliday removes a holiday.
func (s *Store) DeleteHoliday(ctx context.Context, groupID, id string) error {
	return s.deleteRow(ctx, "DELETE FROM holidays WHERE group_id = $1 AND id = $2", groupID, id)
}

func (s *Store) deleteRow(ctx context.Context, sql, groupID, id string) error {
	tag, err := s.pool.Exec(ctx, sql, groupID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertSession writes a session keyed by id. Once end_time is set the row
// is left untouched, so replays never reopen a closed session.
func (s *Store) UpsertSession(ctx context.Context, session storage.UsageSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_sessions (id, user_id, group_id, device_id, start_time, end_time, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			duration_seconds = EXCLUDED.duration_seconds
		WHERE usage_sessions.end_time IS NULL`,
		session.ID, session.UserID, session.GroupID, session.DeviceID,
		session.StartTime, session.EndTime, session.DurationSeconds)
	if err != nil {
		return fmt.Errorf("upsert usage session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.UsageSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, group_id, device_id, start_time, end_time, duration_seconds
		FROM usage_sessions WHERE id = $1`, id)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage session: %w", err)
	}
	return session, nil
}

// ListOpenSessions returns the sessions without an end time for a user and group.
func (s *Store) ListOpenSessions(ctx context.Context, userID, groupID string) ([]storage.UsageSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, group_id, device_id, start_time, end_time, duration_seconds
		FROM usage_sessions
		WHERE user_id = $1 AND group_id = $2 AND end_time IS NULL
		ORDER BY start_time`, userID, groupID)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.UsageSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*storage.UsageSession, error) {
	var session storage.UsageSession
	err := row.Scan(&session.ID, &session.UserID, &session.GroupID, &session.DeviceID,
		&session.StartTime, &session.EndTime, &session.DurationSeconds)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Subscribe listens for changes to table for groupID on a dedicated pooled
// connection.
func (s *Store) Subscribe(ctx context.Context, table, groupID string, onChange func()) (storage.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", changesChannel, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	l := &listener{cancel: cancel, done: make(chan struct{})}
	want := table + ":" + groupID

	go func() {
		defer close(l.done)
		defer func() {
			// A connection still in LISTEN must not go back to the pool
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				return
			}
			if n.Payload == want {
				onChange()
			}
		}
	}()

	return l, nil
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the listener and waits for its connection to be released.
func (l *listener) Close() error {
	l.cancel()
	<-l.done
	return nil
}

func toPGTime(t schedule.TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Second/time.Microsecond), Valid: true}
}

func fromPGTime(t pgtype.Time) schedule.TimeOfDay {
	return schedule.TimeOfDay(t.Microseconds / int64(time.Second/time.Microsecond))
}
