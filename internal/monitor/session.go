package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/goodtune/kwatch/internal/gateway"
	"github.com/goodtune/kwatch/internal/metrics"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/google/uuid"
)

// Reason explains why a session closed.
type Reason string

const (
	ReasonSchedule     Reason = "schedule"
	ReasonConnectivity Reason = "connectivity"
	ReasonInactive     Reason = "inactive"
	ReasonStopped      Reason = "stopped"
	ReasonReconciled   Reason = "reconciled"
)

// Tick evaluates every group at now. It is idempotent: ticks with no change
// in activity or schedule never open a second session nor close one twice.
// Ticks on a stopped engine are ignored.
func (e *Engine) Tick(ctx context.Context, now time.Time, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	metrics.TicksTotal.WithLabelValues(source).Inc()
	e.lastTick = now

	snap := e.tracker.Snapshot(now)
	metrics.ConsecutiveActiveSeconds.Set(float64(snap.ConsecutiveSeconds))

	set := e.schedules.Load()
	local := now.In(e.config.Location)
	for _, groupID := range e.config.Groups {
		s := e.slots[groupID]
		s.monitored = e.evaluator.IsMonitored(local, set, groupID)
		metrics.Monitored.WithLabelValues(groupID).Set(metrics.BoolValue(s.monitored))
		e.step(ctx, s, now, snap)
	}
}

func (e *Engine) step(ctx context.Context, s *slot, now time.Time, snap activity.Snapshot) {
	if s.session != nil {
		var reason Reason
		switch {
		case !s.monitored:
			reason = ReasonSchedule
		case !snap.Connected:
			reason = ReasonConnectivity
		case !snap.ScreenActive:
			reason = ReasonInactive
		}
		if reason != "" {
			_ = e.closeSession(ctx, s, now, reason)
			return
		}
		if now.Sub(s.lastRefresh) >= e.config.SessionRefreshInterval {
			e.refreshSession(ctx, s, now)
		}
		return
	}

	if !s.monitored || !snap.Connected || !snap.ScreenActive {
		return
	}
	if snap.ConsecutiveActive <= e.config.ViolationThreshold {
		return
	}

	if !s.reconciled {
		if err := e.reconcile(ctx, s); err != nil {
			e.logger.Warn().Err(err).Str("group_id", s.groupID).Msg("Reconciliation failed, not opening a session")
			return
		}
	}
	e.openSession(ctx, s, now, snap.ConsecutiveActive)
}

func (e *Engine) openSession(ctx context.Context, s *slot, now time.Time, active time.Duration) {
	zero := int64(0)
	session := storage.UsageSession{
		ID:              uuid.NewString(),
		UserID:          e.config.UserID,
		GroupID:         s.groupID,
		DeviceID:        e.config.DeviceID,
		StartTime:       now,
		DurationSeconds: &zero,
	}
	s.session = &session
	s.lastRefresh = now

	metrics.SessionsOpened.WithLabelValues(s.groupID).Inc()
	e.logger.Info().
		Str("session_id", session.ID).
		Str("group_id", s.groupID).
		Dur("consecutive_active", active).
		Msg("Violation detected, session opened")

	// A failed create is retried by the next refresh or close, which carry
	// the full record.
	_ = e.persist(ctx, storage.EventCreate, session)
	e.notifyViolation(session, active)
}

func (e *Engine) refreshSession(ctx context.Context, s *slot, now time.Time) {
	updated := s.session.WithDuration(now)
	s.session = &updated
	s.lastRefresh = now

	e.logger.Debug().
		Str("session_id", updated.ID).
		Int64("duration_seconds", *updated.DurationSeconds).
		Msg("Session refreshed")
	_ = e.persist(ctx, storage.EventUpdate, updated)
}

func (e *Engine) closeSession(ctx context.Context, s *slot, now time.Time, reason Reason) error {
	closed := s.session.Closed(now)
	s.session = nil

	metrics.SessionsClosed.WithLabelValues(s.groupID, string(reason)).Inc()
	metrics.UsageSecondsTotal.WithLabelValues(s.groupID).Add(float64(*closed.DurationSeconds))
	e.logger.Info().
		Str("session_id", closed.ID).
		Str("group_id", s.groupID).
		Str("reason", string(reason)).
		Int64("duration_seconds", *closed.DurationSeconds).
		Msg("Session closed")

	if err := e.persist(ctx, storage.EventClose, closed); err != nil {
		// The close is lost; look for the orphan before the next open.
		s.reconciled = false
		return err
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, kind storage.EventKind, session storage.UsageSession) error {
	ack, err := e.gateway.Persist(ctx, gateway.Event{Kind: kind, Session: session})
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("session_id", session.ID).
			Str("kind", string(kind)).
			Msg("Failed to persist session event")
		return err
	}
	if ack.Queued {
		e.logger.Debug().
			Str("session_id", session.ID).
			Str("kind", string(kind)).
			Msg("Session event queued for retry")
	}
	return nil
}

// reconcile closes sessions of this user, group and device that are still
// open remotely or in the offline queue but not tracked in memory, so at
// most one session is ever open. A queued payload is newer than the remote
// copy and wins; a session whose queued payload is already closed is left
// for the gateway to flush. Each orphan is closed at start plus its last
// recorded duration, the last moment it is known to have been active.
func (e *Engine) reconcile(ctx context.Context, s *slot) error {
	remote, err := e.remote.ListOpenSessions(ctx, e.config.UserID, s.groupID)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}
	pending, err := e.gateway.PendingFor(ctx, e.config.UserID, s.groupID, e.config.DeviceID)
	if err != nil {
		return fmt.Errorf("list pending sessions: %w", err)
	}

	queued := make(map[string]storage.UsageSession, len(pending))
	for _, session := range pending {
		queued[session.ID] = session
	}

	orphans := make(map[string]storage.UsageSession)
	for _, session := range remote {
		if session.DeviceID != e.config.DeviceID {
			continue
		}
		if latest, ok := queued[session.ID]; ok {
			session = latest
		}
		if session.IsOpen() {
			orphans[session.ID] = session
		}
	}
	for id, session := range queued {
		if session.IsOpen() {
			orphans[id] = session
		}
	}
	if s.session != nil {
		delete(orphans, s.session.ID)
	}

	ordered := make([]storage.UsageSession, 0, len(orphans))
	for _, session := range orphans {
		ordered = append(ordered, session)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartTime.Before(ordered[j].StartTime)
	})

	for _, orphan := range ordered {
		var last int64
		if orphan.DurationSeconds != nil {
			last = *orphan.DurationSeconds
		}
		closed := orphan.Closed(orphan.StartTime.Add(time.Duration(last) * time.Second))
		if err := e.persist(ctx, storage.EventClose, closed); err != nil {
			return fmt.Errorf("close stale session %s: %w", orphan.ID, err)
		}
		metrics.SessionsReconciled.WithLabelValues(s.groupID).Inc()
		e.logger.Warn().
			Str("session_id", orphan.ID).
			Str("group_id", s.groupID).
			Int64("duration_seconds", *closed.DurationSeconds).
			Msg("Closed stale open session")
	}

	s.reconciled = true
	return nil
}

func (e *Engine) notifyViolation(session storage.UsageSession, active time.Duration) {
	title := "Screen time during a monitored period"
	body := fmt.Sprintf("Continuous use for %s in group %s.", active.Round(time.Second), session.GroupID)

	e.notifies.Add(1)
	go func() {
		defer e.notifies.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.config.NotifyTimeout)
		defer cancel()

		if err := e.notifier.Notify(ctx, title, body); err != nil {
			metrics.Notifications.WithLabelValues("error").Inc()
			e.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Violation notification failed")
			return
		}
		metrics.Notifications.WithLabelValues("ok").Inc()
	}()
}
