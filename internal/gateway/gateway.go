// Package gateway turns session lifecycle events into durable remote writes.
// Writes that cannot reach the remote store are parked in the local offline
// queue, coalesced per session, and flushed oldest first once the store is
// reachable again.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/kwatch/internal/metrics"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrQueueUnavailable is returned when an event could neither be written
// remotely nor parked in the offline queue.
var ErrQueueUnavailable = errors.New("offline queue unavailable")

const (
	DefaultWriteTimeout   = 5 * time.Second
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute
	DefaultSweepInterval  = 5 * time.Minute
)

// Event is one session lifecycle step to persist.
type Event struct {
	Kind    storage.EventKind
	Session storage.UsageSession
}

// Ack reports how an event was accepted.
type Ack struct {
	// Queued is true when the event was parked locally instead of written.
	Queued bool
}

// Remote is the subset of the remote store the gateway writes to.
type Remote interface {
	UpsertSession(ctx context.Context, session storage.UsageSession) error
}

// Config holds gateway configuration
type Config struct {
	WriteTimeout       time.Duration
	MaxAttempts        int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	SweepInterval      time.Duration
	FlushRate          float64
	FlushBurst         int
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock driving the periodic sweep.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Gateway persists session events with an offline fallback.
type Gateway struct {
	remote  Remote
	queue   storage.Queue
	config  Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	clock   clockwork.Clock
	logger  zerolog.Logger
	kick    chan struct{}

	// mu serialises remote writes and queue mutations so a session's
	// writes reach the remote store in the order they were produced.
	mu sync.Mutex
}

// New creates a gateway.
func New(remote Remote, queue storage.Queue, config Config, logger zerolog.Logger, opts ...Option) *Gateway {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.FlushBurst <= 0 {
		config.FlushBurst = 1
	}
	limit := rate.Inf
	if config.FlushRate > 0 {
		limit = rate.Limit(config.FlushRate)
	}

	g := &Gateway{
		remote:  remote,
		queue:   queue,
		config:  config,
		limiter: rate.NewLimiter(limit, config.FlushBurst),
		clock:   clockwork.NewRealClock(),
		logger:  logger.With().Str("component", "gateway").Logger(),
		kick:    make(chan struct{}, 1),
	}

	settings := gobreaker.Settings{
		Name:    "remote-store",
		Timeout: config.BreakerOpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.BreakerState.Set(breakerValue(to))
		},
	}
	if config.BreakerMaxFailures > 0 {
		maxFailures := config.BreakerMaxFailures
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		}
	}
	g.breaker = gobreaker.NewCircuitBreaker(settings)

	for _, opt := range opts {
		opt(g)
	}
	return g
}

func breakerValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Persist writes ev to the remote store, or parks it in the offline queue.
// If the session already has a pending entry the event is coalesced into it
// without a remote attempt, so the older payload can never overwrite it.
func (g *Gateway) Persist(ctx context.Context, ev Event) (Ack, error) {
	if ev.Session.ID == "" {
		return Ack{}, fmt.Errorf("session id is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.queue.Get(ctx, ev.Session.ID)
	switch {
	case err == nil:
		return g.enqueueLocked(ctx, ev, nil)
	case !errors.Is(err, storage.ErrNotFound):
		g.logger.Error().Err(err).Str("session_id", ev.Session.ID).Msg("Failed to read offline queue")
	}

	if err := g.write(ctx, ev.Kind, ev.Session); err != nil {
		return g.enqueueLocked(ctx, ev, err)
	}
	return Ack{}, nil
}

func (g *Gateway) enqueueLocked(ctx context.Context, ev Event, cause error) (Ack, error) {
	entry, err := g.queue.Enqueue(ctx, storage.QueueEntry{
		Key:     ev.Session.ID,
		Kind:    ev.Kind,
		Session: ev.Session,
	})
	if err != nil {
		g.logger.Error().
			Err(err).
			AnErr("write_error", cause).
			Str("session_id", ev.Session.ID).
			Msg("Failed to queue session event")
		return Ack{}, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	event := g.logger.Debug()
	if cause != nil {
		event = g.logger.Warn().AnErr("write_error", cause)
	}
	event.
		Str("session_id", entry.Key).
		Str("kind", string(entry.Kind)).
		Uint64("revision", entry.Revision).
		Msg("Session event queued")

	g.recordPending(ctx)
	g.Kick()
	return Ack{Queued: true}, nil
}

func (g *Gateway) write(ctx context.Context, kind storage.EventKind, session storage.UsageSession) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, g.config.WriteTimeout)
		defer cancel()
		return nil, g.remote.UpsertSession(writeCtx, session)
	})

	result := "ok"
	switch {
	case breakerRejected(err):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	metrics.RemoteWrites.WithLabelValues(string(kind), result).Inc()
	return err
}

// Flush writes every queued entry oldest first and removes each one only
// after the remote store acknowledged it. An entry the store rejects does not
// hold back the entries behind it; the pass only stops early when the breaker
// is open or ctx is done. It returns the number of entries flushed and the
// joined per-entry errors.
func (g *Gateway) Flush(ctx context.Context) (int, error) {
	entries, err := g.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list offline queue: %w", err)
	}

	flushed := 0
	var errs []error
	for _, entry := range entries {
		if err := g.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := g.flushEntry(ctx, entry.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("flush session %s: %w", entry.Key, err))
			if breakerRejected(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		if ok {
			flushed++
		}
	}

	if flushed > 0 {
		g.logger.Info().Int("flushed", flushed).Msg("Offline queue flushed")
	}
	g.recordPending(ctx)
	return flushed, errors.Join(errs...)
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (g *Gateway) flushEntry(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Re-read under the lock; the entry may have been coalesced since List.
	entry, err := g.queue.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := g.write(ctx, entry.Kind, entry.Session); err != nil {
		return false, err
	}

	removed, err := g.queue.Remove(ctx, entry.Key, entry.Revision)
	if err != nil {
		return false, fmt.Errorf("remove flushed entry: %w", err)
	}
	if removed {
		metrics.QueueFlushed.Inc()
	}
	return removed, nil
}

// Kick requests a flush with retry. Requests arriving while one is pending
// are merged.
func (g *Gateway) Kick() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Run serves kick requests and a periodic sweep until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	sweep := g.clock.NewTicker(g.config.SweepInterval)
	defer sweep.Stop()

	g.recordPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.kick:
			g.flushWithRetry(ctx)
		case <-sweep.Chan():
			if count, err := g.queue.Count(ctx); err == nil && count > 0 {
				g.flushWithRetry(ctx)
			}
		}
	}
}

func (g *Gateway) flushWithRetry(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.config.InitialBackoff
	policy.MaxInterval = g.config.MaxBackoff
	policy.MaxElapsedTime = 0

	attempts := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(g.config.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		_, err := g.Flush(ctx)
		return err
	}, attempts, func(err error, next time.Duration) {
		g.logger.Debug().Err(err).Dur("retry_in", next).Msg("Flush failed, retrying")
	})
	if err != nil && ctx.Err() == nil {
		g.logger.Warn().Err(err).Int("attempts", g.config.MaxAttempts).Msg("Flush gave up, waiting for next trigger")
	}
}

// PendingFor returns the latest queued payload of every session of this
// user, group and device, oldest first. Closed payloads are included so a
// caller can tell a session already closed locally from one left open.
func (g *Gateway) PendingFor(ctx context.Context, userID, groupID, deviceID string) ([]storage.UsageSession, error) {
	entries, err := g.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	var sessions []storage.UsageSession
	for _, entry := range entries {
		s := entry.Session
		if s.UserID == userID && s.GroupID == groupID && s.DeviceID == deviceID {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// BreakerState returns the remote write circuit breaker state.
func (g *Gateway) BreakerState() gobreaker.State {
	return g.breaker.State()
}

func (g *Gateway) recordPending(ctx context.Context) {
	if count, err := g.queue.Count(ctx); err == nil {
		metrics.QueuePending.Set(float64(count))
	}
}
