// Package monitor runs the session state machine: on every tick it combines
// the schedule decision with the activity signal, opens, refreshes and
// closes usage sessions, and hands the resulting events to the gateway.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/goodtune/kwatch/internal/gateway"
	"github.com/goodtune/kwatch/internal/metrics"
	"github.com/goodtune/kwatch/internal/notify"
	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultViolationThreshold      = 15 * time.Second
	DefaultSessionRefreshInterval  = 15 * time.Second
	DefaultScheduleRefreshInterval = 15 * time.Minute
	DefaultNotifyTimeout           = 5 * time.Second
)

// Tick sources.
const (
	SourceSample       = "sample"
	SourceVisibility   = "visibility"
	SourceConnectivity = "connectivity"
	SourceRefresh      = "refresh"
)

// ErrRunning is returned by Start on an engine that is already running.
var ErrRunning = errors.New("monitor: engine already running")

// Evaluator decides whether groupID is monitored at ts.
type Evaluator interface {
	IsMonitored(ts time.Time, set *schedule.Set, groupID string) bool
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ts time.Time, set *schedule.Set, groupID string) bool

// IsMonitored calls f.
func (f EvaluatorFunc) IsMonitored(ts time.Time, set *schedule.Set, groupID string) bool {
	return f(ts, set, groupID)
}

// Remote is the part of the remote store the engine reads.
type Remote interface {
	storage.ScheduleStore
	ListOpenSessions(ctx context.Context, userID, groupID string) ([]storage.UsageSession, error)
}

// Gateway persists session events.
type Gateway interface {
	Persist(ctx context.Context, ev gateway.Event) (gateway.Ack, error)
	PendingFor(ctx context.Context, userID, groupID, deviceID string) ([]storage.UsageSession, error)
	Kick()
}

// Config holds engine configuration
type Config struct {
	UserID                  string
	DeviceID                string
	Groups                  []string
	ViolationThreshold      time.Duration
	SampleInterval          time.Duration
	SessionRefreshInterval  time.Duration
	ScheduleRefreshInterval time.Duration
	NotifyTimeout           time.Duration
	Location                *time.Location
}

// Deps are the engine's collaborators. Evaluator, Notifier and Clock are
// optional.
type Deps struct {
	Remote    Remote
	Gateway   Gateway
	Tracker   *activity.Tracker
	Evaluator Evaluator
	Notifier  notify.Sink
	Clock     clockwork.Clock
}

// slot is the state machine of one group membership. A nil session is Idle.
type slot struct {
	groupID     string
	session     *storage.UsageSession
	lastRefresh time.Time
	reconciled  bool
	monitored   bool
}

// Engine is the monitoring engine of one signed-in user on one device.
type Engine struct {
	config    Config
	remote    Remote
	gateway   Gateway
	tracker   *activity.Tracker
	evaluator Evaluator
	notifier  notify.Sink
	clock     clockwork.Clock
	logger    zerolog.Logger

	schedules schedule.Cache
	refreshCh chan struct{}
	evalCh    chan string

	mu       sync.Mutex
	running  bool
	slots    map[string]*slot
	lastTick time.Time
	cancel   context.CancelFunc
	subs     []storage.Subscription

	visMu sync.Mutex
	onVis []func(activity.Visibility)

	loops    sync.WaitGroup
	notifies sync.WaitGroup
}

// New creates an engine. It does nothing until Start.
func New(deps Deps, config Config, logger zerolog.Logger) *Engine {
	if config.ViolationThreshold <= 0 {
		config.ViolationThreshold = DefaultViolationThreshold
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = activity.DefaultSampleInterval
	}
	if config.SessionRefreshInterval <= 0 {
		config.SessionRefreshInterval = DefaultSessionRefreshInterval
	}
	if config.ScheduleRefreshInterval <= 0 {
		config.ScheduleRefreshInterval = DefaultScheduleRefreshInterval
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = DefaultNotifyTimeout
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	if deps.Evaluator == nil {
		deps.Evaluator = EvaluatorFunc(schedule.IsMonitored)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := &Engine{
		config:    config,
		remote:    deps.Remote,
		gateway:   deps.Gateway,
		tracker:   deps.Tracker,
		evaluator: deps.Evaluator,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger: logger.With().
			Str("component", "monitor").
			Str("user_id", config.UserID).
			Str("device_id", config.DeviceID).
			Logger(),
		refreshCh: make(chan struct{}, 1),
		evalCh:    make(chan string, 1),
	}
	e.resetSlots()
	return e
}

func (e *Engine) resetSlots() {
	e.slots = make(map[string]*slot, len(e.config.Groups))
	for _, groupID := range e.config.Groups {
		e.slots[groupID] = &slot{groupID: groupID}
	}
}

// OnVisibility registers a listener for visibility changes, such as the
// pulse source switching its interval.
func (e *Engine) OnVisibility(fn func(activity.Visibility)) {
	e.visMu.Lock()
	defer e.visMu.Unlock()
	e.onVis = append(e.onVis, fn)
}

// Start loads schedules, closes stale sessions left by a previous run,
// subscribes to schedule changes and starts the sampling and refresh loops.
// A failed schedule load is not fatal: every group evaluates as not
// monitored until a refresh succeeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.cancel = cancel
	e.resetSlots()
	e.mu.Unlock()

	e.logger.Info().Strs("groups", e.config.Groups).Msg("Starting monitoring engine")

	if err := e.RefreshSchedules(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Initial schedule load failed, groups are unmonitored until a refresh succeeds")
	}

	e.mu.Lock()
	for _, groupID := range e.config.Groups {
		if err := e.reconcile(ctx, e.slots[groupID]); err != nil {
			e.logger.Warn().Err(err).Str("group_id", groupID).Msg("Reconciliation deferred")
		}
	}
	e.mu.Unlock()

	e.subscribe(runCtx)

	e.loops.Add(2)
	go e.sampleLoop(runCtx)
	go e.refreshLoop(runCtx)
	return nil
}

func (e *Engine) subscribe(ctx context.Context) {
	var subs []storage.Subscription
	for _, groupID := range e.config.Groups {
		for _, table := range []string{storage.TableScheduleWindows, storage.TableHolidays} {
			sub, err := e.remote.Subscribe(ctx, table, groupID, e.RequestRefresh)
			if err != nil {
				e.logger.Warn().Err(err).
					Str("table", table).
					Str("group_id", groupID).
					Msg("Change feed unavailable, relying on periodic refresh")
				continue
			}
			subs = append(subs, sub)
		}
	}

	e.mu.Lock()
	e.subs = append(e.subs, subs...)
	e.mu.Unlock()
}

// Stop closes every open session, then cancels the loops and change feeds
// and waits for them. A stopped engine ignores further ticks.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false

	now := e.clock.Now()
	var errs []error
	for _, groupID := range e.config.Groups {
		s := e.slots[groupID]
		if s.session != nil {
			if err := e.closeSession(ctx, s, now, ReasonStopped); err != nil {
				errs = append(errs, err)
			}
		}
	}

	cancel := e.cancel
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	cancel()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("Failed to close change feed")
		}
	}
	e.loops.Wait()
	e.notifies.Wait()

	e.logger.Info().Msg("Monitoring engine stopped")
	return errors.Join(errs...)
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) sampleLoop(ctx context.Context) {
	defer e.loops.Done()

	ticker := e.clock.NewTicker(e.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := e.clock.Now()
			e.tracker.Sample(now)
			e.Tick(ctx, now, SourceSample)
		case source := <-e.evalCh:
			e.Tick(ctx, e.clock.Now(), source)
		}
	}
}

// requestTick asks the sampling loop to re-evaluate now. Requests arriving
// while one is pending are merged.
func (e *Engine) requestTick(source string) {
	select {
	case e.evalCh <- source:
	default:
	}
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.loops.Done()

	ticker := e.clock.NewTicker(e.config.ScheduleRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-e.refreshCh:
		}

		if err := e.RefreshSchedules(ctx); err != nil {
			if ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("Schedule refresh failed, keeping previous schedules")
			}
			continue
		}
		// Re-evaluate at once so a schedule change takes effect now
		e.Tick(ctx, e.clock.Now(), SourceRefresh)
	}
}

// RequestRefresh asks the refresh loop to reload schedules. Requests
// arriving while one is pending are merged.
func (e *Engine) RequestRefresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

// RefreshSchedules reloads schedules and holidays for every group and swaps
// the snapshot wholesale. On failure the previous snapshot stays in place.
func (e *Engine) RefreshSchedules(ctx context.Context) error {
	windows, err := e.remote.FetchSchedules(ctx, e.config.Groups)
	if err != nil {
		metrics.ScheduleRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch schedules: %w", err)
	}
	holidays, err := e.remote.FetchHolidays(ctx, e.config.Groups)
	if err != nil {
		metrics.ScheduleRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch holidays: %w", err)
	}

	set, invalid := schedule.NewSet(windows, holidays, e.clock.Now())
	for _, err := range invalid {
		e.logger.Warn().Err(err).Msg("Ignoring invalid schedule window")
	}
	version := e.schedules.Replace(set)
	metrics.ScheduleRefreshes.WithLabelValues("ok").Inc()

	e.logger.Debug().
		Uint64("version", version).
		Int("windows", len(set.Windows)).
		Int("holidays", len(set.Holidays)).
		Msg("Schedules refreshed")
	return nil
}

// Schedules returns the current schedule snapshot, or nil before the first
// successful refresh.
func (e *Engine) Schedules() *schedule.Set {
	return e.schedules.Load()
}

// RecordInteraction notes a user interaction.
func (e *Engine) RecordInteraction(at time.Time) {
	e.tracker.RecordInteraction(at)
}

// SetVisibility forwards a visibility change. Going to the background
// re-evaluates at once on the sampling loop, at engine time, so an open
// session closes without waiting for the next sample. It never waits for
// a tick in progress.
func (e *Engine) SetVisibility(v activity.Visibility, at time.Time) {
	e.tracker.SetVisibility(v, at)

	e.visMu.Lock()
	listeners := append([]func(activity.Visibility){}, e.onVis...)
	e.visMu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}

	if v == activity.Background {
		e.requestTick(SourceVisibility)
	}
}

// SetConnectivity forwards a connectivity change. Losing connectivity
// re-evaluates at once on the sampling loop; regaining it flushes the
// offline queue and reloads schedules.
func (e *Engine) SetConnectivity(online bool, _ time.Time) {
	if !e.tracker.SetConnectivity(online) {
		return
	}
	metrics.Connected.Set(metrics.BoolValue(online))
	e.logger.Info().Bool("online", online).Msg("Connectivity changed")

	if online {
		e.gateway.Kick()
		e.RequestRefresh()
		return
	}
	e.requestTick(SourceConnectivity)
}

var _ activity.Sink = (*Engine)(nil)
