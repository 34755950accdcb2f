// Package pulse wakes the monitoring engine on a bounded interval, whether or
// not the shell is in the foreground, and on explicit wake requests.
package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultForegroundInterval = 10 * time.Second
	DefaultBackgroundInterval = 60 * time.Second

	SourceTimer = "pulse"
	SourceWake  = "wake"
)

// TickFunc evaluates the engine at now.
type TickFunc func(ctx context.Context, now time.Time, source string)

// Config holds pulse intervals
type Config struct {
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
}

// Source is a periodic and on-demand wake source.
type Source struct {
	config Config
	tick   TickFunc
	clock  clockwork.Clock
	logger zerolog.Logger

	wake  chan struct{}
	reset chan time.Duration

	mu         sync.Mutex
	background bool
	onPulse    []func()
}

// New creates a pulse source calling tick on every pulse.
func New(config Config, tick TickFunc, clock clockwork.Clock, logger zerolog.Logger) *Source {
	if config.ForegroundInterval <= 0 {
		config.ForegroundInterval = DefaultForegroundInterval
	}
	if config.BackgroundInterval <= 0 {
		config.BackgroundInterval = DefaultBackgroundInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{
		config: config,
		tick:   tick,
		clock:  clock,
		logger: logger.With().Str("component", "pulse").Logger(),
		wake:   make(chan struct{}, 1),
		reset:  make(chan time.Duration, 1),
	}
}

// OnPulse registers a hook run after every pulse.
func (s *Source) OnPulse(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPulse = append(s.onPulse, fn)
}

// Wake requests an immediate pulse. Requests arriving while one is pending
// are merged.
func (s *Source) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetVisibility switches between the foreground and background interval.
func (s *Source) SetVisibility(v activity.Visibility) {
	s.mu.Lock()
	background := v == activity.Background
	if background == s.background {
		s.mu.Unlock()
		return
	}
	s.background = background
	interval := s.intervalLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("visibility", v.String()).Dur("interval", interval).Msg("Pulse interval changed")

	// Drop a stale pending reset in favour of the latest one
	select {
	case <-s.reset:
	default:
	}
	select {
	case s.reset <- interval:
	default:
	}
}

// Interval returns the interval currently in effect.
func (s *Source) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

func (s *Source) intervalLocked() time.Duration {
	if s.background {
		return s.config.BackgroundInterval
	}
	return s.config.ForegroundInterval
}

// Run emits pulses until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.Interval())
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.Interval()).Msg("Pulse source started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Pulse source stopped")
			return nil
		case <-ticker.Chan():
			s.pulse(ctx, SourceTimer)
		case <-s.wake:
			s.pulse(ctx, SourceWake)
		case d := <-s.reset:
			ticker.Reset(d)
		}
	}
}

func (s *Source) pulse(ctx context.Context, source string) {
	s.tick(ctx, s.clock.Now(), source)

	s.mu.Lock()
	hooks := append([]func(){}, s.onPulse...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}
