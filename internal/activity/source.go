package activity

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Sink receives activity, visibility and connectivity events.
type Sink interface {
	RecordInteraction(at time.Time)
	SetVisibility(v Visibility, at time.Time)
	SetConnectivity(online bool, at time.Time)
}

// Source produces events into a Sink until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Pinger checks reachability of the remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober is a connectivity Source that pings the remote store on an
// interval and reports transitions only.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewProber creates a connectivity prober.
func NewProber(pinger Pinger, interval, timeout time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Prober{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		clock:    clock,
		logger:   logger.With().Str("component", "connectivity-prober").Logger(),
	}
}

// Run probes immediately and then on every interval.
func (p *Prober) Run(ctx context.Context, sink Sink) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	var last *bool
	probe := func() {
		online := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if last != nil && *last == online {
			return
		}
		last = &online
		p.logger.Info().Bool("online", online).Msg("Connectivity changed")
		sink.SetConnectivity(online, p.clock.Now())
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			probe()
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(probeCtx); err != nil {
		p.logger.Debug().Err(err).Msg("Probe failed")
		return false
	}
	return true
}
