package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/goodtune/kwatch/internal/config"
	"github.com/goodtune/kwatch/internal/gateway"
	"github.com/goodtune/kwatch/internal/monitor"
	"github.com/goodtune/kwatch/internal/notify"
	"github.com/goodtune/kwatch/internal/pulse"
	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/goodtune/kwatch/internal/schedule/opa"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/goodtune/kwatch/internal/storage/postgres"
	"github.com/goodtune/kwatch/internal/storage/redis"
	"github.com/rs/zerolog"
)

// planCacheSize bounds the native evaluator's day plan cache.
const planCacheSize = 256

// remoteStore is what the CLI needs from the shared data store.
type remoteStore interface {
	storage.RemoteStore
	storage.ScheduleAdmin
}

// openRemote connects to the configured remote store. With allowOffline an
// unreachable store is still returned so the agent can start offline and
// catch up once the network is back.
func openRemote(ctx context.Context, cfg config.StorageConfig, allowOffline bool, logger zerolog.Logger) (remoteStore, error) {
	switch cfg.Type {
	case "redis", "":
		store, err := redis.Open(cfg.Redis)
		if err == nil {
			return store, nil
		}
		if !allowOffline {
			return nil, err
		}
		logger.Warn().Err(err).Msg("Redis unreachable, starting offline")
		lazy, dialErr := redis.Dial(cfg.Redis)
		if dialErr != nil {
			return nil, dialErr
		}
		return lazy, nil

	case "postgres":
		store, err := postgres.Open(ctx, cfg.Postgres)
		if err == nil {
			return store, nil
		}
		if !allowOffline {
			return nil, err
		}
		logger.Warn().Err(err).Msg("PostgreSQL unreachable, starting offline")
		lazy, connErr := postgres.Connect(ctx, cfg.Postgres)
		if connErr != nil {
			return nil, connErr
		}
		return lazy, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// newEvaluator builds the configured schedule evaluator. The returned reload
// function drops cached state so edited policies or schedules take effect.
func newEvaluator(cfg config.MonitorConfig, logger zerolog.Logger) (monitor.Evaluator, func() error, error) {
	switch cfg.Evaluator {
	case "opa":
		eval, err := opa.NewEvaluator(cfg.OPAPolicyDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OPA evaluator: %w", err)
		}
		return eval, eval.Reload, nil
	default:
		eval, err := schedule.NewEvaluator(planCacheSize)
		if err != nil {
			return nil, nil, err
		}
		return eval, func() error { eval.Purge(); return nil }, nil
	}
}

func trackerConfig(cfg config.MonitorConfig) activity.Config {
	return activity.Config{
		ActivityGap:    parseDuration(cfg.ActivityGap, activity.DefaultActivityGap),
		SampleInterval: parseDuration(cfg.SampleInterval, activity.DefaultSampleInterval),
	}
}

func engineConfig(cfg *config.Config) (monitor.Config, error) {
	loc, err := time.LoadLocation(cfg.Monitor.Timezone)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("invalid timezone %q: %w", cfg.Monitor.Timezone, err)
	}
	return monitor.Config{
		UserID:                  cfg.Identity.UserID,
		DeviceID:                cfg.Identity.DeviceID,
		Groups:                  cfg.Identity.Groups,
		ViolationThreshold:      parseDuration(cfg.Monitor.ViolationThreshold, monitor.DefaultViolationThreshold),
		SampleInterval:          parseDuration(cfg.Monitor.SampleInterval, activity.DefaultSampleInterval),
		SessionRefreshInterval:  parseDuration(cfg.Monitor.SessionRefreshInterval, monitor.DefaultSessionRefreshInterval),
		ScheduleRefreshInterval: parseDuration(cfg.Monitor.ScheduleRefreshInterval, monitor.DefaultScheduleRefreshInterval),
		NotifyTimeout:           parseDuration(cfg.Monitor.NotifyTimeout, monitor.DefaultNotifyTimeout),
		Location:                loc,
	}, nil
}

func gatewayConfig(cfg config.SyncConfig) gateway.Config {
	return gateway.Config{
		WriteTimeout:       parseDuration(cfg.WriteTimeout, 5*time.Second),
		MaxAttempts:        cfg.MaxAttempts,
		InitialBackoff:     parseDuration(cfg.InitialBackoff, time.Second),
		MaxBackoff:         parseDuration(cfg.MaxBackoff, time.Minute),
		SweepInterval:      parseDuration(cfg.SweepInterval, 5*time.Minute),
		FlushRate:          cfg.FlushRate,
		FlushBurst:         cfg.FlushBurst,
		BreakerMaxFailures: uint32(cfg.Breaker.MaxFailures),
		BreakerOpenTimeout: parseDuration(cfg.Breaker.OpenTimeout, 30*time.Second),
	}
}

func pulseConfig(cfg config.PulseConfig) pulse.Config {
	return pulse.Config{
		ForegroundInterval: parseDuration(cfg.ForegroundInterval, pulse.DefaultForegroundInterval),
		BackgroundInterval: parseDuration(cfg.BackgroundInterval, pulse.DefaultBackgroundInterval),
	}
}

// buildNotifier fans violations out to every configured sink. bridgeSink
// serves the "bridge" sink.
func buildNotifier(sinks []string, bridgeSink notify.Sink, logger zerolog.Logger) notify.Sink {
	var multi notify.Multi
	for _, name := range sinks {
		switch name {
		case "log":
			multi = append(multi, notify.NewLogSink(logger))
		case "console":
			multi = append(multi, notify.NewConsoleSink(os.Stderr))
		case "bridge":
			multi = append(multi, bridgeSink)
		}
	}
	if len(multi) == 1 {
		return multi[0]
	}
	return multi
}
