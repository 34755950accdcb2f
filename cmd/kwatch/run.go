package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/goodtune/kwatch/internal/bridge"
	"github.com/goodtune/kwatch/internal/config"
	"github.com/goodtune/kwatch/internal/gateway"
	"github.com/goodtune/kwatch/internal/metrics"
	"github.com/goodtune/kwatch/internal/monitor"
	"github.com/goodtune/kwatch/internal/notify"
	"github.com/goodtune/kwatch/internal/pulse"
	"github.com/goodtune/kwatch/internal/storage/bolt"
	"github.com/goodtune/kwatch/internal/systemd"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring agent",
	Long:  `Run the monitoring engine, the offline sync loop, the shell bridge (optional) and the metrics endpoint.`,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("user_id", cfg.Identity.UserID).
		Str("device_id", cfg.Identity.DeviceID).
		Strs("groups", cfg.Identity.Groups).
		Msg("Starting kwatch")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := openRemote(ctx, cfg.Storage, true, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	queue, err := bolt.Open(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open offline queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close offline queue")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("queue_path", cfg.Storage.QueuePath).
		Msg("Storage initialized")

	gw := gateway.New(store, queue, gatewayConfig(cfg.Sync), logger)

	evaluator, reload, err := newEvaluator(cfg.Monitor, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("evaluator", cfg.Monitor.Evaluator).Msg("Schedule evaluator initialized")

	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}

	// The bridge is created after the engine it forwards activity to; the
	// notifier reaches it through this variable.
	var shell *bridge.Server
	bridgeSink := notify.SinkFunc(func(ctx context.Context, title, body string) error {
		if shell == nil {
			return bridge.ErrNoClients
		}
		return shell.Notify(ctx, title, body)
	})

	clock := clockwork.NewRealClock()
	engine := monitor.New(monitor.Deps{
		Remote:    store,
		Gateway:   gw,
		Tracker:   activity.NewTracker(trackerConfig(cfg.Monitor)),
		Evaluator: evaluator,
		Notifier:  buildNotifier(cfg.Notify.Sinks, bridgeSink, logger),
		Clock:     clock,
	}, engineCfg, logger)

	pulses := pulse.New(pulseConfig(cfg.Pulse), engine.Tick, clock, logger)
	engine.OnVisibility(pulses.SetVisibility)

	watchdog, err := systemd.WatchdogInterval()
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring systemd watchdog settings")
	}
	if watchdog > 0 {
		if interval := parseDuration(cfg.Pulse.BackgroundInterval, pulse.DefaultBackgroundInterval); interval >= watchdog {
			logger.Warn().
				Dur("watchdog", watchdog).
				Dur("background_interval", interval).
				Msg("Background pulse is slower than the systemd watchdog")
		}
		pulses.OnPulse(func() {
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		})
	}

	if cfg.Bridge.Enabled {
		shell = bridge.New(bridge.Config{
			BindAddress:    cfg.Bridge.BindAddress,
			Port:           cfg.Bridge.Port,
			AllowedOrigins: cfg.Bridge.AllowedOrigins,
		}, engine, pulses, engine, clock, logger)

		if sdListeners.Bridge != nil {
			shell.SetListener(sdListeners.Bridge)
		}
		if err := shell.Start(); err != nil {
			return fmt.Errorf("failed to start bridge: %w", err)
		}
	} else {
		logger.Warn().Msg("Bridge disabled, no activity source is connected")
	}

	// Background loops
	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("loop", name).Msg("Background loop stopped")
			}
		}()
	}

	background("gateway", gw.Run)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring engine: %w", err)
	}

	background("pulse", pulses.Run)

	if cfg.Connectivity.Source == "probe" {
		prober := activity.NewProber(store,
			parseDuration(cfg.Connectivity.ProbeInterval, 5*time.Second),
			parseDuration(cfg.Connectivity.ProbeTimeout, 2*time.Second),
			clock, logger)
		background("prober", func(ctx context.Context) error { return prober.Run(ctx, engine) })
	}

	// Metrics
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	metricsServer.SetHealthCheck(func() error {
		if !engine.Running() {
			return errors.New("monitoring engine is not running")
		}
		return nil
	})
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Msg("kwatch startup complete")
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)
	if shell != nil {
		logger.Info().Msgf("Bridge: ws://%s:%d/ws", cfg.Bridge.BindAddress, cfg.Bridge.Port)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}
		logger.Info().Msg("SIGHUP received, reloading evaluator and schedules...")
		if err := reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload evaluator")
		}
		engine.RequestRefresh()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	// Closing open sessions still writes through the gateway.
	if err := engine.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping monitoring engine")
	}

	cancel()
	wg.Wait()

	if shell != nil {
		if err := shell.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping bridge")
		}
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	if pending, err := queue.Count(stopCtx); err == nil && pending > 0 {
		logger.Info().Int("pending", pending).Msg("Session writes remain queued for the next start")
	}

	logger.Info().Msg("kwatch stopped")
	return nil
}
