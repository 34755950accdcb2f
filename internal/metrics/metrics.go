package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Engine metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_ticks_total",
			Help: "Total evaluation ticks by trigger source",
		},
		[]string{"source"},
	)

	SessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_sessions_opened_total",
			Help: "Total usage sessions opened",
		},
		[]string{"group"},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_sessions_closed_total",
			Help: "Total usage sessions closed by reason",
		},
		[]string{"group", "reason"},
	)

	SessionsReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_sessions_reconciled_total",
			Help: "Stale open sessions closed during reconciliation",
		},
		[]string{"group"},
	)

	UsageSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_usage_seconds_total",
			Help: "Total seconds recorded in closed sessions",
		},
		[]string{"group"},
	)

	Monitored = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kwatch_monitored",
			Help: "Whether the group is inside a monitored window (1) or not (0)",
		},
		[]string{"group"},
	)

	ConsecutiveActiveSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kwatch_consecutive_active_seconds",
			Help: "Current consecutive screen-active seconds",
		},
	)

	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kwatch_connected",
			Help: "Last known connectivity (1 online, 0 offline)",
		},
	)

	ScheduleRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_schedule_refreshes_total",
			Help: "Schedule cache refreshes by result",
		},
		[]string{"result"},
	)

	// Gateway metrics
	RemoteWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_remote_writes_total",
			Help: "Remote session writes by event kind and result",
		},
		[]string{"kind", "result"},
	)

	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kwatch_queue_pending",
			Help: "Entries waiting in the offline queue",
		},
	)

	QueueFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kwatch_queue_flushed_total",
			Help: "Offline queue entries flushed to the remote store",
		},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kwatch_breaker_state",
			Help: "Remote write circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// Notification metrics
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwatch_notifications_total",
			Help: "Violation notifications by result",
		},
		[]string{"result"},
	)

	// Bridge metrics
	BridgeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kwatch_bridge_clients",
			Help: "Connected bridge websocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		SessionsOpened,
		SessionsClosed,
		SessionsReconciled,
		UsageSecondsTotal,
		Monitored,
		ConsecutiveActiveSeconds,
		Connected,
		ScheduleRefreshes,
		RemoteWrites,
		QueuePending,
		QueueFlushed,
		BreakerState,
		Notifications,
		BridgeClients,
	)
}

// BoolValue converts a flag to a gauge value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	health   func() error
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// SetHealthCheck installs a check run by /health. Without one /health
// always reports OK.
func (s *Server) SetHealthCheck(check func() error) {
	s.health = check
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
