package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/goodtune/kwatch/internal/metrics"
	"github.com/goodtune/kwatch/internal/monitor"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrNoClients is returned by Notify when no shell is connected to show the
// notification.
var ErrNoClients = errors.New("no bridge clients connected")

const (
	MsgInteraction  = "interaction"
	MsgVisibility   = "visibility"
	MsgConnectivity = "connectivity"
	MsgViolation    = "violation"
	MsgStatus       = "status"

	maxMessageSize = 4096
	sendBuffer     = 16
	writeWait      = 5 * time.Second
)

// Inbound is a message sent by the application shell.
type Inbound struct {
	Type   string     `json:"type"`
	At     *time.Time `json:"at,omitempty"`
	State  string     `json:"state,omitempty"`
	Online *bool      `json:"online,omitempty"`
}

// Outbound is a message pushed to the application shell.
type Outbound struct {
	Type   string          `json:"type"`
	Title  string          `json:"title,omitempty"`
	Body   string          `json:"body,omitempty"`
	At     time.Time       `json:"at"`
	Status *monitor.Status `json:"status,omitempty"`
}

// Waker requests an immediate tick.
type Waker interface {
	Wake()
}

// StatusProvider reports the engine state.
type StatusProvider interface {
	Status() monitor.Status
}

// Config configures the bridge server.
type Config struct {
	BindAddress    string
	Port           int
	AllowedOrigins []string
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// Server connects the application shell to the engine. The shell reports
// activity over a websocket and receives violation notifications on it.
type Server struct {
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	listener net.Listener
	allowed  map[string]bool

	sink   activity.Sink
	waker  Waker
	status StatusProvider
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

// New creates a bridge server. waker and status may be nil, in which case
// the matching routes answer 503.
func New(config Config, sink activity.Sink, waker Waker, status StatusProvider, clock clockwork.Clock, logger zerolog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		router:  mux.NewRouter(),
		allowed: make(map[string]bool, len(config.AllowedOrigins)),
		sink:    sink,
		waker:   waker,
		status:  status,
		clock:   clock,
		logger:  logger.With().Str("component", "bridge").Logger(),
		clients: make(map[*client]bool),
	}
	for _, origin := range config.AllowedOrigins {
		s.allowed[strings.TrimSuffix(origin, "/")] = true
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", config.BindAddress, config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/wake", s.handleWake).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
}

// Handler returns the bridge's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves the bridge in the background.
func (s *Server) Start() error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated bridge listener")
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting bridge server")
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Bridge server error")
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping bridge server")

	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	metrics.BridgeClients.Set(0)
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}

// ClientCount returns the number of connected shells.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Notify pushes a violation to every connected shell.
func (s *Server) Notify(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sent := s.broadcast(Outbound{Type: MsgViolation, Title: title, Body: body, At: s.clock.Now()})
	if sent == 0 {
		return ErrNoClients
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := s.addClient(conn)
	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Shell connected")

	go func() {
		defer func() {
			s.removeClient(c)
			s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Shell disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := s.dispatch(data); err != nil {
				s.logger.Warn().Err(err).Msg("Ignoring bridge message")
			}
		}
	}()
}

func (s *Server) dispatch(data []byte) error {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	if s.sink == nil {
		return errors.New("no activity sink attached")
	}

	// The shell's clock is not trusted ahead of ours.
	at := s.clock.Now()
	if msg.At != nil && msg.At.Before(at) {
		at = *msg.At
	}

	switch msg.Type {
	case MsgInteraction:
		s.sink.RecordInteraction(at)
	case MsgVisibility:
		v, err := activity.ParseVisibility(msg.State)
		if err != nil {
			return err
		}
		s.sink.SetVisibility(v, at)
	case MsgConnectivity:
		if msg.Online == nil {
			return errors.New("connectivity message without online flag")
		}
		s.sink.SetConnectivity(*msg.Online, at)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (s *Server) handleWake(w http.ResponseWriter, _ *http.Request) {
	if s.waker == nil {
		http.Error(w, "wake unavailable", http.StatusServiceUnavailable)
		return
	}
	s.waker.Wake()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.status.Status())
}

func (s *Server) addClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	go c.writePump()

	if s.status != nil {
		status := s.status.Status()
		if data, err := json.Marshal(Outbound{Type: MsgStatus, At: s.clock.Now(), Status: &status}); err == nil {
			c.send <- data
		}
	}

	s.mu.Lock()
	s.clients[c] = true
	metrics.BridgeClients.Set(float64(len(s.clients)))
	s.mu.Unlock()
	return c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
		metrics.BridgeClients.Set(float64(len(s.clients)))
	}
}

// broadcast returns how many clients the message was queued for. Clients
// that cannot keep up are disconnected.
func (s *Server) broadcast(msg Outbound) int {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode bridge message")
		return 0
	}

	var slow []*client
	sent := 0
	s.mu.RLock()
	for c := range s.clients {
		select {
		case c.send <- data:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn().Msg("Bridge client too slow, disconnecting")
		s.removeClient(c)
	}
	return sent
}

// checkOrigin admits requests without an Origin header, origins listed in
// the configuration, and loopback origins when none are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowed) > 0 {
		return s.allowed[origin]
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
