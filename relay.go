package main

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cjtronics/relay/internal/backend"
	"cjtronics/relay/internal/config"
	"cjtronics/relay/internal/heartbeat"
	"cjtronics/relay/internal/httpapi"
	"cjtronics/relay/internal/journal"
	"cjtronics/relay/internal/protocol"
	"cjtronics/relay/internal/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type role int

const (
	roleController role = iota
	roleDevice
)

func (r role) String() string {
	if r == roleDevice {
		return "device"
	}
	return "controller"
}

// client wraps one WebSocket connection. The role is assigned at accept time
// from query parameters and never changes afterwards.
type client struct {
	id       string
	role     role
	deviceID string

	conn *websocket.Conn
	send chan []byte

	monitor *heartbeat.Monitor

	closeOnce sync.Once
	closed    chan struct{}
}

// ID implements registry.Conn.
func (c *client) ID() string { return c.id }

// enqueue hands msg to the writer goroutine. Delivery is fire-and-forget: a
// peer that cannot keep up, or is already closing, simply misses the frame.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendPing implements heartbeat.Conn.
func (c *client) SendPing() error {
	if !c.enqueue(protocol.Ping()) {
		return errors.New("send queue unavailable")
	}
	return nil
}

// Terminate implements heartbeat.Conn: an abrupt transport close with no
// handshake. The reader goroutine notices and runs the ordinary close path.
func (c *client) Terminate() {
	_ = c.conn.Close()
}

// Relay owns the connection set, the device registry, and the counters backing
// the ops endpoints. It is the single place connection lifecycle events mutate
// shared state.
type Relay struct {
	cfg     *config.Config
	log     zerolog.Logger
	backend *backend.Client
	reg     *registry.Registry
	journal *journal.Journal

	mu      sync.Mutex
	clients map[*client]struct{}

	started      time.Time
	startupErr   atomic.Value
	broadcasts   atomic.Uint64
	forwards     atomic.Uint64
	terminations atomic.Uint64
}

// NewRelay wires a relay from its collaborators. journal may be nil when
// journalling is disabled.
func NewRelay(cfg *config.Config, logger zerolog.Logger, backendClient *backend.Client, traffic *journal.Journal) *Relay {
	return &Relay{
		cfg:     cfg,
		log:     logger,
		backend: backendClient,
		reg:     registry.New(),
		journal: traffic,
		clients: make(map[*client]struct{}),
		started: time.Now(),
	}
}

// classifyRequest reads the accept-time query parameters. A connection is a
// device only when type=device and a non-empty id is present; everything else
// is a controller.
func classifyRequest(req *http.Request) (role, string) {
	query := req.URL.Query()
	if query.Get("type") == "device" {
		if id := strings.TrimSpace(query.Get("id")); id != "" {
			return roleDevice, id
		}
	}
	return roleController, ""
}

// ServeWS upgrades the request and starts the connection's lifecycle: device
// connections are registered, put on a heartbeat cycle, and reported online.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug().Err(err).Str("remote_addr", req.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	connRole, deviceID := classifyRequest(req)
	c := &client{
		id:       uuid.NewString(),
		role:     connRole,
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	conn.SetReadLimit(r.cfg.MaxPayloadBytes)

	logger := r.log.With().Str("conn_id", c.id).Str("role", connRole.String()).Logger()
	if connRole == roleDevice {
		logger = logger.With().Str("device_id", deviceID).Logger()
	}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	if connRole == roleDevice {
		// Register before the heartbeat starts and before the online report, so
		// a pong or roster lookup never races an absent registry entry.
		r.reg.Register(c, deviceID)
		c.monitor = heartbeat.NewMonitor(c, r.cfg.PingInterval, r.cfg.PingTimeout, logger,
			heartbeat.WithTerminationHook(func() { r.terminations.Add(1) }))
	}

	go r.writePump(c)
	go r.readPump(c, logger)

	if connRole == roleDevice {
		logger.Info().Msg("device connected")
		c.monitor.Start()
		go r.reportStatus(deviceID, true)
	} else {
		logger.Debug().Msg("controller connected")
	}
}

func (r *Relay) readPump(c *client, logger zerolog.Logger) {
	defer r.dropClient(c, logger)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("connection read ended")
			return
		}
		r.route(c, msg, logger)
	}
}

func (r *Relay) writePump(c *client) {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// dropClient runs the close path exactly once: registry entry removed first,
// heartbeat cancelled, transport closed, and only then the offline report, so
// a stale lookup can never race the device's next connect.
func (r *Relay) dropClient(c *client, logger zerolog.Logger) {
	c.closeOnce.Do(func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()

		deviceID, wasDevice := r.reg.Unregister(c)
		c.monitor.Stop()
		close(c.closed)
		_ = c.conn.Close()

		if wasDevice {
			logger.Info().Msg("device disconnected")
			go r.reportStatus(deviceID, false)
		} else {
			logger.Debug().Msg("controller disconnected")
		}
	})
}

// broadcast fans a prepared frame out to every open connection, skipping ones
// that are closing. The frame is serialised once by the caller.
func (r *Relay) broadcast(frame []byte) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	r.broadcasts.Add(1)
}

// SnapshotCounts implements httpapi.ReadinessProvider.
func (r *Relay) SnapshotCounts() (clients, devices int) {
	r.mu.Lock()
	clients = len(r.clients)
	r.mu.Unlock()
	return clients, r.reg.Len()
}

// StartupError implements httpapi.ReadinessProvider.
func (r *Relay) StartupError() error {
	if err, ok := r.startupErr.Load().(error); ok {
		return err
	}
	return nil
}

// SetStartupError records a fatal listener problem for readiness reporting.
func (r *Relay) SetStartupError(err error) {
	if err != nil {
		r.startupErr.Store(err)
	}
}

// Uptime implements httpapi.ReadinessProvider.
func (r *Relay) Uptime() time.Duration {
	return time.Since(r.started)
}

// Stats reports cumulative counters for the metrics endpoint.
func (r *Relay) Stats() httpapi.Stats {
	clients, devices := r.SnapshotCounts()
	return httpapi.Stats{
		Clients:      clients,
		Devices:      devices,
		Broadcasts:   r.broadcasts.Load(),
		Relays:       r.forwards.Load(),
		Terminations: r.terminations.Load(),
	}
}
