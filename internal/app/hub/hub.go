// Package hub is the websocket fan-out: an authenticated client registry
// with heartbeat eviction and fire-and-forget broadcast.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/gate"
	"github.com/deskpilot/deskpilot/internal/app/metrics"
)

// close codes in the private 4000 range.
const (
	closeInvalidToken = 4001
	closeExpired      = 4002
)

// Config tunes the hub.
type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	// OnClientChange observes the connected-client count; the application
	// uses it to switch the coordinator between active and idle polling.
	OnClientChange func(count int)
}

// UsageFunc supplies the usage snapshot sent on connect and on the usage
// broadcast schedule.
type UsageFunc func() map[string]interface{}

// Hub owns every websocket client.
type Hub struct {
	cfg   Config
	gate  *gate.Gate
	bus   *events.Bus
	log   *logging.Logger
	usage UsageFunc

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the hub.
func New(cfg Config, g *gate.Gate, bus *events.Bus, usage UsageFunc, log *logging.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		cfg:   cfg,
		gate:  g,
		bus:   bus,
		log:   log,
		usage: usage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The operator UI may be served from another origin on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Name implements the service lifecycle.
func (h *Hub) Name() string { return "hub" }

// Start subscribes to the bus and begins the heartbeat.
func (h *Hub) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	sub, unsubscribe := h.bus.Subscribe()
	go func() {
		defer close(h.done)
		defer unsubscribe()
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				h.Broadcast(ev)
			case <-ticker.C:
				h.heartbeat()
			}
		}
	}()
	return nil
}

// Stop announces shutdown to every client and drops them.
func (h *Hub) Stop(ctx context.Context) error {
	h.Broadcast(events.New(events.KindShutdown, nil))

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	if h.cancel != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}
	return nil
}

// HandleWS upgrades a connection and registers the client. The session
// token rides the "token" query parameter. A missing token leaves the
// client connected but restricted to security events; an invalid one closes
// the socket with a 4000-range code.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	source := httputil.ClientIP(r)
	token := r.URL.Query().Get("token")

	authenticated := !h.gate.Enabled()
	var closeCode int
	var closeReason string
	if h.gate.Enabled() && token != "" {
		if err := h.gate.Validate(token, source); err != nil {
			closeCode = closeInvalidToken
			closeReason = "invalid session token"
		} else {
			authenticated = true
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	if closeCode != 0 {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, closeReason), deadline)
		_ = conn.Close()
		return
	}

	c := newClient(conn, h, authenticated, source)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.notifyCount(count)
	h.log.WithField("source", source).WithField("clients", count).Info("websocket client connected")

	c.start()

	c.sendEvent(events.New(events.KindConnected, map[string]interface{}{
		"authenticated": authenticated,
	}))
	if authenticated && h.usage != nil {
		c.sendEvent(events.New(events.KindUsageUpdated, h.usage()))
	}
}

// Broadcast serialises ev once and fans the bytes out to every client that
// may and can receive it.
func (h *Hub) Broadcast(ev events.Event) {
	payload, err := json.Marshal(ev.WireForm())
	if err != nil {
		h.log.WithError(err).WithField("event", string(ev.Type)).Error("event serialise failed")
		return
	}

	metrics.RecordBroadcast()
	securityOnly := !events.IsSecurity(ev.Type)

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if securityOnly && !c.authenticated {
			continue
		}
		c.send(payload)
	}
}

// heartbeat marks clients dead, pings them, and evicts those that never
// answered the previous round.
func (h *Hub) heartbeat() {
	ping, _ := json.Marshal(map[string]interface{}{
		"type":      string(events.KindPing),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	h.mu.Lock()
	var dead []*client
	live := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if !c.alive() {
			dead = append(dead, c)
			delete(h.clients, c)
			continue
		}
		c.markDead()
		live = append(live, c)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if len(dead) > 0 {
		h.notifyCount(count)
	}

	for _, c := range dead {
		// No close frame: the peer already missed a full heartbeat round.
		c.terminate()
		h.log.WithField("source", c.source).Info("websocket client evicted by heartbeat")
	}
	for _, c := range live {
		c.send(ping)
	}
}

// remove drops a client from the registry (called by the client pumps).
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.notifyCount(count)
}

func (h *Hub) notifyCount(count int) {
	if h.cfg.OnClientChange != nil {
		h.cfg.OnClientChange(count)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
