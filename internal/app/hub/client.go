package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskpilot/deskpilot/internal/app/events"
)

const writeWait = 10 * time.Second

// client is one websocket connection. The writer goroutine serialises all
// outbound frames so per-client event order matches emission order.
type client struct {
	hub           *Hub
	conn          *websocket.Conn
	outbox        chan []byte
	done          chan struct{}
	authenticated bool
	source        string

	isAlive   atomic.Bool
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, h *Hub, authenticated bool, source string) *client {
	c := &client{
		hub:           h,
		conn:          conn,
		outbox:        make(chan []byte, h.cfg.SendBuffer),
		done:          make(chan struct{}),
		authenticated: authenticated,
		source:        source,
	}
	c.isAlive.Store(true)
	return c
}

func (c *client) start() {
	go c.writePump()
	go c.readPump()
}

// send queues payload; a client that cannot accept it loses the event.
func (c *client) send(payload []byte) {
	select {
	case <-c.done:
	case c.outbox <- payload:
	default:
	}
}

func (c *client) sendEvent(ev events.Event) {
	if payload, err := json.Marshal(ev.WireForm()); err == nil {
		c.send(payload)
	}
}

func (c *client) alive() bool { return c.isAlive.Load() }
func (c *client) markDead()   { c.isAlive.Store(false) }

// close sends a normal close frame and tears the connection down.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
		_ = c.conn.Close()
	})
}

// terminate forcibly drops the socket without a close frame.
func (c *client) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// Write failures never propagate past this client.
				c.hub.remove(c)
				c.terminate()
				return
			}
		}
	}
}

// readPump consumes the client's ping/pong traffic; anything else is
// ignored. Read errors unregister the client.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.terminate()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch events.Kind(msg.Type) {
		case events.KindPong:
			c.isAlive.Store(true)
		case events.KindPing:
			c.isAlive.Store(true)
			c.sendEvent(events.New(events.KindPong, nil))
		}
	}
}
