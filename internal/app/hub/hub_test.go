package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/gate"
)

func testHub(t *testing.T, pin string) (*Hub, *gate.Gate, *events.Bus, *httptest.Server) {
	t.Helper()
	bus := events.NewBus(256, nil)
	g := gate.New(gate.Config{PIN: pin, SessionTTL: time.Hour}, bus, nil)
	h := New(Config{HeartbeatInterval: time.Hour, SendBuffer: 64}, g, bus, func() map[string]interface{} {
		return map[string]interface{}{"cpuPercent": 1.0}
	}, nil)
	if err := h.Start(nil); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		_ = h.Stop(context.Background())
		bus.Close()
	})
	return h, g, bus, srv
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return msg
}

func TestConnectSendsWelcomeAndUsage(t *testing.T) {
	_, g, _, srv := testHub(t, "654321")
	login, err := g.AttemptLogin("127.0.0.1", "654321")
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, login.Token), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first["type"] != "connected" {
		t.Fatalf("first message type = %v, want connected", first["type"])
	}
	second := readEvent(t, conn)
	if second["type"] != "usage-updated" {
		t.Fatalf("second message type = %v, want usage-updated", second["type"])
	}
}

func TestInvalidTokenClosedWith4000Range(t *testing.T) {
	_, _, _, srv := testHub(t, "654321")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "deadbeef"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code < 4000 || closeErr.Code > 4999 {
		t.Errorf("close code = %d, want 4000 range", closeErr.Code)
	}
}

func TestUnauthenticatedSeesOnlySecurityEvents(t *testing.T) {
	h, _, bus, srv := testHub(t, "654321")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first["type"] != "connected" {
		t.Fatalf("first message = %v", first)
	}

	waitForClients(t, h, 1)
	bus.Emit(events.KindMessageInjected, map[string]interface{}{"conversationId": "c1"})
	bus.Emit(events.KindSecurityAlert, map[string]interface{}{"reason": "probe"})

	msg := readEvent(t, conn)
	if msg["type"] != "security-alert" {
		t.Fatalf("unauthenticated client received %v, want only security-alert", msg["type"])
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, g, bus, srv := testHub(t, "654321")
	login, err := g.AttemptLogin("127.0.0.1", "654321")
	if err != nil {
		t.Fatal(err)
	}

	const clients = 20
	conns := make([]*websocket.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, login.Token), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		// Drain the welcome pair.
		readEvent(t, conn)
		readEvent(t, conn)
		conns = append(conns, conn)
	}
	waitForClients(t, h, clients)

	bus.Emit(events.KindSessionSwitched, map[string]interface{}{"conversationId": "c9"})

	for i, conn := range conns {
		msg := readEvent(t, conn)
		if msg["type"] != "cdp-session-switched" {
			t.Fatalf("client %d received %v", i, msg["type"])
		}
		if msg["timestamp"] == nil {
			t.Fatalf("client %d event missing timestamp", i)
		}
	}
}

func TestClosedClientDoesNotBlockOthers(t *testing.T) {
	h, g, bus, srv := testHub(t, "654321")
	login, _ := g.AttemptLogin("127.0.0.1", "654321")

	dead, _, err := websocket.DefaultDialer.Dial(wsURL(srv, login.Token), nil)
	if err != nil {
		t.Fatal(err)
	}
	live, _, err := websocket.DefaultDialer.Dial(wsURL(srv, login.Token), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()
	readEvent(t, live)
	readEvent(t, live)
	waitForClients(t, h, 2)

	dead.Close()

	bus.Emit(events.KindSessionSwitched, map[string]interface{}{"conversationId": "c1"})
	msg := readEvent(t, live)
	if msg["type"] != "cdp-session-switched" {
		t.Fatalf("live client received %v", msg["type"])
	}
}

func TestClientPingGetsPong(t *testing.T) {
	h, g, _, srv := testHub(t, "654321")
	login, _ := g.AttemptLogin("127.0.0.1", "654321")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, login.Token), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	readEvent(t, conn)
	readEvent(t, conn)
	waitForClients(t, h, 1)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	msg := readEvent(t, conn)
	if msg["type"] != "pong" {
		t.Fatalf("reply type = %v, want pong", msg["type"])
	}
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), want)
}
