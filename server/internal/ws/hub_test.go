package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/alertcore/pkg/types"
	"github.com/obsidianstack/alertcore/server/internal/events"
	wsHub "github.com/obsidianstack/alertcore/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

// startHub starts a test HTTP server with the hub as its handler and the hub
// subscribed to a fresh bus. The hub's Run loop is started with a cancellable
// context. Returns the ws:// URL, the hub, the bus, and the cancel func.
func startHub(t *testing.T, opts ...wsHub.Option) (wsURL string, hub *wsHub.Hub, bus *events.Bus, cancel func()) {
	t.Helper()

	hub = wsHub.New(opts...)
	bus = events.NewBus()
	hub.Subscribe(bus)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, bus, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one text message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// waitCount polls hub.Count until it equals want or a second passes.
func waitCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), want)
}

func openAlerts() any {
	return []types.Alert{{ID: "a1", Title: "disk full", Status: types.AlertFiring}}
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	wsURL, _, _, _ := startHub(t, wsHub.WithSnapshot(openAlerts))

	m := readMessage(t, dial(t, wsURL))
	if m["event"] != wsHub.EventSnapshot {
		t.Errorf("event: got %v, want snapshot", m["event"])
	}
	data, ok := m["data"].([]interface{})
	if !ok || len(data) != 1 {
		t.Fatalf("data: got %v, want one alert", m["data"])
	}
	if id := data[0].(map[string]interface{})["id"]; id != "a1" {
		t.Errorf("id: got %v, want a1", id)
	}
}

func TestHub_ForwardsBusEvents(t *testing.T) {
	wsURL, hub, bus, _ := startHub(t)

	conn := dial(t, wsURL)
	waitCount(t, hub, 1)

	bus.Publish(events.Event{
		Type:    events.AlertRaised,
		At:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: types.Alert{ID: "a2", Title: "cpu high"},
	})

	m := readMessage(t, conn)
	if m["event"] != string(events.AlertRaised) {
		t.Errorf("event: got %v, want %s", m["event"], events.AlertRaised)
	}
	if m["at"] != "2024-03-01T12:00:00Z" {
		t.Errorf("at: got %v", m["at"])
	}
	data := m["data"].(map[string]interface{})
	if data["title"] != "cpu high" {
		t.Errorf("title: got %v, want cpu high", data["title"])
	}
}

func TestHub_AllClientsReceiveEvent(t *testing.T) {
	wsURL, hub, bus, _ := startHub(t)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
	}
	waitCount(t, hub, 3)

	bus.Publish(events.Event{Type: events.RuleUnregistered, Payload: "r1"})

	for i, conn := range conns {
		m := readMessage(t, conn)
		if m["event"] != string(events.RuleUnregistered) || m["data"] != "r1" {
			t.Errorf("client %d: got %v", i, m)
		}
	}
}

func TestHub_PeriodicSnapshot(t *testing.T) {
	wsURL, _, _, _ := startHub(t, wsHub.WithSnapshot(openAlerts), wsHub.WithInterval(20*time.Millisecond))

	conn := dial(t, wsURL)
	readMessage(t, conn) // consume immediate snapshot

	m := readMessage(t, conn)
	if m["event"] != wsHub.EventSnapshot {
		t.Errorf("tick broadcast: got %v, want snapshot", m["event"])
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _, _ := startHub(t)

	conn := dial(t, wsURL)
	waitCount(t, hub, 1)

	conn.Close()
	waitCount(t, hub, 0)
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, _, cancel := startHub(t)

	dial(t, wsURL)
	waitCount(t, hub, 1)

	cancel() // signal shutdown
	waitCount(t, hub, 0)
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers returns 400.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
