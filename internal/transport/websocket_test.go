package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/utils"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	router := hub.NewRouter(hub.DefaultConfig(), nil, utils.DiscardLogger())
	srv := httptest.NewServer(NewWebSocketHandler(router, nil, utils.DiscardLogger()))
	defer srv.Close()

	conn := dialWS(t, srv, "client_id=pos-1&role=agent")

	welcome := readJSON(t, conn)
	if welcome["type"] != "welcome" || welcome["client_id"] != "pos-1" {
		t.Fatalf("unexpected welcome %v", welcome)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ts":42}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readJSON(t, conn)
	if pong["type"] != "pong" || pong["ts"] != float64(42) {
		t.Fatalf("unexpected pong %v", pong)
	}

	sess, ok := router.Registry().Get("pos-1")
	if !ok || sess.Role() != "agent" || sess.State() != hub.StateOpen {
		t.Fatalf("expected open agent session")
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for router.Registry().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if router.Registry().Len() != 0 {
		t.Fatalf("expected session removal after disconnect")
	}
}

func TestWebSocketGeneratesClientID(t *testing.T) {
	router := hub.NewRouter(hub.DefaultConfig(), nil, utils.DiscardLogger())
	srv := httptest.NewServer(NewWebSocketHandler(router, nil, utils.DiscardLogger()))
	defer srv.Close()

	conn := dialWS(t, srv, "role=viewer")
	welcome := readJSON(t, conn)
	id, _ := welcome["client_id"].(string)
	if len(id) != 36 {
		t.Fatalf("expected a generated uuid client id, got %q", id)
	}
}

func TestWebSocketRelayBetweenClients(t *testing.T) {
	router := hub.NewRouter(hub.DefaultConfig(), nil, utils.DiscardLogger())
	srv := httptest.NewServer(NewWebSocketHandler(router, nil, utils.DiscardLogger()))
	defer srv.Close()

	a := dialWS(t, srv, "client_id=a")
	readJSON(t, a)
	b := dialWS(t, srv, "client_id=b")
	readJSON(t, b)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"send","to":"b","payload":{"n":1}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	relay := readJSON(t, b)
	if relay["type"] != "relay" || relay["from"] != "a" {
		t.Fatalf("unexpected relay %v", relay)
	}
}

func TestOriginAllowed(t *testing.T) {
	if !originAllowed("", []string{"https://dash"}) {
		t.Fatalf("missing origin should be allowed")
	}
	if !originAllowed("https://any", nil) {
		t.Fatalf("empty allow list accepts all")
	}
	if originAllowed("https://evil", []string{"https://dash"}) {
		t.Fatalf("unexpected origin accepted")
	}
	if !originAllowed("https://dash", []string{"https://dash"}) {
		t.Fatalf("listed origin rejected")
	}
}
