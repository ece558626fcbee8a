package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coderace/backend/internal/content"
	"github.com/coderace/backend/internal/instance"
	"github.com/coderace/backend/internal/pubsub"
	"github.com/coderace/backend/internal/rpc"
	"github.com/coderace/backend/internal/session"
	"github.com/coderace/backend/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type testServer struct {
	srv      *httptest.Server
	manager  *session.Manager
	registry *Registry
}

func newTestServer(t *testing.T, bus pubsub.Bus, id string) *testServer {
	t.Helper()
	bridge := rpc.New(rpc.Config{Bus: bus, Timeout: 200 * time.Millisecond, Logger: zerolog.Nop()})
	registry := NewRegistry(bridge, zerolog.Nop())
	store := session.NewStore()
	dir := session.NewDirectory(session.DirectoryConfig{Bus: bus, Store: store, Logger: zerolog.Nop()})
	if err := dir.Start(context.Background()); err != nil {
		t.Fatalf("Directory.Start: %v", err)
	}
	manager := session.NewManager(session.ManagerConfig{
		Bridge:    bridge,
		Directory: dir,
		Store:     store,
		Content:   content.Fixed(content.Snippet{Content: "helloworld!"}),
		Notifier:  registry,
		Logger:    zerolog.Nop(),
	})
	server := NewServer(Config{
		Manager:  manager,
		Registry: registry,
		Instance: instance.New(id),
		Logger:   zerolog.Nop(),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.Close()
		dir.Close()
		registry.Close()
	})
	return &testServer{srv: srv, manager: manager, registry: registry}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads frames until one of the given type arrives.
func readType(t *testing.T, c *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := c.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

func members(msg map[string]any) []any {
	return msg["race"].(map[string]any)["members"].([]any)
}

func TestJoinOrCreateOverWebsocket(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	c := ts.dial(t)

	sendJSON(t, c, map[string]any{"type": "joinOrCreate", "user": map[string]string{"userId": "user_a", "name": "A"}, "requestId": "r1"})
	msg := readType(t, c, "session.created")
	if msg["requestId"] != "r1" {
		t.Errorf("requestId = %v", msg["requestId"])
	}
	race := msg["race"].(map[string]any)
	if !strings.HasPrefix(race["raceId"].(string), "session_") || race["state"] != "scheduled" {
		t.Errorf("race = %v", race)
	}
	if ms := members(msg); len(ms) != 1 || ms[0].(map[string]any)["name"] != "A" {
		t.Errorf("members = %v", ms)
	}
}

func TestRaceAcrossTwoServers(t *testing.T) {
	bus := newTestBus(t)
	a := newTestServer(t, bus, "server-a")
	b := newTestServer(t, bus, "server-b")
	alice, bob := a.dial(t), b.dial(t)

	sendJSON(t, alice, map[string]any{"type": "joinOrCreate", "user": map[string]string{"userId": "user_alice"}})
	created := readType(t, alice, "session.created")
	raceID := created["race"].(map[string]any)["raceId"].(string)
	testutil.Eventually(t, time.Second, func() bool { return b.manager.Directory().Len() == 1 }, "server b hears the announcement")

	sendJSON(t, bob, map[string]any{"type": "joinOrCreateRace", "user": map[string]string{"userId": "user_bob"}})
	for _, c := range []*websocket.Conn{alice, bob} {
		joined := readType(t, c, "member.joined")
		if got := joined["race"].(map[string]any)["raceId"]; got != raceID {
			t.Errorf("joined race %v, want %s", got, raceID)
		}
		if n := len(members(joined)); n != 2 {
			t.Errorf("members = %d, want 2", n)
		}
	}

	sendJSON(t, bob, map[string]any{"type": "progress", "user": map[string]string{"userId": "user_bob"}, "raceId": raceID, "progress": 11, "requestId": "p1"})
	for _, c := range []*websocket.Conn{alice, bob} {
		updated := readType(t, c, "member.updated")
		race := updated["race"].(map[string]any)
		if race["winner"] != "user_bob" {
			t.Errorf("winner = %v", race["winner"])
		}
		if _, ok := race["finishedAt"]; ok {
			t.Error("race finished while alice is still typing")
		}
	}
	if a.manager.Owned() != 1 || b.manager.Owned() != 0 {
		t.Errorf("owned: a=%d b=%d", a.manager.Owned(), b.manager.Owned())
	}
}

func TestHeartbeatGetsPong(t *testing.T) {
	for _, msgType := range []string{"heartbeat", "ping"} {
		t.Run(msgType, func(t *testing.T) {
			ts := newTestServer(t, newTestBus(t), "server-pong")
			c := ts.dial(t)

			before := time.Now().UnixMilli()
			sendJSON(t, c, map[string]any{"type": msgType, "t": before})
			pong := readType(t, c, "pong")
			if pong["serverId"] != "server-pong" {
				t.Errorf("serverId = %v", pong["serverId"])
			}
			if id, _ := pong["requestId"].(string); id == "" {
				t.Error("missing generated requestId")
			}
			if serverT, _ := pong["t"].(float64); int64(serverT) < before {
				t.Errorf("t = %v, want >= %d", pong["t"], before)
			}
		})
	}
}

func TestFailuresArePushedAsErrors(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	owner := ts.dial(t)
	sendJSON(t, owner, map[string]any{"type": "joinOrCreate", "user": map[string]string{"userId": "user_owner"}})
	raceID := readType(t, owner, "session.created")["race"].(map[string]any)["raceId"].(string)

	tests := []struct {
		name string
		msg  any
		want string
	}{
		{"unknown type", map[string]any{"type": "dance", "requestId": "r"}, `unknown message type "dance"`},
		{"missing user", map[string]any{"type": "joinOrCreate", "requestId": "r"}, "missing user"},
		{"missing race", map[string]any{"type": "reportProgress", "user": map[string]string{"userId": "user_x"}, "progress": 1, "requestId": "r"}, "missing raceId"},
		{"not a member", map[string]any{"type": "reportProgress", "user": map[string]string{"userId": "user_x"}, "raceId": raceID, "progress": 1, "requestId": "r"}, "member not found"},
		{"unknown race", map[string]any{"type": "join", "user": map[string]string{"userId": "user_x"}, "raceId": "session_nope", "requestId": "r"}, "rpc: timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ts.dial(t)
			sendJSON(t, c, tt.msg)
			msg := readType(t, c, "error")
			if got, _ := msg["error"].(string); !strings.Contains(got, tt.want) {
				t.Errorf("error = %q, want it to contain %q", got, tt.want)
			}
			if msg["requestId"] != "r" {
				t.Errorf("requestId = %v", msg["requestId"])
			}
		})
	}
}

func TestInvalidJSONIsAnError(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	c := ts.dial(t)
	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readType(t, c, "error")
	if got, _ := msg["error"].(string); !strings.HasPrefix(got, "invalid message") {
		t.Errorf("error = %q", got)
	}
}

func TestDisconnectUnregistersUser(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	c := ts.dial(t)
	sendJSON(t, c, map[string]any{"type": "heartbeat", "user": map[string]string{"userId": "user_a"}})
	readType(t, c, "pong")
	testutil.Eventually(t, time.Second, func() bool { return ts.registry.Len() == 1 }, "user registered")

	c.Close()
	testutil.Eventually(t, time.Second, func() bool { return ts.registry.Len() == 0 }, "user unregistered")
}

func TestInstanceEndpoint(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-status")
	resp, err := http.Get(ts.srv.URL + "/api/instance")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["id"] != "server-status" || status["ownedRaces"] != float64(0) {
		t.Errorf("status = %v", status)
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'self'; connect-src 'self' ws: wss:",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "race.example", true},
		{"same host", nil, "https://race.example", "race.example", true},
		{"localhost", nil, "http://localhost:5173", "race.example", true},
		{"loopback v6", nil, "http://[::1]:3000", "race.example", true},
		{"foreign", nil, "https://evil.example", "race.example", false},
		{"allowed list", []string{"https://app.example"}, "https://app.example", "race.example", true},
		{"allowed host other scheme", []string{"https://app.example"}, "http://app.example", "race.example", true},
		{"not on list", []string{"https://app.example"}, "http://localhost", "race.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Config{Manager: &session.Manager{}, AllowedOrigins: tt.allowed, Logger: zerolog.Nop()})
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFramesApplyInArrivalOrder(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	c := ts.dial(t)
	user := map[string]string{"userId": "user_fast"}

	sendJSON(t, c, map[string]any{"type": "joinOrCreate", "user": user})
	raceID := readType(t, c, "session.created")["race"].(map[string]any)["raceId"].(string)

	for v := 1; v <= len("helloworld!"); v++ {
		sendJSON(t, c, map[string]any{"type": "reportProgress", "user": user, "raceId": raceID, "progress": v})
	}
	sendJSON(t, c, map[string]any{"type": "join", "user": user, "raceId": raceID, "requestId": "after"})

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := c.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for the join: %v", err)
		}
		if msg["type"] != "member.joined" || msg["requestId"] != "after" {
			continue
		}
		me := members(msg)[0].(map[string]any)
		if me["progress"] != float64(11) {
			t.Errorf("progress = %v, want 11", me["progress"])
		}
		if _, ok := me["finishedAt"]; !ok {
			t.Error("member not finished")
		}
		return
	}
}

func TestPongIsNotQueuedBehindSlowCalls(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	c := ts.dial(t)

	// The join waits out the full call timeout.
	sendJSON(t, c, map[string]any{"type": "join", "user": map[string]string{"userId": "user_a"}, "raceId": "session_nope"})
	sendJSON(t, c, map[string]any{"type": "heartbeat"})

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first map[string]any
	if err := c.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first["type"] != "pong" {
		t.Errorf("first frame = %v, want the pong ahead of the join's error", first)
	}
	readType(t, c, "error")
}

func TestRejectsNonUserIDs(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	for _, id := range []string{"directory", "session_abc", "user_", "alice"} {
		t.Run(id, func(t *testing.T) {
			c := ts.dial(t)
			sendJSON(t, c, map[string]any{"type": "joinOrCreate", "user": map[string]string{"userId": id}, "requestId": "r"})
			msg := readType(t, c, "error")
			if got, _ := msg["error"].(string); !strings.Contains(got, "invalid userId") {
				t.Errorf("error = %q", got)
			}
			if n := ts.registry.Len(); n != 0 {
				t.Errorf("registry holds %d users", n)
			}
			if n := ts.manager.Owned(); n != 0 {
				t.Errorf("created %d races for a bad id", n)
			}
		})
	}
}

func TestDisconnectWithQueuedFramesLeavesNoUser(t *testing.T) {
	ts := newTestServer(t, newTestBus(t), "server-1")
	c := ts.dial(t)
	user := map[string]string{"userId": "user_gone"}
	for i := 0; i < 10; i++ {
		sendJSON(t, c, map[string]any{"type": "join", "user": user, "raceId": "session_nope"})
	}
	c.Close()

	testutil.Eventually(t, time.Second, func() bool { return ts.registry.Len() == 0 }, "user unregistered")
	// Longer than a call timeout, so any frame still in flight would have registered by now.
	time.Sleep(300 * time.Millisecond)
	if n := ts.registry.Len(); n != 0 {
		t.Errorf("registry holds %d users after disconnect", n)
	}
}
