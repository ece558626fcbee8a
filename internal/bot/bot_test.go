package bot

import (
	"context"
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
	"github.com/coderace/backend/internal/ws"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// startServer runs a single race server and returns its websocket url.
func startServer(t *testing.T, lead time.Duration) string {
	t.Helper()
	bus := pubsub.NewMemoryBus(0, zerolog.Nop())
	bridge := rpc.New(rpc.Config{Bus: bus, Timeout: 500 * time.Millisecond, Logger: zerolog.Nop()})
	registry := ws.NewRegistry(bridge, zerolog.Nop())
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
		LeadTime:  lead,
		Logger:    zerolog.Nop(),
	})
	server := ws.NewServer(ws.Config{
		Manager:  manager,
		Registry: registry,
		Instance: instance.New("bot-test"),
		Logger:   zerolog.Nop(),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.Close()
		dir.Close()
		registry.Close()
		bus.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestBotFinishesRace(t *testing.T) {
	url := startServer(t, 300*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range Patterns {
		t.Run(string(p), func(t *testing.T) {
			b := New(Config{
				URL:               url,
				User:              session.User{ID: "user_" + string(p), Name: string(p)},
				Pattern:           p,
				CharsPerSecond:    200,
				StallFor:          10 * time.Millisecond,
				HeartbeatInterval: 20 * time.Millisecond,
				Seed:              1,
				Logger:            zerolog.Nop(),
			})
			res, err := b.Race(ctx)
			if err != nil {
				t.Fatalf("Race: %v", err)
			}
			if !strings.HasPrefix(res.RaceID, "session_") {
				t.Errorf("RaceID = %q", res.RaceID)
			}
			if !res.Won || res.Winner != "user_"+string(p) || res.Members != 1 {
				t.Errorf("result = %+v", res)
			}
			if res.Elapsed < 0 {
				t.Errorf("Elapsed = %v", res.Elapsed)
			}
			if res.ServerID != "bot-test" {
				t.Errorf("ServerID = %q, want the pong's server id", res.ServerID)
			}
		})
	}
}

func TestFleetSharesRace(t *testing.T) {
	url := startServer(t, 500*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := RunFleet(ctx, FleetConfig{
		URLs:           []string{url},
		Bots:           3,
		Patterns:       []Pattern{Steady, Burst},
		CharsPerSecond: 100,
		Stagger:        50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("RunFleet: %v", err)
	}
	if report.Failures != 0 || len(report.Results) != 3 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.RaceIDs) != 1 {
		t.Errorf("bots spread over %d races, want 1", len(report.RaceIDs))
	}
	if report.Wins() != 1 {
		t.Errorf("Wins = %d, want exactly one winner", report.Wins())
	}
	for _, res := range report.Results {
		if res.Members != 3 {
			t.Errorf("members = %d, want 3", res.Members)
		}
	}
}

func TestBotSurfacesServerError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.ReadMessage()
		c.WriteJSON(map[string]string{"type": "error", "error": "boom"})
		c.ReadMessage()
	}))
	defer srv.Close()

	b := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), User: session.User{ID: "user_x"}, Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.Race(ctx); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want the server error", err)
	}
}

func TestRunFleetValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  FleetConfig
	}{
		{"no urls", FleetConfig{Bots: 1}},
		{"no bots", FleetConfig{URLs: []string{"ws://localhost/ws"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RunFleet(context.Background(), tt.cfg); err == nil {
				t.Error("RunFleet accepted an invalid config")
			}
		})
	}
}
