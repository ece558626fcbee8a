package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/coderace/backend/internal/clock"
	"github.com/coderace/backend/internal/ids"
	"github.com/coderace/backend/internal/instance"
	"github.com/coderace/backend/internal/session"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	maxMessageSize   = 64 << 10
	inboundQueueSize = 32
)

var (
	errMissingUser     = errors.New("missing user")
	errInvalidUser     = errors.New("invalid userId")
	errMissingRace     = errors.New("missing raceId")
	errMissingProgress = errors.New("missing progress")
)

type Config struct {
	Manager  *session.Manager
	Registry *Registry
	Instance *instance.Instance
	Clock    clock.Clock
	IDs      ids.Generator

	// AllowedOrigins lists origins allowed to open a websocket. Empty
	// allows same-host and loopback origins only.
	AllowedOrigins []string

	// MaxConnections caps concurrent websockets. Zero means no cap.
	MaxConnections int

	// Frontend serves everything outside /ws and /api. Optional.
	Frontend http.Handler

	Logger zerolog.Logger
}

type Server struct {
	manager        *session.Manager
	races          *session.Client
	registry       *Registry
	instance       *instance.Instance
	clock          clock.Clock
	ids            ids.Generator
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	maxConns       int
	frontend       http.Handler
	log            zerolog.Logger

	conns    atomic.Int64
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	s := &Server{
		manager:        cfg.Manager,
		races:          cfg.Manager.Client(),
		registry:       cfg.Registry,
		instance:       cfg.Instance,
		clock:          cfg.Clock,
		ids:            cfg.IDs,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		maxConns:       cfg.MaxConnections,
		frontend:       cfg.Frontend,
		log:            cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.ids == nil {
		s.ids = ids.UUID()
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/instance", s.handleInstance)
	mux.Handle("/metrics", promhttp.Handler())
	if s.frontend != nil {
		mux.Handle("/", s.frontend)
	}
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.maxConns > 0 && s.conns.Load() >= int64(s.maxConns) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	wsConn.SetReadLimit(maxMessageSize)
	s.conns.Add(1)
	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("client connected")

	go s.serve(newConn(wsConn, log), wsConn, log)
}

// serve reads frames until the client goes away. Frames are handled in
// arrival order by one dispatcher goroutine; heartbeats are answered from
// the read loop so a slow call never delays a pong.
func (s *Server) serve(c *Conn, wsConn *websocket.Conn, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan Inbound, inboundQueueSize)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for msg := range queue {
			if ctx.Err() != nil {
				continue
			}
			s.dispatch(ctx, c, msg)
		}
	}()

	defer func() {
		cancel()
		close(queue)
		<-dispatched
		// Nothing registers for c once the dispatcher has exited.
		for _, userID := range c.trackedUsers() {
			s.registry.Unregister(userID, c)
		}
		c.Close()
		s.conns.Add(-1)
		log.Debug().Msg("client disconnected")
	}()

	go func() {
		select {
		case <-c.Done():
			wsConn.Close()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "", fmt.Errorf("invalid message: %w", err))
			continue
		}
		if msg.RequestID == "" {
			msg.RequestID = s.ids.New()
		}
		if msg.Type.canonical() == MsgHeartbeat {
			s.send(c, PongMessage{
				Type:      MsgPong,
				RequestID: msg.RequestID,
				ServerID:  s.instance.ID(),
				T:         s.clock.Now().UnixMilli(),
			})
		}
		select {
		case queue <- msg:
		case <-c.Done():
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *Conn, msg Inbound) {
	if msg.User != nil && msg.User.ID != "" {
		if !ids.IsUser(msg.User.ID) {
			s.sendError(c, msg.RequestID, fmt.Errorf("%w: %q", errInvalidUser, msg.User.ID))
			return
		}
		c.track(msg.User.ID)
		if err := s.registry.Register(ctx, msg.User.ID, c); err != nil {
			s.log.Warn().Err(err).Str("userId", msg.User.ID).Msg("registering user")
		}
	}

	if err := s.handle(ctx, msg); err != nil {
		s.log.Debug().Err(err).Str("type", string(msg.Type)).Str("requestId", msg.RequestID).Msg("request failed")
		s.sendError(c, msg.RequestID, err)
	}
}

func (s *Server) handle(ctx context.Context, msg Inbound) error {
	switch msg.Type.canonical() {
	case MsgJoinOrCreate:
		if msg.User == nil || msg.User.ID == "" {
			return errMissingUser
		}
		_, err := s.manager.JoinOrCreate(ctx, *msg.User, msg.RequestID)
		return err

	case MsgJoin:
		if msg.User == nil || msg.User.ID == "" {
			return errMissingUser
		}
		if msg.RaceID == "" {
			return errMissingRace
		}
		_, err := s.races.Join(ctx, msg.RaceID, *msg.User, msg.RequestID)
		return err

	case MsgReportProgress:
		if msg.User == nil || msg.User.ID == "" {
			return errMissingUser
		}
		if msg.RaceID == "" {
			return errMissingRace
		}
		if msg.Progress == nil {
			return errMissingProgress
		}
		_, err := s.races.ReportProgress(ctx, msg.RaceID, *msg.User, *msg.Progress, msg.RequestID)
		return err

	case MsgHeartbeat:
		// The pong already went out from the read loop.
		if msg.RaceID != "" {
			if err := s.races.Heartbeat(ctx, msg.RaceID); err != nil {
				s.log.Debug().Err(err).Str("raceId", msg.RaceID).Msg("forwarding heartbeat")
			}
		}
		return nil
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

func (s *Server) sendError(c *Conn, requestID string, err error) {
	s.send(c, ErrorMessage{Type: MsgError, RequestID: requestID, Error: err.Error()})
}

func (s *Server) send(c *Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding message")
		return
	}
	if err := c.Send(data); err != nil {
		s.log.Debug().Err(err).Msg("send failed")
	}
}

type instanceStatus struct {
	instance.Info
	OwnedRaces     int   `json:"ownedRaces"`
	AnnouncedRaces int   `json:"announcedRaces"`
	Users          int   `json:"users"`
	Connections    int64 `json:"connections"`
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	info, err := s.instance.Info(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("reading instance stats")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(instanceStatus{
		Info:           info,
		OwnedRaces:     s.manager.Owned(),
		AnnouncedRaces: s.manager.Directory().Len(),
		Users:          s.registry.Len(),
		Connections:    s.conns.Load(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
