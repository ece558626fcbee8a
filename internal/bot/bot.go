// Package bot drives simulated typists against a race server over its
// websocket API.
package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/coderace/backend/internal/ids"
	"github.com/coderace/backend/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultCharsPerSecond = 8
	defaultStallFor       = 2 * time.Second
	defaultHeartbeat      = 5 * time.Second
	writeTimeout          = 10 * time.Second
)

var errEmptySnippet = errors.New("bot: race has an empty snippet")

type Config struct {
	// URL is the server websocket endpoint, e.g. ws://localhost:8080/ws.
	URL     string
	User    session.User
	Pattern Pattern

	CharsPerSecond    float64
	StallFor          time.Duration
	HeartbeatInterval time.Duration

	// Seed makes the typing plan reproducible. Zero picks one from the clock.
	Seed   int64
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Result describes one race from the bot's point of view.
type Result struct {
	RaceID   string
	ServerID string
	Members  int
	Winner   string
	Won      bool
	// Elapsed runs from the race start to this bot's finish, by server time.
	Elapsed time.Duration
}

type Bot struct {
	cfg    Config
	rng    *rand.Rand
	ids    ids.Generator
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func New(cfg Config) *Bot {
	if cfg.Pattern == "" {
		cfg.Pattern = Steady
	}
	if cfg.CharsPerSecond <= 0 {
		cfg.CharsPerSecond = defaultCharsPerSecond
	}
	if cfg.StallFor <= 0 {
		cfg.StallFor = defaultStallFor
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Bot{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		ids:    ids.UUID(),
		dialer: dialer,
		log:    cfg.Logger.With().Str("userId", cfg.User.ID).Str("pattern", string(cfg.Pattern)).Logger(),
	}
}

type outbound struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	User      *session.User `json:"user,omitempty"`
	RaceID    string        `json:"raceId,omitempty"`
	Progress  *int          `json:"progress,omitempty"`
	T         int64         `json:"t,omitempty"`
}

type frame struct {
	Type     string            `json:"type"`
	Error    string            `json:"error,omitempty"`
	ServerID string            `json:"serverId,omitempty"`
	Race     *session.Snapshot `json:"race,omitempty"`
}

// Race opens a connection, joins or creates a race, types the snippet once
// it starts and returns when the server confirms this bot's finish.
func (b *Bot) Race(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}
	defer conn.Close()

	frames := make(chan frame, 16)
	readErr := make(chan error, 1)
	go readFrames(ctx, conn, frames, readErr)

	send := func(msg outbound) error {
		msg.RequestID = b.ids.New()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}
	if err := send(outbound{Type: "joinOrCreate", User: &b.cfg.User}); err != nil {
		return Result{}, fmt.Errorf("joinOrCreate: %w", err)
	}

	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var (
		result Result
		snap   *session.Snapshot
		start  <-chan time.Time
		typed  <-chan int
	)
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case err := <-readErr:
			return result, fmt.Errorf("connection lost: %w", err)

		case <-heartbeat.C:
			if err := send(outbound{Type: "heartbeat", User: &b.cfg.User, RaceID: result.RaceID, T: time.Now().UnixMilli()}); err != nil {
				return result, fmt.Errorf("heartbeat: %w", err)
			}

		case f := <-frames:
			switch f.Type {
			case "error":
				return result, fmt.Errorf("server error: %s", f.Error)
			case "pong":
				result.ServerID = f.ServerID
			case session.EventSessionCreated, session.EventMemberJoined, session.EventMemberUpdated:
				if f.Race == nil {
					continue
				}
				me, ok := f.Race.Member(b.cfg.User.ID)
				if !ok {
					continue
				}
				if snap == nil {
					if f.Race.CodeSnippet.Length() == 0 {
						return result, errEmptySnippet
					}
					result.RaceID = f.Race.RaceID
					wait := time.Until(time.UnixMilli(f.Race.StartAt))
					b.log.Debug().Str("raceId", result.RaceID).Dur("startsIn", wait).Msg("joined race")
					timer := time.NewTimer(wait)
					defer timer.Stop()
					start = timer.C
				}
				snap = f.Race
				if me.FinishedAt != 0 {
					result.Members = len(snap.Members)
					result.Winner = snap.Winner
					result.Won = snap.Winner == b.cfg.User.ID
					result.Elapsed = time.Duration(me.FinishedAt-snap.StartAt) * time.Millisecond
					return result, nil
				}
			}

		case <-start:
			start = nil
			typed = b.typeSnippet(ctx, snap.CodeSnippet.Length())

		case progress, ok := <-typed:
			if !ok {
				typed = nil
				continue
			}
			p := progress
			if err := send(outbound{Type: "reportProgress", User: &b.cfg.User, RaceID: result.RaceID, Progress: &p}); err != nil {
				return result, fmt.Errorf("reportProgress: %w", err)
			}
		}
	}
}

// typeSnippet emits the running progress after each step of the bot's plan
// and closes the channel once the whole snippet is typed.
func (b *Bot) typeSnippet(ctx context.Context, length int) <-chan int {
	out := make(chan int)
	limiter := rate.NewLimiter(rate.Limit(b.cfg.CharsPerSecond), maxChunk)
	steps := b.cfg.Pattern.plan(length, b.cfg.StallFor, b.rng)

	go func() {
		defer close(out)
		progress := 0
		for _, s := range steps {
			if s.pause > 0 {
				timer := time.NewTimer(s.pause)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			if err := limiter.WaitN(ctx, s.chars); err != nil {
				return
			}
			progress += s.chars
			select {
			case out <- progress:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func readFrames(ctx context.Context, conn *websocket.Conn, out chan<- frame, errc chan<- error) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			errc <- err
			return
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}
