package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coderace/backend/internal/ids"
	"github.com/coderace/backend/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type FleetConfig struct {
	// URLs are spread across bots round-robin so races span servers.
	URLs []string
	Bots int
	// Races is how many races each bot runs back to back.
	Races    int
	Patterns []Pattern

	CharsPerSecond float64
	StallFor       time.Duration
	// Stagger delays each bot's first join by its index times this.
	Stagger time.Duration
	Logger  zerolog.Logger
}

// Report aggregates a fleet run.
type Report struct {
	Results  []Result
	Failures int
	// RaceIDs counts bots per distinct race.
	RaceIDs map[string]int
	// Servers counts pongs per answering server.
	Servers map[string]int
}

func (r Report) Wins() int {
	n := 0
	for _, res := range r.Results {
		if res.Won {
			n++
		}
	}
	return n
}

// RunFleet runs every bot concurrently. A failed race is counted and
// logged; RunFleet itself fails only on bad configuration or when the
// context ends first.
func RunFleet(ctx context.Context, cfg FleetConfig) (Report, error) {
	if len(cfg.URLs) == 0 {
		return Report{}, fmt.Errorf("bot: no server urls")
	}
	if cfg.Bots <= 0 {
		return Report{}, fmt.Errorf("bot: need at least one bot, got %d", cfg.Bots)
	}
	if cfg.Races <= 0 {
		cfg.Races = 1
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = Patterns
	}

	var (
		mu     sync.Mutex
		report = Report{RaceIDs: make(map[string]int), Servers: make(map[string]int)}
	)
	gen := ids.UUID()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Bots; i++ {
		b := New(Config{
			URL:            cfg.URLs[i%len(cfg.URLs)],
			User:           session.User{ID: ids.User(gen), Name: fmt.Sprintf("bot-%d", i+1)},
			Pattern:        cfg.Patterns[i%len(cfg.Patterns)],
			CharsPerSecond: cfg.CharsPerSecond,
			StallFor:       cfg.StallFor,
			Seed:           int64(i + 1),
			Logger:         cfg.Logger,
		})
		delay := time.Duration(i) * cfg.Stagger
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			for n := 0; n < cfg.Races; n++ {
				res, err := b.Race(ctx)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				if err != nil {
					report.Failures++
				} else {
					report.Results = append(report.Results, res)
					report.RaceIDs[res.RaceID]++
					if res.ServerID != "" {
						report.Servers[res.ServerID]++
					}
				}
				mu.Unlock()
				if err != nil {
					b.log.Warn().Err(err).Msg("race failed")
					continue
				}
				b.log.Info().
					Str("raceId", res.RaceID).
					Bool("won", res.Won).
					Int("members", res.Members).
					Dur("elapsed", res.Elapsed).
					Msg("race finished")
			}
			return nil
		})
	}
	err := g.Wait()
	return report, err
}
