package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coderace/backend/internal/bot"
	"github.com/coderace/backend/internal/logging"
	flag "github.com/spf13/pflag"
)

func main() {
	urls := flag.StringSliceP("url", "u", []string{"ws://localhost:8080/ws"}, "Server websocket URLs, bots are spread across them")
	bots := flag.IntP("bots", "n", 4, "Number of concurrent bots")
	races := flag.IntP("races", "r", 1, "Races per bot")
	patterns := flag.StringSlice("patterns", []string{"steady", "burst", "stall"}, "Typing patterns, assigned round-robin")
	cps := flag.Float64("cps", 8, "Typing speed in characters per second")
	stagger := flag.Duration("stagger", 200*time.Millisecond, "Delay between bot starts")
	timeout := flag.Duration("timeout", 5*time.Minute, "Give up after this long")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New(logging.Options{App: "racebot", Level: *logLevel, Console: true, Out: os.Stderr})

	var parsed []bot.Pattern
	for _, name := range *patterns {
		p, err := bot.ParsePattern(name)
		if err != nil {
			logger.Fatal().Err(err).Msg("bad --patterns")
		}
		parsed = append(parsed, p)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	report, err := bot.RunFleet(ctx, bot.FleetConfig{
		URLs:           *urls,
		Bots:           *bots,
		Races:          *races,
		Patterns:       parsed,
		CharsPerSecond: *cps,
		Stagger:        *stagger,
		Logger:         logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("fleet stopped early")
	}

	fmt.Printf("races finished: %d\n", len(report.Results))
	fmt.Printf("distinct races: %d\n", len(report.RaceIDs))
	fmt.Printf("wins:           %d\n", report.Wins())
	fmt.Printf("failures:       %d\n", report.Failures)
	for server, n := range report.Servers {
		fmt.Printf("  server %s answered %d bots\n", server, n)
	}
	if err != nil || report.Failures > 0 {
		os.Exit(1)
	}
}
