package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coderace/backend/internal/config"
	"github.com/coderace/backend/internal/content"
	"github.com/coderace/backend/internal/frontend"
	"github.com/coderace/backend/internal/ids"
	"github.com/coderace/backend/internal/instance"
	"github.com/coderace/backend/internal/logging"
	"github.com/coderace/backend/internal/metrics"
	"github.com/coderace/backend/internal/pubsub"
	"github.com/coderace/backend/internal/rpc"
	"github.com/coderace/backend/internal/session"
	"github.com/coderace/backend/internal/ws"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to config file")
	port := flag.IntP("port", "p", 0, "Override server port")
	driver := flag.String("bus", "", "Override bus driver (memory or redis)")
	redisAddr := flag.String("redis", "", "Override redis address")
	logLevel := flag.String("log-level", "", "Override log level")
	console := flag.Bool("console", false, "Human-readable logs")
	noFrontend := flag.Bool("no-frontend", false, "Do not serve the debug page")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Bus.Driver = *driver
	}
	if *redisAddr != "" {
		cfg.Bus.RedisAddr = *redisAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *console {
		cfg.Log.Console = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	instanceID := ids.UUID().New()
	logger := logging.New(logging.Options{
		App:      "coderace",
		Instance: instanceID,
		Level:    cfg.Log.Level,
		Console:  cfg.Log.Console,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, instanceID, logger, !*noFrontend); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("shut down")
}

func run(ctx context.Context, cfg *config.Config, instanceID string, logger zerolog.Logger, serveFrontend bool) error {
	metrics.RegisterMetrics()

	bus, closeBus, err := newBus(ctx, cfg.Bus, logging.Component(logger, "bus"))
	if err != nil {
		return err
	}
	defer closeBus()

	bridge := rpc.New(rpc.Config{
		Bus:     bus,
		Timeout: cfg.RPC.Timeout,
		Logger:  logging.Component(logger, "bridge"),
	})
	registry := ws.NewRegistry(bridge, logging.Component(logger, "registry"))
	defer registry.Close()

	store := session.NewStore()
	dir := session.NewDirectory(session.DirectoryConfig{
		Bus:        bus,
		Store:      store,
		Capacity:   cfg.Session.Capacity,
		StaleAfter: cfg.Session.StaleAfter,
		Logger:     logging.Component(logger, "directory"),
	})
	if err := dir.Start(ctx); err != nil {
		return fmt.Errorf("start directory: %w", err)
	}
	defer dir.Close()

	provider := newContent(ctx, cfg.Content, logging.Component(logger, "content"))

	manager := session.NewManager(session.ManagerConfig{
		Bridge:        bridge,
		Directory:     dir,
		Store:         store,
		Content:       provider,
		Notifier:      registry,
		LeadTime:      cfg.Session.LeadTime,
		SweepInterval: cfg.Session.SweepInterval,
		Logger:        logging.Component(logger, "manager"),
	})

	var fe http.Handler
	if serveFrontend {
		fe = frontend.Handler()
	}
	server := ws.NewServer(ws.Config{
		Manager:        manager,
		Registry:       registry,
		Instance:       instance.New(instanceID),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxConnections: cfg.Server.MaxConnections,
		Frontend:       fe,
		Logger:         logging.Component(logger, "ws"),
	})
	httpServer := &http.Server{Addr: cfg.Addr(), Handler: server.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr()).Str("bus", cfg.Bus.Driver).Msg("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newBus returns the configured bus and a func that releases it along with
// any client it owns.
func newBus(ctx context.Context, cfg config.BusConfig, logger zerolog.Logger) (pubsub.Bus, func(), error) {
	if cfg.Driver != "redis" {
		bus := pubsub.NewMemoryBus(cfg.QueueSize, logger)
		return bus, func() { bus.Close() }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	bus := pubsub.NewRedisBus(client, cfg.Prefix, logger)
	return bus, func() {
		bus.Close()
		client.Close()
	}, nil
}

func newContent(ctx context.Context, cfg config.ContentConfig, logger zerolog.Logger) content.Provider {
	if cfg.Source == "default" {
		return content.Fixed(content.Default())
	}
	gh := content.NewGitHub(content.Config{
		BaseURL:       cfg.BaseURL,
		Token:         cfg.GitHubToken,
		Users:         cfg.Users,
		SnippetLength: cfg.SnippetLength,
		Timeout:       cfg.Timeout,
		Logger:        logger,
	})
	go gh.Warm(ctx)
	return gh
}
