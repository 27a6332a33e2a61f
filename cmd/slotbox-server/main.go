// slotbox-server is the slot sandbox service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vizlab/slotbox/internal/api"
	"github.com/vizlab/slotbox/internal/config"
	"github.com/vizlab/slotbox/internal/events"
	"github.com/vizlab/slotbox/internal/metrics"
	"github.com/vizlab/slotbox/internal/registry"
	"github.com/vizlab/slotbox/internal/slot/sandbox"
	"github.com/vizlab/slotbox/internal/telemetry"
)

func main() {
	// The pool re-executes this binary for process-mode workers; handle
	// that before flags or config get involved.
	if len(os.Args) > 1 && os.Args[1] == "--sandbox-worker" {
		if err := sandbox.RunWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox-worker: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "Path to configuration file")
	devMode := flag.Bool("dev", false, "Enable development mode (goroutine sandbox, in-memory registry, no auth)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Override with flags
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *devMode {
		logger.Info().Msg("running in development mode")
		cfg.Auth.ServiceToken = ""
		cfg.Sandbox.Mode = "goroutine"
		cfg.Registry.Backend = "memory"
		cfg.Redis.Enabled = false
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer("slotbox-server")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			store.Close(ctx)
		}()
		logger.Info().Str("backend", cfg.Registry.Backend).Msg("slot registry ready")
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	dispatcher := sandbox.NewDispatcher(sandbox.Config{
		Mode:         sandbox.Mode(cfg.Sandbox.Mode),
		WorkerCount:  cfg.Sandbox.WorkerCount,
		WorkerBinary: cfg.Sandbox.WorkerBinary,
		MaxMemoryMB:  cfg.Sandbox.MaxMemoryMB,
		MaxTimeout:   cfg.Sandbox.MaxTimeout,
	}, logger)
	defer dispatcher.Close()
	dispatcher.SetHostSwapHook(collector.RecordHostRestart)

	broker := events.NewBroker()
	var publisher *events.Publisher
	var subscriber *events.Subscriber
	if cfg.Redis.Enabled {
		redisClient, err := events.ConnectRedis(&cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()

		publisher = events.NewPublisher(redisClient)
		subscriber = events.NewSubscriber(redisClient, logger)
		subscriber.AddHandler(broker)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis events enabled")
	}

	server := api.NewServer(cfg, api.Options{
		Store:      store,
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Broker:     broker,
		Collector:  collector,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if subscriber != nil {
		g.Go(func() error {
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event subscriber: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("sandbox_mode", cfg.Sandbox.Mode).
			Msg("slotbox server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// openStore connects the configured registry backend. Backend "none" runs
// the service without slot storage; the API answers 503 on registry routes.
func openStore(cfg *config.Config) (registry.Store, error) {
	switch cfg.Registry.Backend {
	case "memory":
		return registry.NewMemoryStore(), nil
	case "mongo":
		return registry.NewMongoStore(cfg.Registry.Mongo.URI, cfg.Registry.Mongo.Database)
	case "postgres":
		return registry.NewPostgresStore(cfg.Registry.Postgres.DSN)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}
