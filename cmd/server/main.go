package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	grpc_handler "simrun.engine/internal/adapters/handler/grpc"
	http_handler "simrun.engine/internal/adapters/handler/http"
	"simrun.engine/internal/adapters/handler/mqtt"
	queuemem "simrun.engine/internal/adapters/queue/memory"
	redis_adapter "simrun.engine/internal/adapters/queue/redis"
	"simrun.engine/internal/adapters/repository/memory"
	"simrun.engine/internal/adapters/repository/pg"
	"simrun.engine/internal/agent"
	"simrun.engine/internal/artifacts"
	"simrun.engine/internal/config"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/ports"
	"simrun.engine/internal/core/services"
	"simrun.engine/internal/core/tracing"
	"simrun.engine/internal/logrelay"
)

const version = "0.1.0"

type registry interface {
	ports.JobRegistry
	ports.LogStore
}

func main() {
	envFile := pflag.String("env-file", ".env", "optional .env file loaded before reading the environment")
	concurrency := pflag.Int("concurrency", 0, "concurrent simulations (overrides WORKER_CONCURRENCY)")
	httpPort := pflag.String("http-port", "", "HTTP listen port (overrides HTTP_PORT)")
	grpcPort := pflag.String("grpc-port", "", "gRPC health listen port (overrides GRPC_PORT)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}
	if *grpcPort != "" {
		cfg.GRPCPort = *grpcPort
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting simulation engine", "version", version, "concurrency", cfg.Concurrency)

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	if err := run(cfg); err != nil {
		logger.Error("Engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var checkers []services.Checker

	var repo registry
	switch cfg.RegistryBackend {
	case "memory":
		repo = memory.NewRepository()
		logger.Warn("Using in-memory registry; jobs do not survive a restart")
	default:
		pgRepo, err := pg.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		repo = pgRepo
	}
	checkers = append(checkers, services.RegistryChecker(repo))

	var queue ports.JobQueue
	switch cfg.QueueBackend {
	case "memory":
		queue = queuemem.New(cfg.QueueSize)
	default:
		adapter, client, err := redis_adapter.NewAdapter(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func(c *redis.Client) { _ = c.Close() }(client)
		queue = adapter
		checkers = append(checkers, services.RedisChecker(client))
	}

	runtime, err := agent.NewDockerRuntime(cfg.PullImages)
	if err != nil {
		return fmt.Errorf("init docker: %w", err)
	}
	defer runtime.Close()
	checkers = append(checkers, services.RuntimeChecker(runtime))

	store, err := artifacts.NewStore(cfg.ArtifactsPath)
	if err != nil {
		return err
	}

	var events ports.EventPublisher = mqtt.Noop{}
	if cfg.MQTTBroker != "" {
		publisher, err := mqtt.NewPublisher(cfg.MQTTBroker, cfg.MQTTTopicPrefix)
		if err != nil {
			logger.Error("Failed to connect to MQTT broker, job events disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer publisher.Close()
			events = publisher
			logger.Info("Publishing job events", "broker", cfg.MQTTBroker, "prefix", cfg.MQTTTopicPrefix)
		}
	}

	relay := logrelay.New(repo, repo, logrelay.Options{
		BufferSize:   cfg.LogBufferSize,
		PollInterval: cfg.LogPollInterval,
	})

	dispatcher := agent.New(agent.Options{
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.DispatchPoll,
		Worker: agent.WorkerOptions{
			ScratchPath:      cfg.ScratchPath,
			DefaultTimeout:   cfg.MaxJobTimeout,
			GracePeriod:      cfg.CancelGracePeriod,
			WatchdogInterval: cfg.WatchdogInterval,
			CancelCheckEvery: cfg.CancelCheckEvery,
		},
	}, repo, queue, runtime, relay, store, events)

	planner := services.NewPlanner(services.PlannerOptions{
		DefaultImage:    cfg.DefaultImage,
		DefaultCPU:      cfg.DefaultCPU,
		DefaultMemoryMB: cfg.DefaultMemoryMB,
		MaxTimeout:      cfg.MaxJobTimeout,
		Workloads:       cfg.Workloads,
	}, repo, queue, events)
	jobService := services.NewJobService(repo, relay, store, cfg.AllowPartialResults)
	canceller := services.NewCanceller(repo, dispatcher.Control(), relay, events)
	healthService := services.NewHealthService(version, checkers...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	httpServer := http_handler.NewServer(planner, jobService, canceller, healthService)
	healthServer := grpc_handler.NewHealthServer(healthService, 10*time.Second)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(":" + cfg.HTTPPort); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := healthServer.Serve(ctx, lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case serveErr = <-errCh:
		logger.Error("Server failed, shutting down", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	healthServer.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("Dispatcher shutdown incomplete", "error", err)
		if !errors.Is(err, context.DeadlineExceeded) {
			serveErr = errors.Join(serveErr, err)
		}
	}
	logger.Info("Engine stopped")
	return serveErr
}
