package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/api"
	"github.com/craftastic/craftastic/internal/auth"
	"github.com/craftastic/craftastic/internal/common/config"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/environment"
	"github.com/craftastic/craftastic/internal/events/bus"
	"github.com/craftastic/craftastic/internal/gitops"
	"github.com/craftastic/craftastic/internal/gitrepo"
	"github.com/craftastic/craftastic/internal/reaper"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
	"github.com/craftastic/craftastic/internal/terminal"
	"github.com/craftastic/craftastic/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the event bus (optional)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewNoopEventBus()
		log.Info("No NATS URL configured, events disabled")
	}
	defer eventBus.Close()

	// 5. Open the state store
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer st.Close()
	log.Info("State store ready", zap.String("driver", cfg.Database.Driver))

	// 6. Initialize Docker client and verify connectivity
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 7. Host-side bare repository store
	repos, err := gitrepo.NewStore(cfg.State.Dir, cfg.Timeouts.GitNetDuration(), log)
	if err != nil {
		log.Fatal("Failed to initialize repository store", zap.Error(err))
	}

	// 8. Worktree manager, PTY broker, git facade
	worktrees := worktree.NewManager(dockerClient, cfg.Timeouts.WorktreeDuration(), log)
	broker := terminal.NewBroker(terminal.NewDockerDriver(dockerClient), log)
	gitFacade := gitops.NewFacade(dockerClient, log)

	// 9. Auth plumbing
	sealer := auth.NoopSealer{}
	tokens := auth.NewTokenService(st)

	// 10. Environment service
	svc := environment.NewService(st, dockerClient, repos, worktrees, broker, eventBus, cfg.Sandbox, log)

	// 11. Background reaper
	rpr := reaper.New(st, dockerClient, broker, worktrees, eventBus,
		cfg.Reaper.IntervalDuration(), cfg.Reaper.BackoffCapDuration(), log)
	rpr.Start(ctx)

	// 12. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	healthCheck := func() map[string]bool {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer checkCancel()
		return map[string]bool{
			"docker": dockerClient.Ping(checkCtx) == nil,
			"events": eventBus.IsConnected() || cfg.NATS.URL == "",
		}
	}

	handler := api.NewHandler(svc, gitFacade, broker, st, sealer, tokens, healthCheck, log)
	api.SetupRoutes(router, handler, st, tokens, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")

	// 15. Graceful shutdown: one signal for every long-lived task
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	rpr.Stop()

	log.Info("Orchestrator stopped")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Path)
	}
}
