// ShopQuest - Guided Shopping Assistant Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashida/shopquest/internal/api"
	"github.com/ashida/shopquest/internal/config"
	"github.com/ashida/shopquest/internal/extract"
	"github.com/ashida/shopquest/internal/identity"
	"github.com/ashida/shopquest/internal/middleware"
	"github.com/ashida/shopquest/internal/quest"
	"github.com/ashida/shopquest/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Quest event fan-out channel. The sink never blocks a transition; an
	// overflowing channel drops the event and clients recover via snapshot.
	broadcastChan := make(chan quest.Event, 256)
	sink := func(ev quest.Event) {
		select {
		case broadcastChan <- ev:
		default:
			slog.Warn("quest event channel full, dropping event",
				"user_id", ev.UserID, "quest_session_id", ev.SessionID, "type", ev.Type)
		}
	}

	translog, err := quest.NewTranscriptLogger(quest.TranscriptLogConfig{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}

	pacing := quest.Config{
		TypingInterval: cfg.Pacing.TypingInterval,
		DispatchPause:  cfg.Pacing.DispatchPause,
		SettleDelay:    cfg.Pacing.SettleDelay,
	}
	provider := quest.NewStoreProvider(repo)
	registry := quest.NewRegistry(provider, repo, pacing, sink, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	listHandler := api.NewListHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)
	questHandler := quest.NewHandler(registry, repo, broadcastChan, translog)
	defer questHandler.Close()
	wsHandler := quest.NewWebSocketHandler(registry, repo, questHandler, pacing, cfg.FrontendURL, cfg.IsDevelopment())

	// Extraction service client (optional).
	var extractor extract.Extractor
	if cfg.Extract.APIURL != "" {
		client, err := extract.NewClient(extract.ClientConfig{
			BaseURL:        cfg.Extract.APIURL,
			APIKey:         cfg.Extract.APIKey,
			RequestTimeout: cfg.Extract.Timeout,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize extraction client", "error", err)
			os.Exit(1)
		}
		extractor = client
	} else {
		slog.Info("Extraction service disabled (EXTRACT_API_URL not set)")
	}
	extractHandler := extract.NewHandler(extractor, repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	listHandler.RegisterRoutes(r)
	questHandler.RegisterRoutes(r)
	extractHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/quest", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	// Keepalive runs every 10s to maintain connection
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start idle quest sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quest.StartSweeper(ctx, repo, registry, cfg.QuestTTL)
	slog.Info("Quest sweeper started", "quest_ttl", cfg.QuestTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	registry.CloseAll()
	slog.Info("Server stopped successfully")
}
