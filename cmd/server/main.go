// Resume Rooster - assistant-backed resume builder server
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

	"github.com/ashureev/resume-rooster/internal/api"
	"github.com/ashureev/resume-rooster/internal/assistant"
	"github.com/ashureev/resume-rooster/internal/config"
	"github.com/ashureev/resume-rooster/internal/identity"
	"github.com/ashureev/resume-rooster/internal/jobpost"
	"github.com/ashureev/resume-rooster/internal/middleware"
	"github.com/ashureev/resume-rooster/internal/runlog"
	"github.com/ashureev/resume-rooster/internal/scheduler"
	"github.com/ashureev/resume-rooster/internal/store"
	"github.com/ashureev/resume-rooster/internal/telegram"
	"github.com/ashureev/resume-rooster/internal/transcript"
	"github.com/ashureev/resume-rooster/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "model", cfg.OpenAI.Model)

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

	svc := assistant.New(assistant.Config{
		APIKey:          cfg.OpenAI.APIKey,
		BaseURL:         cfg.OpenAI.BaseURL,
		AssistantID:     cfg.OpenAI.AssistantID,
		Model:           cfg.OpenAI.Model,
		VectorStoreName: cfg.OpenAI.VectorStoreName,
	}, logger)

	// Run diagnostics (optional).
	var runs *runlog.Logger
	sched := scheduler.New(logger)
	if cfg.RunLog.Enabled {
		runs = runlog.New(svc, repo, logger)
		defer runs.Close()
		svc.SetRecorder(runs)

		if err := sched.AddRetention("run-log", cfg.RunLog.Schedule, runs, cfg.RunLog.Retention); err != nil {
			slog.Error("Failed to schedule run log retention", "error", err)
			os.Exit(1)
		}
		slog.Info("Run diagnostics enabled", "retention", cfg.RunLog.Retention, "schedule", cfg.RunLog.Schedule)
	}
	sched.Start()
	defer sched.Stop()

	conversationLogger, err := transcript.New(transcript.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo)
	assistantOpts := []api.AssistantOption{
		api.WithTranscript(conversationLogger),
		api.WithMaxBodySize(cfg.SSE.MaxRequestBodySize),
		api.WithTurnLimiter(limiter.Middleware),
	}
	if runs != nil {
		assistantOpts = append(assistantOpts, api.WithRunForgetter(runs))
	}
	assistantHandler := api.NewAssistantHandler(svc, assistantOpts...)
	filesHandler := api.NewFilesHandler(svc,
		jobpost.NewFetcher(cfg.Upload.FetchTimeout),
		api.NewTokenCounter(cfg.OpenAI.TokenizerModel),
		cfg.Upload.MaxBytes,
	)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	assistantHandler.RegisterRoutes(r)
	filesHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE turns last as long as the run, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telegram front end (optional).
	botDone := make(chan struct{})
	if cfg.Telegram.Token != "" {
		bot, err := telegram.New(cfg.Telegram.Token, svc, repo, logger)
		if err != nil {
			slog.Error("Failed to start Telegram bot", "error", err)
			os.Exit(1)
		}
		go func() {
			defer close(botDone)
			bot.Start(ctx)
		}()
	} else {
		close(botDone)
		slog.Info("Telegram front end disabled (TELEGRAM_TOKEN not set)")
	}

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
	<-botDone

	slog.Info("Server stopped successfully")
}
