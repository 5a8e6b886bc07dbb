package main

import (
	"context"
	"crypto/tls"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-relay/config"
	"github.com/vnmchuo/llm-relay/internal/api"
	"github.com/vnmchuo/llm-relay/internal/auth"
	"github.com/vnmchuo/llm-relay/internal/engine"
	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/notify"
	"github.com/vnmchuo/llm-relay/internal/pool"
	"github.com/vnmchuo/llm-relay/internal/store"
	"github.com/vnmchuo/llm-relay/internal/telemetry"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-relay", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect Redis
	ctx := context.Background()
	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	storeOpts := store.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		TLS:      cfg.RedisTLS,
	}
	st, err := store.Open(storeOpts)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	// 4. Connect PostgreSQL (optional; job history is dropped without it)
	histStore := history.NewNoopStore()
	if cfg.PostgresDSN != "" {
		pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
		histStore = history.NewPostgresStore(pgPool)
	}

	// 5. Init engines
	var engines []engine.Config
	if cfg.OllamaBaseURL != "" {
		engines = append(engines, engine.Config{
			Name:    "ollama",
			Kind:    engine.KindOllama,
			BaseURL: cfg.OllamaBaseURL,
			Model:   cfg.OllamaModel,
			Timeout: cfg.EngineTimeout,
		})
	}
	if cfg.AgentBaseURL != "" {
		engines = append(engines, engine.Config{
			Name:    "agent",
			Kind:    engine.KindAgent,
			BaseURL: cfg.AgentBaseURL,
			AgentID: cfg.AgentID,
			APIKey:  cfg.AgentAPIKey,
			Timeout: cfg.EngineTimeout,
		})
	}

	// 6. Init worker pool
	p := pool.New(st, histStore, pool.Config{
		Min:     cfg.WorkerMin,
		Max:     cfg.WorkerMax,
		Engines: engines,
		Store:   storeOpts,
		Channel: cfg.NotifyChannel,
		Logger:  logger,
	})
	if err := p.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize worker pool: %v", err)
	}
	log.Printf("Worker pool started with %d workers", p.WorkerCount())

	// 7. Subscribe to outbound notifications for observability
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	sub := notify.NewSubscriber(st, cfg.NotifyChannel, logger)
	events, err := sub.Subscribe(subCtx)
	if err != nil {
		log.Fatalf("failed to subscribe to notification channel: %v", err)
	}
	go func() {
		for ev := range events {
			logger.Info("notification published",
				"type", string(ev.Type), "job_id", ev.JobID, "channel_id", ev.ChannelID, "user_id", ev.UserID)
		}
	}()

	// 8. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("llm-relay")
	handler := api.NewHandler(p, histStore, limiter, tracer)
	authMiddleware := auth.NewMiddleware(cfg.APIToken)

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-relay"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/jobs", handler.HandleSubmitJob)
		r.Get("/v1/jobs", handler.HandleListJobs)
		r.Get("/v1/workers", handler.HandleListWorkers)
		r.Get("/v1/workers/{id}", handler.HandleWorkerStatus)
		r.Get("/v1/history", handler.HandleHistory)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM Relay starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced server shutdown: %v", err)
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced pool shutdown: %v", err)
	}
	log.Println("Server stopped")
}
