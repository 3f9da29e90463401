// Package main is the entrypoint for the AI toolkit API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/BZM2000/ai-toolkit/internal/api"
	"github.com/BZM2000/ai-toolkit/internal/api/handler"
	mw "github.com/BZM2000/ai-toolkit/internal/api/middleware"
	"github.com/BZM2000/ai-toolkit/internal/cache"
	"github.com/BZM2000/ai-toolkit/internal/config"
	"github.com/BZM2000/ai-toolkit/internal/engine"
	"github.com/BZM2000/ai-toolkit/internal/llm"
	"github.com/BZM2000/ai-toolkit/internal/modules"
	"github.com/BZM2000/ai-toolkit/internal/quota"
	"github.com/BZM2000/ai-toolkit/internal/retention"
	"github.com/BZM2000/ai-toolkit/internal/storage"
	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "storage_root", cfg.Storage.Root)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Storage root for uploads and artifacts
	files, err := storage.NewManager(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("create storage manager: %w", err)
	}

	// 6. LLM providers
	llmClient := llm.NewClient(cfg.LLM)
	slog.Info("llm providers initialized", "providers", llmClient.Providers())

	// 7. Store, seed data, bootstrap admin
	pgStore := store.NewPostgresStore(pool)

	if err := modules.SeedConfigs(ctx, pgStore); err != nil {
		return fmt.Errorf("seed module configs: %w", err)
	}
	if err := bootstrapAdmin(ctx, pgStore, cfg.Auth); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	// 8. Engine with the registered tool modules
	registry, err := engine.NewRegistry(modules.All(modules.Deps{
		Store:   pgStore,
		Storage: files,
		LLM:     llmClient,
	})...)
	if err != nil {
		return fmt.Errorf("build module registry: %w", err)
	}

	eng := engine.New(registry, pgStore, redisCache, quota.NewRecorder(pgStore))

	// 9. Retention sweeper
	sweeper := retention.NewSweeper(pgStore, files, cfg.Retention.SweepInterval, cfg.Retention.MaxAge)
	go sweeper.Run(ctx)

	// 10. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMin)

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),
		LoginHandler:  handler.NewLoginHandler(pgStore, cfg.Auth.SessionTTL),
		LogoutHandler: handler.NewLogoutHandler(pgStore),

		SubmitHandler:       handler.NewSubmitHandler(eng, files),
		JobStatusHandler:    handler.NewJobStatusHandler(eng),
		JobDownloadHandler:  handler.NewJobDownloadHandler(eng, files),
		ItemDownloadHandler: handler.NewItemDownloadHandler(eng, files),
		HistoryHandler:      handler.NewHistoryHandler(pgStore),
		ModulesHandler:      handler.NewModulesHandler(registry),

		ModuleConfigGetHandler: handler.NewModuleConfigGetHandler(pgStore),
		ModuleConfigPutHandler: handler.NewModuleConfigPutHandler(pgStore, registry),
		GroupLimitsGetHandler:  handler.NewGroupLimitsGetHandler(pgStore),
		GroupLimitsPutHandler:  handler.NewGroupLimitsPutHandler(pgStore),
		UsageReportHandler:     handler.NewUsageReportHandler(pgStore),
		CreateUserHandler:      handler.NewCreateUserHandler(pgStore),
		SweepHandler:           handler.NewSweepHandler(sweeper),
	})

	// 11. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Let in-flight jobs settle before the process exits.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Warn("engine shutdown incomplete", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapAdmin creates the first admin account from ADMIN_USERNAME /
// ADMIN_PASSWORD when no admin exists. A no-op on every later start.
func bootstrapAdmin(ctx context.Context, st store.Store, cfg config.AuthConfig) error {
	if cfg.BootstrapUsername == "" || cfg.BootstrapPassword == "" {
		return nil
	}
	hasAdmin, err := st.HasAdmin(ctx)
	if err != nil {
		return err
	}
	if hasAdmin {
		return nil
	}

	group, err := st.GetUsageGroupByName(ctx, "default")
	if err != nil {
		return fmt.Errorf("default usage group missing: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = st.CreateUser(ctx, &models.User{
		ID:           uuid.New(),
		Username:     cfg.BootstrapUsername,
		PasswordHash: string(hash),
		IsAdmin:      true,
		UsageGroupID: group.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("bootstrap admin created", "username", cfg.BootstrapUsername)
	return nil
}
