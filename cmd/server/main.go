// nbhub - multi-user hub for single-user compute servers
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

	"github.com/akulov/nbhub/internal/api"
	"github.com/akulov/nbhub/internal/auth"
	"github.com/akulov/nbhub/internal/config"
	"github.com/akulov/nbhub/internal/domain"
	"github.com/akulov/nbhub/internal/hub"
	"github.com/akulov/nbhub/internal/identity"
	"github.com/akulov/nbhub/internal/middleware"
	"github.com/akulov/nbhub/internal/session"
	"github.com/akulov/nbhub/internal/spawner"
	"github.com/akulov/nbhub/internal/store"
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

	slog.Info("Starting hub", "port", cfg.Port, "dev", cfg.IsDevelopment(), "admin_access", cfg.AdminAccessEnabled)

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

	if err := ensureAdmins(context.Background(), repo, cfg.AdminUsers); err != nil {
		slog.Error("Failed to reconcile admin users", "error", err)
		os.Exit(1)
	}

	authenticator, err := auth.NewDictionaryAuthenticator(cfg.Users)
	if err != nil {
		slog.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	spawners, err := spawner.NewDockerFactory(spawner.DockerOptions{
		Image:   cfg.ServerImage,
		Network: cfg.ServerNetwork,
		Subnet:  cfg.ServerSubnet,
		Runtime: cfg.ContainerRuntime,
		Port:    cfg.ServerPort,
	})
	if err != nil {
		slog.Error("Failed to initialize spawner", "error", err)
		os.Exit(1)
	}

	// Ensure the bridge network for single-user servers exists.
	networkID, err := spawners.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure server network", "error", err)
		os.Exit(1)
	}
	slog.Info("Server network ready", "network_id", networkID)

	issuer := session.NewIssuer([]byte(cfg.CookieSecret), cfg.SessionMaxAge, !cfg.IsDevelopment())

	controller := hub.New(repo, authenticator, spawners, hub.Options{
		AdminAccessEnabled: cfg.AdminAccessEnabled,
		SlowSpawnWait:      cfg.SlowSpawnWait,
		SlowStopWait:       cfg.SlowStopWait,
	})

	// Initialize handlers.
	userHandler := api.NewUserHandler(controller, issuer)
	loginHandler := api.NewLoginHandler(repo, authenticator, issuer)
	healthHandler := api.NewHealthHandler(repo)
	eventsHandler := api.NewEventsHandler(controller, cfg.PublicURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, issuer))

	// Public routes.
	healthHandler.RegisterHealth(r)
	loginHandler.RegisterRoutes(r)

	// User lifecycle API. Authorization happens per-operation in the hub.
	userHandler.RegisterRoutes(r)

	// Admin event feed.
	r.Get("/api/events", eventsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no timeout: the event feed holds connections open
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller.StartIdleCuller(ctx, cfg.CullIdleAfter)

	// Start server.
	go func() {
		slog.Info("Hub listening", "addr", srv.Addr)
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

	slog.Info("Hub stopped successfully")
}

// ensureAdmins grants the admin flag to configured usernames, creating the
// records if needed.
func ensureAdmins(ctx context.Context, repo store.Repository, admins []string) error {
	for _, name := range admins {
		user, err := repo.FindByName(ctx, name)
		if err != nil {
			return err
		}
		if user == nil {
			now := time.Now()
			if err := repo.Create(ctx, &domain.User{
				Name:         name,
				Admin:        true,
				LastActivity: now,
				CreatedAt:    now,
				UpdatedAt:    now,
			}); err != nil {
				return err
			}
			slog.Info("Admin user created", "user", name)
			continue
		}
		if !user.Admin {
			user.Admin = true
			if err := repo.Save(ctx, name, user); err != nil {
				return err
			}
			slog.Info("Admin flag granted", "user", name)
		}
	}
	return nil
}
