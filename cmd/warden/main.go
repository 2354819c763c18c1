package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/wardenhq/warden/pkg/access"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/observability"
)

func main() {
	postgresURL := flag.String("postgres-url", "", "PostgreSQL connection URL (overrides WARDEN_POSTGRES_URL)")
	port := flag.String("port", "", "Port to listen on (overrides WARDEN_PORT)")
	flag.Parse()

	if *postgresURL != "" {
		os.Setenv("WARDEN_POSTGRES_URL", *postgresURL)
	}
	if *port != "" {
		os.Setenv("WARDEN_PORT", *port)
	}

	startupLog := logrus.New()
	startupLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig()
	if err != nil {
		startupLog.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).Named("warden")

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		startupLog.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		startupLog.Fatalf("Failed to connect to database: %v", err)
	}
	cancel()
	startupLog.Info("Database connection established")

	if cfg.Database.MigrateOnStart {
		if err := access.RunMigrations(context.Background(), db); err != nil {
			startupLog.Fatalf("Failed to run migrations: %v", err)
		}
		startupLog.Info("Migrations applied")
	}

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	handlers := access.NewHandlers(db, logger, metrics)
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := newHealthServer(cfg, registry, db, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		startupLog.Infof("Warden listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLog.Fatalf("Server failed: %v", err)
		}
	}()

	go func() {
		startupLog.Infof("Health/metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLog.Errorf("Health server failed: %v", err)
		}
	}()

	<-ctx.Done()
	startupLog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		startupLog.Errorf("Server shutdown failed: %v", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		startupLog.Errorf("Health server shutdown failed: %v", err)
	}
}

// newHealthServer serves liveness, readiness and metrics on a separate
// port so probes stay reachable when the main listener saturates.
func newHealthServer(cfg *config.Config, registry *prometheus.Registry, db *sql.DB, metrics *observability.Metrics) *http.Server {
	healthMux := http.NewServeMux()

	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if metrics != nil {
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		}
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
}
