package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-objectstore/internal/api"
	"github.com/tendant/simple-objectstore/pkg/objectstore/config"
	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

// ProcessConfig holds settings of the process itself. Repository settings
// are read by config.WithEnv under EnvPrefix.
type ProcessConfig struct {
	EnvPrefix       string        `env:"OBJECTSTORE_ENV_PREFIX" env-default:"OBJECTSTORE_"`
	LogLevel        string        `env:"LOG_LEVEL" env-default:"info"`
	LogFormat       string        `env:"LOG_FORMAT" env-default:"text"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

func newLogger(pc ProcessConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(pc.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(pc.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	var pc ProcessConfig
	if err := cleanenv.ReadEnv(&pc); err != nil {
		slog.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(pc)
	slog.SetDefault(logger)

	cfg, err := config.Load(config.WithEnv(pc.EnvPrefix))
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rt, err := cfg.Build(ctx, logger)
	if err != nil {
		logger.Error("Failed to build object store", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	deployments := api.NewDeploymentHandler(rt.Coordinator, rt.Index)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Mount("/deployments", deployments.Routes())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]interface{}{
			"status":      "ok",
			"namespace":   rt.Coordinator.Namespace(),
			"cached":      rt.Cache.Len(),
			"environment": cfg.Environment,
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "registry", redact(cfg.RegistryURL), "storage", cfg.StorageURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), pc.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	logger.Info("Server exiting")
}

// redact hides the password of a database url.
func redact(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	userinfo := raw[scheme+3 : at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		return raw[:scheme+3] + userinfo[:i] + ":***" + raw[at:]
	}
	return raw
}
