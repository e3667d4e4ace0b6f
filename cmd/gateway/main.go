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

	"github.com/joho/godotenv"
	"github.com/pet-ai-gateway-go/internal/config"
	"github.com/pet-ai-gateway-go/internal/handlers"
	"github.com/pet-ai-gateway-go/internal/i18n"
	"github.com/pet-ai-gateway-go/internal/middleware"
	"github.com/pet-ai-gateway-go/internal/services/ai"
	"github.com/pet-ai-gateway-go/internal/services/catalog"
	"github.com/pet-ai-gateway-go/internal/services/chat"
	"github.com/pet-ai-gateway-go/internal/services/settings"
	"github.com/pet-ai-gateway-go/internal/services/storage"
	"github.com/pet-ai-gateway-go/internal/services/vault"
	"github.com/pet-ai-gateway-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting pet AI gateway...")

	metrics := middleware.NewMetrics()

	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()
	storageManager.SetRecorder(metrics)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	secretVault := vault.New(storageManager, &cfg.Vault, log)
	modelCatalog := catalog.New(storageManager, &cfg.Providers.OpenRouter, log)
	modelCatalog.RegisterChangeListener(func(ids []string) {
		log.WithField("models", ids).Debug("Model catalog changed")
	})

	resolver := settings.NewResolver(storageManager, secretVault, modelCatalog, localizer, cfg, log)
	registry := ai.NewDefaultRegistry(&cfg.Providers, &http.Client{}, log)

	coordinator := chat.NewCoordinator(resolver, registry, storageManager, localizer, log)
	coordinator.SetRecorder(metrics)

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	handler := handlers.NewHandler(cfg, coordinator, storageManager, secretVault, modelCatalog, rateLimiter, log)
	handler.SetMetrics(metrics)

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("Gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Gateway server failed")
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
	secretVault.Lock()

	log.Info("Gateway stopped")
}
