package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-service/internal/config"
	"payment-service/internal/db"
	"payment-service/internal/gateway"
	"payment-service/internal/httpapi"
	"payment-service/internal/kafka"
	"payment-service/internal/logging"
	"payment-service/internal/metrics"
	"payment-service/internal/service"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config/config.yaml"), "path to the yaml config file")
	flag.Parse()

	cfg := config.MustLoadConfig(*configPath)

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	retrying, err := gateway.NewRetryingClient(&http.Client{}, cfg.Gateway.RetryPolicy(), logger)
	if err != nil {
		log.Fatal(err)
	}
	gatewayClient, err := gateway.NewClient(cfg.Gateway.ClientConfig(), retrying, logger)
	if err != nil {
		log.Fatal(err)
	}

	var notifier service.Notifier
	if cfg.Kafka.Enabled {
		writer := kafka.NewWriter(cfg.Kafka)
		defer writer.Close()
		notifier = kafka.NewNotifier(writer, logger)
	}

	svc := service.NewService(store, gatewayClient, notifier, service.Config{
		WebhookSecret: []byte(cfg.Gateway.WebhookSecret),
		ReturnURL:     cfg.Gateway.ReturnURL,
	}, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpapi.NewHandler(svc, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.Store, func(), error) {
	if cfg.Storage.Type == config.StorageMemory {
		logger.Warn("Using in-memory storage, payments are lost on restart")
		return db.NewMemoryStore(), func() {}, nil
	}

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, cfg.Database.MigrationsDir); err != nil {
		return nil, nil, err
	}

	pool, err := db.GetPool(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}
	return db.NewPaymentRepository(pool), pool.Close, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
