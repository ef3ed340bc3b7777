package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/crdb"
	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/rabbit"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/config"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/outbox"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the outbox publisher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	publisher := outbox.NewPublisher(repo, rabbitPub, clock.Real{}, logger, cfg.OutboxBatch, cfg.OutboxInterval)
	logger.Info("Outbox publisher started")
	if err := publisher.Run(ctx); err != nil {
		logger.WithError(err).Error("outbox publisher stopped")
	}
	logger.Info("Shutdown outbox publisher")
}
