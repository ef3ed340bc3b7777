package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/crdb"
	mongoadapter "github.com/edbertswd/court-reservations-and-payments/internal/adapters/mongo"
	"github.com/edbertswd/court-reservations-and-payments/internal/adapters/rabbit"
	redisadapter "github.com/edbertswd/court-reservations-and-payments/internal/adapters/redis"
	"github.com/edbertswd/court-reservations-and-payments/internal/booking"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/config"
	"github.com/edbertswd/court-reservations-and-payments/internal/expiry"
	httphandler "github.com/edbertswd/court-reservations-and-payments/internal/http"
	"github.com/edbertswd/court-reservations-and-payments/internal/idempotency"
	"github.com/edbertswd/court-reservations-and-payments/internal/keylock"
	"github.com/edbertswd/court-reservations-and-payments/internal/lease"
	"github.com/edbertswd/court-reservations-and-payments/internal/ledger"
	"github.com/edbertswd/court-reservations-and-payments/internal/limit"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment/manual"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment/omise"
	"github.com/edbertswd/court-reservations-and-payments/internal/payment/paypal"
	"github.com/edbertswd/court-reservations-and-payments/internal/rateLimit"
	"github.com/edbertswd/court-reservations-and-payments/internal/reservation"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const reconcileQueue = "payments.reconcile"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger(cfg.LogLevel)
	clk := clock.Real{}

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDB)
	if err := mongoadapter.EnsureIndexes(ctx, mongoDB); err != nil {
		log.Fatalf("failed to create mongo indexes: %v", err)
	}
	courts := mongoadapter.NewCourtDirectory(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, clk, logger)

	checks := []httphandler.ReadinessCheck{
		{Name: "crdb", Check: pool.Ping},
		{Name: "mongo", Check: func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }},
	}

	var idempStore idempotency.Store = idempotency.NewMemoryStore()
	var counter rateLimit.Counter = rateLimit.NewMemoryCounter()
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		idempStore = redisadapter.NewIdempotency(redisClient)
		counter = cache
		checks = append(checks, httphandler.ReadinessCheck{Name: "redis", Check: cache.Ping})
	} else {
		logger.Warn("REDIS_ADDR not set, idempotency and rate limits are kept in process")
	}

	provider, err := newProvider(cfg, repo)
	if err != nil {
		log.Fatalf("failed to create payment provider: %v", err)
	}

	var rabbitConn *amqp.Connection
	orchOpts := []payment.Option{payment.WithProviderTimeout(cfg.ProviderTimeout)}
	if cfg.RabbitURL != "" {
		rabbitConn, err = amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer rabbitConn.Close()
		pub, err := rabbit.NewPublisher(rabbitConn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer pub.Close()
		orchOpts = append(orchOpts, payment.WithReconcileRequester(pub))
	}

	owner, _ := os.Hostname()
	ledgerLease, err := lease.Acquire(ctx, repo, "availability-ledger", owner+"/"+uuid.NewString(), cfg.LedgerLeaseTTL, logger)
	if err != nil {
		log.Fatalf("failed to take the ledger lease, is another instance running? %v", err)
	}

	l := ledger.New(clk, logger)
	occupants, err := repo.ActiveOccupancies(ctx, clk.Now())
	if err != nil {
		log.Fatalf("failed to read occupancies: %v", err)
	}
	if err := l.Load(occupants); err != nil {
		log.Fatalf("failed to load availability ledger: %v", err)
	}
	logger.WithField("occupants", len(occupants)).Info("availability ledger loaded")

	users := keylock.New()
	holds := reservation.NewManager(repo, l, courts, clk, logger,
		reservation.WithTTL(cfg.HoldTTL),
		reservation.WithSlotLength(cfg.SlotLength),
		reservation.WithMaxSpan(cfg.MaxSpan),
		reservation.WithUserLocks(users),
	)
	ctrl := booking.NewController(repo, l, limit.NewGuard(repo, cfg.MaxActiveBookings, users), holds, courts, audit, clk, logger,
		booking.WithPaymentTimeout(cfg.PaymentTimeout),
		booking.WithCancelCutoff(cfg.CancelCutoff),
		booking.WithCommission(cfg.Commission()),
	)
	orch := payment.NewOrchestrator(repo, ctrl, courts, provider, clk, logger, orchOpts...)
	ctrl.AttachRefunder(orch)

	auth := httphandler.NewAuthenticator(cfg.JWTSecret, logger)
	handlers := httphandler.NewHandlers(holds, ctrl, orch, logger, checks...)
	r := httphandler.SetupRouter(handlers, logger, auth,
		rateLimit.NewRateLimiter(counter, logger), cfg.RateLimitPerMin,
		idempotency.NewIdempotency(idempStore, 24*time.Hour, logger))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := expiry.NewWorker(cfg.SweepInterval, logger,
		expiry.Job{Name: "expire_holds", Run: holds.SweepExpired},
		expiry.Job{Name: "expire_unpaid_bookings", Run: ctrl.SweepUnpaid},
		expiry.Job{Name: "reconcile_payments", Run: orch.SweepReconcile},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return ledgerLease.Keep(gctx) })
	if rabbitConn != nil {
		consumer, err := rabbit.NewConsumer(rabbitConn, reconcileQueue, rabbit.ReconcileKey, logger)
		if err != nil {
			log.Fatalf("failed to create reconcile consumer: %v", err)
		}
		g.Go(func() error {
			return consumer.Consume(gctx, func(ctx context.Context, d amqp.Delivery) error {
				id, err := rabbit.DecodeReconcile(d)
				if err != nil {
					return err
				}
				_, err = orch.Reconcile(ctx, id)
				return err
			})
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}

func newProvider(cfg *config.Config, repo *crdb.Repository) (payment.Provider, error) {
	switch cfg.PaymentProvider {
	case "omise":
		return omise.New(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.ProviderTimeout)
	case "paypal":
		return paypal.New(paypal.Config{
			BaseURL:   cfg.PayPalBaseURL,
			ClientID:  cfg.PayPalClientID,
			Secret:    cfg.PayPalSecret,
			WebhookID: cfg.PayPalWebhook,
			ReturnURL: cfg.PayPalReturn,
			CancelURL: cfg.PayPalCancel,
			Timeout:   cfg.ProviderTimeout,
		}), nil
	default:
		return manual.New(cfg.ManualWebhookSecret, repo), nil
	}
}
