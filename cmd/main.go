/**
 * @description
 * This is the main entry point for the disbursement-service. It loads the
 * configuration, opens the ledger, builds the routing table, rails, intake
 * queue and reconcilers, and serves the HTTP API until SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the ledger.
 * - github.com/redis/go-redis/v9: Shared reference index.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Service packages.
 * - pkg/idtranslate, pkg/rabbitmq: ID mapper client and intake transport.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/disbursement-service/internal/api"
	"github.com/transfa/disbursement-service/internal/app"
	"github.com/transfa/disbursement-service/internal/config"
	"github.com/transfa/disbursement-service/internal/metrics"
	"github.com/transfa/disbursement-service/internal/routing"
	"github.com/transfa/disbursement-service/internal/store"
	"github.com/transfa/disbursement-service/pkg/idtranslate"
	"github.com/transfa/disbursement-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting disbursement-service\" port=%s ledger=%s backends=%v", cfg.ServerPort, cfg.LedgerDriver, cfg.ReconcileBackends)

	workerLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	var paymentLedger store.Ledger
	switch cfg.LedgerDriver {
	case config.LedgerDriverMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory ledger; payments are lost on restart\"")
		paymentLedger = store.NewMemoryRepository()
	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		repository := store.NewPostgresRepository(dbpool)
		if err := repository.EnsureSchema(ctx); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"ledger schema setup failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		paymentLedger = repository
	}

	var referenceIndex app.ReferenceIndex
	if cfg.ReferenceIndexEnabled {
		referenceIndex = app.NewMemoryReferenceIndex()
		if cfg.RedisURL != "" {
			if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
				defer redisClient.Close()
				referenceIndex = app.NewRedisReferenceIndex(redisClient, cfg.ReferenceIndexPrefix)
			}
		}
		count, err := app.RebuildReferenceIndex(ctx, paymentLedger, referenceIndex)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"reference index rebuild failed; status reads fall back to the ledger\" err=%v", err)
		} else {
			log.Printf("level=info component=bootstrap msg=\"reference index rebuilt\" references=%d", count)
		}
	}

	var translator app.Translator
	if cfg.IDTranslateEnabled || cfg.RailTranslateIDToFA {
		translator = idtranslate.NewClient(cfg.IDMapperURL, cfg.RailTimeout())
	}
	intakeTranslator := translator
	if !cfg.IDTranslateEnabled {
		intakeTranslator = nil
	}

	table, err := routing.NewTable(cfg.BackendRules, cfg.PayerRules)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"routing table invalid\" err=%v", err)
	}

	m := metrics.New()
	intake := app.NewIntakeService(paymentLedger, table, intakeTranslator, referenceIndex, cfg.IntakeMaxBatchSize, m)
	queue := newTaskQueue(cfg, intake, workerLogger)
	defer queue.Close()
	intake.SetTaskQueue(queue)

	reconcilers := make([]*app.Reconciler, 0, len(cfg.ReconcileBackends))
	for _, backend := range cfg.ReconcileBackends {
		rail, err := app.NewRail(backend, cfg, translator)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rail setup failed\" backend=%s err=%v", backend, err)
		}
		reconcilers = append(reconcilers, app.NewReconciler(backend, rail, paymentLedger, app.ReconcilerOptions{
			RetryStatuses: cfg.RetryStatuses,
			BatchLimit:    cfg.ReconcileBatchLimit,
			CallTimeout:   cfg.RailTimeout(),
		}, workerLogger, m))
	}
	if len(reconcilers) == 0 {
		log.Println("level=warn component=bootstrap msg=\"no backends configured; payments will be recorded but never sent\"")
	}

	scheduler := app.NewScheduler(reconcilers, cfg.ReconcileInterval(), cfg.ReconcileStartupDelay(), workerLogger)
	scheduler.Start()

	handlers := api.NewDisbursementHandlers(intake, app.NewStatusService(paymentLedger, referenceIndex))
	router := api.NewRouter(handlers, api.RouterOptions{
		JWTSecret:      cfg.APIJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-scheduler.Stop().Done():
		log.Println("level=info component=scheduler msg=\"reconcilers stopped\"")
	case <-shutdownCtx.Done():
		log.Println("level=warn component=scheduler msg=\"timed out waiting for running sweeps\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectRedis(redisURL string) *redis.Client {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process reference index\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process reference index\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// newTaskQueue publishes intake tasks through RabbitMQ when it is reachable and
// falls back to the in-process worker pool otherwise.
func newTaskQueue(cfg config.Config, intake *app.IntakeService, logger *slog.Logger) app.TaskQueue {
	local := func() app.TaskQueue {
		return app.NewLocalTaskQueue(cfg.IntakeWorkers, cfg.IntakeQueueSize, intake.HandleTask, logger)
	}
	if cfg.RabbitMQURL == "" {
		return local()
	}

	producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using local intake queue\" err=%v", err)
		return local()
	}
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		producer.Close()
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; using local intake queue\" err=%v", err)
		return local()
	}
	if err := app.StartAMQPIntakeWorkers(consumer, cfg.IntakeExchange, cfg.IntakeQueue, cfg.IntakeWorkers, intake.HandleTask, logger); err != nil {
		producer.Close()
		consumer.Close()
		log.Printf("level=warn component=bootstrap msg=\"intake consumer start failed; using local intake queue\" err=%v", err)
		return local()
	}
	log.Println("level=info component=bootstrap msg=\"rabbitmq intake queue connected\"")
	return &amqpQueue{AMQPTaskQueue: app.NewAMQPTaskQueue(producer, cfg.IntakeExchange), consumer: consumer}
}

type amqpQueue struct {
	*app.AMQPTaskQueue
	consumer *rabbitmq.Consumer
}

func (q *amqpQueue) Close() {
	q.AMQPTaskQueue.Close()
	q.consumer.Close()
}
