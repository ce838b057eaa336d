package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/example/parkpos/backend/internal/config"
	"github.com/example/parkpos/backend/internal/db"
	"github.com/example/parkpos/backend/internal/fee"
	httpserver "github.com/example/parkpos/backend/internal/http"
	"github.com/example/parkpos/backend/internal/metrics"
	"github.com/example/parkpos/backend/internal/mq"
	"github.com/example/parkpos/backend/internal/repository"
	"github.com/example/parkpos/backend/internal/service"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	policy := loadPolicy(cfg)
	store, closeStore := openStore(cfg)
	defer closeStore()

	var publisher mq.Publisher
	rabbit, err := mq.NewRabbitPublisher(cfg.MQURL, cfg.MQExchange)
	if err != nil {
		log.Printf("warning: rabbitmq unavailable (%v), continuing without events", err)
	} else {
		publisher = rabbit
		defer rabbit.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ticketService := service.NewTicketService(store, policy, publisher,
		service.WithLogger(logger),
		service.WithMetrics(metrics.NewCollector(registry)),
		service.WithRetry(cfg.StoreRetryAttempts, cfg.StoreRetryBackoff),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)

	opts := []httpserver.ServerOption{httpserver.WithMetrics(registry)}
	if cfg.JWTSecret != "" {
		opts = append(opts, httpserver.WithStaffAuth(httpserver.NewStaffAuth(cfg.JWTSecret)))
	} else {
		log.Println("warning: JWT_SECRET not set, staff ids are taken from request bodies")
	}
	apiServer := httpserver.NewServer(ticketService, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           apiServer.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s (store=%s)", cfg.HTTPPort, cfg.TicketStore)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("bye")
}

func loadPolicy(cfg config.Config) fee.RateTable {
	if cfg.FeeRatesFile == "" {
		return fee.DefaultRateTable()
	}
	table, err := fee.LoadRateTable(cfg.FeeRatesFile)
	if err != nil {
		log.Fatalf("load fee rates: %v", err)
	}
	log.Printf("fee rates loaded from %s for %v", cfg.FeeRatesFile, table.VehicleTypes())
	return table
}

func openStore(cfg config.Config) (repository.TicketStore, func()) {
	switch cfg.TicketStore {
	case config.StorePostgres:
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		if err := db.Migrate(database); err != nil {
			log.Fatalf("%v", err)
		}
		return repository.NewTicketRepository(database), func() {
			if sqlDB, err := database.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opt)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		log.Println("connected to redis")
		return repository.NewRedisStore(client, cfg.RedisKeyPrefix), func() { _ = client.Close() }
	case config.StoreMemory:
		log.Println("warning: using in-memory ticket store, tickets are lost on restart")
		return repository.NewMemoryStore(), func() {}
	default:
		log.Fatalf("unknown TICKET_STORE %q", cfg.TicketStore)
		return nil, nil
	}
}

func init() {
	if mode := os.Getenv("GIN_MODE"); mode == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
