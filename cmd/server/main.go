package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"poledger/internal/adapter/handler"
	"poledger/internal/adapter/storage"
	"poledger/internal/core/service"
	"poledger/internal/port"
)

const (
	defaultHTTPAddr  = ":8080"
	defaultMySQLDSN  = "root:root@tcp(localhost:3306)/poledger?parseTime=true"
	defaultRedisAddr = "localhost:6379"
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL: the authoritative store
	db, err := sql.Open("mysql", envStr("MYSQL_DSN", defaultMySQLDSN))
	if err != nil {
		logger.Error("open mysql", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Error("ping mysql", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to mysql")

	store := storage.NewMySQLStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("apply schema", "error", err)
		os.Exit(1)
	}

	// Redis: non-authoritative cache. The service runs without it.
	var cache port.CacheRepository
	rdb := redis.NewClient(&redis.Options{
		Addr:     envStr("REDIS_ADDR", defaultRedisAddr),
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, running without cache", "error", err)
		rdb.Close()
		rdb = nil
	} else {
		cache = storage.NewRedisCache(rdb)
		logger.Info("connected to redis")
	}

	reconcile := service.NewReconcileService(store, cache,
		envInt("APP_QUEUE_SIZE", defaultQueueSize),
		service.WithLogger(logger))

	// Cache-sync worker pool
	var wg sync.WaitGroup
	if cache != nil {
		workers := envInt("APP_WORKERS", defaultWorkers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				syncWorker(id, reconcile.SyncQueue(), store, cache, logger)
			}(i)
		}
		logger.Info("started cache sync workers", "count", workers)
	}

	httpHandler := handler.NewHTTPHandler(reconcile, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpHandler.HealthCheck)
	mux.HandleFunc("POST /api/order-items", httpHandler.CreateOrderItem)
	mux.HandleFunc("GET /api/order-items/{id}", httpHandler.GetOrderItem)
	mux.HandleFunc("PUT /api/order-items/{id}", httpHandler.UpdateOrderItem)
	mux.HandleFunc("GET /api/order-items/{id}/remaining", httpHandler.GetRemaining)
	mux.HandleFunc("GET /api/order-items/{id}/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("POST /api/order-items/{id}/recalculate", httpHandler.Recalculate)
	mux.HandleFunc("POST /api/deliveries", httpHandler.RecordDelivery)
	mux.HandleFunc("PUT /api/deliveries/{id}", httpHandler.AmendDelivery)
	mux.HandleFunc("DELETE /api/deliveries/{id}", httpHandler.CancelDelivery)

	httpServer := &http.Server{
		Addr:    envStr("APP_HTTP_ADDR", defaultHTTPAddr),
		Handler: mux,
	}

	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("http server stopped")

	reconcile.Close()
	wg.Wait()
	logger.Info("workers stopped")

	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	logger.Info("connections closed")
}

// syncWorker refreshes cached remaining quantities after committed
// adjustments. On any read failure it invalidates instead of caching a
// possibly stale value.
func syncWorker(id int, queue <-chan service.CacheSync, store port.ReconciliationStore, cache port.CacheRepository, logger *slog.Logger) {
	for task := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		item, err := store.GetOrderItem(ctx, task.OrderItemID)
		if err != nil || item == nil {
			if invErr := cache.InvalidateRemaining(ctx, task.OrderItemID); invErr != nil {
				logger.Warn("cache invalidate failed", "worker", id, "order_item_id", task.OrderItemID, "error", invErr)
			}
		} else if err := cache.SetRemaining(ctx, task.OrderItemID, item.QuantityRemaining); err != nil {
			logger.Warn("cache refresh failed", "worker", id, "order_item_id", task.OrderItemID, "error", err)
		}

		cancel()
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch envStr("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
