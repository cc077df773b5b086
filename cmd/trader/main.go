package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kospibot/daytrader/internal/broker"
	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/engine"
	"github.com/kospibot/daytrader/internal/handler"
	"github.com/kospibot/daytrader/internal/middleware"
	"github.com/kospibot/daytrader/internal/pkg/logger"
	"github.com/kospibot/daytrader/internal/risk"
	"github.com/kospibot/daytrader/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)

	// Daily usage persistence (Redis > Memory)
	var usage risk.UsageStore
	if cfg.Redis.Addr != "" {
		redisUsage, err := store.NewRedisUsage(cfg.Redis)
		if err == nil {
			logger.Info("connected to redis")
			usage = redisUsage
		} else {
			logger.Error("redis unavailable, daily usage kept in memory", "error", err)
		}
	}
	if usage == nil {
		usage = store.NewMemoryUsage()
	}

	// Trade journal (Postgres > no-op)
	var journal store.Journal
	if cfg.Database.DSN != "" {
		pgJournal, err := store.NewPostgresJournal(cfg.Database)
		if err == nil {
			logger.Info("connected to postgres")
			journal = pgJournal
		} else {
			logger.Error("postgres unavailable, trade journal disabled", "error", err)
		}
	}

	client := broker.NewRESTClient(cfg.Broker)
	eng, err := engine.New(cfg, client, usage, journal)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	if watch := os.Getenv("DAYTRADER_WATCHLIST"); watch != "" {
		eng.Watch(strings.Split(watch, ","))
	}

	ctx, stop := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	// Control channel
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "daytrader"})
	})
	if cfg.Server.MetricsEnabled {
		r.GET(cfg.Server.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	requestStop := sync.OnceFunc(func() { quit <- syscall.SIGTERM })

	ctrl := handler.NewControlHandler(eng, requestStop)
	v1 := r.Group("/v1")
	v1.Use(middleware.Auth(cfg))
	{
		v1.GET("/status", ctrl.Status)
		v1.GET("/positions", ctrl.Positions)
		v1.GET("/orders", ctrl.PendingOrders)
		v1.GET("/balance", ctrl.Balance)
		v1.GET("/today", ctrl.Today)
		v1.POST("/pause", ctrl.Pause)
		v1.POST("/resume", ctrl.Resume)
		v1.POST("/stop", ctrl.Stop)
		v1.POST("/watch", ctrl.Watch)
		v1.POST("/unwatch", ctrl.Unwatch)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}
	go func() {
		logger.Info("daytrader started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// stopping the engine drains pending orders before the process exits
	stop()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		logger.Error("engine shutdown timed out")
	}

	logger.Info("daytrader exiting")
}
