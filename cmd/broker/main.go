package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/api"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/config"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/durablelog"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/ephemeral"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/gossip"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/logging"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/metrics"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/middleware"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/monitoring"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/registry"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/service"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/session"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/store"
)

const sweepInterval = 10 * time.Second

func main() {
	logger := logging.NewWithService("broker")
	config.Load(logger)

	logger.Info("starting messaging broker")

	bcfg := config.LoadBroker()
	jwtSecret := []byte(config.Require("JWT_SECRET"))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Channel store (write-through behind the registry cache).
	channelStore, err := store.NewPostgresStore(rootCtx, config.Require("DATABASE_URL"))
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to channel store")
	}
	defer channelStore.Close()

	// Durable log.
	kafkaBrokers := strings.Split(config.Require("KAFKA_BROKERS"), ",")
	durableLog, err := durablelog.NewKafkaLog(kafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to kafka")
	}
	defer durableLog.Close()

	// Roster gossip (optional; single-instance deployments run without it).
	var rosterGossip *gossip.TypedPubSub[session.RosterDelta]
	var redisClient goredis.UniversalClient
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
		})
		rosterGossip = gossip.NewTypedPubSub[session.RosterDelta](redisClient, logger)
	} else {
		logger.Warn("REDIS_ADDR not set; roster gossip disabled")
	}

	reg := registry.New(durableLog, channelStore)
	sessions := session.New(bcfg.SessionIdleTTL, rosterGossip, logger)
	ephemeralCache := ephemeral.New(bcfg.EphemeralTTL, config.Int("EPHEMERAL_CAPACITY", 1024))

	var iceServers []string
	if raw := config.String("ICE_SERVERS", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &iceServers); err != nil {
			logger.WithError(err).Fatal("ICE_SERVERS is not a JSON string list")
		}
	}

	svc := service.New(reg, sessions, durableLog, ephemeralCache, bcfg, iceServers, logger)

	// Housekeeping: ephemeral TTL sweep and session idle reaper.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				ephemeralCache.Sweep()
				svc.ReapIdleSessions(rootCtx)
			}
		}
	}()

	// Monitoring.
	serviceMetrics := metrics.New()
	health := monitoring.NewChecker("broker")
	health.Add("postgres", monitoring.PostgresCheck(channelStore.DB()))
	health.Add("kafka", monitoring.KafkaCheck(durableLog.Client()))
	if redisClient != nil {
		health.Add("redis", monitoring.RedisCheck(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	// HTTP router.
	if config.String("GIN_MODE", "release") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logging(logger),
		middleware.Recovery(logger),
		middleware.CORS(),
		serviceMetrics.HTTPMiddleware(),
	)
	router.GET("/health", health.Handler())
	router.GET("/metrics", serviceMetrics.Handler())

	handlers := api.NewHandlers(svc, serviceMetrics, logger, jwtSecret)
	handlers.RegisterRoutes(router)

	// The write timeout must outlast the receive() long-poll budget.
	srv := &http.Server{
		Addr:         ":" + config.String("PORT", "18090"),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: bcfg.LongPollTimeout + 20*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("forced shutdown")
	}
	logger.Info("stopped")
}
