// Command session runs the collaborative workspace backend: WebSocket
// sessions, the Room Registry, and the reaper that evicts silent
// participants.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockworkspace/collab-backend/internal/v1/bus"
	"github.com/blockworkspace/collab-backend/internal/v1/config"
	"github.com/blockworkspace/collab-backend/internal/v1/health"
	"github.com/blockworkspace/collab-backend/internal/v1/hub"
	"github.com/blockworkspace/collab-backend/internal/v1/lease"
	"github.com/blockworkspace/collab-backend/internal/v1/logging"
	"github.com/blockworkspace/collab-backend/internal/v1/middleware"
	"github.com/blockworkspace/collab-backend/internal/v1/presence"
	"github.com/blockworkspace/collab-backend/internal/v1/ratelimit"
	"github.com/blockworkspace/collab-backend/internal/v1/reaper"
	"github.com/blockworkspace/collab-backend/internal/v1/registry"
	"github.com/blockworkspace/collab-backend/internal/v1/session"
	"github.com/blockworkspace/collab-backend/internal/v1/snapshot"
	"github.com/blockworkspace/collab-backend/internal/v1/types"
	"go.uber.org/zap"
)

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	var (
		redisSvc    *bus.Service
		leaseStore  lease.Store
		snapStore   snapshot.Store
		redisClient interface{ Close() error }
	)

	if cfg.RedisEnabled {
		redisSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		leaseStore = lease.NewRedisStore(redisSvc)
		snapStore = snapshot.NewRedisStore(redisSvc, cfg.SnapshotMaxBytes)
		redisClient = redisSvc
		logging.Info(ctx, "lease and snapshot stores backed by redis", zap.String("addr", cfg.RedisAddr))
	} else {
		leaseStore = lease.NewMemStore()
		snapStore = snapshot.NewMemStore(cfg.SnapshotMaxBytes)
		logging.Info(ctx, "lease and snapshot stores running in-process only")
	}

	presenceStore := presence.NewMemStore()
	recordStore := registry.NewMemRecordStore(cfg.MaxUsersDefault)

	reg := registry.New(registry.Factories{
		Records:       recordStore,
		Presence:      presenceStore,
		Leases:        leaseStore,
		Snapshot:      snapStore,
		NewHubForRoom: hub.New,
	})

	sessCfg := session.Config{
		LeaseTTL:         time.Duration(cfg.LeaseTTLMs) * time.Millisecond,
		OutboundQueue:    cfg.SessionOutboundQueue,
		SnapshotMaxBytes: cfg.SnapshotMaxBytes,
		ColorPalette:     cfg.ColorPalette,
	}
	manager := session.NewManager(reg, sessCfg)

	userTTL := time.Duration(cfg.UserTTLMs) * time.Millisecond
	reaperInterval := time.Duration(cfg.ReaperIntervalMs) * time.Millisecond
	rp := reaper.New(reg, presenceStore, manager, reaperInterval, userTTL)
	reaperCtx, stopReaper := context.WithCancel(ctx)
	go rp.Run(reaperCtx)

	var rateLimiter *ratelimit.RateLimiter
	if cfg.RedisEnabled {
		rateLimiter, err = ratelimit.NewRateLimiter(cfg, redisSvc.Client())
	} else {
		rateLimiter, err = ratelimit.NewRateLimiter(cfg, nil)
	}
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	healthHandler := health.NewHandler(redisSvc)

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{cfg.AllowedOrigins}
	if cfg.AllowedOrigins == "" {
		corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsCfg))
	router.Use(rateLimiter.GlobalMiddleware())

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/workspace/:roomId", func(c *gin.Context) {
		if !rateLimiter.CheckWebSocket(c) {
			return
		}
		roomID := types.RoomIDType(c.Param("roomId"))
		nickname := c.Query("nickname")
		manager.ServeWS(c, roomID, nickname)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logging.Info(ctx, "server exiting")
}
