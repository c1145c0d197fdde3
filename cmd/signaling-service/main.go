package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	adminHandler "skillswap-backend/internal/handler/http/admin"
	chatHandler "skillswap-backend/internal/handler/http/chat"
	pushHandler "skillswap-backend/internal/handler/http/push"
	wsHandler "skillswap-backend/internal/handler/ws"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/repository/cassandra"
	"skillswap-backend/internal/repository/cockroach"
	redisRepo "skillswap-backend/internal/repository/redis"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/internal/service/chat"
	"skillswap-backend/internal/service/registry"
	"skillswap-backend/internal/service/relay"
	"skillswap-backend/internal/service/session"
	"skillswap-backend/pkg/audit"
	"skillswap-backend/pkg/config"
	"skillswap-backend/pkg/constants"
	appctx "skillswap-backend/pkg/context"
	pkgDatabase "skillswap-backend/pkg/database"
	"skillswap-backend/pkg/jwt"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/push"
	"skillswap-backend/pkg/resilience"
)

func main() {
	bootTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. JWT verification of the externally issued identity
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer)

	// 2. CockroachDB for live sessions, with exponential backoff on connect
	var db *pkgDatabase.CockroachDB
	connect := resilience.NewRetrier(resilience.Config{
		Name:         "cockroach_connect",
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	})
	err = connect.Do(ctx, "connect", func(ctx context.Context) error {
		var connErr error
		db, connErr = pkgDatabase.NewCockroachDB(ctx, cfg.Database)
		return connErr
	})
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Connected to CockroachDB", zap.String("database", cfg.Database.Database))

	sessionRepo := cockroach.NewSessionRepository(db.Pool)
	if err := sessionRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to migrate live_sessions", zap.Error(err))
	}

	// 3. Cassandra for chat messages
	cassandraDB, err := pkgDatabase.NewCassandraDB(cfg.Cassandra)
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer cassandraDB.Close()
	logger.Info("Connected to Cassandra", zap.String("keyspace", cfg.Cassandra.Keyspace))

	messageRepo := cassandra.NewMessageRepository(cassandraDB.Session)
	if err := messageRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to migrate chat_messages", zap.Error(err))
	}

	// 4. Redis with degraded mode support: presence, idempotency, push tokens, rate limits
	database.InitRedisMetrics()
	redisDB := database.NewRedisDB(cfg.Redis)
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	messageIDRepo := redisRepo.NewMessageIDRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)

	// 5. Push notifications for missed calls
	if cfg.IsProduction() && cfg.Push.Provider == "mock" {
		logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
	}
	providers, err := push.NewProviders(ctx, cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push providers", zap.Error(err))
	}
	pushSvc := push.NewService(providers, pushTokenRepo)

	// 6. Signaling core
	reg := registry.New(presenceRepo)

	callCfg := call.DefaultConfig()
	callCfg.RingTimeout = cfg.Signaling.RingTimeout
	callCfg.MinCallInterval = cfg.Signaling.MinCallInterval
	callCfg.TombstoneTTL = cfg.Signaling.TerminatedCallRetention
	calls := call.NewManager(callCfg)

	sessionCfg := session.DefaultConfig()
	sessionCfg.DisconnectGrace = cfg.Signaling.DisconnectGrace
	sessionCfg.Retry.MaxAttempts = cfg.Signaling.DurableWriteAttempts
	sessionCfg.Retry.InitialDelay = cfg.Signaling.DurableWriteDelay
	sessionCfg.Retry.MaxDelay = cfg.Signaling.DurableWriteMaxDelay
	sessions := session.NewService(sessionRepo, sessionCfg)

	// Rooms live in this process only, so anything still ongoing from before
	// boot lost its participants with the previous process.
	settleCtx, settleCancel := appctx.WithMediumTimeout(ctx)
	if _, err := sessions.CloseStale(settleCtx, bootTime); err != nil {
		logger.Warn("Stale sessions left ongoing", zap.Error(err))
	}
	settleCancel()

	chatRetry := resilience.DefaultConfig("cassandra_messages")
	chatRetry.MaxAttempts = cfg.Signaling.DurableWriteAttempts
	chatRetry.InitialDelay = cfg.Signaling.DurableWriteDelay
	chatRetry.MaxDelay = cfg.Signaling.DurableWriteMaxDelay
	chatSvc := chat.NewService(messageRepo, messageIDRepo, reg, chatRetry)

	signalingRelay := relay.New(reg, calls, sessions, chatSvc, pushSvc)

	// 7. Handlers
	hub := wsHandler.NewSignalingHub(reg, signalingRelay, wsHandler.HubConfig{
		MaxConnections: cfg.Signaling.MaxConnections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Presence:       presenceRepo,
	})
	chatHdlr := chatHandler.NewHandler(chatSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	adminHdlr := adminHandler.NewHandler(sessions, signalingRelay, audit.NewLogger(redisDB.Client))

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	messageLimiter := middleware.NewRateLimiter(redisDB, "ratelimit:messages", 60, time.Minute)

	// 8. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(prometheusMiddleware.Handler())
	router.NoRoute(middleware.NotFound())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName, func(c *gin.Context) map[string]string {
		deps := map[string]string{"cockroach": "ok", "cassandra": "ok", "redis": "ok"}
		if err := db.Ping(c.Request.Context()); err != nil {
			deps["cockroach"] = err.Error()
		}
		if err := cassandraDB.Ping(); err != nil {
			deps["cassandra"] = err.Error()
		}
		if redisDB.IsDegraded() {
			deps["redis"] = "degraded"
		}
		return deps
	}))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/signaling/ws", hub.ServeWS)

		messages := v1.Group("/messages")
		messages.Use(middleware.Timeout(constants.DefaultTimeout))
		{
			messages.POST("", messageLimiter.Middleware(), chatHdlr.SendMessage)
			messages.GET("/:peerId", chatHdlr.GetMessages)
		}

		pushGroup := v1.Group("/push")
		{
			pushGroup.POST("/tokens", pushHdlr.RegisterToken)
			pushGroup.DELETE("/tokens", pushHdlr.UnregisterToken)
			pushGroup.GET("/tokens", pushHdlr.GetTokens)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireRole(middleware.RoleAdmin))
		{
			admin.GET("/sessions", adminHdlr.GetSessions)
			admin.GET("/sessions/ongoing", adminHdlr.GetOngoingSessions)
			admin.GET("/sessions/stats", adminHdlr.GetSessionStats)
			admin.POST("/sessions/:id/terminate", adminHdlr.TerminateSession)
			admin.GET("/audit", adminHdlr.GetAuditLog)
		}
	}

	// 9. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("ws", "/v1/signaling/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Pending grace windows and ring countdowns die with the process; the
	// sessions they guard are closed as disconnected on the next boot.
	sessions.Shutdown()
	calls.Close()
	signalingRelay.Wait()

	logger.Info("Server exited")
}
