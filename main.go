package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"dm-sync/internal/config"
	"dm-sync/internal/db"
	"dm-sync/internal/handlers"
	"dm-sync/internal/logger"
	"dm-sync/internal/middleware"
	"dm-sync/internal/observability"
	"dm-sync/internal/rabbitmq"
	"dm-sync/internal/remote"
	"dm-sync/internal/repositories"
	"dm-sync/internal/session"
	"dm-sync/internal/telemetry"
	"dm-sync/internal/uploads"
	"dm-sync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.ServiceEnv); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
		if err != nil {
			logger.Log.Warn("tracing_disabled", zap.Error(err))
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	emitter := telemetry.NewEmitter(publisher, "dm_events", "audit.dm-sync", cfg.ServiceName, cfg.ServiceEnv)

	stream, conversations, closeStream := openBackend(cfg)
	defer closeStream()

	var uploader session.Uploader
	if cfg.UploadURL != "" {
		uploader = uploads.New(uploads.Options{Endpoint: cfg.UploadURL, Preset: cfg.UploadPreset})
	}

	hub := ws.NewHub()
	conversationHandler := handlers.NewConversationHandler(conversations, hub, emitter)
	conversationWS := ws.NewConversationWebSocketHandler(hub, stream, ws.Options{
		PageSize:    cfg.PageSize,
		ReadWindow:  cfg.ReadWindow,
		EditFanOut:  cfg.EditFanOut,
		ActionRate:  cfg.ActionRate,
		ActionBurst: cfg.ActionBurst,
		Uploader:    uploader,
		Events:      emitter,
		Logger:      logger.Log,
	})

	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(logger.GinMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": cfg.StreamBackend})
	})

	api := router.Group("/", middleware.Identity())
	conversationHandler.Register(api)
	api.GET("/ws/conversations/:conversation_id", conversationWS.Handle)

	handlers.RegisterDebugRoutes(router, emitter, publisher, hub, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Log.Info("server_listening", zap.String("port", cfg.Port), zap.String("backend", cfg.StreamBackend), zap.String("publisher", rabbitmq.PublisherMode(publisher)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("server_error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Log.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("server_shutdown_failed", zap.Error(err))
	}
}

// openBackend builds the message stream and conversation repository for the configured backend.
func openBackend(cfg config.Config) (remote.Stream, repositories.ConversationRepository, func()) {
	if cfg.StreamBackend == config.BackendMemory {
		logger.Log.Warn("memory_backend_enabled", zap.String("note", "state is lost on restart"))
		stream := remote.NewMemoryStream()
		return stream, stream, func() {}
	}

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		logger.Log.Fatal("db_connect_failed", zap.Error(err))
	}
	stream, err := repositories.NewMessageStream(database, cfg.DatabaseDSN, logger.Log)
	if err != nil {
		logger.Log.Fatal("stream_listen_failed", zap.Error(err))
	}
	return stream, stream, func() {
		_ = stream.Close()
		_ = database.Close()
	}
}
