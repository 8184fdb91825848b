package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/attachments"
	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/handlers"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/objectstore"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/realtime"
	"messaging-service/internal/receipts"
	"messaging-service/internal/repositories"
	"messaging-service/internal/security"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/threads"
	"messaging-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, "messaging-service", cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	cipher, err := security.NewCipher(cfg.ContentKeyHex)
	if err != nil {
		log.Fatalf("failed to build content cipher: %v", err)
	}
	if !cipher.Enabled() {
		log.Println("content encryption disabled: no CONTENT_KEY_HEX set")
	}

	store, err := objectstore.NewMinioStore(ctx, objectstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("failed to connect to object store: %v", err)
	}

	eventPublisher, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Printf("event publishing disabled: %v", err)
	} else {
		observability.SetPublisher(eventPublisher)
		defer eventPublisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer auditPublisher.Close()
	auditEmitter := telemetry.NewAuditEmitter(auditPublisher, "audit.messaging", "messaging-service", cfg.Environment)

	messageRepo := repositories.NewMessageRepo(database)
	documentRepo := repositories.NewDocumentRepo(database)

	resolver := threads.NewResolver(messageRepo)
	binder := attachments.NewBinder(store, cfg.AttachmentMaxBytes, cfg.AttachmentMimes)
	svc := messaging.NewService(messageRepo, resolver, cipher, binder)

	hub := ws.NewHub()

	bus := realtime.NewBus(cfg.DatabaseDSN, cipher, messageRepo, documentRepo, cfg.BusRetryDelay)
	bus.Subscribe(func(event realtime.Event) {
		switch {
		case event.Message != nil && event.Kind == "insert":
			hub.Broadcast(event.Message.ThreadID, models.ThreadEvent{
				Type:    models.EventMessage,
				Message: event.Message,
			})
		case event.Message != nil && event.Kind == "update":
			hub.Broadcast(event.Message.ThreadID, models.ThreadEvent{
				Type:      models.EventReadReceipt,
				MessageID: event.Message.ID,
			})
		case event.Document != nil && event.Kind == "insert":
			hub.BroadcastDocument(models.ThreadEvent{Type: models.EventDocument})
		}
	})
	bus.Start(ctx)

	tracker := receipts.NewTracker(messageRepo, svc, cfg.ReceiptDebounce, func(threadID string) {
		hub.Broadcast(threadID, models.ThreadEvent{Type: models.EventRefresh})
	})
	defer tracker.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret)

	messageHandler := handlers.NewMessageHandler(svc, messageRepo, resolver, auditEmitter)
	documentHandler := handlers.NewDocumentHandler(documentRepo, store, auditEmitter, cfg.AttachmentMaxBytes)
	healthHandler := handlers.NewHealthHandler(database, bus)
	threadWS := ws.NewThreadWSHandler(hub, messageRepo, verifier, tracker, cfg.TypingIdle, cfg.TypingExpiry)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("messaging-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.POST("/threads/resolve", authMiddleware, messageHandler.ResolveThread)
	router.GET("/threads", authMiddleware, messageHandler.ListThreads)
	router.GET("/threads/:thread_id/messages", authMiddleware, messageHandler.GetThreadMessages)
	router.POST("/messages", authMiddleware, messageHandler.PostMessage)
	router.POST("/messages/:message_id/read", authMiddleware, messageHandler.MarkMessageRead)

	router.POST("/cases/:case_id/documents", authMiddleware, documentHandler.UploadDocument)
	router.GET("/cases/:case_id/documents", authMiddleware, documentHandler.ListCaseDocuments)

	router.GET("/ws/threads/:thread_id", threadWS.Handle)

	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("messaging service listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}
