package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/api"
	"github.com/campushub/chatcore/internal/db"
	"github.com/campushub/chatcore/internal/handler"
	"github.com/campushub/chatcore/internal/pkg/blob"
	"github.com/campushub/chatcore/internal/pkg/kafka"
	"github.com/campushub/chatcore/internal/pkg/redis"
	"github.com/campushub/chatcore/internal/repository"
	"github.com/campushub/chatcore/internal/service"
	"github.com/campushub/chatcore/internal/subscription"
	"github.com/campushub/chatcore/internal/ws"
	"github.com/campushub/chatcore/middleware/jwt"
	logger "github.com/campushub/chatcore/middleware/log"
	"github.com/campushub/chatcore/utils/snowflake"
)

func main() {
	cfg, err := config.LoadConfig("./config.toml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zlog.Close()

	// Postgres: the durable message ledger.
	postgres, err := db.InitPostgres(&cfg.Postgres)
	if err != nil {
		zlog.Fatal("failed to initialize postgres", zap.Error(err))
	}

	// Redis: ordering sequences, membership cache.
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		zlog.Fatal("failed to initialize redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Mongo GridFS: attachment blobs.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	blobStore, err := blob.NewGridFSStore(ctx, &cfg.Mongo)
	cancel()
	if err != nil {
		zlog.Fatal("failed to initialize blob store", zap.Error(err))
	}
	defer blobStore.Close(context.Background())

	idGen, err := snowflake.NewGenerator(workerID(cfg.Server.NodeID))
	if err != nil {
		zlog.Fatal("failed to initialize id generator", zap.Error(err))
	}

	messageRepo := repository.NewMessageRepository(postgres, redisClient)
	membershipRepo := repository.NewMembershipRepository(postgres)

	hub := subscription.NewHub(&cfg.Subscription, zlog)
	defer hub.Shutdown()

	// Kafka: cross-node event pipeline (optional in single-node runs).
	var transport service.EventTransport
	var relay *kafka.Relay
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			zlog.Fatal("failed to initialize kafka producer", zap.Error(err))
		}
		defer producer.Close()
		transport = producer

		relay, err = kafka.NewRelay(&cfg.Kafka, hub, cfg.Server.NodeID, zlog)
		if err != nil {
			zlog.Fatal("failed to initialize kafka relay", zap.Error(err))
		}
		if err := relay.Start(context.Background()); err != nil {
			zlog.Fatal("failed to start kafka relay", zap.Error(err))
		}
		defer relay.Stop()
	}

	publisher := service.NewFanoutPublisher(hub, transport, cfg.Server.NodeID, zlog)
	gate := service.NewMembershipGate(membershipRepo, redisClient, cfg.Auth.MemberTTL, cfg.Auth.CheckTimeout, zlog)
	pipeline := blob.NewPipeline(blobStore, &cfg.Upload)

	messageService := service.NewMessageService(messageRepo, gate, pipeline, hub, publisher, idGen, zlog)
	reactionService := service.NewReactionService(messageRepo, gate, publisher, idGen, zlog)

	tokenManager := jwt.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpire)
	messageHandler := handler.NewMessageHandler(messageService, reactionService)
	wsHandler := ws.NewHandler(messageService, zlog)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, tokenManager, messageHandler, wsHandler, zlog)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("node_id", cfg.Server.NodeID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server shutdown failed", zap.Error(err))
	}
}

// workerID derives a snowflake worker ID from the configured node ID.
func workerID(nodeID string) int64 {
	var h int64
	for _, r := range nodeID {
		h = (h*31 + int64(r)) & 1023
	}
	return h
}
