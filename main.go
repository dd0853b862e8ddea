package main

import (
	"context"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"IMProject/global"
	"IMProject/logger"
	"IMProject/middleware/security"
	"IMProject/module/broadcast"
	"IMProject/module/call"
	"IMProject/module/message"
	"IMProject/module/push"
	"IMProject/service/chat"
	"IMProject/service/fabric"
	"IMProject/service/gateway"
	"IMProject/service/mgo"
	"IMProject/service/storage"
	"IMProject/service/storage/redis"
	"IMProject/tools/ids"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := global.Conf
	ids.SetNodeID(nodeNum(cfg.NodeID))

	if err := redis.Init(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		// Presence and abuse checks fall back to process-local state.
		logger.Warnf("redis unavailable, running degraded: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgo.Init(ctx, mgo.Config{URI: cfg.MongoURI, Database: cfg.MongoDB}); err != nil {
		cancel()
		logger.Errorf("mongo init: %v", err)
		os.Exit(1)
	}
	cancel()

	fab, err := fabric.Connect(fabric.Config{
		Servers: []string{cfg.NatsURL},
		Name:    cfg.NodeID,
	})
	if err != nil {
		logger.Errorf("fabric connect: %v", err)
		os.Exit(1)
	}
	defer fab.Close()

	store := message.NewStore()
	presence := storage.NewPresenceStore(redis.Get())
	guard := storage.NewAbuseGuard(redis.Get())
	registry := chat.NewRegistry(chat.RegistryConf{})
	defer registry.Close()
	limiter := chat.NewRateLimiter(global.RateLimitMax, global.RateLimitWindow)
	defer limiter.Close()
	fanout := chat.NewFanout(8, 4096)

	android := push.NewFCM(cfg.FCMEndpoint, cfg.FCMKey)
	var ios push.Provider
	if apns, err := push.NewAPNs(push.ApnsConf{
		KeyID:      cfg.ApnsKeyID,
		TeamID:     cfg.ApnsTeamID,
		BundleID:   cfg.ApnsBundleID,
		KeyPath:    cfg.ApnsKeyPath,
		Production: cfg.ApnsProduction,
	}); err != nil {
		logger.Warnf("apns disabled: %v", err)
	} else {
		ios = apns
	}
	notifier := push.NewUserNotifier(store, android, ios)

	var replier message.Replier
	if cfg.ReplyWebhookURL != "" {
		replier = message.NewWebhookReplier(cfg.ReplyWebhookURL, cfg.ReplyWebhookSecret)
	}
	pipeline := message.NewPipeline(message.PipelineConf{
		Store:    store,
		Presence: presence,
		Guard:    guard,
		Limiter:  limiter,
		Fabric:   fab,
		Notifier: notifier,
		Replier:  replier,
	})
	relay := call.NewRelay(call.RelayConf{
		Store:    store,
		Presence: presence,
		Fabric:   fab,
		Notifier: notifier,
	})

	worker := broadcast.NewWorker(broadcast.WorkerConf{
		Store:    store,
		Audience: broadcast.NewAudience(),
		Android:  android,
		IOS:      ios,
	})
	consumer, err := broadcast.StartConsumer(cfg.KafkaBrokers, worker, global.WorkerConcurrency)
	if err != nil {
		logger.Warnf("broadcast consumer disabled: %v", err)
	} else {
		defer consumer.Close()
	}

	server := gateway.NewServer(gateway.ServerConf{
		Registry: registry,
		Limiter:  limiter,
		Presence: presence,
		Fabric:   fab,
		Pipeline: pipeline,
		Relay:    relay,
		Mirror:   store,
		Fanout:   fanout,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws", security.Auth(string(cfg.JwtSecret)), server.HandleWS)

	httpServer := &http.Server{Addr: cfg.Port, Handler: r}
	go func() {
		logger.Infof("gateway listening on %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http serve: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = httpServer.Shutdown(shutCtx)
}

// nodeNum maps the configured node name onto a snowflake worker id.
func nodeNum(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() % 1024)
}
