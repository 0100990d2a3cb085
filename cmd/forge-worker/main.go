package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"isoforge/internal/common/cache"
	"isoforge/internal/common/db"
	"isoforge/internal/common/mq"
	"isoforge/internal/common/storage"
	"isoforge/internal/worker/artifacts"
	"isoforge/internal/worker/chroot"
	"isoforge/internal/worker/config"
	"isoforge/internal/worker/controller"
	"isoforge/internal/worker/joblog"
	"isoforge/internal/worker/middleware"
	"isoforge/internal/worker/repository"
	"isoforge/internal/worker/service"
	"isoforge/pkg/utils/logger"
)

const defaultConfigPath = "configs/worker.yaml"

const defaultShutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	redisCfg := cache.DefaultRedisConfig()
	redisCfg.Addr = appCfg.Redis.Addr
	redisCfg.Password = appCfg.Redis.Password
	redisCfg.DB = appCfg.Redis.DB
	redisCache, err := cache.NewRedisCacheWithConfig(redisCfg)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var jobsModel repository.JobsModel
	if appCfg.MySQL.DSN != "" {
		mysqlCfg := db.DefaultMySQLConfig()
		mysqlCfg.DSN = appCfg.MySQL.DSN
		mysqlDB, err := db.NewMySQLWithConfig(mysqlCfg)
		if err != nil {
			logger.Error(context.Background(), "init database failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		jobsModel = repository.NewJobsModel(mysqlDB.DB())
	}

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(mq.KafkaConfig{
		Brokers:  appCfg.Kafka.Brokers,
		ClientID: appCfg.Kafka.ClientID,
	})
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	statusPublisher := repository.NewMQStatusEventPublisher(mqClient, appCfg.Build.StatusTopic)
	statusRepo := repository.NewStatusRepository(redisCache, jobsModel, 0, statusPublisher)

	provider, err := chroot.NewSchrootProvider(appCfg.Schroot)
	if err != nil {
		logger.Error(context.Background(), "init schroot provider failed", zap.Error(err))
		return
	}

	hub := joblog.NewHub()
	collector := artifacts.NewCollector(objStorage, appCfg.MinIO.Bucket)

	buildSvc := service.NewBuildService(service.Config{
		Provider:           provider,
		StatusRepo:         statusRepo,
		Collector:          collector,
		Hub:                hub,
		WorkRoot:           appCfg.Build.WorkRoot,
		ResultsRoot:        appCfg.Schroot.ResultsRoot,
		MachineName:        appCfg.Machine,
		PoolSize:           appCfg.Build.PoolSize,
		RunTimeout:         appCfg.Build.RunTimeout.Duration(),
		RequireISOArtifact: appCfg.Build.RequireISO(),
	})

	// One spare intake handler keeps the next job decoded and admitted
	// against the build pool while all slots are busy.
	err = mqClient.Subscribe(context.Background(), appCfg.Build.JobsTopic, buildSvc.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup: appCfg.Build.ConsumerGroup,
		Concurrency:   appCfg.Build.PoolSize + 1,
	})
	if err != nil {
		logger.Error(context.Background(), "subscribe jobs topic failed", zap.Error(err))
		return
	}

	if jobsModel != nil {
		archiver := service.NewStatusArchiver(statusRepo)
		err = mqClient.Subscribe(context.Background(), appCfg.Build.StatusTopic, archiver.HandleMessage, &mq.SubscribeOptions{
			ConsumerGroup: appCfg.Build.ConsumerGroup + "-archiver",
		})
		if err != nil {
			logger.Error(context.Background(), "subscribe status topic failed", zap.Error(err))
			return
		}
	}

	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg, statusRepo, hub)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker http server started", zap.String("addr", appCfg.Server.Addr()))
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg *config.AppConfig, statusRepo *repository.StatusRepository, hub *joblog.Hub) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(requestLogger())

	var auth gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		auth = middleware.AuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	}
	controller.RegisterRoutes(router, auth,
		controller.NewStatusController(statusRepo),
		controller.NewLogsController(hub))

	return &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
