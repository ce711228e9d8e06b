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

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/api"
	"github.com/janiluuk/vimage-api/internal/api/handler"
	"github.com/janiluuk/vimage-api/internal/database"
	"github.com/janiluuk/vimage-api/internal/pkg/ffmpeg"
	"github.com/janiluuk/vimage-api/internal/pkg/logger"
	"github.com/janiluuk/vimage-api/internal/pkg/oss"
	"github.com/janiluuk/vimage-api/internal/pkg/pubsub"
	"github.com/janiluuk/vimage-api/internal/pkg/queue"
	"github.com/janiluuk/vimage-api/internal/pkg/ws"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
	"github.com/janiluuk/vimage-api/internal/service"
)

var configPath = flag.String("config", "config.yaml", "Path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log)

	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect database")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("Database connected")

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect redis")
	}
	log.Info().Msg("Redis connected")

	// OSS 可选，未配置时产物只保存在本地
	var store service.ObjectStore
	if cfg.OSS.Endpoint != "" && cfg.OSS.AccessKeyID != "" {
		ossClient, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to init OSS client, media stays local")
		} else {
			store = ossClient
			log.Info().Str("bucket", cfg.OSS.BucketName).Msg("OSS client initialized")
		}
	}

	// 仓库与服务
	jobRepo := repository.NewVideoJobRepository(db)
	modelRepo := repository.NewModelFileRepository(db)
	mediaRepo := repository.NewMediaRepository(db)

	paths := render.NewPaths(cfg.Paths)
	jobQueue := queue.NewQueue(rdb, "", cfg.Queue.UniqueFor)
	mediaService := service.NewMediaService(mediaRepo, paths, store, cfg.Media)
	videoJobService := service.NewVideoJobService(
		jobRepo, modelRepo, mediaService, jobQueue, queue.NewRouter(cfg.Queue),
		ffmpeg.New(cfg.FFmpeg), paths, cfg,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// worker 发布的进度推给在线用户
	wsHub := ws.NewHub()
	subscriber := pubsub.NewSubscriber(rdb)
	go func() {
		if err := subscriber.Subscribe(ctx, wsHub.SendProgress); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Progress subscription ended")
		}
	}()

	router := api.NewRouter(
		handler.NewVideoJobHandler(videoJobService),
		handler.NewModelsHandler(videoJobService),
		handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret, cfg.CORS.AllowedOrigins),
		cfg,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.Setup(),
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	rdb.Close()
	log.Info().Msg("Server shutdown complete")
}
