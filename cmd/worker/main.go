package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/database"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/cron"
	"github.com/janiluuk/vimage-api/internal/pkg/ffmpeg"
	"github.com/janiluuk/vimage-api/internal/pkg/fswatch"
	"github.com/janiluuk/vimage-api/internal/pkg/lock"
	"github.com/janiluuk/vimage-api/internal/pkg/logger"
	"github.com/janiluuk/vimage-api/internal/pkg/oss"
	"github.com/janiluuk/vimage-api/internal/pkg/pubsub"
	"github.com/janiluuk/vimage-api/internal/pkg/queue"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
	"github.com/janiluuk/vimage-api/internal/service"
	"github.com/janiluuk/vimage-api/internal/worker"
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
	log.Info().Msg("Database connected")

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// OSS 可选
	var ossClient *oss.Client
	var store service.ObjectStore
	if cfg.OSS.Endpoint != "" && cfg.OSS.AccessKeyID != "" {
		ossClient, err = oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to init OSS client, media stays local")
			ossClient = nil
		} else {
			store = ossClient
			log.Info().Str("bucket", cfg.OSS.BucketName).Msg("OSS client initialized")
		}
	}

	jobRepo := repository.NewVideoJobRepository(db)
	modelRepo := repository.NewModelFileRepository(db)
	mediaRepo := repository.NewMediaRepository(db)

	paths := render.NewPaths(cfg.Paths)
	tool := ffmpeg.New(cfg.FFmpeg)
	jobQueue := queue.NewQueue(rdb, "", cfg.Queue.UniqueFor)
	locker := lock.NewLocker(rdb, "lock:", cfg.Queue.LockTTL)
	publisher := pubsub.NewPublisher(rdb)
	builder := render.NewBuilder(cfg.Render, paths, modelRepo, tool)
	mediaService := service.NewMediaService(mediaRepo, paths, store, cfg.Media)

	// 每种渲染器一个 supervisor，共用进程内的运行表
	registry := worker.NewRegistry()
	outputs := fswatch.New([]string{cfg.Paths.Processed, cfg.Paths.Preview}, time.Second, nil)
	supervisors := map[string]worker.Supervisor{
		model.GeneratorVid2Vid: worker.NewCLISupervisor(cfg.Render, jobRepo, registry, outputs),
		model.GeneratorDeforum: worker.NewPollingSupervisor(cfg.Render, &http.Client{Timeout: 30 * time.Second}, jobRepo, registry),
	}

	processor := worker.NewProcessor(jobRepo, locker, jobQueue, builder, paths, supervisors, mediaService, tool, publisher, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronService := cron.NewService(processor, cfg.Paths.Videos, cfg.Upload.InitFrameTTL)
	cronService.Start()
	defer cronService.Stop()

	g, gctx := errgroup.WithContext(ctx)

	workersPerLane := cfg.Queue.WorkersPerLane
	if workersPerLane <= 0 {
		workersPerLane = 1
	}
	workerID := 0
	for _, lane := range queue.NewRouter(cfg.Queue).Lanes() {
		for i := 0; i < workersPerLane; i++ {
			consumer := worker.NewConsumer(workerID, jobQueue, processor, []string{lane}, cfg.Queue)
			g.Go(func() error {
				return consumer.Run(gctx)
			})
			workerID++
		}
	}

	g.Go(func() error {
		return worker.RunPromoter(gctx, jobQueue, time.Second)
	})

	if ossClient != nil {
		reuploader := worker.NewReuploader(mediaRepo, ossClient, false)
		g.Go(func() error {
			reuploader.Start(gctx)
			return nil
		})
	}

	log.Info().
		Int("workers", workerID).
		Int("max_concurrent_jobs", cfg.Queue.MaxConcurrentJobs).
		Msg("Worker started")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
	}
	log.Info().Msg("Worker shutdown complete")
}
