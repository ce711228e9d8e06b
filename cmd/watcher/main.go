package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/database"
	"github.com/janiluuk/vimage-api/internal/pkg/fswatch"
	"github.com/janiluuk/vimage-api/internal/pkg/logger"
	"github.com/janiluuk/vimage-api/internal/pkg/pubsub"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
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

	// 没有 Redis 时照常更新任务，只是不推送进度
	var publisher *pubsub.Publisher
	if rdb, err := database.NewRedis(&cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, progress will not be published")
	} else {
		publisher = pubsub.NewPublisher(rdb)
		defer rdb.Close()
	}

	dirs := cfg.Watcher.Paths
	if len(dirs) == 0 {
		dirs = []string{cfg.Paths.Processed}
	}

	finalizer := worker.NewOutputFinalizer(repository.NewVideoJobRepository(db), render.NewPaths(cfg.Paths), publisher)
	watcher := fswatch.New(dirs, cfg.Watcher.Interval, cfg.Watcher.Extensions)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	onOutput := func(path string) {
		if _, err := finalizer.HandleOutput(ctx, path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to finalize output")
		}
	}

	// 启动前已有的文件不算新输出
	watcher.Prime()
	if err := watcher.Run(ctx, onOutput, onOutput); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Watcher stopped")
	}
	log.Info().Msg("Watcher shutdown complete")
}
