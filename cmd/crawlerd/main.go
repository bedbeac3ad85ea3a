// Package main wires together the crawl orchestration service.
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

	pubsubclient "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/hyperion-data/krx-crawler/internal/api"
	"github.com/hyperion-data/krx-crawler/internal/clock/system"
	"github.com/hyperion-data/krx-crawler/internal/config"
	"github.com/hyperion-data/krx-crawler/internal/executor"
	"github.com/hyperion-data/krx-crawler/internal/id/uuid"
	"github.com/hyperion-data/krx-crawler/internal/krx"
	"github.com/hyperion-data/krx-crawler/internal/logging"
	"github.com/hyperion-data/krx-crawler/internal/metrics"
	"github.com/hyperion-data/krx-crawler/internal/orchestrator"
	pubsubpublisher "github.com/hyperion-data/krx-crawler/internal/publisher/pubsub"
	queuememory "github.com/hyperion-data/krx-crawler/internal/queue/memory"
	queueredis "github.com/hyperion-data/krx-crawler/internal/queue/redis"
	"github.com/hyperion-data/krx-crawler/internal/registry"
	storememory "github.com/hyperion-data/krx-crawler/internal/store/memory"
	storepostgres "github.com/hyperion-data/krx-crawler/internal/store/postgres"
	storagegcs "github.com/hyperion-data/krx-crawler/internal/storage/gcs"
	storagememory "github.com/hyperion-data/krx-crawler/internal/storage/memory"
	"github.com/hyperion-data/krx-crawler/internal/task"
)

const (
	appName    = "krx-crawler"
	appVersion = "1.0.0"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	taskStore, priceSink, closeStore, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	queue, closeQueue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, topic, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	krxCrawler, err := krx.New(krx.Config{
		Endpoint:  cfg.KRX.Endpoint,
		Referer:   cfg.KRX.Referer,
		UserAgent: cfg.KRX.UserAgent,
		Timeout:   cfg.KRXTimeout(),
	}, priceSink, archive, logger.Named("krx"))
	if err != nil {
		return fmt.Errorf("build krx crawler: %w", err)
	}

	reg := registry.New()
	reg.Register(krx.Name, krxCrawler)

	clk := system.New()
	exec := executor.New(queue, taskStore, reg, publisher, clk, executor.Config{
		Workers:      cfg.Crawler.Workers,
		CrawlTimeout: cfg.CrawlTimeout(),
		Topic:        topic,
	}, logger.Named("executor"))

	orch := orchestrator.New(taskStore, reg, exec, uuid.New(), clk, logger.Named("orchestrator"))
	apiServer := api.NewServer(orch, api.Info{App: appName, Version: appVersion}, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		logger.Info("executor started", zap.Int("workers", cfg.Crawler.Workers))
		exec.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-workersDone
	logger.Info("shutdown complete")
	return nil
}

func buildStores(ctx context.Context, cfg config.Config) (task.Store, krx.RecordSink, func(), error) {
	switch cfg.Store.Provider {
	case "postgres":
		taskStore, err := storepostgres.NewTaskStore(ctx, storepostgres.TaskStoreConfig{
			DSN:      cfg.Store.Postgres.DSN,
			MaxConns: int32(cfg.Store.Postgres.MaxConns),
			MinConns: int32(cfg.Store.Postgres.MinConns),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build task store: %w", err)
		}
		if err := taskStore.Migrate(ctx); err != nil {
			taskStore.Close()
			return nil, nil, nil, err
		}
		priceStore, err := storepostgres.NewPriceStore(taskStore.Pool())
		if err != nil {
			taskStore.Close()
			return nil, nil, nil, fmt.Errorf("build price store: %w", err)
		}
		if err := priceStore.Migrate(ctx); err != nil {
			taskStore.Close()
			return nil, nil, nil, err
		}
		return taskStore, priceStore, taskStore.Close, nil
	default:
		return storememory.NewTaskStore(), storememory.NewPriceStore(), func() {}, nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (task.Queue, func(), error) {
	switch cfg.Queue.Provider {
	case "redis":
		q, err := queueredis.New(ctx, queueredis.Config{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.Key,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build redis queue: %w", err)
		}
		return q, func() { _ = q.Close() }, nil
	default:
		q := queuememory.NewQueue(cfg.Crawler.QueueDepth)
		return q, q.Close, nil
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (task.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		store, err := storagegcs.New(client, storagegcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs archive: %w", err)
		}
		return store, nil
	case "memory":
		return storagememory.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (task.Publisher, string, func(), error) {
	if !cfg.PubSub.Enabled {
		return nil, "", func() {}, nil
	}
	client, err := pubsubclient.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("build pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	return pub, cfg.PubSub.TopicName, func() { _ = pub.Close() }, nil
}
