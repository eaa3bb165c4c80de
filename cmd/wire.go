package cmd

import (
	"context"
	"fmt"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/placegrid/harvester/internal/adapter/headless"
	"github.com/placegrid/harvester/internal/adapter/stub"
	"github.com/placegrid/harvester/internal/api"
	"github.com/placegrid/harvester/internal/clock/system"
	"github.com/placegrid/harvester/internal/config"
	"github.com/placegrid/harvester/internal/coverage"
	"github.com/placegrid/harvester/internal/dedup"
	"github.com/placegrid/harvester/internal/generator"
	"github.com/placegrid/harvester/internal/grid"
	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/hash/sha256"
	"github.com/placegrid/harvester/internal/id/uuid"
	"github.com/placegrid/harvester/internal/metrics"
	memorypublisher "github.com/placegrid/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/placegrid/harvester/internal/publisher/pubsub"
	queuememory "github.com/placegrid/harvester/internal/queue/memory"
	queueredis "github.com/placegrid/harvester/internal/queue/redis"
	"github.com/placegrid/harvester/internal/run"
	"github.com/placegrid/harvester/internal/scheduler"
	storagegcs "github.com/placegrid/harvester/internal/storage/gcs"
	storagelocal "github.com/placegrid/harvester/internal/storage/local"
	storagememory "github.com/placegrid/harvester/internal/storage/memory"
	storememory "github.com/placegrid/harvester/internal/store/memory"
	storepostgres "github.com/placegrid/harvester/internal/store/postgres"
)

// services holds the wired application graph shared by the serve and
// harvest commands.
type services struct {
	queue   harvest.Queue
	manager *run.Manager
	pool    *scheduler.Pool
	ready   api.ReadyChecker
	closers []func()
}

// close tears down external connections in reverse construction order.
func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildServices constructs the full component graph from configuration.
func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	metrics.Init()

	clock := system.New()
	ids := uuid.New()
	hasher := sha256.New()
	partitioner := grid.New()

	svc := &services{}

	queue, err := buildQueue(cfg, clock)
	if err != nil {
		return nil, err
	}
	svc.queue = queue
	svc.closers = append(svc.closers, func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close failed", zap.Error(err))
		}
	})

	places, coverageStore, runs, ready, err := buildStores(ctx, cfg, svc)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.ready = ready

	blobStore, err := buildBlobStore(ctx, cfg, svc)
	if err != nil {
		svc.close()
		return nil, err
	}

	publisher, err := buildPublisher(ctx, cfg, svc)
	if err != nil {
		svc.close()
		return nil, err
	}

	adapter, err := buildAdapter(cfg, svc, logger)
	if err != nil {
		svc.close()
		return nil, err
	}

	resolver := dedup.New(places, clock, logger.Named("dedup"), dedup.Config{})
	tracker := coverage.New(coverageStore, clock, logger.Named("coverage"))
	policy := scheduler.NewRetryPolicy(
		cfg.Retry.MaxAttempts,
		cfg.Retry.StructuralMaxAttempts,
		time.Duration(cfg.Retry.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Retry.BackoffMaxMs)*time.Millisecond,
	)

	var limiter *rate.Limiter
	if cfg.Harvest.RateLimitPerSecond > 0 {
		burst := cfg.Harvest.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Harvest.RateLimitPerSecond), burst)
	}

	workerCfg := scheduler.Config{
		ProviderResultCap:      cfg.Harvest.ProviderResultCap,
		MaxSubdivideResolution: cfg.Grid.MaxSubdivideResolution,
		StoreRetries:           cfg.Harvest.StoreRetries,
		StoreRetryDelay:        time.Duration(cfg.Harvest.StoreRetryDelaySeconds) * time.Second,
		BlobPrefix:             cfg.Storage.Prefix,
		Topic:                  cfg.PubSub.TopicName,
		ContentType:            cfg.Storage.ContentType,
	}
	workers := make([]*scheduler.Worker, 0, cfg.Harvest.Concurrency)
	for i := 0; i < cfg.Harvest.Concurrency; i++ {
		workers = append(workers, scheduler.New(
			queue,
			adapter,
			resolver,
			tracker,
			partitioner,
			runs,
			blobStore,
			publisher,
			hasher,
			clock,
			policy,
			limiter,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	svc.pool = scheduler.NewPool(
		queue,
		workers,
		time.Duration(cfg.Harvest.ReapIntervalSeconds)*time.Second,
		logger.Named("pool"),
	)

	svc.manager = run.New(
		partitioner,
		generator.New(partitioner),
		queue,
		runs,
		tracker,
		publisher,
		clock,
		ids,
		hasher,
		run.Config{
			DefaultResolution: cfg.Grid.DefaultResolution,
			CoverageMaxAge:    cfg.CoverageMaxAge(),
			Topic:             cfg.PubSub.TopicName,
		},
		logger.Named("run"),
	)

	return svc, nil
}

func buildQueue(cfg config.Config, clock harvest.Clock) (harvest.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		queue, err := queueredis.New(queueredis.Config{
			Addr:       cfg.Queue.RedisAddr,
			DB:         cfg.Queue.RedisDB,
			Prefix:     cfg.Queue.KeyPrefix,
			Visibility: cfg.VisibilityTimeout(),
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("build redis queue: %w", err)
		}
		return queue, nil
	default:
		return queuememory.New(cfg.VisibilityTimeout(), clock), nil
	}
}

func buildStores(ctx context.Context, cfg config.Config, svc *services) (harvest.PlaceStore, harvest.CoverageStore, harvest.RunStore, api.ReadyChecker, error) {
	if cfg.Store.Backend != "postgres" {
		return storememory.NewPlaceStore(), storememory.NewCoverageStore(), storememory.NewRunStore(), nil, nil
	}
	pool, err := storepostgres.NewPool(ctx, storepostgres.Config{
		DSN:      cfg.Store.DSN,
		MaxConns: int32(cfg.Store.MaxConns),
		MinConns: int32(cfg.Store.MinConns),
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("build postgres pool: %w", err)
	}
	svc.closers = append(svc.closers, pool.Close)
	ready := func(ctx context.Context) error { return pool.Ping(ctx) }
	return storepostgres.NewPlaceStore(pool), storepostgres.NewCoverageStore(pool), storepostgres.NewRunStore(pool), ready, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, svc *services) (harvest.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		store, err := storagegcs.New(client, storagegcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs blob store: %w", err)
		}
		return store, nil
	case "local":
		store, err := storagelocal.New(storagelocal.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local blob store: %w", err)
		}
		return store, nil
	default:
		return storagememory.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, svc *services) (harvest.Publisher, error) {
	if !cfg.PubSub.Enabled {
		return memorypublisher.New(), nil
	}
	client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	svc.closers = append(svc.closers, func() { _ = client.Close() })
	return pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName)), nil
}

func buildAdapter(cfg config.Config, svc *services, logger *zap.Logger) (harvest.Adapter, error) {
	switch cfg.Adapter.Backend {
	case "headless":
		adapter, err := headless.New(headless.Config{
			BaseURL:           cfg.Adapter.BaseURL,
			Language:          cfg.Adapter.Language,
			UserAgent:         cfg.Adapter.UserAgent,
			MaxParallel:       cfg.Adapter.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Adapter.NavTimeoutSec) * time.Second,
			ScrollPasses:      cfg.Adapter.ScrollPasses,
			ResultCap:         cfg.Harvest.ProviderResultCap,
		}, logger.Named("adapter"))
		if err != nil {
			return nil, fmt.Errorf("build headless adapter: %w", err)
		}
		svc.closers = append(svc.closers, adapter.Close)
		return adapter, nil
	default:
		return stub.New(0), nil
	}
}
