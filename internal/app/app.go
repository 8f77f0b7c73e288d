// Package app builds the long-lived collaborators of an ingestion run from
// configuration and owns their shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/asset"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/awshelper"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/clock/system"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/config"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/dispatcher"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/entry"
	collyfetcher "github.com/JakeFAU/rcsb-pdb-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/fetcher/retry"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/hash/sha256"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/id/uuid"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/rcsb-pdb-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/rcsb-pdb-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/rcsb-pdb-crawler/internal/queue/memory"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/request"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/revision"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/search"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/dynamo"
	filestorage "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/file"
	gcsstorage "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/memory"
	mongostorage "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/mongo"
	pgstore "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/redis"
	s3storage "github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/s3"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/telemetry"
)

// Overrides replaces collaborators that New would otherwise build from
// configuration. Nil fields are built normally.
type Overrides struct {
	Client    crawler.ResourceClient
	Cursors   crawler.CursorStore
	Revisions crawler.RevisionStore
	Sink      crawler.RecordSink
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Clock     crawler.Clock
	HTTP      *http.Client
}

// App holds the collaborators for one ingestion run.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	runID      string
	client     crawler.ResourceClient
	builder    *request.Builder
	cursor     *revision.Cursor
	dispatcher *dispatcher.Dispatcher
	queue      *queuememory.Queue

	pg    *pgxpool.Pool
	mongo *mongo.Client

	readiness []func(context.Context) error
	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New builds every collaborator from cfg. On error, anything already opened
// is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if cfg.Telemetry.Tracing {
		tp, tErr := telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: 1,
		})
		if tErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tErr)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}

	a.runID, err = uuid.New().NewID()
	if err != nil {
		return nil, err
	}

	clock := ov.Clock
	if clock == nil {
		clock = system.New()
	}
	httpClient := ov.HTTP
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RCSB.RPS,
		DefaultBurst: cfg.RCSB.Burst,
	})

	a.client = ov.Client
	if a.client == nil {
		a.client = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.RCSB.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		}, limiter, logger.Named("fetcher"))
	}
	a.client = retry.New(a.client, retry.Policy{MaxRetries: cfg.RCSB.MaxRetries}, logger.Named("retry"))
	a.builder = request.New(request.Config{SearchURL: cfg.RCSB.SearchURL, APIBase: cfg.RCSB.APIBase})

	cursors, revisions, err := a.setupRevisionStores(ctx, ov, clock)
	if err != nil {
		return nil, err
	}
	a.cursor = revision.New(cursors, revisions, revision.Config{
		DocID:   cfg.Run.CursorDocID,
		Overlap: cfg.Overlap(),
		TTL:     cfg.RevisionTTL(),
	}, logger.Named("revision"))

	sink, err := a.setupSink(ctx, ov)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx, ov)
	if err != nil {
		return nil, err
	}

	prober := asset.NewProber(asset.Config{
		Roots: asset.Roots{
			Download:   cfg.RCSB.DownloadRoot,
			Preview:    cfg.RCSB.PreviewRoot,
			Validation: cfg.RCSB.ValidationRoot,
		},
		Timeout:     cfg.ProbeTimeout(),
		MaxAttempts: cfg.Assets.MaxAttempts,
		Concurrency: cfg.Assets.Concurrency,
		UserAgent:   cfg.RCSB.UserAgent,
	}, httpClient, limiter, logger.Named("prober"))

	var downloader dispatcher.AssetDownloader
	if cfg.Assets.Download {
		blobs, bErr := a.setupBlobStore(ctx, ov)
		if bErr != nil {
			return nil, bErr
		}
		downloader = asset.NewDownloader(blobs, sha256.New(), clock, httpClient, limiter, asset.DownloaderConfig{
			Prefix:    cfg.Assets.BlobPrefix,
			MaxBytes:  cfg.Assets.MaxBytes,
			UserAgent: cfg.RCSB.UserAgent,
		}, logger.Named("downloader"))
	}

	filter, err := entry.LoadFilter(cfg.Run.FieldFilterPath)
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatcher.New(dispatcher.Dependencies{
		Client:     a.client,
		Builder:    a.builder,
		Cursor:     a.cursor,
		Prober:     prober,
		Downloader: downloader,
		Sink:       sink,
		Publisher:  publisher,
		Clock:      clock,
		Filter:     filter,
	}, dispatcher.Config{
		Mode:        cfg.Mode(),
		MaxActive:   cfg.Run.MaxActiveEntries,
		MaxInFlight: cfg.Run.MaxInFlight,
		RunID:       a.runID,
		Topic:       cfg.PubSub.Topic,
	}, logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	a.queue = queuememory.NewQueue(cfg.Run.QueueDepth)

	logger.Info("application initialized",
		zap.String("run_id", a.runID),
		zap.String("mode", cfg.Run.Mode),
		zap.String("cursor_backend", cfg.Cursor.Backend),
		zap.String("revision_backend", cfg.Revision.Backend),
		zap.String("sink_backend", cfg.Sink.Backend),
		zap.Bool("download_assets", cfg.Assets.Download),
	)
	return a, nil
}

func (a *App) setupRevisionStores(
	ctx context.Context,
	ov Overrides,
	clock crawler.Clock,
) (crawler.CursorStore, crawler.RevisionStore, error) {
	cursors := ov.Cursors
	if cursors == nil {
		var err error
		cursors, err = a.setupCursorStore(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	revisions := ov.Revisions
	if revisions != nil {
		return cursors, revisions, nil
	}
	switch a.cfg.Revision.Backend {
	case config.BackendRedis:
		store, err := redisstore.New(redisstore.Config{
			Addr:     a.cfg.Revision.RedisAddr,
			Password: a.cfg.Revision.RedisPassword,
			DB:       a.cfg.Revision.RedisDB,
			HashKey:  a.cfg.Revision.HashKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis revision store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.readiness = append(a.readiness, store.Ping)
		a.logger.Info("using redis revision store", zap.String("addr", a.cfg.Revision.RedisAddr))
		return cursors, store, nil
	default:
		a.logger.Info("using in-memory revision store")
		return cursors, memorystorage.NewRevisionStore(clock), nil
	}
}

func (a *App) setupCursorStore(ctx context.Context) (crawler.CursorStore, error) {
	switch a.cfg.Cursor.Backend {
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		a.logger.Info("using postgres cursor store", zap.String("table", a.cfg.Cursor.Table))
		return pgstore.NewCursorStoreWithPool(pool, a.cfg.Cursor.Table)
	case config.BackendMongo:
		db, err := a.mongoDatabase(ctx)
		if err != nil {
			return nil, err
		}
		a.logger.Info("using mongo cursor store", zap.String("collection", a.cfg.Cursor.Collection))
		return mongostorage.NewCursorStore(db.Collection(a.cfg.Cursor.Collection)), nil
	case config.BackendDynamoDB:
		client, err := awshelper.BuildDynamoDBClient(ctx, awshelper.Options{
			Region:   a.cfg.DynamoDB.Region,
			Endpoint: a.cfg.DynamoDB.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb client init failed: %w", err)
		}
		a.logger.Info("using dynamodb cursor store", zap.String("table", a.cfg.DynamoDB.Table))
		return dynamo.NewCursorStore(client, a.cfg.DynamoDB.Table)
	default:
		a.logger.Info("using in-memory cursor store")
		return memorystorage.NewCursorStore(), nil
	}
}

func (a *App) setupSink(ctx context.Context, ov Overrides) (crawler.RecordSink, error) {
	if ov.Sink != nil {
		return ov.Sink, nil
	}
	switch a.cfg.Sink.Backend {
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		if err := pgstore.EnsureSchema(ctx, pool, a.cfg.Cursor.Table, a.cfg.Sink.Table); err != nil {
			return nil, err
		}
		a.logger.Info("using postgres record sink", zap.String("table", a.cfg.Sink.Table))
		return pgstore.NewRecordSinkWithPool(pool, a.cfg.Sink.Table)
	case config.BackendMongo:
		db, err := a.mongoDatabase(ctx)
		if err != nil {
			return nil, err
		}
		coll := db.Collection(a.cfg.Sink.Collection)
		if err := mongostorage.EnsureIndexes(ctx, coll); err != nil {
			return nil, err
		}
		a.logger.Info("using mongo record sink", zap.String("collection", a.cfg.Sink.Collection))
		return mongostorage.NewRecordSink(coll), nil
	case config.BackendFile:
		a.logger.Info("using file record sink", zap.String("dir", a.cfg.Sink.Dir))
		return filestorage.NewRecordSink(a.cfg.Sink.Dir, a.logger.Named("sink"))
	default:
		a.logger.Warn("using in-memory record sink; records are discarded at exit")
		return memorystorage.NewRecordSink(), nil
	}
}

func (a *App) setupBlobStore(ctx context.Context, ov Overrides) (crawler.BlobStore, error) {
	if ov.Blobs != nil {
		return ov.Blobs, nil
	}
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
	case config.BackendS3:
		client, err := awshelper.BuildS3Client(ctx, awshelper.Options{Region: a.cfg.DynamoDB.Region})
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		a.logger.Info("using s3 storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return s3storage.New(client, s3storage.Config{Bucket: a.cfg.Storage.Bucket})
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		return localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context, ov Overrides) (crawler.Publisher, error) {
	if ov.Publisher != nil {
		return ov.Publisher, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

// postgresPool opens the pool once; the cursor and sink backends share it.
func (a *App) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.readiness = append(a.readiness, pool.Ping)
	a.pg = pool
	return pool, nil
}

func (a *App) mongoDatabase(ctx context.Context) (*mongo.Database, error) {
	if a.mongo != nil {
		return a.mongo.Database(a.cfg.Mongo.Database), nil
	}
	client, err := mongostorage.Connect(ctx, mongostorage.Config{URI: a.cfg.Mongo.URI, Database: a.cfg.Mongo.Database})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(disconnectCtx)
	})
	a.readiness = append(a.readiness, func(ctx context.Context) error { return client.Ping(ctx, nil) })
	a.mongo = client
	return client.Database(a.cfg.Mongo.Database), nil
}

// RunID identifies this run in records and notifications.
func (a *App) RunID() string {
	return a.runID
}

// Dispatcher exposes the coordinator for snapshots.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Snapshot returns the live run summary.
func (a *App) Snapshot() dispatcher.Summary {
	return a.dispatcher.Snapshot()
}

// Ready pings every networked backend.
func (a *App) Ready(ctx context.Context) error {
	var err error
	for _, check := range a.readiness {
		err = multierr.Append(err, check(ctx))
	}
	return err
}

// Run loads the cursor, feeds candidates from search (or the single
// configured pdb_id) into the queue and drives the dispatcher until the
// queue drains. A paging error stops the feed but does not cancel entries
// already admitted.
func (a *App) Run(ctx context.Context) (dispatcher.Summary, error) {
	if err := a.cursor.Load(ctx); err != nil {
		return a.dispatcher.Snapshot(), fmt.Errorf("load cursor: %w", err)
	}

	var source crawler.CandidateSource
	feedCfg := search.FeedConfig{
		StartFrom:  a.cfg.Run.StartFrom,
		MaxTargets: a.cfg.Run.MaxTargets,
		BatchSize:  a.cfg.Run.BatchSize,
	}
	if a.cfg.Run.PDBID != "" {
		source = search.NewStaticSource(a.cfg.Run.PDBID)
		feedCfg = search.FeedConfig{MaxTargets: 1, BatchSize: 1}
		a.logger.Info("single identifier run", zap.String("pdb_id", crawler.NormalizeID(a.cfg.Run.PDBID)))
	} else {
		source = search.NewSource(a.client, a.builder, a.cfg.Mode(), a.cursor.IncrementStart(), a.logger.Named("search"))
	}

	var feedErr error
	fed := 0
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		fed, feedErr = search.Feed(ctx, source, a.queue, feedCfg, a.logger.Named("feeder"))
	}()

	summary, runErr := a.dispatcher.Run(ctx, a.queue.C())
	<-feedDone
	a.logger.Info("candidate feed finished", zap.Int("fed", fed))
	if feedErr != nil {
		feedErr = fmt.Errorf("candidate feed: %w", feedErr)
	}
	return summary, multierr.Combine(runErr, feedErr)
}

// Close releases every backend opened by New. It is safe to call twice.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closeErr = multierr.Append(a.closeErr, a.closers[i]())
		}
	})
	return a.closeErr
}
