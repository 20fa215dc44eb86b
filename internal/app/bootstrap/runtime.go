package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/patient-portal/internal/cache"
	appconfig "github.com/wolfman30/patient-portal/internal/config"
	"github.com/wolfman30/patient-portal/internal/remote"
	"github.com/wolfman30/patient-portal/internal/remote/memstore"
	"github.com/wolfman30/patient-portal/internal/remote/pgstore"
	"github.com/wolfman30/patient-portal/internal/remote/s3blob"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, snapshot cache disabled", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildSnapshotCache returns the Redis snapshot cache, or nil without Redis.
func BuildSnapshotCache(redisClient *redis.Client, cfg *appconfig.Config) *cache.Snapshots {
	if redisClient == nil {
		return nil
	}
	return cache.NewSnapshots(redisClient, cfg.SnapshotCacheTTL)
}

// Remote is the hosted store the engine syncs against, plus whatever must be
// released on shutdown.
type Remote struct {
	Adapter remote.Adapter
	Close   func()
	Kind    string
}

// BuildRemote picks the store of record: the in-memory store when
// USE_MEMORY_REMOTE is set, otherwise Postgres. Blobs go to S3 when a client
// and bucket are supplied.
func BuildRemote(ctx context.Context, cfg *appconfig.Config, s3Client s3blob.S3API, logger *logging.Logger) (*Remote, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	var blobs remote.BlobStore
	if s3Client != nil && strings.TrimSpace(cfg.FilesBucket) != "" {
		blobs = s3blob.New(s3Client, s3blob.Config{
			Bucket:        cfg.FilesBucket,
			PublicBaseURL: cfg.FilesPublicBaseURL,
			Region:        cfg.AWSRegion,
			MaxBytes:      cfg.FilesMaxBytes,
		}, logger.Component("s3blob"))
	}

	if cfg.UseMemoryRemote {
		mem := memstore.New().WithBaseURL(cfg.FilesPublicBaseURL)
		if blobs == nil {
			blobs = mem
		}
		logger.Warn("using in-memory store of record; data is lost on restart")
		return &Remote{Adapter: remote.Compose(mem, blobs), Close: func() {}, Kind: "memory"}, nil
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("bootstrap: DATABASE_URL is required unless USE_MEMORY_REMOTE is set")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	if blobs == nil {
		logger.Warn("file storage not configured, uploads will fail validation")
	}
	return &Remote{Adapter: remote.Compose(pgstore.New(pool), blobs), Close: pool.Close, Kind: "postgres"}, nil
}
