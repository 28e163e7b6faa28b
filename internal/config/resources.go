package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/search"
	"github.com/example/canvas-engine/internal/storage"
)

// Resources bundles the external connections used by the server so that their
// lifecycle can be managed in a single place.
type Resources struct {
	Store   storage.Store
	Redis   *redis.Client
	Objects objectstore.Store
	Index   search.Index

	minio    *minio.Client
	badger   *objectstore.Badger
	weaviate *search.Weaviate
	cfg      Config
}

// NewResources builds all external dependencies using the provided
// configuration.
func NewResources(ctx context.Context, cfg Config, logger zerolog.Logger) (*Resources, error) {
	res := &Resources{cfg: cfg, Index: search.Noop{}}

	store, err := storage.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	res.Store = store
	if m, ok := store.(storage.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			res.Close()
			return nil, fmt.Errorf("migrate relational store: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	switch cfg.ObjectBackend {
	case ObjectBackendBadger:
		res.badger, err = objectstore.OpenBadger(cfg.ObjectPath, cfg.ObjectBaseURL, logger)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.Objects = res.badger
	default:
		res.minio, err = minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		bucket := objectstore.NewMinio(res.minio, cfg.ObjectBucket)
		if err := bucket.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
			res.Close()
			return nil, err
		}
		res.Objects = bucket
	}

	if cfg.SearchURL != "" {
		res.weaviate, err = search.NewWeaviate(cfg.SearchURL, logger)
		if err != nil {
			res.Close()
			return nil, err
		}
		if err := res.weaviate.EnsureSchema(ctx); err != nil {
			res.Close()
			return nil, err
		}
		res.Index = res.weaviate
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

// HealthCheck verifies that all dependency pools are healthy.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.Store.Ping(ctx); err != nil {
		return fmt.Errorf("relational store healthcheck failed: %w", err)
	}

	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis healthcheck failed: %w", err)
		}
	}

	// MinIO/S3 doesn't expose a ping, so we attempt to stat the configured bucket.
	if r.minio != nil {
		if _, err := r.minio.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			return fmt.Errorf("object storage healthcheck failed: %w", err)
		}
	}

	if r.weaviate != nil {
		if err := r.weaviate.Ping(ctx); err != nil {
			return fmt.Errorf("search healthcheck failed: %w", err)
		}
	}
	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() error {
	var errs []error
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	if r.Redis != nil {
		errs = append(errs, r.Redis.Close())
	}
	if r.badger != nil {
		errs = append(errs, r.badger.Close())
	}
	return errors.Join(errs...)
}
