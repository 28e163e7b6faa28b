package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Open selects a backend from the DSN scheme: postgres:// and postgresql://
// use pgx, sqlite://<path> and sqlite::memory: use gorm with sqlite.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		cfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		return NewPostgres(pool), nil
	case dsn == "sqlite::memory:":
		return OpenSQLite(":memory:", logger)
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(path, logger)
	default:
		return nil, fmt.Errorf("unsupported database dsn scheme: %q", dsn)
	}
}

// Migrator is implemented by backends whose schema is applied out of band.
type Migrator interface {
	Migrate(ctx context.Context) error
}
