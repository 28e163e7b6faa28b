package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("objectstore: object not found")

// Store is opaque key/value blob storage. Put overwrites atomically from the
// caller's perspective and Remove of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
