package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "canvas-engine", cfg.AppName)
	assert.Equal(t, ObjectBackendMinio, cfg.ObjectBackend)
	assert.Equal(t, QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, 15*time.Second, cfg.FlushInterval)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CANVAS_DATABASE_DSN", "sqlite::memory:")
	t.Setenv("CANVAS_OBJECT_BACKEND", "Badger")
	t.Setenv("CANVAS_QUEUE_BACKEND", "memory")
	t.Setenv("CANVAS_COLLAB_LOCK_TTL", "5s")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "sqlite::memory:", cfg.DatabaseDSN)
	assert.Equal(t, ObjectBackendBadger, cfg.ObjectBackend)
	assert.Equal(t, QueueBackendMemory, cfg.QueueBackend)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	v := NewViper()
	v.Set("object.backend", "floppy")
	_, err := Load(v)
	assert.Error(t, err)

	v = NewViper()
	v.Set("queue.backend", "carrier-pigeon")
	_, err = Load(v)
	assert.Error(t, err)
}
