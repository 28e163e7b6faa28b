package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/types"
)

const (
	defaultTopicPrefix = "canvas:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

// Publisher fans a committed update out to other instances.
type Publisher interface {
	Publish(ctx context.Context, canvasID types.CanvasID, update crdt.Update) error
}

// RemoteHandler receives updates published by other instances.
type RemoteHandler func(ctx context.Context, canvasID types.CanvasID, update crdt.Update) error

// Envelope is the pub/sub payload.
type Envelope struct {
	CanvasID   types.CanvasID `json:"canvas_id"`
	Instance   string         `json:"instance"`
	Update     crdt.Update    `json:"update"`
	EnqueuedAt int64          `json:"enqueued_at"`
}

// RedisBroadcaster publishes canvas updates to Redis and hands updates from
// other instances to the session manager.
type RedisBroadcaster struct {
	client   *redis.Client
	instance string
	logger   zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
// instance identifies this process so its own messages are skipped.
func NewRedisBroadcaster(client *redis.Client, instance string, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:      client,
		instance:    instance,
		logger:      logger.With().Str("component", "broadcaster").Logger(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
	}
}

// Publish serializes an update envelope and sends it to the canvas topic.
func (b *RedisBroadcaster) Publish(ctx context.Context, canvasID types.CanvasID, update crdt.Update) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	encoded, err := json.Marshal(Envelope{
		CanvasID:   canvasID,
		Instance:   b.instance,
		Update:     update,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	topic := b.topic(canvasID)
	backoff := 100 * time.Millisecond
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		broadcastsPublished.Inc()
		return nil
	}
}

// Start begins consuming redis pub/sub messages and dispatching them to
// handler.
func (b *RedisBroadcaster) Start(ctx context.Context, handler RemoteHandler) {
	go b.run(ctx, handler)
}

func (b *RedisBroadcaster) run(ctx context.Context, handler RemoteHandler) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub, handler); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub, handler RemoteHandler) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(ctx, msg.Payload, handler); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(ctx context.Context, raw string, handler RemoteHandler) error {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if env.CanvasID == "" || env.Update.Origin == "" {
		return errors.New("incomplete payload")
	}
	if env.Instance == b.instance {
		return nil
	}
	if b.isDuplicate(env) {
		return nil
	}

	if env.EnqueuedAt > 0 {
		broadcastLatency.Observe(time.Since(time.Unix(0, env.EnqueuedAt)).Seconds())
	}
	return handler(ctx, env.CanvasID, env.Update)
}

func (b *RedisBroadcaster) topic(canvasID types.CanvasID) string {
	return b.topicPrefix + string(canvasID)
}

func (b *RedisBroadcaster) isDuplicate(env Envelope) bool {
	key := strings.Join([]string{string(env.CanvasID), string(env.Update.Origin), fmt.Sprint(env.Update.Seq)}, ":")

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[key]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[key] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
