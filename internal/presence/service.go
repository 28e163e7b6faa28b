package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/types"
)

const (
	defaultTTL    = 45 * time.Second
	defaultPrefix = "presence:canvas:"
	scanBatchSize = 100
)

// Editor is one realtime client attached to a canvas.
type Editor struct {
	CanvasID types.CanvasID `json:"canvasId"`
	ClientID types.ClientID `json:"clientId"`
	UID      types.UserID   `json:"uid"`
	JoinedAt time.Time      `json:"joinedAt"`
}

// Tracker records which editors are attached to which canvas.
type Tracker interface {
	Join(ctx context.Context, editor Editor) error
	Leave(ctx context.Context, canvasID types.CanvasID, clientID types.ClientID) error
	Roster(ctx context.Context, canvasID types.CanvasID) ([]Editor, error)
}

// Service tracks editors in Redis so every instance sees the same roster.
// Entries expire unless the owning instance keeps refreshing them, so a
// crashed instance's editors disappear after one TTL.
type Service struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
	prefix string

	mu    sync.Mutex
	local map[string]Editor
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, logger zerolog.Logger) *Service {
	return &Service{
		client: client,
		logger: logger.With().Str("component", "presence").Logger(),
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		local:  make(map[string]Editor),
	}
}

// Start begins refreshing the TTL of editors attached to this instance.
func (s *Service) Start(ctx context.Context) {
	go s.refreshLoop(ctx)
}

// Join records editor and keeps it alive until Leave.
func (s *Service) Join(ctx context.Context, editor Editor) error {
	if editor.CanvasID == "" || editor.ClientID == "" {
		return errors.New("presence: editor missing identifiers")
	}
	if editor.JoinedAt.IsZero() {
		editor.JoinedAt = time.Now().UTC()
	}
	key := s.key(editor.CanvasID, editor.ClientID)
	if err := s.persist(ctx, key, editor); err != nil {
		return err
	}
	s.mu.Lock()
	s.local[key] = editor
	s.mu.Unlock()
	editorsJoined.Inc()
	return nil
}

// Leave removes the editor.
func (s *Service) Leave(ctx context.Context, canvasID types.CanvasID, clientID types.ClientID) error {
	key := s.key(canvasID, clientID)
	s.mu.Lock()
	delete(s.local, key)
	s.mu.Unlock()
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete presence key: %w", err)
	}
	return nil
}

// Roster loads every live editor of canvasID, oldest first.
func (s *Service) Roster(ctx context.Context, canvasID types.CanvasID) ([]Editor, error) {
	iter := s.client.Scan(ctx, 0, s.key(canvasID, "*"), scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}
	editors := make([]Editor, 0, len(values))
	for _, raw := range values {
		str, ok := raw.(string)
		if !ok || str == "" {
			continue
		}
		var editor Editor
		if err := json.Unmarshal([]byte(str), &editor); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		editors = append(editors, editor)
	}
	sortEditors(editors)
	return editors, nil
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]Editor, len(s.local))
	for k, e := range s.local {
		snapshot[k] = e
	}
	s.mu.Unlock()

	for key, editor := range snapshot {
		if err := s.persist(ctx, key, editor); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh presence")
		}
	}
}

func (s *Service) persist(ctx context.Context, key string, editor Editor) error {
	payload, err := json.Marshal(editor)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) key(canvasID types.CanvasID, clientID types.ClientID) string {
	return fmt.Sprintf("%s%s:client:%s", s.prefix, canvasID, clientID)
}

func sortEditors(editors []Editor) {
	sort.Slice(editors, func(i, j int) bool {
		if editors[i].JoinedAt.Equal(editors[j].JoinedAt) {
			return editors[i].ClientID < editors[j].ClientID
		}
		return editors[i].JoinedAt.Before(editors[j].JoinedAt)
	})
}

// Memory is a single-instance Tracker.
type Memory struct {
	mu       sync.Mutex
	canvases map[types.CanvasID]map[types.ClientID]Editor
}

// NewMemory constructs an empty in-process tracker.
func NewMemory() *Memory {
	return &Memory{canvases: make(map[types.CanvasID]map[types.ClientID]Editor)}
}

func (m *Memory) Join(_ context.Context, editor Editor) error {
	if editor.CanvasID == "" || editor.ClientID == "" {
		return errors.New("presence: editor missing identifiers")
	}
	if editor.JoinedAt.IsZero() {
		editor.JoinedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canvases[editor.CanvasID] == nil {
		m.canvases[editor.CanvasID] = make(map[types.ClientID]Editor)
	}
	m.canvases[editor.CanvasID][editor.ClientID] = editor
	editorsJoined.Inc()
	return nil
}

func (m *Memory) Leave(_ context.Context, canvasID types.CanvasID, clientID types.ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.canvases[canvasID], clientID)
	if len(m.canvases[canvasID]) == 0 {
		delete(m.canvases, canvasID)
	}
	return nil
}

func (m *Memory) Roster(_ context.Context, canvasID types.CanvasID) ([]Editor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	editors := make([]Editor, 0, len(m.canvases[canvasID]))
	for _, e := range m.canvases[canvasID] {
		editors = append(editors, e)
	}
	sortEditors(editors)
	return editors, nil
}
