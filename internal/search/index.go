package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/canvas-engine/internal/types"
)

// CanvasDocument is the searchable summary of a canvas.
type CanvasDocument struct {
	CanvasID  types.CanvasID
	UID       types.UserID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Hit is one search result.
type Hit struct {
	CanvasID types.CanvasID `json:"canvasId"`
	Title    string         `json:"title"`
}

// Index keeps canvas summaries searchable. It is eventually consistent with
// the relational store and every operation is idempotent.
type Index interface {
	UpsertCanvas(ctx context.Context, doc CanvasDocument) error
	DeleteCanvas(ctx context.Context, canvasID types.CanvasID) error
	SearchCanvases(ctx context.Context, uid types.UserID, query string, limit int) ([]Hit, error)
}

// canvasNamespace seeds deterministic object ids so repeated upserts of the
// same canvas overwrite one object.
var canvasNamespace = uuid.MustParse("6f1c7a52-3f0e-4b6a-9a43-2d7e1b1f6c0d")

func objectID(canvasID types.CanvasID) uuid.UUID {
	return uuid.NewSHA1(canvasNamespace, []byte(canvasID))
}

// Noop discards every write and finds nothing.
type Noop struct{}

func (Noop) UpsertCanvas(context.Context, CanvasDocument) error { return nil }

func (Noop) DeleteCanvas(context.Context, types.CanvasID) error { return nil }

func (Noop) SearchCanvases(context.Context, types.UserID, string, int) ([]Hit, error) {
	return nil, nil
}

// Memory is an in-process index matching on case-insensitive title substrings.
type Memory struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]CanvasDocument
}

// NewMemory constructs an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[uuid.UUID]CanvasDocument)}
}

func (m *Memory) UpsertCanvas(_ context.Context, doc CanvasDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[objectID(doc.CanvasID)] = doc
	return nil
}

func (m *Memory) DeleteCanvas(_ context.Context, canvasID types.CanvasID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, objectID(canvasID))
	return nil
}

func (m *Memory) SearchCanvases(_ context.Context, uid types.UserID, query string, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	matches := make([]CanvasDocument, 0)
	for _, doc := range m.docs {
		if doc.UID != uid || !strings.Contains(strings.ToLower(doc.Title), needle) {
			continue
		}
		matches = append(matches, doc)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.After(matches[j].UpdatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	hits := make([]Hit, 0, len(matches))
	for _, doc := range matches {
		hits = append(hits, Hit{CanvasID: doc.CanvasID, Title: doc.Title})
	}
	return hits, nil
}

// Get returns the stored document for a canvas.
func (m *Memory) Get(canvasID types.CanvasID) (CanvasDocument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[objectID(canvasID)]
	return doc, ok
}
