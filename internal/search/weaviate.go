package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/rs/zerolog"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/example/canvas-engine/internal/types"
)

// CanvasClassName is the weaviate class holding canvas summaries.
const CanvasClassName = "Canvas"

// Weaviate indexes canvases for BM25 keyword search.
type Weaviate struct {
	client *weaviate.Client
	logger zerolog.Logger
}

// NewWeaviate connects to the weaviate instance at rawURL.
func NewWeaviate(rawURL string, logger zerolog.Logger) (*Weaviate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	cfg := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Host == "" {
		cfg.Host = rawURL
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Weaviate{
		client: client,
		logger: logger.With().Str("component", "search").Logger(),
	}, nil
}

// CanvasSchema describes the canvas class. Vectors are not used.
func CanvasSchema() *models.Class {
	indexFilterable := true
	indexSearchable := true
	return &models.Class{
		Class:       CanvasClassName,
		Description: "Searchable canvas summaries",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "canvasId", DataType: []string{"text"}, IndexFilterable: &indexFilterable, Tokenization: models.PropertyTokenizationField},
			{Name: "uid", DataType: []string{"text"}, IndexFilterable: &indexFilterable, Tokenization: models.PropertyTokenizationField},
			{Name: "title", DataType: []string{"text"}, IndexSearchable: &indexSearchable},
			{Name: "createdAt", DataType: []string{"date"}},
			{Name: "updatedAt", DataType: []string{"date"}},
		},
	}
}

// EnsureSchema creates the canvas class when it does not exist.
func (w *Weaviate) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(CanvasClassName).Do(ctx)
	if err != nil {
		return fmt.Errorf("check canvas class: %w", err)
	}
	if exists {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(CanvasSchema()).Do(ctx); err != nil {
		return fmt.Errorf("create canvas class: %w", err)
	}
	w.logger.Info().Str("class", CanvasClassName).Msg("search schema created")
	return nil
}

// Ping reports whether the instance is ready.
func (w *Weaviate) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return errors.New("weaviate not ready")
	}
	return nil
}

func (w *Weaviate) UpsertCanvas(ctx context.Context, doc CanvasDocument) error {
	start := time.Now()
	defer observe("upsert", start)

	obj := &models.Object{
		Class: CanvasClassName,
		ID:    strfmt.UUID(objectID(doc.CanvasID).String()),
		Properties: map[string]any{
			"canvasId":  string(doc.CanvasID),
			"uid":       string(doc.UID),
			"title":     doc.Title,
			"createdAt": doc.CreatedAt.UTC().Format(time.RFC3339Nano),
			"updatedAt": doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return fmt.Errorf("upsert canvas %s: %w", doc.CanvasID, err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			return fmt.Errorf("upsert canvas %s: %s", doc.CanvasID, item.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (w *Weaviate) DeleteCanvas(ctx context.Context, canvasID types.CanvasID) error {
	start := time.Now()
	defer observe("delete", start)

	err := w.client.Data().Deleter().
		WithClassName(CanvasClassName).
		WithID(objectID(canvasID).String()).
		Do(ctx)
	if err != nil {
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete canvas %s: %w", canvasID, err)
	}
	return nil
}

func (w *Weaviate) SearchCanvases(ctx context.Context, uid types.UserID, query string, limit int) ([]Hit, error) {
	start := time.Now()
	defer observe("search", start)

	if limit <= 0 {
		limit = 10
	}
	where := filters.Where().
		WithPath([]string{"uid"}).
		WithOperator(filters.Equal).
		WithValueText(string(uid))

	result, err := w.client.GraphQL().Get().
		WithClassName(CanvasClassName).
		WithFields(graphql.Field{Name: "canvasId"}, graphql.Field{Name: "title"}).
		WithBM25(w.client.GraphQL().Bm25ArgBuilder().WithQuery(query).WithProperties("title")).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search canvases: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search canvases: %s", result.Errors[0].Message)
	}
	return parseHits(result), nil
}

func parseHits(result *models.GraphQLResponse) []Hit {
	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return []Hit{}
	}
	objects, ok := data[CanvasClassName].([]any)
	if !ok {
		return []Hit{}
	}

	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["canvasId"].(string)
		title, _ := m["title"].(string)
		if id == "" {
			continue
		}
		hits = append(hits, Hit{CanvasID: types.CanvasID(id), Title: title})
	}
	return hits
}
