package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/snapshot"
)

// Engine moves canvas documents between memory and the object store.
type Engine struct {
	store  objectstore.Store
	siteID string
	logger zerolog.Logger
}

// NewEngine constructs an engine whose documents stamp local updates with
// siteID.
func NewEngine(store objectstore.Store, siteID string, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		siteID: siteID,
		logger: logger.With().Str("component", "collab_engine").Logger(),
	}
}

// SiteID returns the origin stamped on documents created by this engine.
func (e *Engine) SiteID() string { return e.siteID }

// New returns an empty document.
func (e *Engine) New() *crdt.Document {
	return crdt.NewDocument(e.siteID)
}

// Load fetches and decodes the document stored at key. A missing, empty or
// unreadable blob yields a nil document and no error: an absent snapshot is
// the same as a canvas with no content yet. Only context errors propagate.
func (e *Engine) Load(ctx context.Context, key string) (*crdt.Document, error) {
	if key == "" {
		return nil, nil
	}
	data, err := e.store.Get(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		reason := "read"
		if errors.Is(err, objectstore.ErrNotFound) {
			reason = "missing"
		}
		blobLoadFailures.WithLabelValues(reason).Inc()
		e.logger.Warn().Err(err).Str("key", key).Msg("canvas state unavailable; starting empty")
		return nil, nil
	}

	doc, err := snapshot.Decode(data, e.siteID)
	if err != nil {
		reason := "corrupt"
		if errors.Is(err, snapshot.ErrEmpty) {
			reason = "empty"
		}
		blobLoadFailures.WithLabelValues(reason).Inc()
		e.logger.Warn().Err(err).Str("key", key).Msg("canvas state undecodable; starting empty")
		return nil, nil
	}
	return doc, nil
}

// Save serializes the full document and overwrites the blob at key.
func (e *Engine) Save(ctx context.Context, key string, doc *crdt.Document) error {
	data, err := snapshot.Encode(doc)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save canvas state %s: %w", key, err)
	}
	return nil
}
