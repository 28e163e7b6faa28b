package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/canvas-engine/internal/types"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool       *pgxpool.Pool
	q          querier
	inTx       bool
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// PostgresOption configures the Postgres store.
type PostgresOption func(*Postgres)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(p *Postgres) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.retryDelay = d
	}
}

// NewPostgres constructs a store using the provided pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:       pool,
		q:          pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Migrate creates the schema when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// WithTx runs fn in a transaction. The whole transaction is retried on
// serialization failures and deadlocks. Nested calls join the outer one.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if p.inTx {
		return fn(p)
	}
	return p.retry(ctx, "tx", func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		scoped := *p
		scoped.q = tx
		scoped.inTx = true
		if err := fn(&scoped); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// run executes a statement group, retrying transient failures unless it is
// part of an enclosing transaction.
func (p *Postgres) run(ctx context.Context, op string, fn func(context.Context, querier) error) error {
	ctx, span := tracer.Start(ctx, "storage."+op)
	defer span.End()

	if p.inTx {
		start := time.Now()
		err := fn(ctx, p.q)
		queryLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
		return err
	}
	return p.retry(ctx, op, func(ctx context.Context) error {
		return fn(ctx, p.q)
	})
}

func (p *Postgres) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	defer func() {
		queryLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
	}()

	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == p.maxRetries {
				return err
			}
			transientRetries.WithLabelValues(op).Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

const canvasColumns = `uid, canvas_id, title, status, state_storage_key, minimap_storage_key, created_at, updated_at, deleted_at`

func scanCanvas(row pgx.Row) (types.Canvas, error) {
	var (
		c               types.Canvas
		uid, id, status string
	)
	if err := row.Scan(&uid, &id, &c.Title, &status, &c.StateStorageKey, &c.MinimapStorageKey, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt); err != nil {
		return types.Canvas{}, err
	}
	c.UID = types.UserID(uid)
	c.CanvasID = types.CanvasID(id)
	c.Status = types.CanvasStatus(status)
	return c, nil
}

func (p *Postgres) InsertCanvas(ctx context.Context, c types.Canvas) error {
	now := p.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	return p.run(ctx, "insert_canvas", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO canvases (uid, canvas_id, title, status, state_storage_key, minimap_storage_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(c.UID), string(c.CanvasID), c.Title, string(c.Status), c.StateStorageKey, c.MinimapStorageKey, c.CreatedAt, c.UpdatedAt)
		return err
	})
}

func (p *Postgres) GetCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID) (types.Canvas, error) {
	var c types.Canvas
	err := p.run(ctx, "get_canvas", func(ctx context.Context, q querier) error {
		var err error
		c, err = scanCanvas(q.QueryRow(ctx, `SELECT `+canvasColumns+` FROM canvases
WHERE uid = $1 AND canvas_id = $2 AND deleted_at IS NULL`, string(uid), string(canvasID)))
		return err
	})
	return c, notFound(err, "canvas "+string(canvasID))
}

func (p *Postgres) GetCanvasByID(ctx context.Context, canvasID types.CanvasID) (types.Canvas, error) {
	var c types.Canvas
	err := p.run(ctx, "get_canvas", func(ctx context.Context, q querier) error {
		var err error
		c, err = scanCanvas(q.QueryRow(ctx, `SELECT `+canvasColumns+` FROM canvases
WHERE canvas_id = $1 AND deleted_at IS NULL`, string(canvasID)))
		return err
	})
	return c, notFound(err, "canvas "+string(canvasID))
}

func (p *Postgres) ListCanvases(ctx context.Context, uid types.UserID, offset, limit int) ([]types.Canvas, error) {
	var out []types.Canvas
	err := p.run(ctx, "list_canvases", func(ctx context.Context, q querier) error {
		rows, err := q.Query(ctx, `SELECT `+canvasColumns+` FROM canvases
WHERE uid = $1 AND deleted_at IS NULL
ORDER BY updated_at DESC, canvas_id
OFFSET $2 LIMIT $3`, string(uid), offset, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			c, err := scanCanvas(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) UpdateCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID, patch CanvasPatch) (types.Canvas, error) {
	var title, minimap, status *string
	if patch.Title != nil {
		title = patch.Title
	}
	if patch.MinimapStorageKey != nil {
		minimap = patch.MinimapStorageKey
	}
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}

	var c types.Canvas
	err := p.run(ctx, "update_canvas", func(ctx context.Context, q querier) error {
		var err error
		c, err = scanCanvas(q.QueryRow(ctx, `
UPDATE canvases SET
	title = COALESCE($3, title),
	minimap_storage_key = COALESCE($4, minimap_storage_key),
	status = COALESCE($5, status),
	updated_at = $6
WHERE uid = $1 AND canvas_id = $2 AND deleted_at IS NULL
RETURNING `+canvasColumns, string(uid), string(canvasID), title, minimap, status, p.now()))
		return err
	})
	return c, notFound(err, "canvas "+string(canvasID))
}

func (p *Postgres) SetCanvasStatus(ctx context.Context, canvasID types.CanvasID, status types.CanvasStatus) error {
	return p.run(ctx, "set_canvas_status", func(ctx context.Context, q querier) error {
		tag, err := q.Exec(ctx, `UPDATE canvases SET status = $2, updated_at = $3 WHERE canvas_id = $1`,
			string(canvasID), string(status), p.now())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: canvas %s", ErrNotFound, canvasID)
		}
		return nil
	})
}

func (p *Postgres) SoftDeleteCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID) error {
	return p.run(ctx, "soft_delete_canvas", func(ctx context.Context, q querier) error {
		tag, err := q.Exec(ctx, `UPDATE canvases SET deleted_at = $3 WHERE uid = $1 AND canvas_id = $2 AND deleted_at IS NULL`,
			string(uid), string(canvasID), p.now())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: canvas %s", ErrNotFound, canvasID)
		}
		return nil
	})
}

func scanRelations(rows pgx.Rows) ([]types.EntityRelation, error) {
	defer rows.Close()
	var out []types.EntityRelation
	for rows.Next() {
		var canvasID, entityID, entityType string
		if err := rows.Scan(&canvasID, &entityID, &entityType); err != nil {
			return nil, err
		}
		out = append(out, types.EntityRelation{
			CanvasID:   types.CanvasID(canvasID),
			EntityID:   types.EntityID(entityID),
			EntityType: types.EntityType(entityType),
		})
	}
	return out, rows.Err()
}

func (p *Postgres) ListRelationsByCanvas(ctx context.Context, canvasID types.CanvasID) ([]types.EntityRelation, error) {
	var out []types.EntityRelation
	err := p.run(ctx, "list_relations", func(ctx context.Context, q querier) error {
		rows, err := q.Query(ctx, `SELECT canvas_id, entity_id, entity_type FROM canvas_entity_relations
WHERE canvas_id = $1 AND deleted_at IS NULL ORDER BY id`, string(canvasID))
		if err != nil {
			return err
		}
		out, err = scanRelations(rows)
		return err
	})
	return out, err
}

func (p *Postgres) ListRelationsByEntities(ctx context.Context, entities []types.Entity) ([]types.EntityRelation, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	var all []types.EntityRelation
	err := p.run(ctx, "list_relations", func(ctx context.Context, q querier) error {
		rows, err := q.Query(ctx, `SELECT canvas_id, entity_id, entity_type FROM canvas_entity_relations
WHERE entity_id = ANY($1) AND deleted_at IS NULL ORDER BY id`, entityIDs(entities))
		if err != nil {
			return err
		}
		all, err = scanRelations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	wanted := entitySet(entities)
	out := all[:0]
	for _, r := range all {
		if _, ok := wanted[r.Entity()]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Postgres) InsertRelations(ctx context.Context, relations []types.EntityRelation) error {
	if len(relations) == 0 {
		return nil
	}
	return p.run(ctx, "insert_relations", func(ctx context.Context, q querier) error {
		batch := &pgx.Batch{}
		for _, r := range relations {
			batch.Queue(`
INSERT INTO canvas_entity_relations (canvas_id, entity_id, entity_type)
VALUES ($1, $2, $3)
ON CONFLICT (canvas_id, entity_id, entity_type) WHERE deleted_at IS NULL DO NOTHING`,
				string(r.CanvasID), string(r.EntityID), string(r.EntityType))
		}
		return q.SendBatch(ctx, batch).Close()
	})
}

func (p *Postgres) SoftDeleteRelations(ctx context.Context, canvasID types.CanvasID, entities []types.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	now := p.now()
	return p.run(ctx, "soft_delete_relations", func(ctx context.Context, q querier) error {
		batch := &pgx.Batch{}
		for _, e := range entities {
			batch.Queue(`UPDATE canvas_entity_relations SET deleted_at = $4
WHERE canvas_id = $1 AND entity_id = $2 AND entity_type = $3 AND deleted_at IS NULL`,
				string(canvasID), string(e.ID), string(e.Type), now)
		}
		return q.SendBatch(ctx, batch).Close()
	})
}

func (p *Postgres) InsertDuplicateRecord(ctx context.Context, r types.DuplicateRecord) error {
	now := p.now()
	return p.run(ctx, "insert_duplicate_record", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO duplicate_records (uid, source_id, target_id, entity_type, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			string(r.UID), r.SourceID, r.TargetID, string(r.EntityType), string(r.Status), now)
		return err
	})
}

func (p *Postgres) SetDuplicateStatus(ctx context.Context, sourceID, targetID string, status types.DuplicateStatus) error {
	return p.run(ctx, "set_duplicate_status", func(ctx context.Context, q querier) error {
		tag, err := q.Exec(ctx, `UPDATE duplicate_records SET status = $3, updated_at = $4
WHERE source_id = $1 AND target_id = $2`, sourceID, targetID, string(status), p.now())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: duplicate record %s -> %s", ErrNotFound, sourceID, targetID)
		}
		return nil
	})
}

func (p *Postgres) GetDuplicateRecord(ctx context.Context, sourceID, targetID string) (types.DuplicateRecord, error) {
	var r types.DuplicateRecord
	err := p.run(ctx, "get_duplicate_record", func(ctx context.Context, q querier) error {
		var uid, entityType, status string
		err := q.QueryRow(ctx, `SELECT uid, source_id, target_id, entity_type, status, created_at, updated_at
FROM duplicate_records WHERE source_id = $1 AND target_id = $2`, sourceID, targetID).
			Scan(&uid, &r.SourceID, &r.TargetID, &entityType, &status, &r.CreatedAt, &r.UpdatedAt)
		r.UID = types.UserID(uid)
		r.EntityType = types.EntityType(entityType)
		r.Status = types.DuplicateStatus(status)
		return err
	})
	return r, notFound(err, "duplicate record "+sourceID+" -> "+targetID)
}

func (p *Postgres) UpsertUser(ctx context.Context, u types.User) error {
	return p.run(ctx, "upsert_user", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO users (uid, name, email) VALUES ($1, $2, $3)
ON CONFLICT (uid) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`,
			string(u.UID), u.Name, u.Email)
		return err
	})
}

func (p *Postgres) GetUser(ctx context.Context, uid types.UserID) (types.User, error) {
	u := types.User{UID: uid}
	err := p.run(ctx, "get_user", func(ctx context.Context, q querier) error {
		return q.QueryRow(ctx, `SELECT name, email FROM users WHERE uid = $1`, string(uid)).Scan(&u.Name, &u.Email)
	})
	return u, notFound(err, "user "+string(uid))
}

const entityColumns = `entity_id, entity_type, uid, title, content_preview, storage_key, created_at, updated_at, deleted_at`

func scanEntity(row pgx.Row) (types.EntityRecord, error) {
	var (
		r                   types.EntityRecord
		id, entityType, uid string
	)
	if err := row.Scan(&id, &entityType, &uid, &r.Title, &r.ContentPreview, &r.StorageKey, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt); err != nil {
		return types.EntityRecord{}, err
	}
	r.EntityID = types.EntityID(id)
	r.EntityType = types.EntityType(entityType)
	r.UID = types.UserID(uid)
	return r, nil
}

func (p *Postgres) InsertEntity(ctx context.Context, r types.EntityRecord) error {
	now := p.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return p.run(ctx, "insert_entity", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO entities (entity_id, entity_type, uid, title, content_preview, storage_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(r.EntityID), string(r.EntityType), string(r.UID), r.Title, r.ContentPreview, r.StorageKey, r.CreatedAt, r.UpdatedAt)
		return err
	})
}

func (p *Postgres) GetEntity(ctx context.Context, entity types.Entity) (types.EntityRecord, error) {
	var r types.EntityRecord
	err := p.run(ctx, "get_entity", func(ctx context.Context, q querier) error {
		var err error
		r, err = scanEntity(q.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities
WHERE entity_id = $1 AND entity_type = $2 AND deleted_at IS NULL`, string(entity.ID), string(entity.Type)))
		return err
	})
	return r, notFound(err, fmt.Sprintf("%s %s", entity.Type, entity.ID))
}

func (p *Postgres) ListEntities(ctx context.Context, entities []types.Entity) ([]types.EntityRecord, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	var all []types.EntityRecord
	err := p.run(ctx, "list_entities", func(ctx context.Context, q querier) error {
		rows, err := q.Query(ctx, `SELECT `+entityColumns+` FROM entities
WHERE entity_id = ANY($1) AND deleted_at IS NULL ORDER BY created_at`, entityIDs(entities))
		if err != nil {
			return err
		}
		defer rows.Close()
		all = all[:0]
		for rows.Next() {
			r, err := scanEntity(rows)
			if err != nil {
				return err
			}
			all = append(all, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	wanted := entitySet(entities)
	out := all[:0]
	for _, r := range all {
		if _, ok := wanted[types.Entity{ID: r.EntityID, Type: r.EntityType}]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Postgres) SoftDeleteEntity(ctx context.Context, entity types.Entity) error {
	return p.run(ctx, "soft_delete_entity", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `UPDATE entities SET deleted_at = $3
WHERE entity_id = $1 AND entity_type = $2 AND deleted_at IS NULL`, string(entity.ID), string(entity.Type), p.now())
		return err
	})
}

const actionResultColumns = `result_id, uid, target_id, target_type, title, query, steps, created_at, deleted_at`

func scanActionResult(row pgx.Row) (types.ActionResult, error) {
	var (
		r                   types.ActionResult
		id, uid, targetType string
		steps               []byte
	)
	if err := row.Scan(&id, &uid, &r.TargetID, &targetType, &r.Title, &r.Query, &steps, &r.CreatedAt, &r.DeletedAt); err != nil {
		return types.ActionResult{}, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &r.Steps); err != nil {
			return types.ActionResult{}, fmt.Errorf("decode steps of %s: %w", id, err)
		}
	}
	r.ResultID = types.EntityID(id)
	r.UID = types.UserID(uid)
	r.TargetType = types.EntityType(targetType)
	return r, nil
}

func (p *Postgres) InsertActionResult(ctx context.Context, r types.ActionResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now()
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	return p.run(ctx, "insert_action_result", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `
INSERT INTO action_results (result_id, uid, target_id, target_type, title, query, steps, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(r.ResultID), string(r.UID), r.TargetID, string(r.TargetType), r.Title, r.Query, steps, r.CreatedAt)
		return err
	})
}

func (p *Postgres) GetActionResult(ctx context.Context, resultID types.EntityID) (types.ActionResult, error) {
	var r types.ActionResult
	err := p.run(ctx, "get_action_result", func(ctx context.Context, q querier) error {
		var err error
		r, err = scanActionResult(q.QueryRow(ctx, `SELECT `+actionResultColumns+` FROM action_results
WHERE result_id = $1 AND deleted_at IS NULL`, string(resultID)))
		return err
	})
	return r, notFound(err, "action result "+string(resultID))
}

func (p *Postgres) ListActionResultsByTarget(ctx context.Context, targetType types.EntityType, targetID string) ([]types.ActionResult, error) {
	var out []types.ActionResult
	err := p.run(ctx, "list_action_results", func(ctx context.Context, q querier) error {
		rows, err := q.Query(ctx, `SELECT `+actionResultColumns+` FROM action_results
WHERE target_type = $1 AND target_id = $2 AND deleted_at IS NULL ORDER BY created_at`, string(targetType), targetID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			r, err := scanActionResult(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) SoftDeleteActionResult(ctx context.Context, resultID types.EntityID) error {
	return p.run(ctx, "soft_delete_action_result", func(ctx context.Context, q querier) error {
		_, err := q.Exec(ctx, `UPDATE action_results SET deleted_at = $2 WHERE result_id = $1 AND deleted_at IS NULL`,
			string(resultID), p.now())
		return err
	})
}

func (p *Postgres) LinkFiles(ctx context.Context, files []types.StaticFile) error {
	if len(files) == 0 {
		return nil
	}
	now := p.now()
	return p.run(ctx, "link_files", func(ctx context.Context, q querier) error {
		batch := &pgx.Batch{}
		for _, f := range files {
			batch.Queue(`
INSERT INTO static_files (storage_key, uid, entity_id, entity_type, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (storage_key, entity_type, entity_id) DO NOTHING`,
				f.StorageKey, string(f.UID), f.EntityID, string(f.EntityType), now)
		}
		return q.SendBatch(ctx, batch).Close()
	})
}

func (p *Postgres) ListFiles(ctx context.Context, entityType types.EntityType, entityID string) ([]types.StaticFile, error) {
	var out []types.StaticFile
	err := p.run(ctx, "list_files", func(ctx context.Context, q querier) error {
		rows, err := q.Query(ctx, `SELECT storage_key, uid, entity_id, entity_type, created_at FROM static_files
WHERE entity_type = $1 AND entity_id = $2 ORDER BY id`, string(entityType), entityID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var f types.StaticFile
			var uid, et string
			if err := rows.Scan(&f.StorageKey, &uid, &f.EntityID, &et, &f.CreatedAt); err != nil {
				return err
			}
			f.UID = types.UserID(uid)
			f.EntityType = types.EntityType(et)
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}
