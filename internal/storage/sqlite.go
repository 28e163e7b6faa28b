package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/canvas-engine/internal/types"
)

// SQLite implements Store on gorm with the pure-Go sqlite driver. It backs
// single-node deployments and the test suite.
type SQLite struct {
	db   *gorm.DB
	inTx bool
	now  func() time.Time
}

// OpenSQLite opens the database at path (":memory:" for an ephemeral one) and
// migrates the schema.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&userModel{},
		&canvasModel{},
		&relationModel{},
		&duplicateModel{},
		&entityModel{},
		&actionResultModel{},
		&staticFileModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	start := time.Now()
	defer observeQuery("tx", start)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&SQLite{db: tx, inTx: true, now: s.now})
	})
}

func (s *SQLite) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func observeQuery(op string, start time.Time) {
	queryLatency.WithLabelValues("sqlite", op).Observe(time.Since(start).Seconds())
}

func gormNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

func (s *SQLite) InsertCanvas(ctx context.Context, c types.Canvas) error {
	defer observeQuery("insert_canvas", time.Now())
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	return s.conn(ctx).Create(&canvasModel{
		CanvasID:          string(c.CanvasID),
		UID:               string(c.UID),
		Title:             c.Title,
		Status:            string(c.Status),
		StateStorageKey:   c.StateStorageKey,
		MinimapStorageKey: c.MinimapStorageKey,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}).Error
}

func (s *SQLite) GetCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID) (types.Canvas, error) {
	defer observeQuery("get_canvas", time.Now())
	var m canvasModel
	err := s.conn(ctx).Where("uid = ? AND canvas_id = ?", string(uid), string(canvasID)).Take(&m).Error
	if err != nil {
		return types.Canvas{}, gormNotFound(err, "canvas "+string(canvasID))
	}
	return m.toCanvas(), nil
}

func (s *SQLite) GetCanvasByID(ctx context.Context, canvasID types.CanvasID) (types.Canvas, error) {
	defer observeQuery("get_canvas", time.Now())
	var m canvasModel
	err := s.conn(ctx).Where("canvas_id = ?", string(canvasID)).Take(&m).Error
	if err != nil {
		return types.Canvas{}, gormNotFound(err, "canvas "+string(canvasID))
	}
	return m.toCanvas(), nil
}

func (s *SQLite) ListCanvases(ctx context.Context, uid types.UserID, offset, limit int) ([]types.Canvas, error) {
	defer observeQuery("list_canvases", time.Now())
	var models []canvasModel
	err := s.conn(ctx).
		Where("uid = ?", string(uid)).
		Order("updated_at DESC, canvas_id").
		Offset(offset).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Canvas, 0, len(models))
	for _, m := range models {
		out = append(out, m.toCanvas())
	}
	return out, nil
}

func (s *SQLite) UpdateCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID, patch CanvasPatch) (types.Canvas, error) {
	defer observeQuery("update_canvas", time.Now())
	updates := map[string]any{"updated_at": s.now()}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.MinimapStorageKey != nil {
		updates["minimap_storage_key"] = *patch.MinimapStorageKey
	}
	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}

	res := s.conn(ctx).Model(&canvasModel{}).
		Where("uid = ? AND canvas_id = ?", string(uid), string(canvasID)).
		Updates(updates)
	if res.Error != nil {
		return types.Canvas{}, res.Error
	}
	if res.RowsAffected == 0 {
		return types.Canvas{}, fmt.Errorf("%w: canvas %s", ErrNotFound, canvasID)
	}
	return s.GetCanvas(ctx, uid, canvasID)
}

func (s *SQLite) SetCanvasStatus(ctx context.Context, canvasID types.CanvasID, status types.CanvasStatus) error {
	defer observeQuery("set_canvas_status", time.Now())
	res := s.conn(ctx).Unscoped().Model(&canvasModel{}).
		Where("canvas_id = ?", string(canvasID)).
		Updates(map[string]any{"status": string(status), "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: canvas %s", ErrNotFound, canvasID)
	}
	return nil
}

func (s *SQLite) SoftDeleteCanvas(ctx context.Context, uid types.UserID, canvasID types.CanvasID) error {
	defer observeQuery("soft_delete_canvas", time.Now())
	res := s.conn(ctx).Where("uid = ? AND canvas_id = ?", string(uid), string(canvasID)).Delete(&canvasModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: canvas %s", ErrNotFound, canvasID)
	}
	return nil
}

func (s *SQLite) ListRelationsByCanvas(ctx context.Context, canvasID types.CanvasID) ([]types.EntityRelation, error) {
	defer observeQuery("list_relations", time.Now())
	var models []relationModel
	if err := s.conn(ctx).Where("canvas_id = ?", string(canvasID)).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.EntityRelation, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRelation())
	}
	return out, nil
}

func (s *SQLite) ListRelationsByEntities(ctx context.Context, entities []types.Entity) ([]types.EntityRelation, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	defer observeQuery("list_relations", time.Now())
	var models []relationModel
	if err := s.conn(ctx).Where("entity_id IN ?", entityIDs(entities)).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	wanted := entitySet(entities)
	out := make([]types.EntityRelation, 0, len(models))
	for _, m := range models {
		r := m.toRelation()
		if _, ok := wanted[r.Entity()]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type relationKey struct {
	canvas types.CanvasID
	entity types.Entity
}

func (s *SQLite) InsertRelations(ctx context.Context, relations []types.EntityRelation) error {
	if len(relations) == 0 {
		return nil
	}
	defer observeQuery("insert_relations", time.Now())

	canvasIDs := make([]string, 0, len(relations))
	for _, r := range relations {
		canvasIDs = append(canvasIDs, string(r.CanvasID))
	}
	var existing []relationModel
	if err := s.conn(ctx).Where("canvas_id IN ?", canvasIDs).Find(&existing).Error; err != nil {
		return err
	}
	seen := make(map[relationKey]struct{}, len(existing)+len(relations))
	for _, m := range existing {
		r := m.toRelation()
		seen[relationKey{canvas: r.CanvasID, entity: r.Entity()}] = struct{}{}
	}

	now := s.now()
	fresh := make([]relationModel, 0, len(relations))
	for _, r := range relations {
		key := relationKey{canvas: r.CanvasID, entity: r.Entity()}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, relationModel{
			CanvasID:   string(r.CanvasID),
			EntityID:   string(r.EntityID),
			EntityType: string(r.EntityType),
			CreatedAt:  now,
		})
	}
	if len(fresh) == 0 {
		return nil
	}
	return s.conn(ctx).Create(&fresh).Error
}

func (s *SQLite) SoftDeleteRelations(ctx context.Context, canvasID types.CanvasID, entities []types.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	defer observeQuery("soft_delete_relations", time.Now())
	db := s.conn(ctx)
	for _, e := range entities {
		err := db.Where("canvas_id = ? AND entity_id = ? AND entity_type = ?", string(canvasID), string(e.ID), string(e.Type)).
			Delete(&relationModel{}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) InsertDuplicateRecord(ctx context.Context, r types.DuplicateRecord) error {
	defer observeQuery("insert_duplicate_record", time.Now())
	now := s.now()
	return s.conn(ctx).Create(&duplicateModel{
		UID:        string(r.UID),
		SourceID:   r.SourceID,
		TargetID:   r.TargetID,
		EntityType: string(r.EntityType),
		Status:     string(r.Status),
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

func (s *SQLite) SetDuplicateStatus(ctx context.Context, sourceID, targetID string, status types.DuplicateStatus) error {
	defer observeQuery("set_duplicate_status", time.Now())
	res := s.conn(ctx).Model(&duplicateModel{}).
		Where("source_id = ? AND target_id = ?", sourceID, targetID).
		Updates(map[string]any{"status": string(status), "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: duplicate record %s -> %s", ErrNotFound, sourceID, targetID)
	}
	return nil
}

func (s *SQLite) GetDuplicateRecord(ctx context.Context, sourceID, targetID string) (types.DuplicateRecord, error) {
	defer observeQuery("get_duplicate_record", time.Now())
	var m duplicateModel
	err := s.conn(ctx).Where("source_id = ? AND target_id = ?", sourceID, targetID).Take(&m).Error
	if err != nil {
		return types.DuplicateRecord{}, gormNotFound(err, "duplicate record "+sourceID+" -> "+targetID)
	}
	return types.DuplicateRecord{
		UID:        types.UserID(m.UID),
		SourceID:   m.SourceID,
		TargetID:   m.TargetID,
		EntityType: types.EntityType(m.EntityType),
		Status:     types.DuplicateStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

func (s *SQLite) UpsertUser(ctx context.Context, u types.User) error {
	defer observeQuery("upsert_user", time.Now())
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email"}),
	}).Create(&userModel{UID: string(u.UID), Name: u.Name, Email: u.Email}).Error
}

func (s *SQLite) GetUser(ctx context.Context, uid types.UserID) (types.User, error) {
	defer observeQuery("get_user", time.Now())
	var m userModel
	if err := s.conn(ctx).Where("uid = ?", string(uid)).Take(&m).Error; err != nil {
		return types.User{}, gormNotFound(err, "user "+string(uid))
	}
	return types.User{UID: types.UserID(m.UID), Name: m.Name, Email: m.Email}, nil
}

func (s *SQLite) InsertEntity(ctx context.Context, r types.EntityRecord) error {
	defer observeQuery("insert_entity", time.Now())
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return s.conn(ctx).Create(&entityModel{
		EntityID:       string(r.EntityID),
		EntityType:     string(r.EntityType),
		UID:            string(r.UID),
		Title:          r.Title,
		ContentPreview: r.ContentPreview,
		StorageKey:     r.StorageKey,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}).Error
}

func (s *SQLite) GetEntity(ctx context.Context, entity types.Entity) (types.EntityRecord, error) {
	defer observeQuery("get_entity", time.Now())
	var m entityModel
	err := s.conn(ctx).Where("entity_id = ? AND entity_type = ?", string(entity.ID), string(entity.Type)).Take(&m).Error
	if err != nil {
		return types.EntityRecord{}, gormNotFound(err, fmt.Sprintf("%s %s", entity.Type, entity.ID))
	}
	return m.toEntity(), nil
}

func (s *SQLite) ListEntities(ctx context.Context, entities []types.Entity) ([]types.EntityRecord, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	defer observeQuery("list_entities", time.Now())
	var models []entityModel
	if err := s.conn(ctx).Where("entity_id IN ?", entityIDs(entities)).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	wanted := entitySet(entities)
	out := make([]types.EntityRecord, 0, len(models))
	for _, m := range models {
		r := m.toEntity()
		if _, ok := wanted[types.Entity{ID: r.EntityID, Type: r.EntityType}]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLite) SoftDeleteEntity(ctx context.Context, entity types.Entity) error {
	defer observeQuery("soft_delete_entity", time.Now())
	return s.conn(ctx).Where("entity_id = ? AND entity_type = ?", string(entity.ID), string(entity.Type)).
		Delete(&entityModel{}).Error
}

func (s *SQLite) InsertActionResult(ctx context.Context, r types.ActionResult) error {
	defer observeQuery("insert_action_result", time.Now())
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	return s.conn(ctx).Create(&actionResultModel{
		ResultID:   string(r.ResultID),
		UID:        string(r.UID),
		TargetID:   r.TargetID,
		TargetType: string(r.TargetType),
		Title:      r.Title,
		Query:      r.Query,
		Steps:      r.Steps,
		CreatedAt:  r.CreatedAt,
	}).Error
}

func (s *SQLite) GetActionResult(ctx context.Context, resultID types.EntityID) (types.ActionResult, error) {
	defer observeQuery("get_action_result", time.Now())
	var m actionResultModel
	if err := s.conn(ctx).Where("result_id = ?", string(resultID)).Take(&m).Error; err != nil {
		return types.ActionResult{}, gormNotFound(err, "action result "+string(resultID))
	}
	return m.toActionResult(), nil
}

func (s *SQLite) ListActionResultsByTarget(ctx context.Context, targetType types.EntityType, targetID string) ([]types.ActionResult, error) {
	defer observeQuery("list_action_results", time.Now())
	var models []actionResultModel
	err := s.conn(ctx).Where("target_type = ? AND target_id = ?", string(targetType), targetID).
		Order("created_at").Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.ActionResult, 0, len(models))
	for _, m := range models {
		out = append(out, m.toActionResult())
	}
	return out, nil
}

func (s *SQLite) SoftDeleteActionResult(ctx context.Context, resultID types.EntityID) error {
	defer observeQuery("soft_delete_action_result", time.Now())
	return s.conn(ctx).Where("result_id = ?", string(resultID)).Delete(&actionResultModel{}).Error
}

func (s *SQLite) LinkFiles(ctx context.Context, files []types.StaticFile) error {
	if len(files) == 0 {
		return nil
	}
	defer observeQuery("link_files", time.Now())
	now := s.now()
	models := make([]staticFileModel, 0, len(files))
	for _, f := range files {
		models = append(models, staticFileModel{
			StorageKey: f.StorageKey,
			UID:        string(f.UID),
			EntityID:   f.EntityID,
			EntityType: string(f.EntityType),
			CreatedAt:  now,
		})
	}
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models).Error
}

func (s *SQLite) ListFiles(ctx context.Context, entityType types.EntityType, entityID string) ([]types.StaticFile, error) {
	defer observeQuery("list_files", time.Now())
	var models []staticFileModel
	err := s.conn(ctx).Where("entity_type = ? AND entity_id = ?", string(entityType), entityID).Order("id").Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.StaticFile, 0, len(models))
	for _, m := range models {
		out = append(out, types.StaticFile{
			StorageKey: m.StorageKey,
			UID:        types.UserID(m.UID),
			EntityID:   m.EntityID,
			EntityType: types.EntityType(m.EntityType),
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}
