package storage

import (
	"time"

	"gorm.io/gorm"

	"github.com/example/canvas-engine/internal/types"
)

type userModel struct {
	UID   string `gorm:"column:uid;primaryKey;size:190"`
	Name  string `gorm:"column:name;not null;default:''"`
	Email string `gorm:"column:email;not null;default:''"`
}

func (userModel) TableName() string { return "users" }

type canvasModel struct {
	CanvasID          string `gorm:"column:canvas_id;primaryKey;size:190"`
	UID               string `gorm:"column:uid;not null;index:idx_canvases_uid_updated,priority:1"`
	Title             string `gorm:"column:title;not null;default:''"`
	Status            string `gorm:"column:status;not null"`
	StateStorageKey   string `gorm:"column:state_storage_key;not null"`
	MinimapStorageKey string `gorm:"column:minimap_storage_key;not null;default:''"`
	CreatedAt         time.Time
	UpdatedAt         time.Time      `gorm:"index:idx_canvases_uid_updated,priority:2"`
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

func (canvasModel) TableName() string { return "canvases" }

type relationModel struct {
	ID         uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	CanvasID   string         `gorm:"column:canvas_id;not null;index"`
	EntityID   string         `gorm:"column:entity_id;not null;index"`
	EntityType string         `gorm:"column:entity_type;not null"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (relationModel) TableName() string { return "canvas_entity_relations" }

type duplicateModel struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	UID        string `gorm:"column:uid;not null"`
	SourceID   string `gorm:"column:source_id;not null;uniqueIndex:idx_duplicate_pair,priority:1"`
	TargetID   string `gorm:"column:target_id;not null;uniqueIndex:idx_duplicate_pair,priority:2"`
	EntityType string `gorm:"column:entity_type;not null"`
	Status     string `gorm:"column:status;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (duplicateModel) TableName() string { return "duplicate_records" }

type entityModel struct {
	EntityID       string `gorm:"column:entity_id;primaryKey;size:190"`
	EntityType     string `gorm:"column:entity_type;not null"`
	UID            string `gorm:"column:uid;not null"`
	Title          string `gorm:"column:title;not null;default:''"`
	ContentPreview string `gorm:"column:content_preview;not null;default:''"`
	StorageKey     string `gorm:"column:storage_key;not null;default:''"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (entityModel) TableName() string { return "entities" }

type actionResultModel struct {
	ResultID   string             `gorm:"column:result_id;primaryKey;size:190"`
	UID        string             `gorm:"column:uid;not null"`
	TargetID   string             `gorm:"column:target_id;not null;index:idx_action_results_target,priority:2"`
	TargetType string             `gorm:"column:target_type;not null;index:idx_action_results_target,priority:1"`
	Title      string             `gorm:"column:title;not null;default:''"`
	Query      string             `gorm:"column:query;not null;default:''"`
	Steps      []types.ActionStep `gorm:"column:steps;serializer:json"`
	CreatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (actionResultModel) TableName() string { return "action_results" }

type staticFileModel struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	StorageKey string `gorm:"column:storage_key;not null;uniqueIndex:idx_static_file_owner,priority:1"`
	UID        string `gorm:"column:uid;not null"`
	EntityID   string `gorm:"column:entity_id;not null;uniqueIndex:idx_static_file_owner,priority:3"`
	EntityType string `gorm:"column:entity_type;not null;uniqueIndex:idx_static_file_owner,priority:2"`
	CreatedAt  time.Time
}

func (staticFileModel) TableName() string { return "static_files" }

func deletedAtPtr(d gorm.DeletedAt) *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}

func (m canvasModel) toCanvas() types.Canvas {
	return types.Canvas{
		UID:               types.UserID(m.UID),
		CanvasID:          types.CanvasID(m.CanvasID),
		Title:             m.Title,
		Status:            types.CanvasStatus(m.Status),
		StateStorageKey:   m.StateStorageKey,
		MinimapStorageKey: m.MinimapStorageKey,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		DeletedAt:         deletedAtPtr(m.DeletedAt),
	}
}

func (m relationModel) toRelation() types.EntityRelation {
	return types.EntityRelation{
		CanvasID:   types.CanvasID(m.CanvasID),
		EntityID:   types.EntityID(m.EntityID),
		EntityType: types.EntityType(m.EntityType),
		DeletedAt:  deletedAtPtr(m.DeletedAt),
	}
}

func (m entityModel) toEntity() types.EntityRecord {
	return types.EntityRecord{
		EntityID:       types.EntityID(m.EntityID),
		EntityType:     types.EntityType(m.EntityType),
		UID:            types.UserID(m.UID),
		Title:          m.Title,
		ContentPreview: m.ContentPreview,
		StorageKey:     m.StorageKey,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		DeletedAt:      deletedAtPtr(m.DeletedAt),
	}
}

func (m actionResultModel) toActionResult() types.ActionResult {
	return types.ActionResult{
		ResultID:   types.EntityID(m.ResultID),
		UID:        types.UserID(m.UID),
		TargetID:   m.TargetID,
		TargetType: types.EntityType(m.TargetType),
		Title:      m.Title,
		Query:      m.Query,
		Steps:      m.Steps,
		CreatedAt:  m.CreatedAt,
		DeletedAt:  deletedAtPtr(m.DeletedAt),
	}
}
