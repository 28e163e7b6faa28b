package types

import (
	"time"
)

// UserID identifies the owner of canvases and entities.
type UserID string

// CanvasID identifies a canvas.
type CanvasID string

// EntityID identifies an entity embedded in a canvas (document, resource, ...).
type EntityID string

// ClientID identifies the origin of a CRDT update: a server instance or a
// connected realtime editor.
type ClientID string

// EntityType enumerates the kinds of nodes a canvas can reference.
type EntityType string

const (
	EntityDocument      EntityType = "document"
	EntityResource      EntityType = "resource"
	EntitySkillResponse EntityType = "skillResponse"
	EntityCodeArtifact  EntityType = "codeArtifact"
	EntityImage         EntityType = "image"
	EntityMemo          EntityType = "memo"
	EntityGroup         EntityType = "group"
	EntityCanvas        EntityType = "canvas"
)

// Forkable reports whether entities of this type are duplicated when a canvas
// is duplicated with entity forking enabled.
func (t EntityType) Forkable() bool {
	switch t {
	case EntityDocument, EntityResource, EntitySkillResponse:
		return true
	}
	return false
}

// Entity is the identity of a canvas node: (type, entityId).
type Entity struct {
	ID   EntityID   `json:"entityId"`
	Type EntityType `json:"entityType"`
}

// CanvasStatus tracks the lifecycle of a canvas row.
type CanvasStatus string

const (
	CanvasDuplicating CanvasStatus = "duplicating"
	CanvasReady       CanvasStatus = "ready"
	CanvasFailed      CanvasStatus = "failed"
)

// Canvas is the relational metadata row of a canvas. The CRDT content lives in
// object storage under StateStorageKey.
type Canvas struct {
	UID               UserID       `json:"uid"`
	CanvasID          CanvasID     `json:"canvasId"`
	Title             string       `json:"title"`
	Status            CanvasStatus `json:"status"`
	StateStorageKey   string       `json:"-"`
	MinimapStorageKey string       `json:"minimapStorageKey,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	DeletedAt         *time.Time   `json:"deletedAt,omitempty"`
}

// Live reports whether the canvas has not been soft-deleted.
func (c Canvas) Live() bool { return c.DeletedAt == nil }

// EntityRelation is a derived index row linking a canvas to an entity that one
// of its nodes references.
type EntityRelation struct {
	CanvasID   CanvasID   `json:"canvasId"`
	EntityID   EntityID   `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Entity returns the (type, id) identity the relation points at.
func (r EntityRelation) Entity() Entity {
	return Entity{ID: r.EntityID, Type: r.EntityType}
}

// DuplicateStatus tracks an asynchronous duplication.
type DuplicateStatus string

const (
	DuplicatePending DuplicateStatus = "pending"
	DuplicateFinish  DuplicateStatus = "finish"
	DuplicateFailed  DuplicateStatus = "failed"
)

// DuplicateRecord is created together with the target canvas row and moved to
// a terminal status exactly once.
type DuplicateRecord struct {
	UID        UserID          `json:"uid"`
	SourceID   string          `json:"sourceId"`
	TargetID   string          `json:"targetId"`
	EntityType EntityType      `json:"entityType"`
	Status     DuplicateStatus `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// User is the minimal account view needed by the canvas layer.
type User struct {
	UID   UserID `json:"uid"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// EntityRecord is the stored row of a document or resource entity.
type EntityRecord struct {
	EntityID       EntityID   `json:"entityId"`
	EntityType     EntityType `json:"entityType"`
	UID            UserID     `json:"uid"`
	Title          string     `json:"title"`
	ContentPreview string     `json:"contentPreview"`
	StorageKey     string     `json:"storageKey,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// ActionStep is one step output of an AI response.
type ActionStep struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ActionResult is an AI-generated response whose target may be a canvas.
type ActionResult struct {
	ResultID   EntityID     `json:"resultId"`
	UID        UserID       `json:"uid"`
	TargetID   string       `json:"targetId"`
	TargetType EntityType   `json:"targetType"`
	Title      string       `json:"title"`
	Query      string       `json:"query"`
	Steps      []ActionStep `json:"steps"`
	CreatedAt  time.Time    `json:"createdAt"`
	DeletedAt  *time.Time   `json:"deletedAt,omitempty"`
}

// StaticFile links an object-storage blob to an owning entity. Linking a blob
// into another namespace adds a row; the blob itself is shared.
type StaticFile struct {
	StorageKey string     `json:"storageKey"`
	UID        UserID     `json:"uid"`
	EntityID   string     `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// VectorClock keeps logical time for each origin contributing to a document.
type VectorClock map[ClientID]uint64

// Bump increments the vector clock for a client.
func (vc VectorClock) Bump(client ClientID) uint64 {
	vc[client] = vc[client] + 1
	return vc[client]
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for client, value := range other {
		if current, ok := vc[client]; !ok || value > current {
			vc[client] = value
		}
	}
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for client, value := range other {
		if vc[client] < value {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}
