package types

import (
	"encoding/json"
	"fmt"
)

// NodeData is the payload of a canvas node. Only the fields the server acts
// on are typed; everything else rides along in Metadata.
type NodeData struct {
	EntityID       EntityID       `json:"entityId"`
	Title          string         `json:"title,omitempty"`
	ContentPreview string         `json:"contentPreview,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Node is a canvas node. Unknown top-level fields (position, style, ...) are
// preserved across decode/encode so the server never drops client state.
type Node struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`
	Data NodeData   `json:"data"`

	extra map[string]json.RawMessage
}

// Entity returns the node identity.
func (n Node) Entity() Entity {
	return Entity{ID: n.Data.EntityID, Type: n.Type}
}

// Clone returns a deep enough copy for independent mutation of Data.
func (n Node) Clone() Node {
	out := n
	if n.Data.Metadata != nil {
		out.Data.Metadata = make(map[string]any, len(n.Data.Metadata))
		for k, v := range n.Data.Metadata {
			out.Data.Metadata[k] = v
		}
	}
	if n.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(n.extra))
		for k, v := range n.extra {
			out.extra[k] = v
		}
	}
	return out
}

// SetExtra stores an arbitrary top-level field, e.g. "position".
func (n *Node) SetExtra(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode node field %s: %w", key, err)
	}
	if n.extra == nil {
		n.extra = make(map[string]json.RawMessage)
	}
	n.extra[key] = raw
	return nil
}

// Extra returns a raw top-level field preserved from decoding.
func (n Node) Extra(key string) (json.RawMessage, bool) {
	raw, ok := n.extra[key]
	return raw, ok
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.extra)+3)
	for k, v := range n.extra {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = n.Type
	out["data"] = n.Data
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode node: %w", err)
	}
	var decoded Node
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &decoded.ID); err != nil {
			return fmt.Errorf("decode node id: %w", err)
		}
		delete(fields, "id")
	}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &decoded.Type); err != nil {
			return fmt.Errorf("decode node type: %w", err)
		}
		delete(fields, "type")
	}
	if raw, ok := fields["data"]; ok {
		if err := json.Unmarshal(raw, &decoded.Data); err != nil {
			return fmt.Errorf("decode node data: %w", err)
		}
		delete(fields, "data")
	}
	if len(fields) > 0 {
		decoded.extra = fields
	}
	*n = decoded
	return nil
}

// Edge connects two nodes by node id.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type,omitempty"`
}
