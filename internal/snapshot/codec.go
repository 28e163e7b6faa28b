package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/canvas-engine/internal/crdt"
)

const formatVersion = 2

// ErrEmpty is returned when decoding a zero-length blob.
var ErrEmpty = errors.New("snapshot: empty payload")

// Payload is the persisted representation of a canvas document.
type Payload struct {
	Version int        `json:"version"`
	State   crdt.State `json:"state"`
}

// Encode serializes the full document state, tombstones included, so a
// restored replica can still integrate late remote deletes.
func Encode(doc *crdt.Document) ([]byte, error) {
	data, err := json.Marshal(Payload{Version: formatVersion, State: doc.State()})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	return data, nil
}

// Decode restores a document from data. The returned document stamps its own
// updates with siteID.
func Decode(data []byte, siteID string) (*crdt.Document, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	if payload.Version != formatVersion {
		return nil, fmt.Errorf("decode snapshot payload: unsupported version %d", payload.Version)
	}
	return crdt.Restore(siteID, payload.State), nil
}
