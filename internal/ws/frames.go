package ws

import (
	"encoding/json"
	"fmt"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/types"
)

// Frame types exchanged with realtime editors.
const (
	FrameSync   = "sync"
	FrameUpdate = "update"
	FrameError  = "error"
)

// Frame is the JSON envelope of every websocket text message.
//
// The server opens with a sync frame carrying the full document state and the
// client id the editor must stamp its updates with. Afterwards both sides
// exchange update frames.
type Frame struct {
	Type     string         `json:"type"`
	ClientID types.ClientID `json:"clientId,omitempty"`
	State    *crdt.State    `json:"state,omitempty"`
	Update   *crdt.Update   `json:"update,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func syncFrame(clientID types.ClientID, state crdt.State) Frame {
	return Frame{Type: FrameSync, ClientID: clientID, State: &state}
}

func updateFrame(update crdt.Update) Frame {
	return Frame{Type: FrameUpdate, Update: &update}
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameError, Error: msg}
}

func encodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameUpdate:
		if f.Update == nil {
			return Frame{}, fmt.Errorf("update frame without payload")
		}
	case "":
		return Frame{}, fmt.Errorf("frame type missing")
	}
	return f, nil
}
