package ws

import (
	"sync"

	"github.com/example/canvas-engine/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by canvas ID.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	canvases map[types.CanvasID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{canvases: make(map[types.CanvasID]map[*Connection]struct{})}
}

// Register associates the connection with a canvas.
func (r *ConnectionRegistry) Register(canvasID types.CanvasID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canvases[canvasID] == nil {
		r.canvases[canvasID] = make(map[*Connection]struct{})
	}
	r.canvases[canvasID][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(canvasID)).Set(float64(len(r.canvases[canvasID])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(canvasID types.CanvasID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.canvases[canvasID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.canvases, canvasID)
		gatewayConnections.DeleteLabelValues(string(canvasID))
		return
	}
	gatewayConnections.WithLabelValues(string(canvasID)).Set(float64(len(conns)))
}

// Count returns the number of connections attached to the canvas.
func (r *ConnectionRegistry) Count(canvasID types.CanvasID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.canvases[canvasID])
}

// Connections returns a copy of every registered connection.
func (r *ConnectionRegistry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, conns := range r.canvases {
		for c := range conns {
			out = append(out, c)
		}
	}
	return out
}
