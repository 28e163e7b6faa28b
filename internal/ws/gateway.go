package ws

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/canvas-engine/internal/collab"
	"github.com/example/canvas-engine/internal/presence"
	"github.com/example/canvas-engine/internal/types"
)

// Identity describes an authenticated editor and the canvas it edits. The
// caller resolves ownership and the state key before handing the request to
// the gateway.
type Identity struct {
	UID      types.UserID
	CanvasID types.CanvasID
	StateKey string
	ClientID types.ClientID
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	ReadLimit          int64
	UpdatesPerSecond   float64
	UpdateBurst        int
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	// Presence records attached editors. Defaults to an in-process tracker.
	Presence presence.Tracker
}

// Gateway upgrades HTTP requests into WebSocket connections bound to a
// collaboration session.
type Gateway struct {
	sessions *collab.Manager
	registry *ConnectionRegistry
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	cfg      GatewayConfig
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(sessions *collab.Manager, registry *ConnectionRegistry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.UpdatesPerSecond == 0 {
		cfg.UpdatesPerSecond = 50
	}
	if cfg.UpdateBurst == 0 {
		cfg.UpdateBurst = 100
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		sessions: sessions,
		registry: registry,
		logger:   logger.With().Str("component", "ws").Logger(),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// Serve opens a session for the identity, upgrades the request and blocks
// until the connection is closed. Editors without a client id get a fresh one.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, id Identity) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "ws.Serve", trace.WithAttributes(attribute.String("canvas", string(id.CanvasID))))
	defer span.End()

	if id.ClientID == "" {
		id.ClientID = types.ClientID(uuid.NewString())
	}
	logger := g.logger.With().Str("canvas", string(id.CanvasID)).Str("client", string(id.ClientID)).Logger()

	session, err := g.sessions.Open(ctx, id.CanvasID, id.StateKey, collab.SessionOptions{ClientID: id.ClientID})
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("open collaboration session")
		http.Error(w, "could not open canvas", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		_ = session.Close(context.WithoutCancel(ctx))
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	var connection *Connection
	connection = newConnection(g.ctx, conn, session, id, logger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		readLimit:          g.cfg.ReadLimit,
		updatesPerSecond:   g.cfg.UpdatesPerSecond,
		updateBurst:        g.cfg.UpdateBurst,
	}, func() {
		g.registry.Unregister(id.CanvasID, connection)
		leaveCtx, cancel := context.WithTimeout(context.Background(), g.cfg.WriteTimeout)
		defer cancel()
		if err := g.cfg.Presence.Leave(leaveCtx, id.CanvasID, id.ClientID); err != nil {
			logger.Warn().Err(err).Msg("failed to clear presence")
		}
	})

	g.registry.Register(id.CanvasID, connection)
	if err := g.cfg.Presence.Join(ctx, presence.Editor{CanvasID: id.CanvasID, ClientID: id.ClientID, UID: id.UID}); err != nil {
		logger.Warn().Err(err).Msg("failed to record presence")
	}
	logger.Info().Msg("websocket connection established")
	connection.Run()
	logger.Info().Msg("websocket connection closed")
}

// Roster lists the editors attached to canvasID across instances.
func (g *Gateway) Roster(ctx context.Context, canvasID types.CanvasID) ([]presence.Editor, error) {
	return g.cfg.Presence.Roster(ctx, canvasID)
}

// Shutdown closes every open connection, flushing their sessions.
func (g *Gateway) Shutdown() {
	g.cancel()
	for _, c := range g.registry.Connections() {
		c.closeWithFrame(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}
