package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/canvas-engine/internal/canvas"
	"github.com/example/canvas-engine/internal/observability"
	"github.com/example/canvas-engine/internal/types"
	"github.com/example/canvas-engine/internal/ws"
)

const (
	uidContextKey    = "canvas_uid"
	loggerContextKey = "canvas_logger"
)

var (
	errMissingCanvasService = errors.New("canvas service dependency required")
	errMissingTokens        = errors.New("token dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wire the HTTP API.
type Dependencies struct {
	Canvases *canvas.Service
	Tokens   *Tokens
	// Gateway serves realtime editors. Nil disables the collab route.
	Gateway *ws.Gateway
	// Health reports dependency health for /healthz. Nil always reports ok.
	Health         func(ctx context.Context) error
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Canvases == nil {
		return nil, errMissingCanvasService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	h := &httpHandler{
		canvases: deps.Canvases,
		tokens:   deps.Tokens,
		gateway:  deps.Gateway,
		health:   deps.Health,
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
	router.Use(h.instrument)

	router.GET("/healthz", h.handleHealth)

	v1 := router.Group("/v1")
	v1.Use(h.authorizeRequest)
	v1.GET("/canvases", h.handleList)
	v1.POST("/canvases", h.handleCreate)
	v1.GET("/canvases/search", h.handleSearch)
	v1.GET("/canvases/:id", h.handleGet)
	v1.GET("/canvases/:id/raw", h.handleRawData)
	v1.PATCH("/canvases/:id", h.handleUpdate)
	v1.DELETE("/canvases/:id", h.handleDelete)
	v1.POST("/canvases/:id/duplicate", h.handleDuplicate)
	v1.POST("/canvases/:id/auto-name", h.handleAutoName)
	v1.POST("/canvases/:id/reconcile", h.handleReconcile)
	if deps.Gateway != nil {
		v1.GET("/canvases/:id/collab", h.handleCollab)
		v1.GET("/canvases/:id/editors", h.handleEditors)
	}

	return router, nil
}

type httpHandler struct {
	canvases *canvas.Service
	tokens   *Tokens
	gateway  *ws.Gateway
	health   func(ctx context.Context) error
	logger   zerolog.Logger
}

func (h *httpHandler) instrument(c *gin.Context) {
	start := time.Now()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
		trace.WithAttributes(attribute.String("http.route", route)))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)
	c.Set(loggerContextKey, observability.LoggerWithTrace(ctx, h.logger))

	c.Next()

	status := c.Writer.Status()
	span.SetAttributes(attribute.Int("http.status_code", status))
	requestLatency.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	h.requestLogger(c).Debug().
		Str("method", c.Request.Method).
		Str("route", route).
		Int("status", status).
		Dur("elapsed", time.Since(start)).
		Msg("request served")
}

func (h *httpHandler) requestLogger(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerContextKey); ok {
		if logger, ok := v.(zerolog.Logger); ok {
			return &logger
		}
	}
	return &h.logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if c.GetHeader("Upgrade") != "" {
		// Browsers cannot set headers on websocket handshakes.
		token = c.Query("access_token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	uid, err := h.tokens.Validate(token)
	if err != nil {
		h.requestLogger(c).Info().Err(err).Msg("token validation failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}
	c.Set(uidContextKey, string(uid))
	c.Next()
}

func userID(c *gin.Context) types.UserID {
	return types.UserID(c.GetString(uidContextKey))
}

func canvasID(c *gin.Context) types.CanvasID {
	return types.CanvasID(c.Param("id"))
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.requestLogger(c).Warn().Err(err).Msg("healthcheck failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryInt(c *gin.Context, key string, fallback int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (h *httpHandler) handleList(c *gin.Context) {
	page, ok := queryInt(c, "page", 1)
	if !ok {
		badRequest(c, "page must be an integer")
		return
	}
	pageSize, ok := queryInt(c, "pageSize", 0)
	if !ok {
		badRequest(c, "pageSize must be an integer")
		return
	}
	canvases, err := h.canvases.List(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": canvases})
}

type createRequest struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	var req createRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json body")
			return
		}
	}
	created, err := h.canvases.Create(c.Request.Context(), userID(c), req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		badRequest(c, "limit must be an integer")
		return
	}
	hits, err := h.canvases.Search(c.Request.Context(), userID(c), c.Query("q"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": hits})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	detail, err := h.canvases.Get(c.Request.Context(), userID(c), canvasID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleRawData(c *gin.Context) {
	raw, err := h.canvases.GetRawData(c.Request.Context(), userID(c), canvasID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, raw)
}

type updateRequest struct {
	Title             *string `json:"title"`
	MinimapStorageKey *string `json:"minimapStorageKey"`
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	updated, err := h.canvases.Update(c.Request.Context(), userID(c), canvasID(c), canvas.UpdateParams{
		Title:             req.Title,
		MinimapStorageKey: req.MinimapStorageKey,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	deleteAll, _ := strconv.ParseBool(c.Query("deleteAllFiles"))
	err := h.canvases.Delete(c.Request.Context(), userID(c), canvasID(c), canvas.DeleteOptions{DeleteAllFiles: deleteAll})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type duplicateRequest struct {
	Title        string `json:"title"`
	ForkEntities bool   `json:"forkEntities"`
}

func (h *httpHandler) handleDuplicate(c *gin.Context) {
	var req duplicateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json body")
			return
		}
	}
	copied, err := h.canvases.Duplicate(c.Request.Context(), userID(c), canvasID(c), canvas.DuplicateParams{
		Title:            req.Title,
		ForkEntities:     req.ForkEntities,
		RequireOwnership: true,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, copied)
}

type autoNameRequest struct {
	DirectUpdate bool `json:"directUpdate"`
	Async        bool `json:"async"`
}

func (h *httpHandler) handleAutoName(c *gin.Context) {
	var req autoNameRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json body")
			return
		}
	}
	ctx := c.Request.Context()
	if req.Async {
		if _, err := h.canvases.Get(ctx, userID(c), canvasID(c)); err != nil {
			h.writeError(c, err)
			return
		}
		if err := h.canvases.EnqueueAutoName(ctx, userID(c), canvasID(c)); err != nil {
			h.writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
		return
	}
	title, err := h.canvases.AutoName(ctx, userID(c), canvasID(c), req.DirectUpdate)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.canvases.Get(ctx, userID(c), canvasID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	result, err := h.canvases.Reconcile(ctx, canvasID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCollab(c *gin.Context) {
	detail, err := h.canvases.Get(c.Request.Context(), userID(c), canvasID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.gateway.Serve(c.Writer, c.Request, ws.Identity{
		UID:      detail.UID,
		CanvasID: detail.CanvasID,
		StateKey: detail.StateStorageKey,
		ClientID: types.ClientID(c.Query("clientId")),
	})
}

func (h *httpHandler) handleEditors(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.canvases.Get(ctx, userID(c), canvasID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	editors, err := h.gateway.Roster(ctx, canvasID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": editors})
}
