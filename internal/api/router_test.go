package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/canvas-engine/internal/canvas"
	"github.com/example/canvas-engine/internal/collab"
	"github.com/example/canvas-engine/internal/entity"
	"github.com/example/canvas-engine/internal/objectstore"
	"github.com/example/canvas-engine/internal/presence"
	"github.com/example/canvas-engine/internal/queue"
	"github.com/example/canvas-engine/internal/search"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
	"github.com/example/canvas-engine/internal/ws"
)

var testSecret = []byte("test-secret")

type apiFixture struct {
	handler http.Handler
	tokens  *Tokens
	queue   *queue.Memory
	store   *storage.SQLite
}

func newAPIFixture(t *testing.T, health func(context.Context) error) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.New(io.Discard)

	store, err := storage.OpenSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objects := objectstore.NewMemory()
	jobs := queue.NewMemory()
	entities := entity.NewService(store, objects, logger)
	sessions := collab.NewManager(collab.NewEngine(objects, "api-test", logger), logger)
	svc, err := canvas.NewService(canvas.Dependencies{
		Store:    store,
		Objects:  objects,
		Index:    search.NewMemory(),
		Sessions: sessions,
		Queue:    jobs,
		Entities: entities,
		Logger:   logger,
	})
	require.NoError(t, err)
	entities.SetRemover(svc)

	gateway, err := ws.NewGateway(sessions, ws.NewConnectionRegistry(), logger, ws.GatewayConfig{})
	require.NoError(t, err)
	t.Cleanup(gateway.Shutdown)

	tokens := NewTokens(TokenConfig{SigningSecret: testSecret, Issuer: "canvas-engine"})
	handler, err := NewHTTPHandler(Dependencies{
		Canvases: svc,
		Tokens:   tokens,
		Gateway:  gateway,
		Health:   health,
		Logger:   logger,
	})
	require.NoError(t, err)
	return &apiFixture{handler: handler, tokens: tokens, queue: jobs, store: store}
}

func (f *apiFixture) do(t *testing.T, uid types.UserID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if uid != "" {
		token, err := f.tokens.Issue(uid)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "", http.MethodGet, "/v1/canvases", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged := NewTokens(TokenConfig{SigningSecret: []byte("other"), Issuer: "canvas-engine"})
	token, err := forged.Issue("alice")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/canvases", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	tokens := NewTokens(TokenConfig{SigningSecret: testSecret, Clock: func() time.Time { return past }})
	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	_, err = NewTokens(TokenConfig{SigningSecret: testSecret}).Validate(token)
	assert.Error(t, err)
}

func TestCanvasCRUDOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "alice", http.MethodPost, "/v1/canvases", createRequest{Title: "Roadmap"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[types.Canvas](t, rec)
	require.NotEmpty(t, created.CanvasID)
	path := "/v1/canvases/" + string(created.CanvasID)

	rec = f.do(t, "alice", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Roadmap", decode[canvas.Detail](t, rec).Title)

	rec = f.do(t, "bob", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "canvas.get.not_found", decode[errorResponse](t, rec).Code)

	title := "Roadmap v2"
	rec = f.do(t, "alice", http.MethodPatch, path, updateRequest{Title: &title})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "alice", http.MethodGet, path+"/raw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Roadmap v2", decode[canvas.RawData](t, rec).Title)

	rec = f.do(t, "alice", http.MethodGet, "/v1/canvases?page=1&pageSize=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Data []types.Canvas `json:"data"`
	}](t, rec)
	require.Len(t, list.Data, 1)

	rec = f.do(t, "alice", http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "alice", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidationErrorsMapToBadRequest(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, "alice", http.MethodGet, "/v1/canvases/search?q=", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "canvas.search.invalid", decode[errorResponse](t, rec).Code)

	rec = f.do(t, "alice", http.MethodGet, "/v1/canvases?page=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchFindsCreatedCanvas(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, "alice", http.MethodPost, "/v1/canvases", createRequest{Title: "Quarterly planning"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, "alice", http.MethodGet, "/v1/canvases/search?q=quarterly", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hits := decode[struct {
		Data []search.Hit `json:"data"`
	}](t, rec)
	require.Len(t, hits.Data, 1)
	assert.Equal(t, "Quarterly planning", hits.Data[0].Title)
}

func TestDuplicateRequiresOwnership(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := decode[types.Canvas](t, f.do(t, "alice", http.MethodPost, "/v1/canvases", createRequest{Title: "Source"}))
	path := "/v1/canvases/" + string(created.CanvasID) + "/duplicate"

	rec := f.do(t, "bob", http.MethodPost, path, duplicateRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "alice", http.MethodPost, path, duplicateRequest{Title: "Copy"})
	require.Equal(t, http.StatusCreated, rec.Code)
	copied := decode[types.Canvas](t, rec)
	assert.NotEqual(t, created.CanvasID, copied.CanvasID)
	assert.Equal(t, types.CanvasReady, copied.Status)
}

func TestAsyncAutoNameEnqueuesJob(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := decode[types.Canvas](t, f.do(t, "alice", http.MethodPost, "/v1/canvases", createRequest{}))

	rec := f.do(t, "alice", http.MethodPost, "/v1/canvases/"+string(created.CanvasID)+"/auto-name", autoNameRequest{Async: true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, canvas.AutoNameJobName, pending[0].Name)

	// An empty canvas has nothing to name from.
	rec = f.do(t, "alice", http.MethodPost, "/v1/canvases/"+string(created.CanvasID)+"/auto-name", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decode[map[string]string](t, rec)["title"])
}

func TestReconcileReportsChanges(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := decode[types.Canvas](t, f.do(t, "alice", http.MethodPost, "/v1/canvases", createRequest{}))
	require.NoError(t, f.store.InsertRelations(context.Background(), []types.EntityRelation{
		{CanvasID: created.CanvasID, EntityID: "d-stale", EntityType: types.EntityDocument},
	}))

	rec := f.do(t, "alice", http.MethodPost, "/v1/canvases/"+string(created.CanvasID)+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, canvas.ReconcileResult{Removed: 1}, decode[canvas.ReconcileResult](t, rec))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/healthz", nil).Code)

	f = newAPIFixture(t, func(context.Context) error { return errors.New("redis down") })
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, "", http.MethodGet, "/healthz", nil).Code)
}

func TestCollabRouteUpgradesWithQueryToken(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := decode[types.Canvas](t, f.do(t, "alice", http.MethodPost, "/v1/canvases", createRequest{Title: "Live"}))

	server := httptest.NewServer(f.handler)
	t.Cleanup(server.Close)

	token, err := f.tokens.Issue("alice")
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/canvases/" + string(created.CanvasID) + "/collab?clientId=editor-1&access_token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ws.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, ws.FrameSync, frame.Type)
	assert.Equal(t, types.ClientID("editor-1"), frame.ClientID)

	rec := f.do(t, "alice", http.MethodGet, "/v1/canvases/"+string(created.CanvasID)+"/editors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	editors := decode[struct {
		Data []presence.Editor `json:"data"`
	}](t, rec)
	require.Len(t, editors.Data, 1)
	assert.Equal(t, types.ClientID("editor-1"), editors.Data[0].ClientID)

	bobToken, err := f.tokens.Issue("bob")
	require.NoError(t, err)
	bobURL := strings.Replace(url, token, bobToken, 1)
	_, resp, err := websocket.DefaultDialer.Dial(bobURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
