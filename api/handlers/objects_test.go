package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/sceneforge/api"
	"github.com/BaSui01/sceneforge/generation"
	"github.com/BaSui01/sceneforge/internal/pool"
	"github.com/BaSui01/sceneforge/sandbox"
	"github.com/BaSui01/sceneforge/scene"
	"github.com/BaSui01/sceneforge/store"
	"github.com/BaSui01/sceneforge/testutil"
	"github.com/BaSui01/sceneforge/testutil/fixtures"
	"github.com/BaSui01/sceneforge/testutil/mocks"
)

// =============================================================================
// 🧪 测试环境
// =============================================================================

type objectsEnv struct {
	designer *generation.Designer
	gen      *mocks.MockGenerator
	server   *httptest.Server
}

func newObjectsEnv(t *testing.T) *objectsEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	storeCfg := store.DefaultConfig(t.TempDir())
	storeCfg.Pool.HealthCheckInterval = 0
	st, err := store.Open(context.Background(), storeCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 8})
	t.Cleanup(workers.Close)
	sandboxCfg := sandbox.DefaultSandboxConfig()
	sandboxCfg.Timeout = 2 * time.Second

	gen := mocks.NewMockGenerator().WithCode(fixtures.RedCubeScript)
	d, err := generation.NewDesigner(generation.DesignerConfig{
		Store:     st,
		Executor:  sandbox.NewSandboxExecutor(sandboxCfg, sandbox.NewGojaBackend(workers, logger), logger),
		Generator: gen,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	mux := http.NewServeMux()
	NewObjectHandler(d, ObjectHandlerConfig{
		MaxWaitTimeout:    5 * time.Second,
		MaxSandboxTimeout: 10 * time.Second,
	}, logger).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &objectsEnv{designer: d, gen: gen, server: srv}
}

func (e *objectsEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decode 解析统一响应，把 data 解到 dst
func decode(t *testing.T, resp *http.Response, dst any) Response {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	if dst != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, dst))
	}
	return raw.Response
}

func (e *objectsEnv) create(t *testing.T, req api.CreateObjectRequest) generation.TaskState {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/objects", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var state generation.TaskState
	decode(t, resp, &state)
	return state
}

func (e *objectsEnv) waitEnded(t *testing.T, id string) api.WaitResponse {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/v1/objects/"+id+"/wait?timeout_ms=5000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.WaitResponse
	decode(t, resp, &out)
	require.True(t, out.Ended)
	return out
}

// =============================================================================
// 🧪 ObjectHandler 测试
// =============================================================================

func TestObjectHandler_CreateWaitAndFetch(t *testing.T) {
	env := newObjectsEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/objects", api.CreateObjectRequest{
		ID: "chair", Version: "v1", Name: "  wooden   chair ", Description: "four legs",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/objects/chair", resp.Header.Get("Location"))
	var task generation.TaskState
	decode(t, resp, &task)
	assert.Equal(t, "chair", task.ID)
	assert.Equal(t, "v1", task.Version)
	assert.Equal(t, "wooden chair", task.Props.Name)

	waited := env.waitEnded(t, "chair")
	require.NotNil(t, waited.State)
	require.Len(t, waited.State.Versions, 1)
	assert.Equal(t, generation.StatusSucceeded, waited.State.Versions[0].Status)
	assert.True(t, waited.State.Versions[0].HasContent)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/chair/content", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scene.GLBMimeType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "v1", resp.Header.Get("X-Object-Version"))
	var glb bytes.Buffer
	_, err := glb.ReadFrom(resp.Body)
	require.NoError(t, err)
	testutil.RequireMeshCount(t, glb.Bytes(), 1)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/chair/code?version=v1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var code api.CodeResponse
	decode(t, resp, &code)
	require.NotNil(t, code.Code)
	assert.Contains(t, *code.Code, "BoxGeometry")
	assert.Nil(t, code.Error)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/chair", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state generation.ObjectState
	decode(t, resp, &state)
	assert.Equal(t, "wooden chair", state.Name)
	assert.Equal(t, "four legs", state.Description)
}

func TestObjectHandler_FailedVersionHasNoContent(t *testing.T) {
	env := newObjectsEnv(t)

	env.create(t, api.CreateObjectRequest{ID: "lamp", Version: "v1", Name: "lamp"})
	env.waitEnded(t, "lamp")

	env.gen.WithCode(fixtures.ThrowingScript)
	env.create(t, api.CreateObjectRequest{ID: "lamp", Version: "v2", Name: "lamp"})
	env.waitEnded(t, "lamp")

	resp := env.do(t, http.MethodGet, "/api/v1/objects/lamp/content", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	out := decode(t, resp, nil)
	require.NotNil(t, out.Error)
	assert.Contains(t, out.Error.Message, "version v2 has no content")
	assert.Contains(t, out.Error.Message, "boom")

	// 旧版本仍可读取
	resp = env.do(t, http.MethodGet, "/api/v1/objects/lamp/content?version=v1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/lamp/code", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var code api.CodeResponse
	decode(t, resp, &code)
	assert.Equal(t, "v2", code.Version)
	require.NotNil(t, code.Error)
	assert.Contains(t, *code.Error, "boom")
}

func TestObjectHandler_CreateValidation(t *testing.T) {
	env := newObjectsEnv(t)

	temp := float32(3)
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"missing name", api.CreateObjectRequest{ID: "a"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad id", api.CreateObjectRequest{ID: "../etc", Name: "x"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"negative sandbox timeout", api.CreateObjectRequest{Name: "x", SandboxTimeoutMs: -1}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"sandbox timeout too large", api.CreateObjectRequest{Name: "x", SandboxTimeoutMs: 60_000}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"temperature out of range", api.CreateObjectRequest{Name: "x", Temperature: &temp}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", map[string]any{"name": "x", "color": "red"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/objects", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			out := decode(t, resp, nil)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.wantCode, out.Error.Code)
		})
	}

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/objects", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	assert.Equal(t, 0, env.gen.CallCount())
}

func TestObjectHandler_GenerateOptionsForwarded(t *testing.T) {
	env := newObjectsEnv(t)

	temp := float32(0.7)
	env.create(t, api.CreateObjectRequest{ID: "vase", Name: "vase", Model: "openai/gpt-4o", Temperature: &temp, MaxTokens: 1024})
	env.waitEnded(t, "vase")

	call, ok := env.gen.LastCall()
	require.True(t, ok)
	assert.Equal(t, "openai/gpt-4o", call.ModelRef)
	assert.Equal(t, float32(0.7), call.Options.Temperature)
	assert.Equal(t, 1024, call.Options.MaxTokens)
	assert.Contains(t, call.Prompt, "vase")
}

func TestObjectHandler_InFlightConflictCancelAndWait(t *testing.T) {
	env := newObjectsEnv(t)
	gate := make(chan struct{})
	defer close(gate)
	env.gen.WithGate(gate)

	env.create(t, api.CreateObjectRequest{ID: "desk", Version: "v1", Name: "desk"})

	resp := env.do(t, http.MethodPost, "/api/v1/objects", api.CreateObjectRequest{ID: "desk", Version: "v2", Name: "desk"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	out := decode(t, resp, nil)
	assert.Equal(t, "TASK_EXISTS", out.Error.Code)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/desk/wait?timeout_ms=20", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var waited api.WaitResponse
	decode(t, resp, &waited)
	assert.False(t, waited.Ended)
	require.NotNil(t, waited.State)
	assert.True(t, waited.State.Versions[0].InFlight)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/desk/wait?timeout_ms=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/objects/desk/task", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled api.CancelResponse
	decode(t, resp, &cancelled)
	assert.True(t, cancelled.Cancelled)

	waited = env.waitEnded(t, "desk")
	require.Len(t, waited.State.Versions, 1)
	assert.Equal(t, generation.StatusFailed, waited.State.Versions[0].Status)

	resp = env.do(t, http.MethodDelete, "/api/v1/objects/desk/task", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	out = decode(t, resp, nil)
	assert.Equal(t, "TASK_NOT_FOUND", out.Error.Code)
}

func TestObjectHandler_NotFound(t *testing.T) {
	env := newObjectsEnv(t)

	for _, path := range []string{
		"/api/v1/objects/ghost",
		"/api/v1/objects/ghost/code",
		"/api/v1/objects/ghost/content",
		"/api/v1/objects/ghost/wait",
		"/api/v1/objects/ghost/events",
	} {
		resp := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := env.do(t, http.MethodDelete, "/api/v1/objects/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObjectHandler_ListAndDelete(t *testing.T) {
	env := newObjectsEnv(t)

	env.create(t, api.CreateObjectRequest{ID: "a", Name: "first"})
	env.waitEnded(t, "a")
	env.create(t, api.CreateObjectRequest{ID: "b", Name: "second"})
	env.waitEnded(t, "b")

	resp := env.do(t, http.MethodGet, "/api/v1/objects?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list api.ObjectListResponse
	decode(t, resp, &list)
	require.Len(t, list.Objects, 2)
	ids := []string{list.Objects[0].ID, list.Objects[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	resp = env.do(t, http.MethodGet, "/api/v1/objects?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/objects/a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted api.DeleteResponse
	decode(t, resp, &deleted)
	assert.True(t, deleted.Deleted)

	resp = env.do(t, http.MethodGet, "/api/v1/objects/a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/v1/objects/a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObjectHandler_EventStream(t *testing.T) {
	env := newObjectsEnv(t)
	gate := make(chan struct{})
	env.gen.WithGate(gate)

	env.create(t, api.CreateObjectRequest{ID: "stool", Version: "v1", Name: "stool"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/objects/stool/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	close(gate)

	var received []generation.Event
	for {
		var ev generation.Event
		err := wsjson.Read(ctx, conn, &ev)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		received = append(received, ev)
	}

	require.NotEmpty(t, received)
	last := received[len(received)-1]
	assert.Equal(t, generation.EventEnded, last.Type)
	assert.Equal(t, "stool", last.TaskID)
	assert.Equal(t, "v1", last.Version)

	var sawSuccess bool
	for _, ev := range received {
		if ev.Type == generation.EventSuccess {
			sawSuccess = true
		}
	}
	assert.True(t, sawSuccess)
}
