package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/hub"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/ratelimit"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/tools"
)

func newTestHandler(t *testing.T) (*Handler, *hub.Hub) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := hub.New()
	r := room.New(store, room.WithNotifier(h))
	require.NoError(t, r.Init(context.Background(), "test"))

	registry := tools.New(r, auth.NewGate(store, ""), ratelimit.New(), h, tools.ServerInfo{
		Name: "masc", Version: "test", Backend: "fs", Endpoints: []string{"/mcp"},
	})
	return NewHandler(registry, h, "masc", "test"), h
}

func decodeOne(t *testing.T, raw []byte) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func TestHandleInitialize(t *testing.T) {
	h, eventHub := newTestHandler(t)
	sess := eventHub.EnsureSession("")

	raw := h.Handle(context.Background(), sess, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"cli","version":"1.0"},"mode":"minimal"}}`))
	resp := decodeOne(t, raw)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "masc", info["name"])

	got := eventHub.GetSession(sess.ID)
	assert.Equal(t, "2025-03-26", got.ProtocolVersion)
	assert.Equal(t, "minimal", got.Mode)
}

func TestHandleInitializeUnknownVersionFallsBack(t *testing.T) {
	h, eventHub := newTestHandler(t)
	sess := eventHub.EnsureSession("")

	raw := h.Handle(context.Background(), sess, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`))
	resp := decodeOne(t, raw)
	require.Nil(t, resp.Error)
	assert.Equal(t, LatestVersion, resp.Result.(map[string]any)["protocolVersion"])
}

func TestHandleInitializeConfiguredDefaultVersion(t *testing.T) {
	h, eventHub := newTestHandler(t)
	WithDefaultVersion("2024-11-05")(h)
	sess := eventHub.EnsureSession("")

	// A client that names no version gets the configured default.
	raw := h.Handle(context.Background(), sess, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	resp := decodeOne(t, raw)
	require.Nil(t, resp.Error)
	assert.Equal(t, "2024-11-05", resp.Result.(map[string]any)["protocolVersion"])

	// An unsupported override is ignored.
	WithDefaultVersion("1999-01-01")(h)
	assert.Equal(t, "2024-11-05", h.defaultVersion)
}

func TestHandleToolsList(t *testing.T) {
	h, _ := newTestHandler(t)
	raw := h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`))
	resp := decodeOne(t, raw)
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage(`"a"`), resp.ID)
	assert.NotEmpty(t, resp.Result.(map[string]any)["tools"])
}

func TestHandleToolsCallWrapsResult(t *testing.T) {
	h, _ := newTestHandler(t)
	raw := h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"join","arguments":{"agent":"alice"}}}`))
	resp := decodeOne(t, raw)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, false, result["isError"])
	content := result["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])

	var agent room.Agent
	require.NoError(t, json.Unmarshal([]byte(block["text"].(string)), &agent))
	assert.Equal(t, "alice", agent.Name)
}

func TestHandleParseError(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{}, []byte(`{not json`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)

	resp = decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{}, []byte("  ")))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestHandleInvalidRequest(t *testing.T) {
	h, _ := newTestHandler(t)

	// Wrong jsonrpc version.
	resp := decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	// Missing method.
	resp = decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestHandleMethodNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestHandleNotificationsYieldNil(t *testing.T) {
	h, eventHub := newTestHandler(t)
	sess := eventHub.EnsureSession("")

	out := h.Handle(context.Background(), sess, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, out)
	assert.True(t, eventHub.GetSession(sess.ID).Initialized)

	// An explicit null id is also a notification.
	out = h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	assert.Nil(t, out)
}

func TestHandleBatch(t *testing.T) {
	h, _ := newTestHandler(t)

	raw := h.Handle(context.Background(), nil, auth.Identity{}, []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"nope"}
	]`))
	var responses []Response
	require.NoError(t, json.Unmarshal(raw, &responses))
	require.Len(t, responses, 2, "the notification produces no response")
	assert.Nil(t, responses[0].Error)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, CodeMethodNotFound, responses[1].Error.Code)
}

func TestHandleBatchEdgeCases(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{}, []byte(`[]`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	// An all-notification batch yields no body.
	out := h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`[{"jsonrpc":"2.0","method":"ping"}]`))
	assert.Nil(t, out)
}

func TestHandleToolErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t)

	// Missing required argument surfaces as invalid params.
	resp := decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add_task","arguments":{}}}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	// Unknown tool name maps to method-not-found.
	resp = decodeOne(t, h.Handle(context.Background(), nil, auth.Identity{},
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"no_such"}}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestMapErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"invalid params", &tools.InvalidParamsError{Field: "title", Reason: "is required"}, CodeInvalidParams, "InvalidParams"},
		{"bad agent name", room.ErrInvalidAgentName, CodeInvalidParams, "InvalidAgentName"},
		{"method not found", tools.ErrMethodNotFound, CodeMethodNotFound, "MethodNotFound"},
		{"already claimed", &room.TaskAlreadyClaimedError{TaskID: "t1", By: "bob"}, CodeInvalidRequest, "TaskAlreadyClaimed"},
		{"file locked", &room.FileLockedError{Path: "a.go", By: "bob"}, CodeInvalidRequest, "FileLocked"},
		{"bad transition", &room.InvalidTransitionError{Entity: "task", From: "done", To: "claimed"}, CodeInvalidRequest, "InvalidTransition"},
		{"task not found", room.ErrTaskNotFound, CodeInvalidRequest, "NotFound"},
		{"not owner", room.ErrNotOwner, CodeInvalidRequest, "NotOwner"},
		{"forbidden", auth.ErrForbidden, CodeInvalidRequest, "PermissionDenied"},
		{"unauthorized", auth.ErrUnauthorized, CodeInvalidRequest, "Unauthorized"},
		{"cas conflict", room.ErrConflict, CodeInternal, "Conflict"},
		{"timeout", context.DeadlineExceeded, CodeInternal, "Timeout"},
		{"unknown", assert.AnError, CodeInternal, "Internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := MapError(tc.err)
			assert.Equal(t, tc.code, e.Code)
			data := e.Data.(map[string]any)
			assert.Equal(t, tc.kind, data["kind"])
		})
	}
}

func TestMapErrorRateLimited(t *testing.T) {
	e := MapError(&room.RateLimitedError{RetryAfter: 2500 * time.Millisecond})
	assert.Equal(t, CodeInvalidRequest, e.Code)
	data := e.Data.(map[string]any)
	assert.Equal(t, "RateLimited", data["kind"])
	assert.Equal(t, 3, data["retry_after_s"], "retry hint rounds up")
}
