// Package rpc implements the JSON-RPC 2.0 envelope the transport speaks:
// single and batch requests, id correlation, the initialize negotiation and
// the mapping from domain errors onto protocol error codes.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/hub"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/tools"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Protocol versions accepted on initialize and the MCP-Protocol-Version
// header. The default is the latest.
var SupportedVersions = []string{"2024-11-05", "2025-03-26", "2025-11-25"}

// LatestVersion is the default protocol version.
const LatestVersion = "2025-11-25"

// VersionSupported reports whether v is a known protocol version.
func VersionSupported(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Request is one JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no id. JSON null ids
// count as notifications too.
func (r *Request) isNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is one JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func newResponse(id json.RawMessage, result any) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newErrorResponse(id json.RawMessage, e *Error) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: e}
}

// Handler routes decoded requests to the tool registry and shapes responses.
type Handler struct {
	registry       *tools.Registry
	hub            *hub.Hub
	name           string
	version        string
	defaultVersion string
}

// Option configures the Handler.
type Option func(*Handler)

// WithDefaultVersion overrides the protocol version negotiated when the
// client names none or an unsupported one. Unsupported overrides are ignored
// and the latest version stays the default.
func WithDefaultVersion(v string) Option {
	return func(h *Handler) {
		if VersionSupported(v) {
			h.defaultVersion = v
		}
	}
}

// NewHandler creates the JSON-RPC handler.
func NewHandler(registry *tools.Registry, h *hub.Hub, serverName, version string, opts ...Option) *Handler {
	handler := &Handler{
		registry:       registry,
		hub:            h,
		name:           serverName,
		version:        version,
		defaultVersion: LatestVersion,
	}
	for _, opt := range opts {
		opt(handler)
	}
	return handler
}

// Handle processes a raw JSON-RPC body (single or batch) for a session.
// The returned bytes are nil when every request was a notification; the
// transport answers 202 in that case.
func (h *Handler) Handle(ctx context.Context, sess *hub.Session, ident auth.Identity, raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return mustMarshal(newErrorResponse(nil, &Error{Code: CodeParseError, Message: "empty request body"}))
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return mustMarshal(newErrorResponse(nil, &Error{Code: CodeParseError, Message: "parse error"}))
		}
		if len(batch) == 0 {
			return mustMarshal(newErrorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "empty batch"}))
		}
		var responses []*Response
		for _, item := range batch {
			if resp := h.handleOne(ctx, sess, ident, item); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			return nil
		}
		return mustMarshal(responses)
	}

	resp := h.handleOne(ctx, sess, ident, trimmed)
	if resp == nil {
		return nil
	}
	return mustMarshal(resp)
}

// handleOne decodes and dispatches a single request. Returns nil for
// notifications.
func (h *Handler) handleOne(ctx context.Context, sess *hub.Session, ident auth.Identity, raw []byte) (resp *Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return newErrorResponse(nil, &Error{Code: CodeParseError, Message: "parse error"})
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return newErrorResponse(req.ID, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}

	// A panicking handler must not take the server down; it becomes an
	// internal error on this one request.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in JSON-RPC handler",
				"method", req.Method, "panic", r, "stack", string(debug.Stack()))
			if !req.isNotification() {
				resp = newErrorResponse(req.ID, &Error{Code: CodeInternal, Message: "internal error"})
			}
		}
	}()

	result, err := h.dispatch(ctx, sess, ident, &req)
	if req.isNotification() {
		return nil
	}
	if err != nil {
		return newErrorResponse(req.ID, MapError(err))
	}
	return newResponse(req.ID, result)
}

func (h *Handler) dispatch(ctx context.Context, sess *hub.Session, ident auth.Identity, req *Request) (any, error) {
	switch req.Method {
	case "initialize":
		return h.initialize(sess, req.Params)
	case "notifications/initialized":
		if sess != nil {
			h.hub.UpdateSession(sess.ID, func(s *hub.Session) { s.Initialized = true })
		}
		return nil, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": h.registry.List(sess)}, nil
	case "tools/call":
		return h.toolsCall(ctx, sess, ident, req.Params)
	default:
		return nil, fmt.Errorf("%w: %s", tools.ErrMethodNotFound, req.Method)
	}
}

// initializeParams is the accepted subset of the initialize request.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	Capabilities map[string]any `json:"capabilities"`
	// Mode selects the tool categories this session sees.
	Mode       string   `json:"mode,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// initialize negotiates the protocol version and reports capabilities. The
// negotiated version sticks to the session.
func (h *Handler) initialize(sess *hub.Session, params json.RawMessage) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &tools.InvalidParamsError{Field: "params", Reason: "malformed initialize params"}
		}
	}
	negotiated := h.defaultVersion
	if p.ProtocolVersion != "" && VersionSupported(p.ProtocolVersion) {
		negotiated = p.ProtocolVersion
	}
	if sess != nil {
		h.hub.UpdateSession(sess.ID, func(s *hub.Session) {
			s.ProtocolVersion = negotiated
			if p.Mode != "" {
				s.Mode = p.Mode
				s.Categories = p.Categories
			}
		})
		sess.ProtocolVersion = negotiated
	}
	return map[string]any{
		"protocolVersion": negotiated,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    h.name,
			"version": h.version,
		},
	}, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) toolsCall(ctx context.Context, sess *hub.Session, ident auth.Identity, params json.RawMessage) (any, error) {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &tools.InvalidParamsError{Field: "params", Reason: "malformed tools/call params"}
	}
	if p.Name == "" {
		return nil, &tools.InvalidParamsError{Field: "name", Reason: "is required"}
	}
	result, err := h.registry.Call(ctx, sess, ident, p.Name, p.Arguments)
	if err != nil {
		return nil, err
	}
	text, merr := json.Marshal(result)
	if merr != nil {
		return nil, merr
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text)},
		},
		"isError": false,
	}, nil
}

// MapError folds the domain error taxonomy onto JSON-RPC codes; the error
// kind travels in the data field so clients can branch without string
// matching.
func MapError(err error) *Error {
	var (
		invalidParams *tools.InvalidParamsError
		claimed       *room.TaskAlreadyClaimedError
		locked        *room.FileLockedError
		transition    *room.InvalidTransitionError
		limited       *room.RateLimitedError
	)
	switch {
	case errors.As(err, &invalidParams):
		return &Error{Code: CodeInvalidParams, Message: err.Error(), Data: map[string]any{"kind": "InvalidParams", "field": invalidParams.Field}}
	case errors.Is(err, room.ErrInvalidAgentName):
		return &Error{Code: CodeInvalidParams, Message: err.Error(), Data: map[string]any{"kind": "InvalidAgentName"}}
	case errors.Is(err, room.ErrInvalidFilePath):
		return &Error{Code: CodeInvalidParams, Message: err.Error(), Data: map[string]any{"kind": "InvalidFilePath"}}
	case errors.Is(err, tools.ErrMethodNotFound):
		return &Error{Code: CodeMethodNotFound, Message: err.Error(), Data: map[string]any{"kind": "MethodNotFound"}}
	case errors.As(err, &claimed):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "TaskAlreadyClaimed", "by": claimed.By}}
	case errors.As(err, &locked):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "FileLocked", "by": locked.By}}
	case errors.As(err, &transition):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "InvalidTransition", "from": transition.From, "to": transition.To}}
	case errors.As(err, &limited):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "RateLimited", "retry_after_s": int(limited.RetryAfter.Seconds()) + 1}}
	case errors.Is(err, room.ErrTaskNotFound), errors.Is(err, room.ErrAgentNotFound),
		errors.Is(err, room.ErrCheckpointNotFound), errors.Is(err, room.ErrVoteNotFound):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "NotFound"}}
	case errors.Is(err, room.ErrNotOwner):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "NotOwner"}}
	case errors.Is(err, room.ErrNotInitialized):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "NotInitialized"}}
	case errors.Is(err, auth.ErrTokenExpired):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "TokenExpired"}}
	case errors.Is(err, auth.ErrUnauthorized):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "Unauthorized"}}
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, room.ErrPermissionDenied):
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Data: map[string]any{"kind": "PermissionDenied"}}
	case errors.Is(err, room.ErrConflict):
		return &Error{Code: CodeInternal, Message: err.Error(), Data: map[string]any{"kind": "Conflict"}}
	case storage.IsTransient(err):
		return &Error{Code: CodeInternal, Message: err.Error(), Data: map[string]any{"kind": "BackendUnavailable"}}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeInternal, Message: "request timed out", Data: map[string]any{"kind": "Timeout"}}
	default:
		slog.Error("Unexpected error in tool dispatch", "error", err)
		return &Error{Code: CodeInternal, Message: "internal error", Data: map[string]any{"kind": "Internal"}}
	}
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Responses are built from marshalable parts; this is unreachable
		// short of a programming error.
		panic(err)
	}
	return raw
}
