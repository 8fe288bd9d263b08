// Package api is the HTTP transport: the Streamable HTTP endpoint (/mcp),
// the legacy dual-endpoint SSE variant (/sse + /messages), the health
// surface, and the origin/protocol-version gates in front of them.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/hub"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/rpc"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/tools"
)

const (
	headerSessionID    = "Mcp-Session-Id"
	headerProtocol     = "MCP-Protocol-Version"
	headerAgent        = "X-MASC-Agent"
	contentTypeSSE     = "text/event-stream; charset=utf-8"
	shutdownDrainGrace = 100 * time.Millisecond
)

// Server wires the transport over the hub, registry and JSON-RPC handler.
type Server struct {
	engine   *gin.Engine
	hub      *hub.Hub
	rpc      *rpc.Handler
	registry *tools.Registry
	gate     *auth.Gate

	httpSrv      *http.Server
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
}

// NewServer builds the gin engine and routes.
func NewServer(h *hub.Hub, rpcHandler *rpc.Handler, registry *tools.Registry, gate *auth.Gate) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		hub:      h,
		rpc:      rpcHandler,
		registry: registry,
		gate:     gate,
	}
	s.engine.Use(gin.Recovery(), s.corsMiddleware(), s.shutdownMiddleware())

	s.engine.GET("/health", s.handleHealth)

	mcp := s.engine.Group("/", s.originGate(), s.versionGate())
	mcp.GET("/mcp", s.handleMCPStream)
	mcp.POST("/mcp", s.handleMCPPost)
	mcp.DELETE("/mcp", s.handleMCPDelete)
	mcp.GET("/sse", s.handleLegacyStream)
	mcp.POST("/messages", s.handleLegacyMessage)

	return s
}

// Engine exposes the router for httptest.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start begins serving on addr. Blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown runs the staged graceful stop: new requests get 503, SSE
// subscribers receive the shutdown notification and their streams close,
// then in-flight requests drain within ctx's deadline. Idempotent under
// repeated signals.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.hub.Shutdown()
		// Give stream writers a beat to flush the shutdown event.
		time.Sleep(shutdownDrainGrace)
		if s.httpSrv != nil {
			err = s.httpSrv.Shutdown(ctx)
		}
	})
	return err
}

// --- middleware ---

// corsMiddleware echoes the origin and answers preflight. Session and
// protocol headers are exposed so browser clients can read them.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID, X-MASC-Agent")
		c.Header("Access-Control-Expose-Headers", "Mcp-Session-Id, Mcp-Protocol-Version")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// shutdownMiddleware rejects new work once the stop sequence has begun.
func (s *Server) shutdownMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.shuttingDown.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		}
		c.Next()
	}
}

// originGate defends against DNS rebinding: a browser-supplied Origin must
// resolve to localhost. Absent origin (curl, SDKs) passes.
func (s *Server) originGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || originAllowed(origin) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, rpc.Response{
			JSONRPC: "2.0",
			ID:      []byte("null"),
			Error:   &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "origin not allowed", Data: map[string]any{"kind": "InvalidOrigin"}},
		})
	}
}

func originAllowed(origin string) bool {
	rest := origin
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	host := rest
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i >= 0 {
			host = host[1:i]
		}
	} else if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// versionGate validates an explicit MCP-Protocol-Version header. Absent
// header defaults to the latest version downstream.
func (s *Server) versionGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.GetHeader(headerProtocol)
		if v == "" || rpc.VersionSupported(v) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, rpc.Response{
			JSONRPC: "2.0",
			ID:      []byte("null"),
			Error:   &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "unsupported protocol version: " + v, Data: map[string]any{"kind": "UnsupportedProtocolVersion", "supported": rpc.SupportedVersions}},
		})
	}
}

// --- session & identity plumbing ---

// sessionID reads the client-supplied session id from header or query.
func sessionID(c *gin.Context) string {
	if id := c.GetHeader(headerSessionID); id != "" {
		return id
	}
	return c.Query("session_id")
}

// resolveSession ensures a session exists and binds the agent header.
func (s *Server) resolveSession(c *gin.Context) *hub.Session {
	sess := s.hub.EnsureSession(sessionID(c))
	if agent := c.GetHeader(headerAgent); agent != "" && sess.Agent == "" {
		s.hub.UpdateSession(sess.ID, func(cur *hub.Session) { cur.Agent = agent })
		sess.Agent = agent
	}
	return sess
}

// resolveIdentity authenticates the request. With auth disabled the agent
// header (or later the tool's agent argument) is trusted.
func (s *Server) resolveIdentity(c *gin.Context, sess *hub.Session) (auth.Identity, error) {
	bearer := c.GetHeader("Authorization")
	if bearer == "" {
		bearer = c.Query("token")
	}
	return s.gate.Resolve(c.Request.Context(), bearer, sess.Agent, "")
}

// --- handlers ---

func (s *Server) handleHealth(c *gin.Context) {
	info := s.registry.Info()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"name":              info.Name,
		"version":           info.Version,
		"backend":           info.Backend,
		"protocol_versions": rpc.SupportedVersions,
		"endpoints":         info.Endpoints,
		"metrics": gin.H{
			"active_sessions":  s.hub.ActiveSessions(),
			"event_ring_depth": s.hub.RingDepth(),
			"tool_calls":       s.registry.ToolCalls(),
		},
	})
}

// handleMCPStream serves GET /mcp: the session's SSE subscription.
func (s *Server) handleMCPStream(c *gin.Context) {
	sess := s.resolveSession(c)
	if s.gate.Enabled() {
		if _, err := s.resolveIdentity(c, sess); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}
	s.streamSSE(c, sess, false)
}

// handleLegacyStream serves GET /sse: the legacy stream that advertises its
// companion POST endpoint.
func (s *Server) handleLegacyStream(c *gin.Context) {
	sess := s.resolveSession(c)
	if s.gate.Enabled() {
		if _, err := s.resolveIdentity(c, sess); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}
	s.streamSSE(c, sess, true)
}

// streamSSE writes the priming event, replays retained events past the
// client's Last-Event-ID, then relays live events with keep-alive pings.
func (s *Server) streamSSE(c *gin.Context, sess *hub.Session, legacy bool) {
	lastEventID, _ := strconv.ParseInt(c.GetHeader("Last-Event-ID"), 10, 64)

	sub, err := s.hub.Subscribe(sess.ID, lastEventID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	w := c.Writer
	w.Header().Set("Content-Type", contentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerSessionID, sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set("Mcp-Protocol-Version", sess.ProtocolVersion)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(hub.Priming(sub.NextID)); err != nil {
		return
	}
	for _, e := range sub.Replay {
		if _, err := w.Write(e.Encode()); err != nil {
			return
		}
		s.recordServed(sess.ID, e.ID)
	}
	if legacy {
		if _, err := w.Write([]byte("event: endpoint\ndata: /messages?session_id=" + sess.ID + "\n\n")); err != nil {
			return
		}
	}
	w.Flush()

	keepAlive := time.NewTicker(hub.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case e := <-sub.Events:
			if _, err := w.Write(e.Encode()); err != nil {
				return
			}
			w.Flush()
			s.recordServed(sess.ID, e.ID)
		case <-keepAlive.C:
			if _, err := w.Write(hub.KeepAlive()); err != nil {
				return
			}
			w.Flush()
		case <-sub.Closed:
			// Flush anything already queued before ending the stream; a
			// superseding connection or shutdown caused the close.
			for {
				select {
				case e := <-sub.Events:
					if _, err := w.Write(e.Encode()); err != nil {
						return
					}
					s.recordServed(sess.ID, e.ID)
				default:
					w.Flush()
					return
				}
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) recordServed(sessionID string, eventID int64) {
	s.hub.UpdateSession(sessionID, func(cur *hub.Session) {
		if eventID > cur.LastEventID {
			cur.LastEventID = eventID
		}
	})
}

// handleMCPPost serves POST /mcp: a JSON-RPC body answered as JSON, as a
// single-event SSE body when the client accepts event-stream, or as 202 for
// notification-only bodies.
func (s *Server) handleMCPPost(c *gin.Context) {
	sess := s.resolveSession(c)
	ident, err := s.resolveIdentity(c, sess)
	if err != nil {
		c.Header(headerSessionID, sess.ID)
		c.JSON(http.StatusOK, rpc.Response{JSONRPC: "2.0", ID: []byte("null"), Error: rpc.MapError(err)})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, rpc.Response{
			JSONRPC: "2.0", ID: []byte("null"),
			Error: &rpc.Error{Code: rpc.CodeParseError, Message: "unreadable body"},
		})
		return
	}

	resp := s.rpc.Handle(c.Request.Context(), sess, ident, body)
	c.Header(headerSessionID, sess.ID)
	if sess.ProtocolVersion != "" {
		c.Header("Mcp-Protocol-Version", sess.ProtocolVersion)
	}
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		e := s.hub.StampEvent("", resp)
		c.Header("Content-Type", contentTypeSSE)
		c.Status(http.StatusOK)
		_, _ = c.Writer.Write(hub.Priming(e.ID))
		_, _ = c.Writer.Write(e.Encode())
		c.Writer.Flush()
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// handleMCPDelete terminates the session.
func (s *Server) handleMCPDelete(c *gin.Context) {
	id := sessionID(c)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
		return
	}
	if !s.hub.DeleteSession(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleLegacyMessage serves POST /messages: the companion endpoint of the
// legacy stream. Responses are pushed onto the session's SSE stream when one
// is open, and returned inline otherwise.
func (s *Server) handleLegacyMessage(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id query parameter is required"})
		return
	}
	sess := s.hub.GetSession(id)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	ident, err := s.resolveIdentity(c, sess)
	if err != nil {
		c.JSON(http.StatusOK, rpc.Response{JSONRPC: "2.0", ID: []byte("null"), Error: rpc.MapError(err)})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	resp := s.rpc.Handle(c.Request.Context(), sess, ident, body)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	if s.hub.Push(sess.ID, "", resp) {
		c.Status(http.StatusAccepted)
		return
	}
	slog.Debug("Legacy session has no open stream, answering inline", "session_id", sess.ID)
	c.Data(http.StatusOK, "application/json", resp)
}
