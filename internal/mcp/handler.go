// Package mcp is the MCP protocol surface: JSON-RPC 2.0 over WebSocket
// sessions. The read loop never blocks on a slow handler — each request
// runs in its own goroutine — but responses to one session are written in
// the order their requests arrived.
package mcp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/selector"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	// responseQueueDepth bounds per-session pipelining; past this the read
	// loop blocks, which is the session's own backpressure.
	responseQueueDepth = 128
)

// serverInfo identifies this server in initialize responses.
var serverInfo = map[string]interface{}{
	"name":    "capability-server",
	"version": "1.0.0",
}

// Handler serves MCP sessions.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	selector   *selector.Selector

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Session is one MCP client connection.
type Session struct {
	ID           string
	Claims       models.Claims
	Initialized  bool
	CreatedAt    time.Time
	LastActivity time.Time

	// pending preserves request order for response delivery.
	pending chan *pendingResponse

	activeMu sync.Mutex
	active   map[interface{}]context.CancelFunc
}

// pendingResponse is one slot in the ordered response queue. A nil
// message (notification) is skipped by the writer.
type pendingResponse struct {
	done chan *Message
}

// NewHandler creates the MCP handler.
func NewHandler(reg *registry.Registry, disp *dispatcher.Dispatcher, sel *selector.Selector,
	logger observability.Logger, metrics observability.MetricsClient) *Handler {

	return &Handler{
		registry:   reg,
		dispatcher: disp,
		selector:   sel,
		sessions:   make(map[string]*Session),
		logger:     logger.WithPrefix("mcp"),
		metrics:    metrics,
	}
}

// ServeHTTP upgrades the connection and runs the session loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	h.handleConnection(r.Context(), conn, models.ParseClaimsHeader(r.Header.Get("X-Claims")))
}

func (h *Handler) handleConnection(ctx context.Context, conn *websocket.Conn, claims models.Claims) {
	session := &Session{
		ID:           uuid.New().String(),
		Claims:       claims,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		pending:      make(chan *pendingResponse, responseQueueDepth),
		active:       make(map[interface{}]context.CancelFunc),
	}

	h.sessionsMu.Lock()
	h.sessions[session.ID] = session
	h.sessionsMu.Unlock()
	h.metrics.RecordGauge("mcp_sessions", float64(h.sessionCount()), nil)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		session.cancelAll()
		h.sessionsMu.Lock()
		delete(h.sessions, session.ID)
		h.sessionsMu.Unlock()
		h.metrics.RecordGauge("mcp_sessions", float64(h.sessionCount()), nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	h.logger.Info("Session opened", map[string]interface{}{
		"session_id": session.ID,
		"subject":    claims.SubjectID,
	})

	// Writer drains the ordered queue; responses leave in request order
	// no matter how handlers interleave. It runs until the read loop closes
	// the queue, draining even after a write error so handlers never block
	// on their done slot.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for slot := range session.pending {
			msg := <-slot.done
			if msg == nil || failed {
				continue
			}
			wctx, wcancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			wcancel()
			if err != nil {
				h.logger.Warn("Failed to write response", map[string]interface{}{
					"session_id": session.ID,
					"error":      err.Error(),
				})
				cancel()
				failed = true
			}
		}
	}()
	defer func() {
		cancel()
		close(session.pending)
		<-writerDone
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				h.logger.Info("Session read ended", map[string]interface{}{
					"session_id": session.ID,
					"error":      err.Error(),
				})
			}
			return
		}
		session.LastActivity = time.Now()

		slot := &pendingResponse{done: make(chan *Message, 1)}
		select {
		case session.pending <- slot:
		case <-ctx.Done():
			slot.done <- nil
			return
		}

		go func(msg Message) {
			slot.done <- h.dispatch(ctx, session, &msg)
		}(msg)

		// shutdown stops reading; the writer still flushes everything
		// already queued, including the shutdown ack.
		if msg.Method == "shutdown" {
			return
		}
	}
}

// dispatch routes one message. A nil return is a notification with no
// response.
func (h *Handler) dispatch(ctx context.Context, session *Session, msg *Message) *Message {
	if msg.JSONRPC != "2.0" && msg.JSONRPC != "" {
		return rpcError(msg.ID, codeInvalidRequest, "unsupported jsonrpc version")
	}

	started := time.Now()
	resp := h.route(ctx, session, msg)
	h.metrics.RecordOperation("mcp", msg.Method, resp == nil || resp.Error == nil, time.Since(started))
	return resp
}

func (h *Handler) route(ctx context.Context, session *Session, msg *Message) *Message {
	switch msg.Method {
	case "initialize":
		return h.handleInitialize(session, msg)
	case "initialized":
		return nil
	case "ping":
		return response(msg.ID, map[string]interface{}{})
	case "shutdown":
		return response(msg.ID, map[string]interface{}{})
	case "tools/list":
		return h.handleList(session, msg, models.KindTool)
	case "prompts/list":
		return h.handleList(session, msg, models.KindPrompt)
	case "resources/list":
		return h.handleList(session, msg, models.KindResource)
	case "tools/call":
		return h.handleToolCall(ctx, session, msg)
	case "prompts/get":
		return h.handlePromptGet(ctx, session, msg)
	case "resources/read":
		return h.handleResourceRead(ctx, session, msg)
	case "capabilities/search":
		return h.handleSearch(ctx, session, msg)
	case "$/cancelRequest":
		return h.handleCancel(session, msg)
	default:
		return rpcError(msg.ID, codeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (h *Handler) sessionCount() int {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	return len(h.sessions)
}

// track registers a cancellable request; untrack removes it.
func (s *Session) track(id interface{}, cancel context.CancelFunc) {
	if id == nil {
		return
	}
	s.activeMu.Lock()
	s.active[id] = cancel
	s.activeMu.Unlock()
}

func (s *Session) untrack(id interface{}) {
	if id == nil {
		return
	}
	s.activeMu.Lock()
	delete(s.active, id)
	s.activeMu.Unlock()
}

func (s *Session) cancelRequest(id interface{}) bool {
	s.activeMu.Lock()
	cancel, ok := s.active[id]
	s.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Session) cancelAll() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for _, cancel := range s.active {
		cancel()
	}
	s.active = make(map[interface{}]context.CancelFunc)
}
