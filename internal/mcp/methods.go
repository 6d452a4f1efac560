package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/selector"
	"github.com/developer-mesh/capability-server/pkg/models"
)

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ClientInfo      map[string]interface{} `json:"clientInfo,omitempty"`
}

func (h *Handler) handleInitialize(session *Session, msg *Message) *Message {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return rpcError(msg.ID, codeInvalidParams, "malformed initialize params")
		}
	}
	if params.ProtocolVersion != "" && params.ProtocolVersion != protocolVersion {
		return rpcError(msg.ID, codeInvalidParams,
			fmt.Sprintf("unsupported protocol version %q, server speaks %s", params.ProtocolVersion, protocolVersion))
	}

	session.Initialized = true
	h.logger.Info("Session initialized", map[string]interface{}{
		"session_id": session.ID,
		"client":     params.ClientInfo,
	})

	return response(msg.ID, map[string]interface{}{
		"protocolVersion": protocolVersion,
		"serverInfo":      serverInfo,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": false},
			"prompts":   map[string]interface{}{"listChanged": false},
			"resources": map[string]interface{}{"listChanged": false},
		},
	})
}

// listKeys maps each kind to its result envelope key.
var listKeys = map[models.Kind]string{
	models.KindTool:     "tools",
	models.KindPrompt:   "prompts",
	models.KindResource: "resources",
}

func (h *Handler) handleList(session *Session, msg *Message, kind models.Kind) *Message {
	if resp := h.requireInitialized(session, msg); resp != nil {
		return resp
	}

	caps := h.registry.List(registry.ListFilter{Kind: kind})
	summaries := make([]models.Summary, 0, len(caps))
	for _, cap := range caps {
		summaries = append(summaries, cap.Summarize())
	}
	return response(msg.ID, map[string]interface{}{listKeys[kind]: summaries})
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (h *Handler) handleToolCall(ctx context.Context, session *Session, msg *Message) *Message {
	if resp := h.requireInitialized(session, msg); resp != nil {
		return resp
	}
	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return rpcError(msg.ID, codeInvalidParams, "tools/call requires a tool name")
	}

	resp, err := h.invoke(ctx, session, msg.ID, models.KindTool, params.Name, params.Arguments)
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	return response(msg.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": renderResult(resp.Result)},
		},
		"isError": false,
	})
}

func (h *Handler) handlePromptGet(ctx context.Context, session *Session, msg *Message) *Message {
	if resp := h.requireInitialized(session, msg); resp != nil {
		return resp
	}
	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return rpcError(msg.ID, codeInvalidParams, "prompts/get requires a prompt name")
	}

	resp, err := h.invoke(ctx, session, msg.ID, models.KindPrompt, params.Name, params.Arguments)
	if err != nil {
		return errorResponse(msg.ID, err)
	}

	rendered, _ := resp.Result.([]dispatcher.PromptMessage)
	messages := make([]map[string]interface{}, 0, len(rendered))
	for _, m := range rendered {
		messages = append(messages, map[string]interface{}{
			"role":    m.Role,
			"content": map[string]interface{}{"type": "text", "text": m.Content},
		})
	}
	return response(msg.ID, map[string]interface{}{"messages": messages})
}

type readParams struct {
	URI string `json:"uri"`
}

func (h *Handler) handleResourceRead(ctx context.Context, session *Session, msg *Message) *Message {
	if resp := h.requireInitialized(session, msg); resp != nil {
		return resp
	}
	var params readParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return rpcError(msg.ID, codeInvalidParams, "resources/read requires a uri")
	}

	cap, err := h.resourceByURI(params.URI)
	if err != nil {
		return errorResponse(msg.ID, err)
	}

	resp, err := h.invoke(ctx, session, msg.ID, models.KindResource, cap.Name, nil)
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	contents, _ := resp.Result.([]dispatcher.ResourceContent)
	return response(msg.ID, map[string]interface{}{"contents": contents})
}

// resourceByURI resolves a resource capability by its declared URI.
func (h *Handler) resourceByURI(uri string) (*models.Capability, error) {
	for _, cap := range h.registry.List(registry.ListFilter{Kind: models.KindResource}) {
		if cap.Resource != nil && cap.Resource.URI == uri {
			return cap, nil
		}
	}
	return nil, models.NewError(models.ErrNotFound, "no resource with uri %q", uri)
}

type searchParams struct {
	Query    string      `json:"query"`
	K        int         `json:"k,omitempty"`
	Kind     models.Kind `json:"kind,omitempty"`
	Category string      `json:"category,omitempty"`
}

func (h *Handler) handleSearch(ctx context.Context, session *Session, msg *Message) *Message {
	if resp := h.requireInitialized(session, msg); resp != nil {
		return resp
	}
	var params searchParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return rpcError(msg.ID, codeInvalidParams, "malformed search params")
	}
	if params.K <= 0 {
		params.K = selector.DefaultK
	}

	results, err := h.selector.Select(ctx, params.Query,
		selector.Filter{Kind: params.Kind, Category: params.Category}, params.K)
	if err != nil {
		return errorResponse(msg.ID, err)
	}

	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"name":        r.Capability.Name,
			"kind":        string(r.Capability.Kind),
			"description": r.Capability.Description,
			"score":       r.Score,
			"stage":       r.Stage,
		})
	}
	return response(msg.ID, map[string]interface{}{"results": out})
}

type cancelParams struct {
	ID interface{} `json:"id"`
}

// handleCancel cancels an in-flight request by its JSON-RPC id. It is a
// notification: nothing is sent back even when the id is unknown, the
// cancelled request itself answers with a cancelled error.
func (h *Handler) handleCancel(session *Session, msg *Message) *Message {
	var params cancelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.ID == nil {
		return nil
	}
	if session.cancelRequest(normalizeID(params.ID)) {
		h.logger.Info("Request cancelled by client", map[string]interface{}{
			"session_id": session.ID,
			"request_id": fmt.Sprint(params.ID),
		})
	}
	return nil
}

// invoke funnels a call through the dispatcher with per-request cancel
// tracking so $/cancelRequest can reach it.
func (h *Handler) invoke(ctx context.Context, session *Session, id interface{},
	kind models.Kind, name string, args map[string]interface{}) (*dispatcher.Response, error) {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	nid := normalizeID(id)
	session.track(nid, cancel)
	defer session.untrack(nid)

	return h.dispatcher.Invoke(ctx, dispatcher.Request{
		RequestID: requestID(id),
		SessionID: session.ID,
		Claims:    session.Claims,
		Kind:      kind,
		Name:      name,
		Arguments: args,
	})
}

func (h *Handler) requireInitialized(session *Session, msg *Message) *Message {
	if !session.Initialized {
		return rpcError(msg.ID, codeInvalidRequest, "session not initialized")
	}
	return nil
}

// normalizeID folds the JSON-RPC id into a comparable map key. JSON
// numbers decode as float64, so a client cancelling with the same numeric
// id always hits the same key.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case string, float64, nil:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func requestID(id interface{}) string {
	if id == nil {
		return uuid.New().String()
	}
	return fmt.Sprint(id)
}

// renderResult shapes a tool handler result as text content. Strings pass
// through, everything else is serialized.
func renderResult(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Sessions reports the sessions currently open, for the admin surface.
func (h *Handler) Sessions() []map[string]interface{} {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	out := make([]map[string]interface{}, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, map[string]interface{}{
			"id":            s.ID,
			"subject":       s.Claims.SubjectID,
			"initialized":   s.Initialized,
			"created_at":    s.CreatedAt.Format(time.RFC3339),
			"last_activity": s.LastActivity.Format(time.RFC3339),
		})
	}
	return out
}
