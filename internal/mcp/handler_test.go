package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/selector"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

func testHandler(t *testing.T) (*Handler, *registry.Registry) {
	t.Helper()
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetrics()

	reg := registry.New(logger, nil)
	handlers := dispatcher.NewHandlerRegistry()
	require.NoError(t, handlers.RegisterHandler("builtin.echo",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			msg, _ := args["msg"].(string)
			return msg, nil
		}))
	require.NoError(t, handlers.RegisterHandler("builtin.sleep",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			d, _ := args["ms"].(float64)
			select {
			case <-time.After(time.Duration(d) * time.Millisecond):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &models.Capability{
		Kind:        models.KindTool,
		Name:        "echo",
		Description: "echo the message back",
		Tool: &models.ToolSpec{
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"msg": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"msg"},
			},
			HandlerRef: "builtin.echo",
		},
	}))
	require.NoError(t, reg.Register(ctx, &models.Capability{
		Kind:        models.KindTool,
		Name:        "sleep",
		Description: "sleep for a while",
		Tool: &models.ToolSpec{
			InputSchema: map[string]interface{}{"type": "object"},
			HandlerRef:  "builtin.sleep",
		},
	}))
	require.NoError(t, reg.Register(ctx, &models.Capability{
		Kind:        models.KindPrompt,
		Name:        "greet",
		Description: "greeting template",
		Prompt: &models.PromptSpec{
			Arguments: []models.PromptArgument{{Name: "who", Required: true}},
			Template:  "Say hello to {who}.",
		},
	}))

	disp := dispatcher.New(reg, handlers, config.DispatcherConfig{
		DefaultTimeout: 2 * time.Second,
		CancelGrace:    200 * time.Millisecond,
	}, logger, metrics, nil)
	sel := selector.New(reg, nil, nil, nil, config.SelectorConfig{}, logger, metrics)

	return NewHandler(reg, disp, sel, logger, metrics), reg
}

func newSession() *Session {
	return &Session{
		ID:     "test-session",
		active: make(map[interface{}]context.CancelFunc),
	}
}

func call(t *testing.T, h *Handler, session *Session, id interface{}, method string, params interface{}) *Message {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	return h.dispatch(context.Background(), session, &Message{
		JSONRPC: "2.0", ID: id, Method: method, Params: raw,
	})
}

func TestInitialize(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()

	resp := call(t, h, session, 1, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]interface{}{"name": "test-client"},
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.True(t, session.Initialized)

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	assert.Contains(t, result["capabilities"], "tools")
	assert.Contains(t, result["capabilities"], "resources")
}

func TestInitializeRejectsUnknownVersion(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()

	resp := call(t, h, session, 1, "initialize", map[string]interface{}{
		"protocolVersion": "1999-01-01",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
	assert.False(t, session.Initialized)
}

func TestMethodsRequireInitialize(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()

	resp := call(t, h, session, 1, "tools/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestToolsList(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()
	session.Initialized = true

	resp := call(t, h, session, 2, "tools/list", nil)
	require.Nil(t, resp.Error)

	tools := resp.Result.(map[string]interface{})["tools"].([]models.Summary)
	names := make([]string, 0, len(tools))
	for _, s := range tools {
		names = append(names, s.Name)
		assert.Equal(t, models.KindTool, s.Kind)
	}
	assert.ElementsMatch(t, []string{"echo", "sleep"}, names)
}

func TestToolCallReturnsTextContent(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()
	session.Initialized = true

	resp := call(t, h, session, 3, "tools/call", map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"msg": "hi"},
	})
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0]["type"])
	assert.Equal(t, "hi", content[0]["text"])
	assert.Equal(t, false, result["isError"])
}

func TestToolCallErrorTaxonomy(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()
	session.Initialized = true

	t.Run("unknown tool", func(t *testing.T) {
		resp := call(t, h, session, 4, "tools/call", map[string]interface{}{
			"name": "nope", "arguments": map[string]interface{}{},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeNotFound, resp.Error.Code)
	})

	t.Run("schema violation", func(t *testing.T) {
		resp := call(t, h, session, 5, "tools/call", map[string]interface{}{
			"name": "echo", "arguments": map[string]interface{}{"msg": 42},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInvalidParams, resp.Error.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		resp := call(t, h, session, 6, "tools/call", map[string]interface{}{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeInvalidParams, resp.Error.Code)
	})
}

func TestPromptGet(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()
	session.Initialized = true

	resp := call(t, h, session, 7, "prompts/get", map[string]interface{}{
		"name":      "greet",
		"arguments": map[string]interface{}{"who": "Ada"},
	})
	require.Nil(t, resp.Error)

	messages := resp.Result.(map[string]interface{})["messages"].([]map[string]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0]["role"])
	content := messages[0]["content"].(map[string]interface{})
	assert.Equal(t, "Say hello to Ada.", content["text"])
}

func TestResourceRead(t *testing.T) {
	h, reg := testHandler(t)
	session := newSession()
	session.Initialized = true

	handlers := dispatcher.NewHandlerRegistry()
	require.NoError(t, handlers.RegisterHandler("builtin.echo",
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil }))
	require.NoError(t, handlers.RegisterReader("builtin.stats",
		func(ctx context.Context, uri string) ([]byte, string, error) {
			return []byte(`{"sessions":1}`), "application/json", nil
		}))
	require.NoError(t, reg.Register(context.Background(), &models.Capability{
		Kind:        models.KindResource,
		Name:        "stats",
		Description: "server statistics",
		Resource:    &models.ResourceSpec{URI: "server://stats", ReaderRef: "builtin.stats"},
	}))
	h.dispatcher = dispatcher.New(reg, handlers, config.DispatcherConfig{},
		observability.NewNoopLogger(), observability.NewNoopMetrics(), nil)

	resp := call(t, h, session, 8, "resources/read", map[string]interface{}{"uri": "server://stats"})
	require.Nil(t, resp.Error)
	contents := resp.Result.(map[string]interface{})["contents"].([]dispatcher.ResourceContent)
	require.Len(t, contents, 1)
	assert.Equal(t, "server://stats", contents[0].URI)
	assert.Contains(t, contents[0].Text, "sessions")

	missing := call(t, h, session, 9, "resources/read", map[string]interface{}{"uri": "server://nope"})
	require.NotNil(t, missing.Error)
	assert.Equal(t, codeNotFound, missing.Error.Code)
}

func TestSearchWithoutKReturnsResults(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()
	session.Initialized = true

	resp := call(t, h, session, 4, "capabilities/search", map[string]interface{}{
		"query": "echo a message",
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	results := resp.Result.(map[string]interface{})["results"].([]map[string]interface{})
	require.NotEmpty(t, results)
	assert.Equal(t, "echo", results[0]["name"])
	assert.Equal(t, "rules", results[0]["stage"])
}

func TestUnknownMethod(t *testing.T) {
	h, _ := testHandler(t)
	session := newSession()
	session.Initialized = true

	resp := call(t, h, session, 10, "tools/destroy", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, normalizeID(float64(7)), normalizeID(7))
	assert.Equal(t, "abc", normalizeID("abc"))
}

// dial opens a WebSocket session against a test server and returns the
// connection plus a closer.
func dial(t *testing.T, h *Handler, claims string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	opts := &websocket.DialOptions{}
	if claims != "" {
		opts.HTTPHeader = map[string][]string{"X-Claims": {claims}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(t, err)

	return conn, func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
}

func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, msg Message) Message {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
	var resp Message
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	return resp
}

func rawParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	h, _ := testHandler(t)
	conn, done := dial(t, h, "sub=alice")
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	init := roundTrip(t, ctx, conn, Message{
		JSONRPC: "2.0", ID: 1, Method: "initialize",
		Params: rawParams(t, map[string]interface{}{"protocolVersion": protocolVersion}),
	})
	require.Nil(t, init.Error)

	listed := roundTrip(t, ctx, conn, Message{JSONRPC: "2.0", ID: 2, Method: "tools/list"})
	require.Nil(t, listed.Error)
	var listResult struct {
		Tools []models.Summary `json:"tools"`
	}
	require.NoError(t, remarshal(listed.Result, &listResult))
	assert.Len(t, listResult.Tools, 2)

	called := roundTrip(t, ctx, conn, Message{
		JSONRPC: "2.0", ID: 3, Method: "tools/call",
		Params: rawParams(t, map[string]interface{}{
			"name": "echo", "arguments": map[string]interface{}{"msg": "hi"},
		}),
	})
	require.Nil(t, called.Error)
	var callResult struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, remarshal(called.Result, &callResult))
	require.Len(t, callResult.Content, 1)
	assert.Equal(t, "hi", callResult.Content[0].Text)
}

// Responses must come back in the order requests were sent, even when an
// earlier request takes longer than a later one.
func TestResponsesKeepRequestOrder(t *testing.T) {
	h, _ := testHandler(t)
	conn, done := dial(t, h, "")
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	init := roundTrip(t, ctx, conn, Message{
		JSONRPC: "2.0", ID: 1, Method: "initialize",
		Params: rawParams(t, map[string]interface{}{"protocolVersion": protocolVersion}),
	})
	require.Nil(t, init.Error)

	slow := Message{JSONRPC: "2.0", ID: 2, Method: "tools/call",
		Params: rawParams(t, map[string]interface{}{
			"name": "sleep", "arguments": map[string]interface{}{"ms": 300},
		})}
	fast := Message{JSONRPC: "2.0", ID: 3, Method: "ping"}
	require.NoError(t, wsjson.Write(ctx, conn, slow))
	require.NoError(t, wsjson.Write(ctx, conn, fast))

	var first, second Message
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	assert.Equal(t, float64(2), first.ID)
	assert.Equal(t, float64(3), second.ID)
}

func TestCancelRequest(t *testing.T) {
	h, _ := testHandler(t)
	conn, done := dial(t, h, "")
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	init := roundTrip(t, ctx, conn, Message{
		JSONRPC: "2.0", ID: 1, Method: "initialize",
		Params: rawParams(t, map[string]interface{}{"protocolVersion": protocolVersion}),
	})
	require.Nil(t, init.Error)

	require.NoError(t, wsjson.Write(ctx, conn, Message{
		JSONRPC: "2.0", ID: 2, Method: "tools/call",
		Params: rawParams(t, map[string]interface{}{
			"name": "sleep", "arguments": map[string]interface{}{"ms": 5000},
		}),
	}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, wsjson.Write(ctx, conn, Message{
		JSONRPC: "2.0", Method: "$/cancelRequest",
		Params: rawParams(t, map[string]interface{}{"id": 2}),
	}))

	var resp Message
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.Equal(t, float64(2), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeCancelled, resp.Error.Code)
}

func TestPrivilegedClaimEnforcedOverWire(t *testing.T) {
	h, reg := testHandler(t)
	require.NoError(t, reg.Register(context.Background(), &models.Capability{
		Kind:          models.KindTool,
		Name:          "admin_echo",
		Description:   "privileged echo",
		SecurityClass: models.SecurityPrivileged,
		Tool: &models.ToolSpec{
			InputSchema: map[string]interface{}{"type": "object"},
			HandlerRef:  "builtin.echo",
		},
	}))

	conn, done := dial(t, h, "sub=alice")
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	init := roundTrip(t, ctx, conn, Message{
		JSONRPC: "2.0", ID: 1, Method: "initialize",
		Params: rawParams(t, map[string]interface{}{"protocolVersion": protocolVersion}),
	})
	require.Nil(t, init.Error)

	denied := roundTrip(t, ctx, conn, Message{
		JSONRPC: "2.0", ID: 2, Method: "tools/call",
		Params: rawParams(t, map[string]interface{}{
			"name": "admin_echo", "arguments": map[string]interface{}{},
		}),
	})
	require.NotNil(t, denied.Error)
	assert.Equal(t, codeDenied, denied.Error.Code)
}

// remarshal converts a decoded interface{} result into a typed view.
func remarshal(from interface{}, to interface{}) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}
