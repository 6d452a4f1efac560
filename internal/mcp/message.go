package mcp

import (
	"encoding/json"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2025-06-18"

// Message is a JSON-RPC 2.0 message. Requests carry Method and Params;
// responses carry Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC reserved codes plus the server's taxonomy range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeCancelled      = -32800

	codeNotFound            = -32001
	codeDenied              = -32002
	codeConflict            = -32003
	codeOverloaded          = -32004
	codeTimedOut            = -32005
	codeUpstreamUnavailable = -32006
	codeBudgetExhausted     = -32007
)

// errorCode maps the internal error taxonomy onto wire codes. Transport
// codes exist only at this boundary.
func errorCode(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidArgument:
		return codeInvalidParams
	case models.ErrNotFound:
		return codeNotFound
	case models.ErrDenied:
		return codeDenied
	case models.ErrConflict:
		return codeConflict
	case models.ErrOverloaded:
		return codeOverloaded
	case models.ErrTimedOut:
		return codeTimedOut
	case models.ErrCancelled:
		return codeCancelled
	case models.ErrUpstreamUnavailable:
		return codeUpstreamUnavailable
	case models.ErrBudgetExhausted:
		return codeBudgetExhausted
	default:
		return codeInternal
	}
}

// errorMessage keeps internal detail out of wire errors.
func errorMessage(err error) string {
	if models.KindOf(err) == models.ErrInternal {
		return "internal error"
	}
	return err.Error()
}

func response(id interface{}, result interface{}) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id interface{}, err error) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    errorCode(models.KindOf(err)),
			Message: errorMessage(err),
			Data:    map[string]interface{}{"kind": string(models.KindOf(err))},
		},
	}
}

func rpcError(id interface{}, code int, message string) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
