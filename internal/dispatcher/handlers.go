package dispatcher

import (
	"context"
	"sync"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// ToolHandler realizes a tool's behavior. The context carries the
// invocation deadline and cancellation signal; handlers must propagate it
// to downstream calls.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ResourceReader yields a resource body and its media type.
type ResourceReader func(ctx context.Context, uri string) ([]byte, string, error)

// HandlerRegistry resolves handler_ref and reader_ref identifiers.
// Handlers are registered at boot and read-only thereafter; the lock only
// guards the boot phase.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
	readers  map[string]ResourceReader
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]ToolHandler),
		readers:  make(map[string]ResourceReader),
	}
}

// RegisterHandler binds a tool handler reference.
func (h *HandlerRegistry) RegisterHandler(ref string, handler ToolHandler) error {
	if ref == "" || handler == nil {
		return models.NewError(models.ErrInvalidArgument, "handler ref and function are required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[ref]; exists {
		return models.NewError(models.ErrConflict, "handler %q already registered", ref)
	}
	h.handlers[ref] = handler
	return nil
}

// RegisterReader binds a resource reader reference.
func (h *HandlerRegistry) RegisterReader(ref string, reader ResourceReader) error {
	if ref == "" || reader == nil {
		return models.NewError(models.ErrInvalidArgument, "reader ref and function are required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.readers[ref]; exists {
		return models.NewError(models.ErrConflict, "reader %q already registered", ref)
	}
	h.readers[ref] = reader
	return nil
}

// Handler resolves a tool handler reference.
func (h *HandlerRegistry) Handler(ref string) (ToolHandler, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[ref]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no handler registered for %q", ref)
	}
	return handler, nil
}

// Reader resolves a resource reader reference.
func (h *HandlerRegistry) Reader(ref string) (ResourceReader, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reader, ok := h.readers[ref]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no reader registered for %q", ref)
	}
	return reader, nil
}
