// Package registry holds the authoritative in-memory capability catalog.
// Readers take a shared lock over an immutable entry set; writers are
// serialized. Entries are never mutated in place: a replace installs a
// fresh Capability value, so an in-flight invocation holding the previous
// value keeps working (value capture).
package registry

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

// key identifies a capability by (kind, name).
type key struct {
	kind models.Kind
	name string
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_:.\-/]+$`)

// ListFilter narrows List results.
type ListFilter struct {
	Kind     models.Kind
	Category string
	// NameContains does a case-insensitive substring match.
	NameContains string
}

// Registry is the process-scoped capability catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*models.Capability
	feed    *Feed

	logger   observability.Logger
	pipeline *observability.Pipeline
}

// New creates an empty registry.
func New(logger observability.Logger, pipeline *observability.Pipeline) *Registry {
	return &Registry{
		entries:  make(map[key]*models.Capability),
		feed:     newFeed(logger),
		logger:   logger.WithPrefix("registry"),
		pipeline: pipeline,
	}
}

// validate rejects malformed capabilities before they reach the map.
func validate(cap *models.Capability) error {
	if cap == nil {
		return models.NewError(models.ErrInvalidArgument, "capability is nil")
	}
	if !cap.Kind.Valid() {
		return models.NewError(models.ErrInvalidArgument, "unknown kind %q", cap.Kind)
	}
	if cap.Name == "" || !nameRe.MatchString(cap.Name) {
		return models.NewError(models.ErrInvalidArgument, "invalid capability name %q", cap.Name)
	}
	switch cap.Kind {
	case models.KindTool:
		if cap.Tool == nil || cap.Tool.HandlerRef == "" {
			return models.NewError(models.ErrInvalidArgument, "tool %q missing handler_ref", cap.Name)
		}
		if cap.Tool.InputSchema == nil {
			return models.NewError(models.ErrInvalidArgument, "tool %q missing input_schema", cap.Name)
		}
	case models.KindPrompt:
		if cap.Prompt == nil || cap.Prompt.Template == "" {
			return models.NewError(models.ErrInvalidArgument, "prompt %q missing template", cap.Name)
		}
	case models.KindResource:
		if cap.Resource == nil || cap.Resource.URI == "" || cap.Resource.ReaderRef == "" {
			return models.NewError(models.ErrInvalidArgument, "resource %q missing uri or reader_ref", cap.Name)
		}
	}
	if cap.DefinitionHash == "" {
		if err := cap.SealDefinition(); err != nil {
			return models.WrapError(models.ErrInvalidArgument, err, "cannot hash definition of %q", cap.Name)
		}
	} else if !cap.VerifyDefinitionHash() {
		return models.NewError(models.ErrInvalidArgument, "definition hash mismatch for %q", cap.Name)
	}
	return nil
}

// Register inserts a capability. Returns conflict when the name exists
// with a different hash; registering an identical definition is a no-op.
func (r *Registry) Register(ctx context.Context, cap *models.Capability) error {
	if err := validate(cap); err != nil {
		return err
	}

	r.mu.Lock()
	k := key{cap.Kind, cap.Name}
	if existing, ok := r.entries[k]; ok {
		r.mu.Unlock()
		if existing.DefinitionHash == cap.DefinitionHash {
			return nil
		}
		return models.NewError(models.ErrConflict, "%s %q already registered with a different definition", cap.Kind, cap.Name)
	}

	cap.RegisteredAt = time.Now().UTC()
	if cap.Counters == nil {
		cap.Counters = models.NewCounters()
	}
	r.entries[k] = cap
	seq := r.feed.publish(ChangeAdded, cap)
	r.mu.Unlock()

	r.logger.Info("Registered capability", map[string]interface{}{
		"kind": string(cap.Kind),
		"name": cap.Name,
		"hash": cap.DefinitionHash,
	})
	r.emitChange(ctx, "added", cap, seq)
	return nil
}

// Replace atomically swaps the definition of an existing capability,
// preserving counters and the original registration time.
func (r *Registry) Replace(ctx context.Context, cap *models.Capability) error {
	if err := validate(cap); err != nil {
		return err
	}

	r.mu.Lock()
	k := key{cap.Kind, cap.Name}
	existing, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		return models.NewError(models.ErrNotFound, "%s %q is not registered", cap.Kind, cap.Name)
	}
	cap.RegisteredAt = existing.RegisteredAt
	cap.Counters = existing.Counters
	r.entries[k] = cap
	seq := r.feed.publish(ChangeReplaced, cap)
	r.mu.Unlock()

	r.logger.Info("Replaced capability", map[string]interface{}{
		"kind":     string(cap.Kind),
		"name":     cap.Name,
		"old_hash": existing.DefinitionHash,
		"new_hash": cap.DefinitionHash,
	})
	r.emitChange(ctx, "replaced", cap, seq)
	return nil
}

// Deregister removes a capability.
func (r *Registry) Deregister(ctx context.Context, kind models.Kind, name string) error {
	r.mu.Lock()
	k := key{kind, name}
	cap, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		return models.NewError(models.ErrNotFound, "%s %q is not registered", kind, name)
	}
	delete(r.entries, k)
	seq := r.feed.publish(ChangeRemoved, cap)
	r.mu.Unlock()

	r.logger.Info("Deregistered capability", map[string]interface{}{
		"kind": string(kind),
		"name": name,
	})
	r.emitChange(ctx, "removed", cap, seq)
	return nil
}

// Get returns the current entry for (kind, name).
func (r *Registry) Get(kind models.Kind, name string) (*models.Capability, error) {
	r.mu.RLock()
	cap, ok := r.entries[key{kind, name}]
	r.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "%s %q is not registered", kind, name)
	}
	return cap, nil
}

// List returns a snapshot of matching entries ordered by (kind, name).
// The returned slice is detached from the registry; entries themselves
// are shared immutable values.
func (r *Registry) List(filter ListFilter) []*models.Capability {
	r.mu.RLock()
	out := make([]*models.Capability, 0, len(r.entries))
	for _, cap := range r.entries {
		if filter.Kind != "" && cap.Kind != filter.Kind {
			continue
		}
		if filter.Category != "" && cap.Category != filter.Category {
			continue
		}
		if filter.NameContains != "" &&
			!strings.Contains(strings.ToLower(cap.Name), strings.ToLower(filter.NameContains)) {
			continue
		}
		out = append(out, cap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe attaches a change-feed subscriber. See Feed.Subscribe.
func (r *Registry) Subscribe(fromSeq uint64) (*Subscription, error) {
	return r.feed.Subscribe(fromSeq)
}

func (r *Registry) emitChange(ctx context.Context, change string, cap *models.Capability, seq uint64) {
	if r.pipeline == nil {
		return
	}
	r.pipeline.Emit(ctx, observability.EventRegistryChanged, map[string]interface{}{
		"change": change,
		"kind":   string(cap.Kind),
		"name":   cap.Name,
		"seq":    seq,
	})
}
