// Package builtin ships the capabilities the server itself provides: an
// echo tool, a summarize tool backed by the generation client, a
// capability_report prompt and the server://stats resource. They exercise
// the full dispatch path and give a fresh deployment something to list.
package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/developer-mesh/capability-server/internal/discovery"
	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/pkg/models"
)

const summarizeMaxTokens = 256

// Generator is the slice of the generation client the summarize tool
// needs.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Provider wires the built-in capabilities into a handler registry and
// exposes them as a discovery source.
type Provider struct {
	registry  *registry.Registry
	generator Generator
	started   time.Time
}

// NewProvider creates the built-in provider. generator may be nil, in
// which case the summarize tool reports upstream_unavailable.
func NewProvider(reg *registry.Registry, generator Generator) *Provider {
	return &Provider{registry: reg, generator: generator, started: time.Now().UTC()}
}

// RegisterHandlers binds the built-in handler and reader refs.
func (p *Provider) RegisterHandlers(handlers *dispatcher.HandlerRegistry) error {
	if err := handlers.RegisterHandler("builtin.echo", p.echo); err != nil {
		return err
	}
	if err := handlers.RegisterHandler("builtin.summarize", p.summarize); err != nil {
		return err
	}
	return handlers.RegisterReader("builtin.stats", p.readStats)
}

// Source returns the discovery source enumerating the built-ins.
func (p *Provider) Source() discovery.Source {
	return discovery.NewExplicitSource("builtin", p.capabilities())
}

func (p *Provider) capabilities() []*models.Capability {
	return []*models.Capability{
		{
			Kind:        models.KindTool,
			Name:        "echo",
			Description: "Echo the supplied message back to the caller",
			Category:    "diagnostics",
			Keywords:    []string{"echo", "ping", "test"},
			Tool: &models.ToolSpec{
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"msg": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"msg"},
				},
				HandlerRef: "builtin.echo",
				Idempotent: true,
			},
		},
		{
			Kind:        models.KindTool,
			Name:        "summarize",
			Description: "Summarize the supplied text with the generation model",
			Category:    "text",
			Keywords:    []string{"summary", "condense", "text"},
			Tool: &models.ToolSpec{
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"text": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"text"},
				},
				HandlerRef:   "builtin.summarize",
				MaxRuntimeMS: 20000,
			},
		},
		{
			Kind:        models.KindPrompt,
			Name:        "capability_report",
			Description: "Instruction template for reporting on a capability",
			Category:    "diagnostics",
			Prompt: &models.PromptSpec{
				Arguments: []models.PromptArgument{
					{Name: "capability", Description: "capability name", Required: true},
					{Name: "audience", Description: "who the report is for"},
				},
				Template: "Write a short report on the capability {capability} for {audience}. " +
					"Cover what it does, its inputs, and recent usage.",
			},
		},
		{
			Kind:        models.KindResource,
			Name:        "stats",
			Description: "Live server statistics: catalog size and invocation counters",
			Category:    "diagnostics",
			Resource: &models.ResourceSpec{
				URI:       "server://stats",
				MIMEType:  "application/json",
				ReaderRef: "builtin.stats",
			},
		},
	}
}

func (p *Provider) echo(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	msg, _ := args["msg"].(string)
	return msg, nil
}

func (p *Provider) summarize(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if p.generator == nil {
		return nil, models.NewError(models.ErrUpstreamUnavailable, "no generation client configured")
	}
	text, _ := args["text"].(string)
	return p.generator.Generate(ctx,
		"You summarize text. Reply with the summary only.",
		"Summarize the following:\n\n"+text,
		summarizeMaxTokens)
}

// statsEntry is one capability's counters in the stats resource.
type statsEntry struct {
	Name        string      `json:"name"`
	Kind        models.Kind `json:"kind"`
	Invocations int64       `json:"invocations"`
	Failures    int64       `json:"failures"`
	LastInvoked string      `json:"last_invoked,omitempty"`
}

func (p *Provider) readStats(ctx context.Context, uri string) ([]byte, string, error) {
	caps := p.registry.List(registry.ListFilter{})
	entries := make([]statsEntry, 0, len(caps))
	for _, cap := range caps {
		snap := cap.Counters.Snapshot()
		entry := statsEntry{
			Name:        cap.Name,
			Kind:        cap.Kind,
			Invocations: snap.Invocations,
			Failures:    snap.Failures,
		}
		if cap.Counters != nil {
			if last := cap.Counters.LastInvoked(); !last.IsZero() {
				entry.LastInvoked = last.UTC().Format(time.RFC3339)
			}
		}
		entries = append(entries, entry)
	}

	data, err := json.Marshal(map[string]interface{}{
		"started_at":   p.started.Format(time.RFC3339),
		"uptime_s":     int64(time.Since(p.started).Seconds()),
		"capabilities": len(caps),
		"counters":     entries,
	})
	if err != nil {
		return nil, "", models.WrapError(models.ErrInternal, err, "failed to encode stats")
	}
	return data, "application/json", nil
}
