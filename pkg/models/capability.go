// Package models defines the shared data model for the capability server:
// the capability envelope and its tool/prompt/resource variants, invocation
// records, caller claims, and the error taxonomy used across components.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"
)

// Kind identifies the capability variant.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Valid reports whether k is a known capability kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTool, KindPrompt, KindResource:
		return true
	}
	return false
}

// SecurityClass controls which caller claims are required to invoke a capability.
type SecurityClass string

const (
	SecurityPublic        SecurityClass = "public"
	SecurityAuthenticated SecurityClass = "authenticated"
	SecurityPrivileged    SecurityClass = "privileged"
)

// Capability is the common envelope shared by tools, prompts and resources.
// Exactly one of Tool, Prompt or Resource is set, matching Kind.
type Capability struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Version       string        `json:"version,omitempty"`
	Category      string        `json:"category,omitempty"`
	SecurityClass SecurityClass `json:"security_class,omitempty"`
	Source        string        `json:"source,omitempty"`
	Keywords      []string      `json:"keywords,omitempty"`

	Tool     *ToolSpec     `json:"tool,omitempty"`
	Prompt   *PromptSpec   `json:"prompt,omitempty"`
	Resource *ResourceSpec `json:"resource,omitempty"`

	DefinitionHash string     `json:"definition_hash,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at,omitempty"`
	LastInvokedAt  *time.Time `json:"last_invoked_at,omitempty"`

	// Counters is shared across replaces of the same (kind, name) and must
	// never be serialized as part of the definition.
	Counters *Counters `json:"-"`
}

// ToolSpec describes a callable procedure.
type ToolSpec struct {
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
	HandlerRef   string                 `json:"handler_ref"`
	Idempotent   bool                   `json:"idempotent,omitempty"`
	MaxRuntimeMS int64                  `json:"max_runtime_ms,omitempty"`
}

// PromptArgument describes a single template argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptSpec describes a templated instruction.
type PromptSpec struct {
	Arguments  []PromptArgument `json:"arguments,omitempty"`
	Template   string           `json:"template"`
	ContentSHA string           `json:"content_sha,omitempty"`
}

// ResourceSpec describes addressable data.
type ResourceSpec struct {
	URI       string `json:"uri"`
	MIMEType  string `json:"mime_type,omitempty"`
	ByteSize  int64  `json:"byte_size,omitempty"`
	ETag      string `json:"etag,omitempty"`
	ReaderRef string `json:"reader_ref"`
	// IndexBody opts the resource body into embedding indexing. Default is
	// metadata-only.
	IndexBody bool `json:"index_body,omitempty"`
}

// Counters tracks per-capability invocation statistics. All fields are
// updated with atomic operations and survive hot replaces.
type Counters struct {
	Invocations     atomic.Int64
	Failures        atomic.Int64
	CumLatencyMS    atomic.Int64
	lastInvokedUnix atomic.Int64
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters { return &Counters{} }

// RecordInvocation adds one invocation with its latency and failure flag.
func (c *Counters) RecordInvocation(latency time.Duration, failed bool) {
	c.Invocations.Add(1)
	if failed {
		c.Failures.Add(1)
	}
	c.CumLatencyMS.Add(latency.Milliseconds())
	c.lastInvokedUnix.Store(time.Now().UnixMilli())
}

// LastInvoked returns the time of the most recent invocation, or zero.
func (c *Counters) LastInvoked() time.Time {
	ms := c.lastInvokedUnix.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CounterSnapshot is a point-in-time copy of Counters, safe to serialize.
type CounterSnapshot struct {
	Invocations  int64 `json:"invocations"`
	Failures     int64 `json:"failures"`
	CumLatencyMS int64 `json:"cumulative_latency_ms"`
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		Invocations:  c.Invocations.Load(),
		Failures:     c.Failures.Load(),
		CumLatencyMS: c.CumLatencyMS.Load(),
	}
}

// canonicalDefinition returns the definition-bearing fields of the
// capability in a shape whose JSON encoding is deterministic. Runtime
// state (counters, timestamps, the hash itself) is excluded.
func (c *Capability) canonicalDefinition() map[string]interface{} {
	def := map[string]interface{}{
		"kind":        string(c.Kind),
		"name":        c.Name,
		"description": c.Description,
	}
	if c.Version != "" {
		def["version"] = c.Version
	}
	if c.Category != "" {
		def["category"] = c.Category
	}
	if c.SecurityClass != "" {
		def["security_class"] = string(c.SecurityClass)
	}
	if len(c.Keywords) > 0 {
		def["keywords"] = c.Keywords
	}
	switch {
	case c.Tool != nil:
		def["tool"] = c.Tool
	case c.Prompt != nil:
		def["prompt"] = c.Prompt
	case c.Resource != nil:
		def["resource"] = c.Resource
	}
	return def
}

// ComputeDefinitionHash returns the sha256 of the canonical definition.
// Go's encoding/json sorts map keys, which makes the encoding canonical.
func (c *Capability) ComputeDefinitionHash() (string, error) {
	data, err := json.Marshal(c.canonicalDefinition())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SealDefinition computes and stores the definition hash.
func (c *Capability) SealDefinition() error {
	hash, err := c.ComputeDefinitionHash()
	if err != nil {
		return err
	}
	c.DefinitionHash = hash
	return nil
}

// VerifyDefinitionHash reports whether the stored hash matches the
// canonical form.
func (c *Capability) VerifyDefinitionHash() bool {
	hash, err := c.ComputeDefinitionHash()
	if err != nil {
		return false
	}
	return hash == c.DefinitionHash
}

// IndexText returns the text submitted to the embedding pipeline for this
// capability. Resource bodies are not included unless IndexBody is set;
// body text is appended by the indexer in that case.
func (c *Capability) IndexText() string {
	text := c.Name + ": " + c.Description
	for _, kw := range c.Keywords {
		text += " " + kw
	}
	if c.Category != "" {
		text += " [" + c.Category + "]"
	}
	return text
}

// Summary is the wire representation of a capability in list responses.
type Summary struct {
	Name          string                 `json:"name"`
	Kind          Kind                   `json:"kind"`
	Description   string                 `json:"description,omitempty"`
	Category      string                 `json:"category,omitempty"`
	Version       string                 `json:"version,omitempty"`
	SecurityClass SecurityClass          `json:"security_class,omitempty"`
	InputSchema   map[string]interface{} `json:"inputSchema,omitempty"`
	Arguments     []PromptArgument       `json:"arguments,omitempty"`
	URI           string                 `json:"uri,omitempty"`
	MIMEType      string                 `json:"mimeType,omitempty"`
	Counters      CounterSnapshot        `json:"counters,omitempty"`
}

// Summarize converts a capability into its list representation.
func (c *Capability) Summarize() Summary {
	s := Summary{
		Name:          c.Name,
		Kind:          c.Kind,
		Description:   c.Description,
		Category:      c.Category,
		Version:       c.Version,
		SecurityClass: c.SecurityClass,
		Counters:      c.Counters.Snapshot(),
	}
	if c.Tool != nil {
		s.InputSchema = c.Tool.InputSchema
	}
	if c.Prompt != nil {
		s.Arguments = c.Prompt.Arguments
	}
	if c.Resource != nil {
		s.URI = c.Resource.URI
		s.MIMEType = c.Resource.MIMEType
	}
	return s
}
