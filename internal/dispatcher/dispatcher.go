// Package dispatcher runs capability invocations through a fixed state
// machine: RECEIVED → VALIDATED → AUTHORIZED → RUNNING → terminal. Each
// invocation resolves its capability once at entry (value capture), so a
// concurrent hot replace never affects work already in flight.
package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

const schemaCacheSize = 256

// overloadedRetryAfter is the hint attached to queue-full rejections.
const overloadedRetryAfter = time.Second

// Request describes one invocation entering the dispatcher.
type Request struct {
	RequestID string
	SessionID string
	Claims    models.Claims
	Kind      models.Kind
	Name      string
	Arguments map[string]interface{}
	// Deadline bounds the invocation; zero applies the capability's
	// max_runtime_ms or the configured default.
	Deadline time.Time
}

// PromptMessage is one rendered prompt message.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResourceContent is a resolved resource body. Text is set for textual
// media types, Blob (base64) otherwise.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Response is a completed invocation.
type Response struct {
	Invocation *models.Invocation
	// Result is kind-shaped: tool handler output, []PromptMessage, or
	// []ResourceContent.
	Result interface{}
	// OutputMismatch flags a tool result that failed its declared
	// output_schema; the invocation still completes.
	OutputMismatch bool
}

// Dispatcher validates, authorizes and executes invocations.
type Dispatcher struct {
	registry *registry.Registry
	handlers *HandlerRegistry
	cfg      config.DispatcherConfig

	schemas *lru.Cache[string, *gojsonschema.Schema]

	global chan struct{}
	mu     sync.Mutex
	perCap map[string]chan struct{}
	queued atomic.Int64

	logger   observability.Logger
	metrics  observability.MetricsClient
	pipeline *observability.Pipeline
}

// New creates a dispatcher.
func New(reg *registry.Registry, handlers *HandlerRegistry, cfg config.DispatcherConfig,
	logger observability.Logger, metrics observability.MetricsClient, pipeline *observability.Pipeline) *Dispatcher {

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 2 * time.Second
	}
	if cfg.PerCapabilityConcurrency <= 0 {
		cfg.PerCapabilityConcurrency = 64
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 512
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	schemas, _ := lru.New[string, *gojsonschema.Schema](schemaCacheSize)

	return &Dispatcher{
		registry: reg,
		handlers: handlers,
		cfg:      cfg,
		schemas:  schemas,
		global:   make(chan struct{}, cfg.GlobalConcurrency),
		perCap:   make(map[string]chan struct{}),
		logger:   logger.WithPrefix("dispatcher"),
		metrics:  metrics,
		pipeline: pipeline,
	}
}

// Invoke runs one invocation to a terminal state. Exactly one
// request_completed event is emitted per call.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (*Response, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability.kind", string(req.Kind)),
		attribute.String("capability.name", req.Name),
	)

	inv := &models.Invocation{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		SubjectID: req.Claims.SubjectID,
		Kind:      req.Kind,
		Name:      req.Name,
		StartedAt: time.Now().UTC(),
	}
	if args, err := json.Marshal(req.Arguments); err == nil {
		inv.Arguments = args
	}
	d.emit(ctx, observability.EventRequestReceived, inv, nil, false)

	// RECEIVED: resolve the capability once. The captured value backs the
	// whole invocation regardless of concurrent replaces.
	cap, err := d.registry.Get(req.Kind, req.Name)
	if err != nil {
		return nil, d.finish(ctx, inv, cap, models.OutcomeFailed, false, err)
	}

	// RECEIVED → VALIDATED
	if err := d.validateInput(cap, req.Arguments); err != nil {
		return nil, d.finish(ctx, inv, cap, models.OutcomeFailed, false, err)
	}

	// VALIDATED → AUTHORIZED: no handler runs for a caller that fails the
	// security class check.
	if !req.Claims.Allows(cap.SecurityClass) {
		err := models.NewError(models.ErrDenied, "%s %q requires %s access",
			cap.Kind, cap.Name, cap.SecurityClass)
		d.logger.Warn("Invocation denied", map[string]interface{}{
			"kind":    string(cap.Kind),
			"name":    cap.Name,
			"subject": req.Claims.SubjectID,
		})
		return nil, d.finish(ctx, inv, cap, models.OutcomeDenied, false, err)
	}

	// Admission control before RUNNING.
	release, err := d.acquire(ctx, cap.Name)
	if err != nil {
		return nil, d.finish(ctx, inv, cap, models.OutcomeFailed, false, err)
	}
	defer release()

	// AUTHORIZED → RUNNING
	result, mismatch, err := d.run(ctx, cap, req)
	if err != nil {
		outcome := models.OutcomeFailed
		switch models.KindOf(err) {
		case models.ErrTimedOut:
			outcome = models.OutcomeTimedOut
		case models.ErrCancelled:
			outcome = models.OutcomeCancelled
		}
		return nil, d.finish(ctx, inv, cap, outcome, false, err)
	}

	resp := &Response{Invocation: inv, Result: result, OutputMismatch: mismatch}
	d.finish(ctx, inv, cap, models.OutcomeOK, mismatch, nil)
	return resp, nil
}

// run executes the kind-specific body with deadline and grace handling,
// retrying idempotent tools once on transient failure.
func (d *Dispatcher) run(ctx context.Context, cap *models.Capability, req Request) (interface{}, bool, error) {
	result, err := d.runOnce(ctx, cap, req)
	if err != nil && d.mayRetry(ctx, cap, err) {
		d.logger.Info("Retrying idempotent tool after transient failure", map[string]interface{}{
			"name":  cap.Name,
			"error": string(models.KindOf(err)),
		})
		d.metrics.IncrementCounter("dispatcher_retries_total", 1, map[string]string{"name": cap.Name})
		result, err = d.runOnce(ctx, cap, req)
	}
	if err != nil {
		return nil, false, err
	}

	mismatch := false
	if cap.Kind == models.KindTool && cap.Tool.OutputSchema != nil {
		if verr := d.validateAgainst(cap.DefinitionHash+":out", cap.Tool.OutputSchema, result); verr != nil {
			// Downgraded to completed; the mismatch only flags telemetry.
			d.logger.Warn("Tool output failed its declared schema", map[string]interface{}{
				"name":  cap.Name,
				"error": verr.Error(),
			})
			mismatch = true
		}
	}
	return result, mismatch, nil
}

func (d *Dispatcher) runOnce(ctx context.Context, cap *models.Capability, req Request) (interface{}, error) {
	deadline := req.Deadline
	if deadline.IsZero() {
		timeout := d.cfg.DefaultTimeout
		if cap.Kind == models.KindTool && cap.Tool.MaxRuntimeMS > 0 {
			timeout = time.Duration(cap.Tool.MaxRuntimeMS) * time.Millisecond
		}
		deadline = time.Now().Add(timeout)
	}

	switch cap.Kind {
	case models.KindTool:
		handler, err := d.handlers.Handler(cap.Tool.HandlerRef)
		if err != nil {
			return nil, err
		}
		return d.withGrace(ctx, deadline, cap.Name, func(cctx context.Context) (interface{}, error) {
			return handler(cctx, req.Arguments)
		})
	case models.KindPrompt:
		return renderPrompt(cap, req.Arguments)
	case models.KindResource:
		reader, err := d.handlers.Reader(cap.Resource.ReaderRef)
		if err != nil {
			return nil, err
		}
		return d.withGrace(ctx, deadline, cap.Name, func(cctx context.Context) (interface{}, error) {
			data, mime, err := reader(cctx, cap.Resource.URI)
			if err != nil {
				return nil, err
			}
			return []ResourceContent{makeResourceContent(cap.Resource.URI, mime, data)}, nil
		})
	default:
		return nil, models.NewError(models.ErrInternal, "unreachable kind %q", cap.Kind)
	}
}

type runResult struct {
	value interface{}
	err   error
}

// withGrace runs fn under the deadline. When the deadline or a cancel
// fires, the handler gets the grace window to unwind; past that the
// invocation is abandoned and a resource-leak warning is emitted.
func (d *Dispatcher) withGrace(ctx context.Context, deadline time.Time, name string,
	fn func(context.Context) (interface{}, error)) (interface{}, error) {

	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		value, err := fn(cctx)
		done <- runResult{value: value, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && cctx.Err() != nil {
			return nil, d.ctxError(cctx)
		}
		return r.value, r.err
	case <-cctx.Done():
	}

	// Grace window: the handler is expected to honor cancellation.
	grace := time.NewTimer(d.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		d.metrics.IncrementCounter("dispatcher_abandoned_total", 1, map[string]string{"name": name})
		d.logger.Error("Handler ignored cancellation, abandoning invocation", map[string]interface{}{
			"name":     name,
			"grace_ms": d.cfg.CancelGrace.Milliseconds(),
		})
	}
	return nil, d.ctxError(cctx)
}

func (d *Dispatcher) ctxError(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return models.NewError(models.ErrCancelled, "invocation cancelled")
	}
	return models.NewError(models.ErrTimedOut, "invocation deadline exceeded")
}

// mayRetry allows exactly one retry for idempotent tools on transient
// failures, and only while the caller is still waiting.
func (d *Dispatcher) mayRetry(ctx context.Context, cap *models.Capability, err error) bool {
	if cap.Kind != models.KindTool || !cap.Tool.Idempotent || ctx.Err() != nil {
		return false
	}
	kind := models.KindOf(err)
	return kind == models.ErrTimedOut || kind == models.ErrUpstreamUnavailable
}

// acquire takes the global and per-capability slots, waiting in a bounded
// queue. A full queue fails fast with overloaded and a retry-after hint.
func (d *Dispatcher) acquire(ctx context.Context, name string) (func(), error) {
	if d.queued.Load() >= int64(d.cfg.QueueDepth) {
		d.metrics.IncrementCounter("dispatcher_overloaded_total", 1, nil)
		return nil, models.NewError(models.ErrOverloaded, "dispatch queue full").
			WithRetryAfter(overloadedRetryAfter)
	}
	d.queued.Add(1)
	defer d.queued.Add(-1)

	select {
	case d.global <- struct{}{}:
	case <-ctx.Done():
		return nil, d.ctxError(ctx)
	}

	sem := d.capSem(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		<-d.global
		return nil, d.ctxError(ctx)
	}

	return func() {
		<-sem
		<-d.global
	}, nil
}

func (d *Dispatcher) capSem(name string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.perCap[name]
	if !ok {
		sem = make(chan struct{}, d.cfg.PerCapabilityConcurrency)
		d.perCap[name] = sem
	}
	return sem
}

// validateInput checks arguments against the capability's declared shape.
func (d *Dispatcher) validateInput(cap *models.Capability, args map[string]interface{}) error {
	switch cap.Kind {
	case models.KindTool:
		return d.validateAgainst(cap.DefinitionHash+":in", cap.Tool.InputSchema, args)
	case models.KindPrompt:
		for _, arg := range cap.Prompt.Arguments {
			if !arg.Required {
				continue
			}
			if _, ok := args[arg.Name]; !ok {
				return models.NewError(models.ErrInvalidArgument,
					"prompt %q requires argument %q", cap.Name, arg.Name)
			}
		}
	}
	return nil
}

// validateAgainst validates a document against a JSON schema, caching the
// compiled schema by definition hash.
func (d *Dispatcher) validateAgainst(cacheKey string, schema map[string]interface{}, doc interface{}) error {
	compiled, ok := d.schemas.Get(cacheKey)
	if !ok {
		var err error
		compiled, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
		if err != nil {
			return models.WrapError(models.ErrInternal, err, "capability schema does not compile")
		}
		d.schemas.Add(cacheKey, compiled)
	}

	if doc == nil {
		doc = map[string]interface{}{}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return models.WrapError(models.ErrInvalidArgument, err, "arguments are not valid JSON")
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return models.NewError(models.ErrInvalidArgument, "schema violation: %s", strings.Join(reasons, "; "))
	}
	return nil
}

func makeResourceContent(uri, mime string, data []byte) ResourceContent {
	content := ResourceContent{URI: uri, MIMEType: mime}
	if strings.HasPrefix(mime, "text/") || strings.Contains(mime, "json") ||
		strings.Contains(mime, "xml") || mime == "" {
		content.Text = string(data)
	} else {
		content.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return content
}

// finish stamps the terminal state, updates counters and emits the single
// request_completed event. Returns err for convenient tail calls.
func (d *Dispatcher) finish(ctx context.Context, inv *models.Invocation, cap *models.Capability,
	outcome models.Outcome, mismatch bool, err error) error {

	inv.FinishedAt = time.Now().UTC()
	inv.Outcome = outcome
	if err != nil {
		inv.ErrorKind = models.KindOf(err)
	}

	if cap != nil && cap.Counters != nil {
		cap.Counters.RecordInvocation(inv.Duration(), outcome != models.OutcomeOK)
	}
	d.metrics.RecordOperation("dispatcher", "invoke", outcome == models.OutcomeOK, inv.Duration())
	d.emit(ctx, observability.EventRequestCompleted, inv, err, mismatch)
	return err
}

func (d *Dispatcher) emit(ctx context.Context, eventType observability.EventType,
	inv *models.Invocation, err error, mismatch bool) {

	if d.pipeline == nil {
		return
	}
	fields := map[string]interface{}{
		"request_id": inv.RequestID,
		"session_id": inv.SessionID,
		"kind":       string(inv.Kind),
		"name":       inv.Name,
	}
	if eventType == observability.EventRequestCompleted {
		fields["outcome"] = string(inv.Outcome)
		fields["duration_ms"] = inv.Duration().Milliseconds()
		if err != nil {
			fields["error_kind"] = string(models.KindOf(err))
		}
		if mismatch {
			fields["output_schema_mismatch"] = true
		}
	}
	d.pipeline.Emit(ctx, eventType, fields)
}
