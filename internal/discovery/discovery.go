// Package discovery populates the registry from configured capability
// sources and keeps the vector index in sync through a bounded indexing
// pipeline. Parse failures are collected, never thrown: a refresh always
// produces a report.
package discovery

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

// Rejection records one definition that did not make it into the catalog.
type Rejection struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Report summarizes one discovery pass.
type Report struct {
	Accepted   []string    `json:"accepted"` // "kind/name"
	Rejected   []Rejection `json:"rejected"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Engine runs discovery passes against the registry.
type Engine struct {
	mu      sync.Mutex
	sources []Source

	registry  *registry.Registry
	stateFile string

	logger   observability.Logger
	metrics  observability.MetricsClient
	pipeline *observability.Pipeline
}

// NewEngine builds the engine with the sources declared in configuration.
// Additional sources (the built-in provider) are attached with AddSource.
func NewEngine(cfg config.DiscoveryConfig, reg *registry.Registry, logger observability.Logger,
	metrics observability.MetricsClient, pipeline *observability.Pipeline) *Engine {

	e := &Engine{
		registry:  reg,
		stateFile: cfg.PipelineStateFile,
		logger:    logger.WithPrefix("discovery"),
		metrics:   metrics,
		pipeline:  pipeline,
	}
	if cfg.ExplicitFile != "" {
		e.sources = append(e.sources, NewFileSource(cfg.ExplicitFile))
	}
	if cfg.ModuleScan != nil {
		e.sources = append(e.sources, NewModuleScanSource(*cfg.ModuleScan))
	}
	if cfg.RemoteManifest != nil {
		e.sources = append(e.sources, NewRemoteManifestSource(*cfg.RemoteManifest))
	}
	return e
}

// AddSource appends a source. Not safe to call concurrently with Refresh.
func (e *Engine) AddSource(source Source) {
	e.sources = append(e.sources, source)
}

// Refresh runs one discovery pass: enumerate every source, hash each
// definition, and register, replace or ignore it. Refreshes are
// serialized; a second caller waits for the first to finish.
func (e *Engine) Refresh(ctx context.Context) *Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &Report{StartedAt: time.Now().UTC()}
	for _, source := range e.sources {
		caps, rejected, err := source.Enumerate(ctx)
		report.Rejected = append(report.Rejected, rejected...)
		if err != nil {
			e.logger.Warn("Capability source failed", map[string]interface{}{
				"source": source.Name(),
				"error":  err.Error(),
			})
			report.Rejected = append(report.Rejected, Rejection{Source: source.Name(), Reason: err.Error()})
			continue
		}
		for _, cap := range caps {
			if err := e.apply(ctx, cap); err != nil {
				report.Rejected = append(report.Rejected, Rejection{
					Source: sourceOf(cap, source),
					Reason: err.Error(),
				})
				continue
			}
			report.Accepted = append(report.Accepted, string(cap.Kind)+"/"+cap.Name)
		}
	}
	report.FinishedAt = time.Now().UTC()

	e.metrics.IncrementCounter("discovery_refreshes_total", 1, nil)
	e.metrics.RecordGauge("discovery_last_accepted", float64(len(report.Accepted)), nil)
	e.pipeline.Emit(ctx, observability.EventDiscoveryRefreshed, map[string]interface{}{
		"accepted":    len(report.Accepted),
		"rejected":    len(report.Rejected),
		"duration_ms": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
	e.logger.Info("Discovery pass completed", map[string]interface{}{
		"accepted": len(report.Accepted),
		"rejected": len(report.Rejected),
	})

	e.saveState()
	return report
}

// apply registers a definition, replaces it when the name exists with a
// different hash, and ignores it when identical.
func (e *Engine) apply(ctx context.Context, cap *models.Capability) error {
	if cap == nil {
		return models.NewError(models.ErrInvalidArgument, "nil capability")
	}
	if cap.DefinitionHash == "" {
		if err := cap.SealDefinition(); err != nil {
			return models.WrapError(models.ErrInvalidArgument, err, "cannot hash definition")
		}
	}

	existing, err := e.registry.Get(cap.Kind, cap.Name)
	if err == nil {
		if existing.DefinitionHash == cap.DefinitionHash {
			return nil
		}
		return e.registry.Replace(ctx, cap)
	}
	return e.registry.Register(ctx, cap)
}

func sourceOf(cap *models.Capability, source Source) string {
	if cap != nil && cap.Source != "" {
		return cap.Source
	}
	return source.Name()
}

// LoadCached replays the optional pipeline-state file into the registry
// before the first live pass. Best effort: a missing or stale cache only
// costs cold-start time.
func (e *Engine) LoadCached(ctx context.Context) int {
	if e.stateFile == "" {
		return 0
	}
	data, err := os.ReadFile(e.stateFile)
	if err != nil {
		return 0
	}
	var cached []*models.Capability
	if err := json.Unmarshal(data, &cached); err != nil {
		e.logger.Warn("Ignoring corrupt pipeline-state file", map[string]interface{}{
			"path":  e.stateFile,
			"error": err.Error(),
		})
		return 0
	}

	loaded := 0
	for _, cap := range cached {
		if err := e.apply(ctx, cap); err == nil {
			loaded++
		}
	}
	e.logger.Info("Loaded cached discovery state", map[string]interface{}{
		"path":   e.stateFile,
		"loaded": loaded,
	})
	return loaded
}

// saveState caches the current catalog as JSON for the next cold start.
func (e *Engine) saveState() {
	if e.stateFile == "" {
		return
	}
	caps := e.registry.List(registry.ListFilter{})
	data, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(e.stateFile, data, 0o644); err != nil {
		e.logger.Warn("Failed to write pipeline-state file", map[string]interface{}{
			"path":  e.stateFile,
			"error": err.Error(),
		})
	}
}
