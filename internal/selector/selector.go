// Package selector answers "which capabilities match this intent" with a
// two-stage pipeline: embedding recall against the vector index, then an
// optional reranker. When embeddings are unavailable the rule-based path
// ranks the catalog directly, so search degrades rather than fails.
package selector

import (
	"context"
	"sort"
	"time"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/vectorstore"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

const (
	// DefaultK is the result count used when the caller omits k.
	DefaultK     = 5
	maxK         = 50
	recallFactor = 4
)

// Filter narrows a selection to a kind and category.
type Filter struct {
	Kind     models.Kind `json:"kind,omitempty"`
	Category string      `json:"category,omitempty"`
}

// Result is one ranked capability with a score in [0, 1].
type Result struct {
	Capability *models.Capability `json:"capability"`
	Score      float64            `json:"score"`
	// Stage names the pipeline stage that produced the score:
	// "embedding", "rerank" or "rules".
	Stage string `json:"stage"`
}

// Embedder is the slice of the embedding client the selector needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker reorders coarse-recall candidates. None ships enabled by
// default; deployments plug one in.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Result) ([]Result, error)
}

// Selector runs the selection pipeline. It never blocks its caller past
// the configured budget: on timeout it falls back to the rule-based path,
// which is synchronous and in-memory.
type Selector struct {
	registry *registry.Registry
	store    vectorstore.Store
	embedder Embedder
	reranker Reranker
	cfg      config.SelectorConfig

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a selector. embedder and store may be nil in lazy-load
// boots; selection then always takes the rule-based path.
func New(reg *registry.Registry, store vectorstore.Store, embedder Embedder, reranker Reranker,
	cfg config.SelectorConfig, logger observability.Logger, metrics observability.MetricsClient) *Selector {

	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	if cfg.MinResults <= 0 {
		cfg.MinResults = 1
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = 0.1
	}
	return &Selector{
		registry: reg,
		store:    store,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		logger:   logger.WithPrefix("selector"),
		metrics:  metrics,
	}
}

// Select returns the best k matches for the query, ordered by score.
func (s *Selector) Select(ctx context.Context, query string, filter Filter, k int) ([]Result, error) {
	if query == "" {
		return nil, models.NewError(models.ErrInvalidArgument, "query must not be empty")
	}
	if k < 1 || k > maxK {
		return nil, models.NewError(models.ErrInvalidArgument, "k must be in [1, %d], got %d", maxK, k)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, models.NewError(models.ErrInvalidArgument, "unknown kind %q", filter.Kind)
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	results, stage := s.embeddingStage(ctx, query, filter, k)
	if results == nil {
		results = s.ruleStage(query, filter)
		stage = "rules"
	}
	s.metrics.RecordOperation("selector", stage, true, time.Since(started))

	return s.finalize(results, k), nil
}

// embeddingStage runs embed → coarse recall → rerank. A nil return means
// the stage could not produce an answer and the caller must fall back.
func (s *Selector) embeddingStage(ctx context.Context, query string, filter Filter, k int) ([]Result, string) {
	if s.embedder == nil || s.store == nil {
		return nil, ""
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("Query embedding failed, using rule-based ranking", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, ""
	}

	searchCtx := ctx
	if s.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.cfg.SearchTimeout)
		defer cancel()
	}
	matches, err := s.store.Search(searchCtx, vec, vectorstore.Filter{
		ItemType: string(filter.Kind),
		Category: filter.Category,
	}, k*recallFactor)
	if err != nil {
		s.logger.Warn("Vector search failed, using rule-based ranking", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, ""
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		// The index may lag the registry; skip records without a live entry.
		cap, err := s.registry.Get(models.Kind(m.Record.ItemType), m.Record.Name)
		if err != nil {
			continue
		}
		results = append(results, Result{Capability: cap, Score: clamp01(m.Score), Stage: "embedding"})
	}

	if s.reranker != nil {
		reranked, err := s.reranker.Rerank(ctx, query, results)
		if err != nil {
			s.logger.Warn("Reranker failed, keeping cosine order", map[string]interface{}{
				"error": err.Error(),
			})
			return results, "embedding"
		}
		for i := range reranked {
			reranked[i].Stage = "rerank"
		}
		return reranked, "rerank"
	}
	return results, "embedding"
}

// ruleStage ranks the live catalog without embeddings.
func (s *Selector) ruleStage(query string, filter Filter) []Result {
	caps := s.registry.List(registry.ListFilter{Kind: filter.Kind, Category: filter.Category})
	results := make([]Result, 0, len(caps))
	for _, cap := range caps {
		if score := scoreRuleMatch(query, cap); score > 0 {
			results = append(results, Result{Capability: cap, Score: score, Stage: "rules"})
		}
	}
	return results
}

// finalize sorts, truncates to k and applies the score floor. The floor
// is waived while fewer than min_results remain.
func (s *Selector) finalize(results []Result, k int) []Result {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= s.cfg.ScoreFloor || len(kept) < s.cfg.MinResults {
			kept = append(kept, r)
		}
	}
	return kept
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
