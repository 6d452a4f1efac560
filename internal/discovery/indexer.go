package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/internal/vectorstore"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
	"github.com/developer-mesh/capability-server/pkg/resilience"
)

// queueFloor keeps the indexing queue usable for small catalogs; the
// target capacity is ten times the catalog size at start.
const queueFloor = 256

// staleAfter is how long an embedding record may outlive its capability
// before the sweeper reaps it.
const staleAfter = 24 * time.Hour

// maxIndexBodyBytes caps how much of a resource body joins the embedded
// text for resources that opt in via index_body.
const maxIndexBodyBytes = 8 << 10

type indexTask struct {
	remove bool
	cap    *models.Capability
}

// Embedder is the slice of the embedding client the indexer needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BodyReader resolves a resource body for indexing.
type BodyReader func(ctx context.Context, cap *models.Capability) (data []byte, contentType string, err error)

// Indexer keeps the vector index eventually consistent with the registry.
// It consumes the registry change feed through a bounded queue; indexing
// failures are retried with backoff and surfaced as non-fatal telemetry —
// the capability stays usable without vector search.
type Indexer struct {
	registry *registry.Registry
	embedder Embedder
	store    vectorstore.Store

	queue   chan indexTask
	workers int
	retry   resilience.RetryConfig
	bodies  BodyReader

	logger   observability.Logger
	metrics  observability.MetricsClient
	pipeline *observability.Pipeline

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewIndexer creates the indexing pipeline. workers <= 0 defaults to 4.
func NewIndexer(reg *registry.Registry, embedder Embedder, store vectorstore.Store, workers int,
	logger observability.Logger, metrics observability.MetricsClient, pipeline *observability.Pipeline) *Indexer {

	if workers <= 0 {
		workers = 4
	}
	retry := resilience.DefaultRetryConfig()
	retry.RetryIf = func(err error) bool { return models.Transient(models.KindOf(err)) }

	capacity := 10 * reg.Len()
	if capacity < queueFloor {
		capacity = queueFloor
	}

	return &Indexer{
		registry: reg,
		embedder: embedder,
		store:    store,
		queue:    make(chan indexTask, capacity),
		workers:  workers,
		retry:    retry,
		logger:   logger.WithPrefix("indexer"),
		metrics:  metrics,
		pipeline: pipeline,
	}
}

// SetBodyReader wires body resolution for resources that opt into body
// indexing via index_body. Call before Start.
func (ix *Indexer) SetBodyReader(r BodyReader) { ix.bodies = r }

// Start subscribes to the registry change feed and launches the workers.
// Stop tears everything down.
func (ix *Indexer) Start() error {
	sub, err := ix.registry.Subscribe(0)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ix.cancel = cancel

	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					// Dropped as a slow subscriber; resync from the catalog.
					ix.logger.Warn("Change-feed subscription lost, resyncing", nil)
					ix.EnqueueAll()
					var resubErr error
					if sub, resubErr = ix.registry.Subscribe(0); resubErr != nil {
						return
					}
					continue
				}
				ix.enqueue(indexTask{remove: event.Type == registry.ChangeRemoved, cap: event.Capability})
			}
		}
	}()

	for i := 0; i < ix.workers; i++ {
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-ix.queue:
					ix.process(ctx, task)
				}
			}
		}()
	}
	return nil
}

// Stop cancels the workers and waits for them.
func (ix *Indexer) Stop() {
	if ix.cancel != nil {
		ix.cancel()
	}
	ix.wg.Wait()
}

// EnqueueAll submits every current catalog entry for indexing. Used on
// boot when a pipeline-state cache was loaded without feed events.
func (ix *Indexer) EnqueueAll() {
	for _, cap := range ix.registry.List(registry.ListFilter{}) {
		ix.enqueue(indexTask{cap: cap})
	}
}

// enqueue never blocks; overflow drops the request with an alert.
func (ix *Indexer) enqueue(task indexTask) {
	select {
	case ix.queue <- task:
	default:
		ix.metrics.IncrementCounter("indexing_dropped_total", 1, nil)
		ix.logger.Error("Indexing queue full, dropping request", map[string]interface{}{
			"kind": string(task.cap.Kind),
			"name": task.cap.Name,
		})
	}
}

func (ix *Indexer) process(ctx context.Context, task indexTask) {
	started := time.Now()
	var err error
	if task.remove {
		err = ix.remove(ctx, task.cap)
	} else {
		err = ix.index(ctx, task.cap)
	}
	ix.metrics.RecordOperation("indexer", "index", err == nil, time.Since(started))

	fields := map[string]interface{}{
		"kind":    string(task.cap.Kind),
		"name":    task.cap.Name,
		"removed": task.remove,
	}
	if err != nil {
		fields["error"] = string(models.KindOf(err))
		ix.logger.Warn("Indexing failed", map[string]interface{}{
			"kind":  string(task.cap.Kind),
			"name":  task.cap.Name,
			"error": err.Error(),
		})
	}
	ix.pipeline.Emit(ctx, observability.EventEmbeddingIndexed, fields)
}

func (ix *Indexer) index(ctx context.Context, cap *models.Capability) error {
	text := ix.indexText(ctx, cap)
	return resilience.Retry(ctx, ix.retry, func() error {
		vec, err := ix.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		return ix.store.Upsert(ctx, &vectorstore.Record{
			ItemType:    string(cap.Kind),
			Name:        cap.Name,
			Category:    cap.Category,
			Description: cap.Description,
			Embedding:   vec,
			Keywords:    cap.Keywords,
			SourceHash:  cap.DefinitionHash,
		})
	})
}

// indexText is the capability metadata, plus the body for resources that
// opt in. Body fetch failures degrade to metadata-only indexing rather
// than failing the record.
func (ix *Indexer) indexText(ctx context.Context, cap *models.Capability) string {
	text := cap.IndexText()
	if cap.Kind != models.KindResource || cap.Resource == nil || !cap.Resource.IndexBody || ix.bodies == nil {
		return text
	}

	data, contentType, err := ix.bodies(ctx, cap)
	if err != nil {
		ix.logger.Warn("Resource body fetch failed, indexing metadata only", map[string]interface{}{
			"name":  cap.Name,
			"error": err.Error(),
		})
		return text
	}
	if !textualContentType(contentType) {
		return text
	}
	if len(data) > maxIndexBodyBytes {
		data = data[:maxIndexBodyBytes]
	}
	return text + "\n" + string(data)
}

func textualContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "xml") ||
		strings.Contains(contentType, "yaml")
}

func (ix *Indexer) remove(ctx context.Context, cap *models.Capability) error {
	err := ix.store.Delete(ctx, string(cap.Kind), cap.Name)
	if models.IsKind(err, models.ErrNotFound) {
		return nil
	}
	return err
}

// Sweep reaps embedding records older than staleAfter with no live
// capability. Run periodically by the server.
func (ix *Indexer) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	return ix.store.Sweep(ctx, cutoff, func(itemType, name string) bool {
		_, err := ix.registry.Get(models.Kind(itemType), name)
		return err == nil
	})
}
