package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// MemoryStore implements Store in process memory. It backs lazy-load
// boots where no vector database is configured, and the test suites.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[[2]string]*Record
}

// NewMemoryStore creates an empty in-memory index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[[2]string]*Record)}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	now := time.Now().UTC()
	clone := *record
	clone.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{record.ItemType, record.Name}
	if existing, ok := s.records[k]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}
	s.records[k] = &clone
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, itemType, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{itemType, name}
	if _, ok := s.records[k]; !ok {
		return models.NewError(models.ErrNotFound, "no embedding for %s %q", itemType, name)
	}
	delete(s.records, k)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, itemType, name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[[2]string{itemType, name}]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no embedding for %s %q", itemType, name)
	}
	clone := *record
	return &clone, nil
}

func matchesFilter(record *Record, filter Filter) bool {
	if filter.ItemType != "" && record.ItemType != filter.ItemType {
		return false
	}
	if filter.Category != "" && record.Category != filter.Category {
		return false
	}
	for key, want := range filter.Metadata {
		got, ok := record.Metadata[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// cosineSimilarity over possibly non-normalized vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (s *MemoryStore) Search(ctx context.Context, queryVec []float32, filter Filter, k int) ([]Match, error) {
	if len(queryVec) == 0 {
		return nil, models.NewError(models.ErrInvalidArgument, "empty query vector")
	}
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	matches := make([]Match, 0, len(s.records))
	for _, record := range s.records {
		if !matchesFilter(record, filter) {
			continue
		}
		clone := *record
		matches = append(matches, Match{
			Record: clone,
			Score:  cosineSimilarity(queryVec, record.Embedding),
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemoryStore) Stats(ctx context.Context, filter Filter) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int)
	for _, record := range s.records {
		if matchesFilter(record, filter) {
			stats[record.ItemType]++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, cutoff time.Time, live func(itemType, name string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for k, record := range s.records {
		if record.UpdatedAt.After(cutoff) || live(record.ItemType, record.Name) {
			continue
		}
		delete(s.records, k)
		reaped++
	}
	return reaped, nil
}

func (s *MemoryStore) Close() error { return nil }
