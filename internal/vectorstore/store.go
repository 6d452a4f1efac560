// Package vectorstore keeps the searchable embedding records for catalog
// entries. The authoritative copy of the catalog lives in the registry;
// this index is a derived view and is allowed to lag.
package vectorstore

import (
	"context"
	"time"

	"github.com/developer-mesh/capability-server/pkg/models"
)

// Record is one embedding entry. (ItemType, Name) is unique.
type Record struct {
	ItemType    string                 `json:"item_type" db:"item_type"`
	Name        string                 `json:"name" db:"name"`
	Category    string                 `json:"category" db:"category"`
	Description string                 `json:"description" db:"description"`
	Embedding   []float32              `json:"-"`
	Keywords    []string               `json:"keywords"`
	Metadata    map[string]interface{} `json:"metadata"`
	SourceHash  string                 `json:"source_hash" db:"source_hash"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
}

// Filter narrows search and stats queries.
type Filter struct {
	ItemType string
	Category string
	// Metadata matches exact key/value pairs inside the metadata document.
	Metadata map[string]string
}

// Match is a search hit with a cosine similarity score in [0, 1].
type Match struct {
	Record Record
	Score  float64
}

// Store is the vector index client. Errors follow the shared taxonomy:
// upstream_unavailable is transient and worth retrying, invalid_argument
// is permanent, not_found is benign.
type Store interface {
	// EnsureSchema prepares backing storage (extension, table, indexes).
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, record *Record) error
	Delete(ctx context.Context, itemType, name string) error
	Get(ctx context.Context, itemType, name string) (*Record, error)
	Search(ctx context.Context, queryVec []float32, filter Filter, k int) ([]Match, error)
	Stats(ctx context.Context, filter Filter) (map[string]int, error)
	// Sweep removes records older than cutoff whose (itemType, name) is not
	// reported live. Returns the number of reaped records.
	Sweep(ctx context.Context, cutoff time.Time, live func(itemType, name string) bool) (int, error)
	Close() error
}

func validateRecord(record *Record) error {
	if record == nil {
		return models.NewError(models.ErrInvalidArgument, "record is nil")
	}
	if record.ItemType == "" || record.Name == "" {
		return models.NewError(models.ErrInvalidArgument, "record requires item_type and name")
	}
	if len(record.Embedding) == 0 {
		return models.NewError(models.ErrInvalidArgument, "record requires an embedding vector")
	}
	return nil
}
