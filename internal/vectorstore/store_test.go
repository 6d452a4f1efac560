package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

func TestFormatAndParseVector(t *testing.T) {
	vec := []float32{0.5, -1.25, 0}
	literal := formatVector(vec)
	assert.Equal(t, "[0.5,-1.25,0]", literal)

	parsed, err := parseVector(literal)
	require.NoError(t, err)
	assert.Equal(t, vec, parsed)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(sqlx.NewDb(db, "postgres"), 3, observability.NewNoopLogger()), mock
}

func TestPostgresUpsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO capability_embeddings`).
		WithArgs("tool", "echo", "utility", "echoes input",
			"[0.1,0.2,0.3]", sqlmock.AnyArg(), sqlmock.AnyArg(), "abc123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), &Record{
		ItemType:    "tool",
		Name:        "echo",
		Category:    "utility",
		Description: "echoes input",
		Embedding:   []float32{0.1, 0.2, 0.3},
		Keywords:    []string{"echo"},
		SourceHash:  "abc123",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertDimensionMismatch(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.Upsert(context.Background(), &Record{
		ItemType:  "tool",
		Name:      "echo",
		Embedding: []float32{0.1},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
}

func TestPostgresDeleteNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM capability_embeddings`).
		WithArgs("tool", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "tool", "ghost")
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestPostgresSearch(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	columns := []string{"item_type", "name", "category", "description", "embedding",
		"keywords", "metadata", "source_hash", "created_at", "updated_at", "score"}
	mock.ExpectQuery(`SELECT item_type, name, category`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("tool", "web_fetch", "web", "fetches pages", "[1,0,0]",
				[]byte(`["http"]`), []byte(`{}`), "h1", now, now, 0.93).
			AddRow("tool", "data_query", "data", "queries data", "[0,1,0]",
				[]byte(`[]`), []byte(`{}`), "h2", now, now, 0.41))

	matches, err := store.Search(context.Background(), []float32{1, 0, 0}, Filter{ItemType: "tool"}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "web_fetch", matches[0].Record.Name)
	assert.InDelta(t, 0.93, matches[0].Score, 0.001)
	assert.Equal(t, []string{"http"}, matches[0].Record.Keywords)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{
		ItemType:  "tool",
		Name:      "web_fetch",
		Category:  "web",
		Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, store.Upsert(ctx, &Record{
		ItemType:  "tool",
		Name:      "data_query",
		Category:  "data",
		Embedding: []float32{0, 1, 0},
	}))

	got, err := store.Get(ctx, "tool", "web_fetch")
	require.NoError(t, err)
	assert.Equal(t, "web", got.Category)

	matches, err := store.Search(ctx, []float32{0.9, 0.1, 0}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "web_fetch", matches[0].Record.Name)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	stats, err := store.Stats(ctx, Filter{ItemType: "tool"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats["tool"])

	require.NoError(t, store.Delete(ctx, "tool", "data_query"))
	_, err = store.Get(ctx, "tool", "data_query")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Record{
		ItemType: "tool", Name: "stale", Embedding: []float32{1},
	}))
	require.NoError(t, store.Upsert(ctx, &Record{
		ItemType: "tool", Name: "live", Embedding: []float32{1},
	}))

	reaped, err := store.Sweep(ctx, time.Now().Add(time.Minute), func(itemType, name string) bool {
		return name == "live"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = store.Get(ctx, "tool", "stale")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
	_, err = store.Get(ctx, "tool", "live")
	assert.NoError(t, err)
}
