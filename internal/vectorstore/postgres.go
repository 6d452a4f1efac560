package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

// PostgresStore implements Store on pgvector.
type PostgresStore struct {
	db         *sqlx.DB
	dimensions int
	logger     observability.Logger
}

// NewPostgresStore connects to the vector database.
func NewPostgresStore(dsn string, dimensions int, logger observability.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "failed to open vector database")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{
		db:         db,
		dimensions: dimensions,
		logger:     logger.WithPrefix("vectorstore"),
	}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests.
func NewPostgresStoreWithDB(db *sqlx.DB, dimensions int, logger observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, dimensions: dimensions, logger: logger.WithPrefix("vectorstore")}
}

// EnsureSchema creates the pgvector extension and the embeddings table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS capability_embeddings (
			item_type   TEXT NOT NULL,
			name        TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			embedding   vector(%d) NOT NULL,
			keywords    JSONB NOT NULL DEFAULT '[]',
			metadata    JSONB NOT NULL DEFAULT '{}',
			source_hash TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (item_type, name)
		)`, s.dimensions),
		`CREATE INDEX IF NOT EXISTS capability_embeddings_category_idx
			ON capability_embeddings (category)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return models.WrapError(models.ErrUpstreamUnavailable, err, "failed to ensure vector schema")
		}
	}
	return nil
}

// formatVector renders a []float32 in pgvector literal form.
func formatVector(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses a pgvector literal back into a []float32.
func parseVector(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q: %w", p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// Upsert writes a record, replacing any previous entry for its key.
func (s *PostgresStore) Upsert(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if len(record.Embedding) != s.dimensions {
		return models.NewError(models.ErrInvalidArgument,
			"embedding has %d dimensions, store expects %d", len(record.Embedding), s.dimensions)
	}

	keywords, err := json.Marshal(record.Keywords)
	if err != nil {
		return models.WrapError(models.ErrInvalidArgument, err, "failed to marshal keywords")
	}
	metadata := []byte("{}")
	if record.Metadata != nil {
		if metadata, err = json.Marshal(record.Metadata); err != nil {
			return models.WrapError(models.ErrInvalidArgument, err, "failed to marshal metadata")
		}
	}

	query := `INSERT INTO capability_embeddings
		(item_type, name, category, description, embedding, keywords, metadata, source_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (item_type, name) DO UPDATE SET
			category = $3, description = $4, embedding = $5,
			keywords = $6, metadata = $7, source_hash = $8, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query,
		record.ItemType, record.Name, record.Category, record.Description,
		formatVector(record.Embedding), keywords, metadata, record.SourceHash,
	); err != nil {
		return models.WrapError(models.ErrUpstreamUnavailable, err, "failed to upsert embedding")
	}
	return nil
}

// Delete removes a record. Missing records are benign.
func (s *PostgresStore) Delete(ctx context.Context, itemType, name string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM capability_embeddings WHERE item_type = $1 AND name = $2`, itemType, name)
	if err != nil {
		return models.WrapError(models.ErrUpstreamUnavailable, err, "failed to delete embedding")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return models.NewError(models.ErrNotFound, "no embedding for %s %q", itemType, name)
	}
	return nil
}

type recordRow struct {
	ItemType    string          `db:"item_type"`
	Name        string          `db:"name"`
	Category    string          `db:"category"`
	Description string          `db:"description"`
	Embedding   string          `db:"embedding"`
	Keywords    json.RawMessage `db:"keywords"`
	Metadata    json.RawMessage `db:"metadata"`
	SourceHash  string          `db:"source_hash"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
	Score       sql.NullFloat64 `db:"score"`
}

func (row *recordRow) toRecord() (Record, error) {
	record := Record{
		ItemType:    row.ItemType,
		Name:        row.Name,
		Category:    row.Category,
		Description: row.Description,
		SourceHash:  row.SourceHash,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	vec, err := parseVector(row.Embedding)
	if err != nil {
		return record, err
	}
	record.Embedding = vec
	if len(row.Keywords) > 0 {
		if err := json.Unmarshal(row.Keywords, &record.Keywords); err != nil {
			return record, err
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &record.Metadata); err != nil {
			return record, err
		}
	}
	return record, nil
}

// Get fetches one record by key.
func (s *PostgresStore) Get(ctx context.Context, itemType, name string) (*Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		`SELECT item_type, name, category, description, embedding::text AS embedding,
			keywords, metadata, source_hash, created_at, updated_at
		FROM capability_embeddings WHERE item_type = $1 AND name = $2`, itemType, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "no embedding for %s %q", itemType, name)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "failed to get embedding")
	}
	record, err := row.toRecord()
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "failed to decode embedding row")
	}
	return &record, nil
}

func buildFilterClause(filter Filter, startArg int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	arg := startArg

	if filter.ItemType != "" {
		clauses = append(clauses, fmt.Sprintf("item_type = $%d", arg))
		args = append(args, filter.ItemType)
		arg++
	}
	if filter.Category != "" {
		clauses = append(clauses, fmt.Sprintf("category = $%d", arg))
		args = append(args, filter.Category)
		arg++
	}
	for key, value := range filter.Metadata {
		clauses = append(clauses, fmt.Sprintf("metadata->>$%d = $%d", arg, arg+1))
		args = append(args, key, value)
		arg += 2
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Search runs a cosine similarity query. Vectors are assumed unit-norm, so
// similarity = 1 - cosine distance.
func (s *PostgresStore) Search(ctx context.Context, queryVec []float32, filter Filter, k int) ([]Match, error) {
	if len(queryVec) != s.dimensions {
		return nil, models.NewError(models.ErrInvalidArgument,
			"query vector has %d dimensions, store expects %d", len(queryVec), s.dimensions)
	}
	if k <= 0 {
		k = 10
	}

	where, filterArgs := buildFilterClause(filter, 2)
	query := fmt.Sprintf(`SELECT item_type, name, category, description,
			embedding::text AS embedding, keywords, metadata, source_hash,
			created_at, updated_at,
			1 - (embedding <=> $1::vector) AS score
		FROM capability_embeddings
		WHERE TRUE%s
		ORDER BY embedding <=> $1::vector
		LIMIT %d`, where, k)

	args := append([]interface{}{formatVector(queryVec)}, filterArgs...)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "vector search failed")
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			s.logger.Warn("Skipping undecodable embedding row", map[string]interface{}{
				"item_type": row.ItemType,
				"name":      row.Name,
				"error":     err.Error(),
			})
			continue
		}
		matches = append(matches, Match{Record: record, Score: row.Score.Float64})
	}
	return matches, nil
}

// Stats counts records per item type under the filter.
func (s *PostgresStore) Stats(ctx context.Context, filter Filter) (map[string]int, error) {
	where, args := buildFilterClause(filter, 1)
	// buildFilterClause numbers from startArg; with no leading parameter the
	// clause must start at $1.
	query := `SELECT item_type, COUNT(*) AS n FROM capability_embeddings WHERE TRUE` +
		where + ` GROUP BY item_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "stats query failed")
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]int)
	for rows.Next() {
		var itemType string
		var n int
		if err := rows.Scan(&itemType, &n); err != nil {
			return nil, models.WrapError(models.ErrInternal, err, "failed to scan stats row")
		}
		stats[itemType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapError(models.ErrUpstreamUnavailable, err, "stats query failed")
	}
	return stats, nil
}

// Sweep reaps stale records with no live capability.
func (s *PostgresStore) Sweep(ctx context.Context, cutoff time.Time, live func(itemType, name string) bool) (int, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT item_type, name, '' AS embedding, updated_at, created_at
		FROM capability_embeddings WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, models.WrapError(models.ErrUpstreamUnavailable, err, "sweep scan failed")
	}

	reaped := 0
	for _, row := range rows {
		if live(row.ItemType, row.Name) {
			continue
		}
		if err := s.Delete(ctx, row.ItemType, row.Name); err != nil && !models.IsKind(err, models.ErrNotFound) {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		s.logger.Info("Swept stale embedding records", map[string]interface{}{
			"reaped": reaped,
			"cutoff": cutoff,
		})
	}
	return reaped, nil
}

// Close releases the database pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
