// Package cloudstore implements the remote curated layer: a namespaced
// Postgres+pgvector store for items promoted out of the local workspace,
// plus the prepare/commit push pipeline and pull/search read pipeline
// that move curated bullets across the workspace/remote boundary.
package cloudstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/hypermemory/hypermemory/internal/herrors"
)

// Config configures a Store and the push/pull pipeline built on it.
type Config struct {
	DatabaseURL string
	Namespace   string
	Threshold   int
	ModelID     string
	Allowlist   bool
}

// Store is a namespaced Postgres+pgvector client for hm_cloud_item and
// hm_cloud_embedding.
type Store struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS hm_cloud_item (
  namespace text NOT NULL,
  content_sha text NOT NULL,
  content text NOT NULL,
  score int NOT NULL,
  source_meta jsonb NOT NULL DEFAULT '{}'::jsonb,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY(namespace, content_sha)
);

CREATE TABLE IF NOT EXISTS hm_cloud_embedding (
  namespace text NOT NULL,
  content_sha text NOT NULL,
  model_id text NOT NULL,
  dims int NOT NULL,
  embedding vector NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY(namespace, content_sha, model_id)
);

CREATE INDEX IF NOT EXISTS hm_cloud_item_created_at_idx
  ON hm_cloud_item(namespace, created_at DESC);
`

// Open connects to Postgres and ensures the hm_cloud_item/hm_cloud_embedding
// schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.Open", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return herrors.Wrap(herrors.SchemaMismatch, "cloudstore.ensureSchema", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertItem writes one curated item and its embedding, keyed by
// (namespace, content_sha[, model_id]). Each item is its own statement
// pair rather than a single cross-item transaction, so a mid-batch
// failure still leaves every prior item durably committed.
func (s *Store) UpsertItem(ctx context.Context, namespace string, item PayloadItem, modelID string, vector []float32, sourceMeta map[string]any) error {
	meta := sourceMeta
	if meta == nil {
		meta = map[string]any{}
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO hm_cloud_item(namespace, content_sha, content, score, source_meta)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT(namespace, content_sha)
		DO UPDATE SET content=excluded.content, score=excluded.score, source_meta=excluded.source_meta
	`, namespace, item.ContentSHA, item.Content, item.Score, meta); err != nil {
		return herrors.Wrap(herrors.BackendUnavailable, "cloudstore.UpsertItem", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO hm_cloud_embedding(namespace, content_sha, model_id, dims, embedding)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT(namespace, content_sha, model_id)
		DO UPDATE SET dims=excluded.dims, embedding=excluded.embedding, updated_at=now()
	`, namespace, item.ContentSHA, modelID, len(vector), pgvector.NewVector(vector)); err != nil {
		return herrors.Wrap(herrors.BackendUnavailable, "cloudstore.UpsertItem", err)
	}

	return nil
}

// CloudItem is one row joined from hm_cloud_item (and, for SearchSimilar,
// hm_cloud_embedding).
type CloudItem struct {
	ContentSHA string
	Score      int
	Content    string
	Similarity float32
}

// RecentItems returns up to limit items for namespace, newest first.
func (s *Store) RecentItems(ctx context.Context, namespace string, limit int) ([]CloudItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT content_sha, score, content
		FROM hm_cloud_item
		WHERE namespace = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, namespace, limit)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.RecentItems", err)
	}
	defer rows.Close()

	var items []CloudItem
	for rows.Next() {
		var it CloudItem
		if err := rows.Scan(&it.ContentSHA, &it.Score, &it.Content); err != nil {
			return nil, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.RecentItems", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SearchSimilar returns the limit items in namespace whose modelID
// embedding is closest to query by cosine distance.
func (s *Store) SearchSimilar(ctx context.Context, namespace, modelID string, query []float32, limit int) ([]CloudItem, error) {
	vec := pgvector.NewVector(query)
	rows, err := s.pool.Query(ctx, `
		SELECT e.content_sha, i.score, i.content, 1 - (e.embedding <=> $1) AS sim
		FROM hm_cloud_embedding e
		JOIN hm_cloud_item i ON i.namespace = e.namespace AND i.content_sha = e.content_sha
		WHERE e.namespace = $2 AND e.model_id = $3
		ORDER BY e.embedding <=> $1
		LIMIT $4
	`, vec, namespace, modelID, limit)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.SearchSimilar", err)
	}
	defer rows.Close()

	var items []CloudItem
	for rows.Next() {
		var it CloudItem
		if err := rows.Scan(&it.ContentSHA, &it.Score, &it.Content, &it.Similarity); err != nil {
			return nil, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.SearchSimilar", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// FormatSearchLine renders one search_curated result line, matching the
// fixed-precision similarity-first format operators grep cloud sync
// output for.
func FormatSearchLine(it CloudItem) string {
	return fmt.Sprintf("[%.4f] sha=%s M%d %s", it.Similarity, it.ContentSHA, it.Score, strings.TrimSpace(it.Content))
}
