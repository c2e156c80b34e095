package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/model"
)

// VectorKey builds the opaque id HNSWStore keys vectors by: doc_id,
// source_key, and chunk_ix identify the chunk, model_id scopes it to the
// embedding model that produced the vector, so re-embedding under a new
// model never collides with the old one's entries.
func VectorKey(docID, sourceKey string, chunkIx int, modelID string) string {
	return fmt.Sprintf("%s:%s:%d:%s", docID, sourceKey, chunkIx, modelID)
}

// LocalVectorMeta is one hm_local_embedding row: the chunk text and
// provenance a vector id resolves back to for snippet display.
type LocalVectorMeta struct {
	DocID     string
	SourceKey string
	ChunkIx   int
	ModelID   string
	Text      string
}

// VectorMetaStore is the SQLite-backed sidecar table mapping HNSW vector
// ids back to the chunk they were embedded from, and tracking which
// chunks a given model has already embedded so rebuilds only embed what's
// new.
type VectorMetaStore struct {
	db *sql.DB
}

// OpenVectorMetaStore opens (creating if necessary) the metadata store at
// path.
func OpenVectorMetaStore(path string) (*VectorMetaStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "store.OpenVectorMetaStore", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "store.OpenVectorMetaStore", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, herrors.Wrap(herrors.BackendUnavailable, "store.OpenVectorMetaStore", err)
		}
	}
	s := &VectorMetaStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *VectorMetaStore) Close() error { return s.db.Close() }

func (s *VectorMetaStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hm_local_embedding (
	  vector_key    TEXT PRIMARY KEY,
	  doc_id        TEXT NOT NULL,
	  source_key    TEXT NOT NULL,
	  chunk_ix      INTEGER NOT NULL,
	  model_id      TEXT NOT NULL,
	  text          TEXT NOT NULL,
	  updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS hm_local_embedding_doc ON hm_local_embedding(doc_id, source_key, chunk_ix, model_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.ensureSchema", err)
	}
	return nil
}

// Unembedded filters chunks down to those with no existing row for
// modelID, so a rebuild only pays to embed what the model hasn't already
// seen.
func (s *VectorMetaStore) Unembedded(chunks []model.Chunk, modelID string) ([]model.Chunk, error) {
	var out []model.Chunk
	for _, c := range chunks {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM hm_local_embedding WHERE vector_key = ?`,
			VectorKey(c.DocID, c.SourceKey, c.ChunkIx, modelID)).Scan(&exists)
		switch {
		case err == sql.ErrNoRows:
			out = append(out, c)
		case err != nil:
			return nil, herrors.Wrap(herrors.InvariantViolation, "store.Unembedded", err)
		}
	}
	return out, nil
}

// Record upserts one hm_local_embedding row per chunk, keyed by its
// vector id under modelID.
func (s *VectorMetaStore) Record(chunks []model.Chunk, modelID string) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.Record", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range chunks {
		key := VectorKey(c.DocID, c.SourceKey, c.ChunkIx, modelID)
		_, err := tx.Exec(
			`INSERT INTO hm_local_embedding(vector_key, doc_id, source_key, chunk_ix, model_id, text, updated_at_ms)
			 VALUES (?,?,?,?,?,?,?)
			 ON CONFLICT(vector_key) DO UPDATE SET text=excluded.text, updated_at_ms=excluded.updated_at_ms`,
			key, c.DocID, c.SourceKey, c.ChunkIx, modelID, c.Text, now)
		if err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.Record", err)
		}
	}
	return tx.Commit()
}

// Lookup resolves vector ids (as produced by VectorKey) back to their
// chunk metadata, for any ids found. Ids the store has no row for are
// silently omitted, matching how AllIDs/Contains treat unknown ids.
func (s *VectorMetaStore) Lookup(ctx context.Context, ids []string) (map[string]LocalVectorMeta, error) {
	out := make(map[string]LocalVectorMeta, len(ids))
	for _, id := range ids {
		var m LocalVectorMeta
		err := s.db.QueryRowContext(ctx,
			`SELECT doc_id, source_key, chunk_ix, model_id, text FROM hm_local_embedding WHERE vector_key = ?`, id).
			Scan(&m.DocID, &m.SourceKey, &m.ChunkIx, &m.ModelID, &m.Text)
		switch {
		case err == sql.ErrNoRows:
			continue
		case err != nil:
			return nil, herrors.Wrap(herrors.InvariantViolation, "store.Lookup", err)
		}
		out[id] = m
	}
	return out, nil
}

// KeysForDoc lists the vector keys currently recorded for docID under
// modelID, so a rebuild can diff them against the chunks a re-extract
// produced and prune whatever no longer exists (an edited curated
// section that dropped a bullet, a removed heading).
func (s *VectorMetaStore) KeysForDoc(docID, modelID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT vector_key FROM hm_local_embedding WHERE doc_id = ? AND model_id = ?`, docID, modelID)
	if err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "store.KeysForDoc", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, herrors.Wrap(herrors.InvariantViolation, "store.KeysForDoc", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteKeys removes the given vector_key rows, the metadata-sidecar
// half of pruning a stale chunk (the caller also removes the same keys
// from the HNSW graph).
func (s *VectorMetaStore) DeleteKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.DeleteKeys", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if _, err := tx.Exec(`DELETE FROM hm_local_embedding WHERE vector_key = ?`, key); err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.DeleteKeys", err)
		}
	}
	return tx.Commit()
}
