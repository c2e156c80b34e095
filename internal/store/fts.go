package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hypermemory/hypermemory/internal/chunk"
	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/model"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

// ftsSchemaVersion bumps whenever entry/entry_fts's column layout changes
// in a way that requires a full rebuild from a pre-existing database file.
const ftsSchemaVersion = 1

var dailyNameRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.md$`)

// FTSBuildResult summarizes one BuildIndex pass.
type FTSBuildResult struct {
	FullRebuild bool
	DocsIndexed int
}

// FTSIndex is the SQLite FTS5-backed full-text index over MEMORY.md and
// the daily markdown logs.
type FTSIndex struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenFTSIndex opens (creating if necessary) the FTS5 store at path, in
// WAL mode with a single-writer connection pool matching the rest of the
// embedded stores.
func OpenFTSIndex(path string) (*FTSIndex, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, herrors.Wrap(herrors.InvariantViolation, "store.OpenFTSIndex", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "store.OpenFTSIndex", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, herrors.Wrap(herrors.BackendUnavailable, "store.OpenFTSIndex", err)
		}
	}

	idx := &FTSIndex{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (f *FTSIndex) Close() error { return f.db.Close() }

func (f *FTSIndex) ensureSchema() error {
	var storedVersion int
	_ = f.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&storedVersion)

	var tableExists int
	_ = f.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='entry'`).Scan(&tableExists)
	if tableExists > 0 && storedVersion != ftsSchemaVersion {
		slog.Warn("fts_schema_mismatch_full_rebuild",
			slog.Int("stored_version", storedVersion), slog.Int("current_version", ftsSchemaVersion))
		if _, err := f.db.Exec(`DROP TABLE IF EXISTS entry_fts; DROP TABLE IF EXISTS entry; DROP TABLE IF EXISTS doc_state; DROP TABLE IF EXISTS schema_version;`); err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.ensureSchema", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

	CREATE TABLE IF NOT EXISTS doc_state (
	  doc_id TEXT PRIMARY KEY,
	  fingerprint TEXT NOT NULL,
	  updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entry (
	  id INTEGER PRIMARY KEY,
	  doc_id TEXT NOT NULL,
	  source TEXT NOT NULL,
	  source_key TEXT NOT NULL,
	  chunk_ix INTEGER NOT NULL,
	  text TEXT NOT NULL,
	  UNIQUE(source, source_key, chunk_ix)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS entry_fts USING fts5(
	  text,
	  source UNINDEXED,
	  source_key UNINDEXED,
	  chunk_ix UNINDEXED,
	  content='entry',
	  content_rowid='id'
	);
	`
	if _, err := f.db.Exec(schema); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.ensureSchema", err)
	}
	if _, err := f.db.Exec(`DELETE FROM schema_version; INSERT INTO schema_version(version) VALUES (?)`, ftsSchemaVersion); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.ensureSchema", err)
	}
	return nil
}

// BuildIndex incrementally indexes MEMORY.md and every memory/YYYY-MM-DD.md
// file. Unchanged documents (by fingerprint) are skipped unless force is
// set. Daily documents no longer present on disk are removed. The whole
// pass runs in one transaction: any error aborts with no partial state.
func (f *FTSIndex) BuildIndex(ws *workspace.Workspace, force bool) (FTSBuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, err := f.db.Begin()
	if err != nil {
		return FTSBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.BuildIndex", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := FTSBuildResult{}

	if err := indexOneDoc(tx, ws.CuratedFile(), "MEMORY.md", "memory", force, &result); err != nil {
		return FTSBuildResult{}, err
	}

	seen := map[string]bool{}
	entries, _ := os.ReadDir(ws.MemoryDir())
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && dailyNameRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		day := strings.TrimSuffix(name, ".md")
		docID := "memory/" + name
		seen[docID] = true
		path := filepath.Join(ws.MemoryDir(), name)
		if err := indexOneDoc(tx, path, docID, "daily", force, &result); err != nil {
			return FTSBuildResult{}, err
		}
	}

	rows, err := tx.Query(`SELECT doc_id FROM doc_state WHERE doc_id LIKE 'memory/%'`)
	if err != nil {
		return FTSBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.BuildIndex", err)
	}
	var stale []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			rows.Close()
			return FTSBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.BuildIndex", err)
		}
		if !seen[docID] {
			stale = append(stale, docID)
		}
	}
	rows.Close()

	for _, docID := range stale {
		if err := deleteDocEntries(tx, docID); err != nil {
			return FTSBuildResult{}, err
		}
		if _, err := tx.Exec(`DELETE FROM doc_state WHERE doc_id = ?`, docID); err != nil {
			return FTSBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.BuildIndex", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return FTSBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.BuildIndex", err)
	}
	return result, nil
}

func indexOneDoc(tx *sql.Tx, path, docID, source string, force bool, result *FTSBuildResult) error {
	fp, err := fingerprintFor(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return herrors.Wrap(herrors.InvariantViolation, "store.indexOneDoc", err)
	}

	var stored string
	err = tx.QueryRow(`SELECT fingerprint FROM doc_state WHERE doc_id = ?`, docID).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return herrors.Wrap(herrors.InvariantViolation, "store.indexOneDoc", err)
	}
	if !force && err == nil && stored == fp {
		return nil
	}

	var chunks []model.Chunk
	if source == "memory" {
		chunks, err = chunk.ExtractCurated(path, docID, source)
	} else {
		day := strings.TrimSuffix(filepath.Base(path), ".md")
		chunks, err = chunk.ExtractDaily(path, docID, day)
	}
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.indexOneDoc", err)
	}

	if err := deleteDocEntries(tx, docID); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := upsertEntry(tx, c); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		`INSERT INTO doc_state(doc_id, fingerprint, updated_at_ms) VALUES (?,?,?)
		 ON CONFLICT(doc_id) DO UPDATE SET fingerprint=excluded.fingerprint, updated_at_ms=excluded.updated_at_ms`,
		docID, fp, time.Now().UnixMilli())
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.indexOneDoc", err)
	}
	result.DocsIndexed++
	return nil
}

func deleteDocEntries(tx *sql.Tx, docID string) error {
	rows, err := tx.Query(`SELECT id FROM entry WHERE doc_id = ?`, docID)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.deleteDocEntries", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return herrors.Wrap(herrors.InvariantViolation, "store.deleteDocEntries", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(
			`INSERT INTO entry_fts(entry_fts, rowid, text, source, source_key, chunk_ix) VALUES('delete', ?, '', '', '', '')`,
			id); err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.deleteDocEntries", err)
		}
	}
	_, err = tx.Exec(`DELETE FROM entry WHERE doc_id = ?`, docID)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.deleteDocEntries", err)
	}
	return nil
}

func upsertEntry(tx *sql.Tx, c model.Chunk) error {
	var id int64
	var oldText string
	err := tx.QueryRow(
		`SELECT id, text FROM entry WHERE source = ? AND source_key = ? AND chunk_ix = ?`,
		c.Source, c.SourceKey, c.ChunkIx).Scan(&id, &oldText)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(
			`INSERT INTO entry(doc_id, source, source_key, chunk_ix, text) VALUES (?,?,?,?,?)`,
			c.DocID, c.Source, c.SourceKey, c.ChunkIx, c.Text)
		if err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
		}
		_, err = tx.Exec(
			`INSERT INTO entry_fts(rowid, text, source, source_key, chunk_ix) VALUES (?,?,?,?,?)`,
			newID, c.Text, c.Source, c.SourceKey, c.ChunkIx)
		if err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
		}
		return nil
	case err != nil:
		return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
	}

	if oldText == c.Text {
		return nil
	}
	if _, err := tx.Exec(`UPDATE entry SET doc_id = ?, text = ? WHERE id = ?`, c.DocID, c.Text, id); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO entry_fts(entry_fts, rowid, text, source, source_key, chunk_ix) VALUES('delete', ?, '', '', '', '')`,
		id); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
	}
	_, err = tx.Exec(
		`INSERT INTO entry_fts(rowid, text, source, source_key, chunk_ix) VALUES (?,?,?,?,?)`,
		id, c.Text, c.Source, c.SourceKey, c.ChunkIx)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.upsertEntry", err)
	}
	return nil
}

// Search runs a phrase-escaped FTS5 MATCH query, ranked by the built-in
// bm25() column (ascending rank means better match).
func (f *FTSIndex) Search(ctx context.Context, query string, limit int) ([]FTSResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	matchExpr := escapeFTSQuery(query)

	rows, err := f.db.QueryContext(ctx,
		`SELECT source, source_key, chunk_ix, text
		 FROM entry_fts WHERE entry_fts MATCH ?
		 ORDER BY rank LIMIT ?`, matchExpr, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, herrors.Wrap(herrors.InvariantViolation, "store.Search", err)
	}
	defer rows.Close()

	var results []FTSResult
	for rows.Next() {
		var r FTSResult
		var text string
		if err := rows.Scan(&r.Source, &r.SourceKey, &r.ChunkIx, &text); err != nil {
			return nil, herrors.Wrap(herrors.InvariantViolation, "store.Search", err)
		}
		r.Snippet = text
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeFTSQuery(query string) string {
	escaped := strings.ReplaceAll(query, `"`, `""`)
	return fmt.Sprintf(`"%s"`, escaped)
}

func fingerprintFor(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%d", info.Name(), info.ModTime().UnixNano(), info.Size()), nil
}
