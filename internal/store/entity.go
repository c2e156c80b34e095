package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hypermemory/hypermemory/internal/chunk"
	"github.com/hypermemory/hypermemory/internal/filelock"
	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/journal"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

var (
	serviceRe = regexp.MustCompile(`\b([a-zA-Z0-9][\w-]*\.service)\b`)
	portRe    = regexp.MustCompile(`:([0-9]{2,5})\b`)
	errorRe   = regexp.MustCompile(`\b([A-Z]{3,}:?[A-Z0-9_]{3,})\b`)
	nodeRe    = regexp.MustCompile(`\bnode-[a-z0-9][a-z0-9-]*\b`)
	pathRe    = regexp.MustCompile(`\B(/[^\s]+)`)
)

// EntityIndex is the deterministic regex-extracted fact store, answering
// targeted questions (ports, node names, error codes, paths) without a
// semantic embedding.
type EntityIndex struct {
	db *sql.DB
}

// OpenEntityIndex opens (creating if necessary) the entity store at path.
func OpenEntityIndex(path string) (*EntityIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "store.OpenEntityIndex", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "store.OpenEntityIndex", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, herrors.Wrap(herrors.BackendUnavailable, "store.OpenEntityIndex", err)
		}
	}
	idx := &EntityIndex{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (e *EntityIndex) Close() error { return e.db.Close() }

func (e *EntityIndex) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hm_entity (
	  entity TEXT NOT NULL,
	  attr   TEXT NOT NULL,
	  value  TEXT NOT NULL,
	  source TEXT NOT NULL,
	  ts_ms  INTEGER NOT NULL DEFAULT 0,
	  raw    TEXT NOT NULL DEFAULT '',
	  PRIMARY KEY(entity, attr, value, source, ts_ms)
	);
	CREATE INDEX IF NOT EXISTS hm_entity_entity ON hm_entity(entity);
	CREATE INDEX IF NOT EXISTS hm_entity_value ON hm_entity(value);
	CREATE INDEX IF NOT EXISTS hm_entity_attr ON hm_entity(attr);
	`
	_, err := e.db.Exec(schema)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.ensureSchema", err)
	}
	return nil
}

// EntityRebuildResult summarizes one Rebuild pass.
type EntityRebuildResult struct {
	Rows    int
	Emitted int
}

// Rebuild destructively recomputes every fact from the journal, MEMORY.md,
// and (when includePending) the staging file. It holds an OS-level
// exclusive lock for the duration so a concurrent reader never observes a
// half-rebuilt table; callers should still expect brief search
// unavailability while the lock is held.
func (e *EntityIndex) Rebuild(ws *workspace.Workspace, includePending bool) (EntityRebuildResult, error) {
	lock := filelock.New(ws.EntityRebuildLockFile())
	if err := lock.Lock("store.EntityIndex.Rebuild"); err != nil {
		return EntityRebuildResult{}, err
	}
	defer func() { _ = lock.Unlock() }()

	tx, err := e.db.Begin()
	if err != nil {
		return EntityRebuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.Rebuild", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM hm_entity`); err != nil {
		return EntityRebuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.Rebuild", err)
	}

	total := 0

	j := journal.New(ws, journal.DefaultTailLimit)
	events, err := j.Read()
	if err != nil {
		return EntityRebuildResult{}, err
	}
	for _, ev := range events {
		n, err := extractFromText(tx, ev.Message, fmt.Sprintf("journal:%s", ev.Channel), ev.TsMs)
		if err != nil {
			return EntityRebuildResult{}, err
		}
		total += n
	}

	curated, err := chunk.ExtractCurated(ws.CuratedFile(), "MEMORY.md", "memory")
	if err != nil {
		return EntityRebuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.Rebuild", err)
	}
	for _, c := range curated {
		source := fmt.Sprintf("%s:%s#%d", c.DocID, c.SourceKey, c.ChunkIx)
		n, err := extractFromText(tx, c.Text, source, 0)
		if err != nil {
			return EntityRebuildResult{}, err
		}
		total += n
	}

	if includePending {
		pending, err := chunk.ExtractCurated(ws.PendingCuratedFile(), "MEMORY.pending.md", "staging")
		if err != nil {
			return EntityRebuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.Rebuild", err)
		}
		for _, c := range pending {
			source := fmt.Sprintf("%s:%s#%d", c.DocID, c.SourceKey, c.ChunkIx)
			n, err := extractFromText(tx, c.Text, source, 0)
			if err != nil {
				return EntityRebuildResult{}, err
			}
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return EntityRebuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.Rebuild", err)
	}

	var rows int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM hm_entity`).Scan(&rows); err != nil {
		return EntityRebuildResult{}, herrors.Wrap(herrors.InvariantViolation, "store.Rebuild", err)
	}
	return EntityRebuildResult{Rows: rows, Emitted: total}, nil
}

func extractFromText(tx *sql.Tx, text, source string, tsMs int64) (int, error) {
	n := 0
	emit := func(entity, attr, value string) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO hm_entity(entity, attr, value, source, ts_ms, raw) VALUES (?,?,?,?,?,?)`,
			entity, attr, value, source, tsMs, text)
		if err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "store.extractFromText", err)
		}
		n++
		return nil
	}

	services := uniqueMatches(serviceRe, text)
	ports := uniqueMatches(portRe, text)
	if len(services) > 0 && len(ports) > 0 {
		for _, s := range services {
			for _, p := range ports {
				if err := emit(s, "port", ":"+p); err != nil {
					return 0, err
				}
			}
		}
	}

	for _, node := range uniqueMatches(nodeRe, text) {
		if err := emit(node, "type", "node"); err != nil {
			return 0, err
		}
	}

	for _, errTok := range uniqueMatches(errorRe, text) {
		if strings.HasPrefix(errTok, "HTTP") || errTok == "OK" || errTok == "FAIL" || len(errTok) > 32 {
			continue
		}
		if _, convErr := strconv.Atoi(errTok); convErr == nil {
			continue
		}
		if err := emit(errTok, "type", "error"); err != nil {
			return 0, err
		}
	}

	for _, p := range uniqueMatches(pathRe, text) {
		if len(p) < 2 {
			continue
		}
		if err := emit(p, "type", "path"); err != nil {
			return 0, err
		}
	}

	return n, nil
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, -1)
	if matches == nil {
		all := re.FindAllString(text, -1)
		if all == nil {
			return nil
		}
		return dedupe(all)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Search answers a free-text query against the entity store. When query
// contains a service-like token, results are biased towards that entity.
func (e *EntityIndex) Search(ctx context.Context, query string, limit int) ([]EntityResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var service string
	if m := serviceRe.FindStringSubmatch(query); m != nil {
		service = m[1]
	}

	var rows *sql.Rows
	var err error
	if service != "" {
		rows, err = e.db.QueryContext(ctx,
			`SELECT entity, attr, value, source, ts_ms FROM hm_entity WHERE entity = ? ORDER BY ts_ms DESC LIMIT ?`,
			service, limit)
	} else {
		like := "%" + query + "%"
		rows, err = e.db.QueryContext(ctx,
			`SELECT entity, attr, value, source, ts_ms FROM hm_entity
			 WHERE entity LIKE ? OR value LIKE ? OR raw LIKE ?
			 ORDER BY ts_ms DESC LIMIT ?`,
			like, like, like, limit)
	}
	if err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "store.Search", err)
	}
	defer rows.Close()

	var results []EntityResult
	for rows.Next() {
		var r EntityResult
		if err := rows.Scan(&r.Entity, &r.Attr, &r.Value, &r.Source, &r.TsMs); err != nil {
			return nil, herrors.Wrap(herrors.InvariantViolation, "store.Search", err)
		}
		r.Score = 1.0
		if service != "" && r.Entity == service {
			r.Score = 2.0
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
