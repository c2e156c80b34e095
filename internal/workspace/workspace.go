// Package workspace resolves the root directory and the fixed relative
// paths of every artifact the engine persists.
package workspace

import (
	"os"
	"path/filepath"
)

// EnvVar is the environment variable consulted when root is not given
// explicitly.
const EnvVar = "HM_WORKSPACE"

// Workspace resolves artifact paths under a single root directory.
type Workspace struct {
	root string
}

// New resolves a Workspace from an explicit root (if non-empty), else
// EnvVar, else the current working directory.
func New(explicit string) (*Workspace, error) {
	root := explicit
	if root == "" {
		root = os.Getenv(EnvVar)
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Workspace{root: abs}, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string { return w.root }

// MemoryDir is the directory holding all derived artifacts.
func (w *Workspace) MemoryDir() string { return filepath.Join(w.root, "memory") }

// StagingDir holds operator-review files for curated promotion and cloud
// sync.
func (w *Workspace) StagingDir() string { return filepath.Join(w.MemoryDir(), "staging") }

// RebuildDir is the scratch directory used by RebuildProjections.
func (w *Workspace) RebuildDir() string { return filepath.Join(w.MemoryDir(), ".rebuild") }

// CuratedFile is MEMORY.md, the root-level curated knowledge file.
func (w *Workspace) CuratedFile() string { return filepath.Join(w.root, "MEMORY.md") }

// DailyFile returns the path of the per-day markdown file for day
// (formatted YYYY-MM-DD).
func (w *Workspace) DailyFile(day string) string {
	return filepath.Join(w.MemoryDir(), day+".md")
}

// RebuiltDailyFile returns the non-destructive sibling path written by
// RebuildProjections for day.
func (w *Workspace) RebuiltDailyFile(day string) string {
	return filepath.Join(w.MemoryDir(), day+".rebuilt.md")
}

// JournalFile is the append-only event log.
func (w *Workspace) JournalFile() string { return filepath.Join(w.MemoryDir(), "journal.jsonl") }

// LastMessagesFile is the tail-window projection.
func (w *Workspace) LastMessagesFile() string {
	return filepath.Join(w.MemoryDir(), "last-messages.jsonl")
}

// JournalLockDir is the mkdir-based mutual exclusion directory guarding
// journal appends and their projection updates.
func (w *Workspace) JournalLockDir() string {
	return filepath.Join(w.MemoryDir(), ".journal.lock")
}

// EntityRebuildLockFile guards the entity index's destructive rebuild.
func (w *Workspace) EntityRebuildLockFile() string {
	return filepath.Join(w.MemoryDir(), ".entity-rebuild.lock")
}

// FTSDBFile is the SQLite FTS5 store.
func (w *Workspace) FTSDBFile() string { return filepath.Join(w.MemoryDir(), "supermemory.sqlite") }

// EntityDBFile is the SQLite entity/fact store.
func (w *Workspace) EntityDBFile() string { return filepath.Join(w.MemoryDir(), "entity.sqlite") }

// VectorIndexFile is the local HNSW graph file.
func (w *Workspace) VectorIndexFile() string {
	return filepath.Join(w.MemoryDir(), "local-vectors.hnsw")
}

// VectorMetaDBFile is the SQLite metadata table for local embeddings
// (hm_local_embedding).
func (w *Workspace) VectorMetaDBFile() string {
	return filepath.Join(w.MemoryDir(), "local-embeddings.sqlite")
}

// PendingCuratedFile is the staging file of scored candidate items
// awaiting cloud promotion.
func (w *Workspace) PendingCuratedFile() string {
	return filepath.Join(w.StagingDir(), "MEMORY.pending.md")
}

// CloudReviewFile is where pulled cloud items are staged for operator
// review before manual merge into MEMORY.md.
func (w *Workspace) CloudReviewFile() string {
	return filepath.Join(w.StagingDir(), "MEMORY.cloud.md")
}

// CloudPushPayloadFile is the deterministic payload written by the cloud
// prepare step.
func (w *Workspace) CloudPushPayloadFile() string {
	return filepath.Join(w.StagingDir(), "cloud-push.payload.json")
}

// CloudSyncAuditFile records one line per item upserted to the remote
// curated store.
func (w *Workspace) CloudSyncAuditFile() string {
	return filepath.Join(w.MemoryDir(), "cloud-sync.jsonl")
}

// CloudRedactionAuditFile records one line per redaction decision, never
// the matched text itself.
func (w *Workspace) CloudRedactionAuditFile() string {
	return filepath.Join(w.MemoryDir(), "cloud-redaction.jsonl")
}

// EvalQueriesFile is the eval harness's scenario file.
func (w *Workspace) EvalQueriesFile() string {
	return filepath.Join(w.MemoryDir(), "eval-queries.jsonl")
}

// EnsureDirs creates every directory a writer needs before it writes,
// per the "writers must create missing parent directories" contract.
func (w *Workspace) EnsureDirs() error {
	for _, dir := range []string{w.MemoryDir(), w.StagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
