package engine

import (
	"context"
	"os"

	"github.com/hypermemory/hypermemory/internal/chunk"
	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/model"
	"github.com/hypermemory/hypermemory/internal/store"
)

// VectorBuildResult summarizes one BuildVectorIndex pass.
type VectorBuildResult struct {
	Embedded int
	Total    int
}

// BuildVectorIndex embeds every curated chunk (and, when includePending,
// every staged chunk) not yet recorded under the configured model, adds
// the new vectors to the local HNSW store, and persists both the graph
// and its metadata sidecar. Raw daily logs are excluded per spec.md
// §4.7 — dense indexing only ever sees curated+distilled text.
func (e *Engine) BuildVectorIndex(ctx context.Context, includePending bool) (VectorBuildResult, error) {
	if e.deps.LocalEmbedder == nil {
		return VectorBuildResult{}, herrors.New(herrors.InvariantViolation, "engine.BuildVectorIndex",
			"no local embedder configured")
	}

	var chunks []model.Chunk
	curated, err := chunk.ExtractCurated(e.deps.Workspace.CuratedFile(), "MEMORY.md", "memory")
	if err != nil {
		return VectorBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "engine.BuildVectorIndex", err)
	}
	chunks = append(chunks, curated...)
	docIDs := []string{"MEMORY.md"}

	if includePending {
		pendingChunks, err := chunk.ExtractCurated(e.deps.Workspace.PendingCuratedFile(), "MEMORY.pending.md", "staging")
		if err != nil {
			return VectorBuildResult{}, herrors.Wrap(herrors.InvariantViolation, "engine.BuildVectorIndex", err)
		}
		chunks = append(chunks, pendingChunks...)
		docIDs = append(docIDs, "MEMORY.pending.md")
	}

	metaStore, err := store.OpenVectorMetaStore(e.deps.Workspace.VectorMetaDBFile())
	if err != nil {
		return VectorBuildResult{}, err
	}
	defer metaStore.Close()

	modelID := e.deps.LocalEmbedder.ModelID()

	currentKeys := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		currentKeys[store.VectorKey(c.DocID, c.SourceKey, c.ChunkIx, modelID)] = true
	}
	var staleKeys []string
	for _, docID := range docIDs {
		existing, err := metaStore.KeysForDoc(docID, modelID)
		if err != nil {
			return VectorBuildResult{}, err
		}
		for _, key := range existing {
			if !currentKeys[key] {
				staleKeys = append(staleKeys, key)
			}
		}
	}

	pending, err := metaStore.Unembedded(chunks, modelID)
	if err != nil {
		return VectorBuildResult{}, err
	}
	if len(pending) == 0 && len(staleKeys) == 0 {
		return VectorBuildResult{Total: len(chunks)}, nil
	}

	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Text
	}
	vectors, err := e.deps.LocalEmbedder.EmbedPassages(ctx, texts)
	if err != nil {
		return VectorBuildResult{}, herrors.Wrap(herrors.BackendUnavailable, "engine.BuildVectorIndex", err)
	}
	if len(vectors) != len(pending) {
		return VectorBuildResult{}, herrors.New(herrors.InvariantViolation, "engine.BuildVectorIndex",
			"embedder returned a different number of vectors than chunks submitted")
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	} else {
		dims, err = store.ReadHNSWStoreDimensions(e.deps.Workspace.VectorIndexFile())
		if err != nil {
			return VectorBuildResult{}, err
		}
	}

	vecStore, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return VectorBuildResult{}, err
	}
	defer vecStore.Close()

	if _, statErr := os.Stat(e.deps.Workspace.VectorIndexFile()); statErr == nil {
		if err := vecStore.Load(e.deps.Workspace.VectorIndexFile()); err != nil {
			return VectorBuildResult{}, err
		}
	}

	if len(staleKeys) > 0 {
		if err := vecStore.Delete(ctx, staleKeys); err != nil {
			return VectorBuildResult{}, err
		}
		if err := metaStore.DeleteKeys(staleKeys); err != nil {
			return VectorBuildResult{}, err
		}
	}

	ids := make([]string, len(pending))
	for i, c := range pending {
		ids[i] = store.VectorKey(c.DocID, c.SourceKey, c.ChunkIx, modelID)
	}
	if err := vecStore.Add(ctx, ids, vectors); err != nil {
		return VectorBuildResult{}, err
	}
	if err := vecStore.Save(e.deps.Workspace.VectorIndexFile()); err != nil {
		return VectorBuildResult{}, err
	}
	if err := metaStore.Record(pending, modelID); err != nil {
		return VectorBuildResult{}, err
	}

	return VectorBuildResult{Embedded: len(pending), Total: len(chunks)}, nil
}
