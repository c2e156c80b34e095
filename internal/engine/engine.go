// Package engine wires C1 through C8's retrieval layers into the fused,
// multi-layer search described by spec.md's C9: dispatch rules per
// query mode, concurrent fan-out, layer-prefixed keys, and RRF fusion.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hypermemory/hypermemory/internal/cloudstore"
	"github.com/hypermemory/hypermemory/internal/search"
	"github.com/hypermemory/hypermemory/internal/store"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

// Mode selects which retrieval layers a query dispatches to.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeTargeted Mode = "targeted"
	ModeBroad    Mode = "broad"
)

const (
	ftsLimit    = 20
	bm25Limit   = 10
	entityLimit = 8
	vectorLimit = 8
	cloudLimit  = 8
)

var targetedRe = regexp.MustCompile(`(?i)\b(gid|id\s+for|what\s+is\s+the|where\s+is|port|:\d{2,5}|config|token|key|password|path)\b`)

// DetectMode resolves auto to targeted or broad per spec.md §4.9. A
// non-auto mode passes through unchanged.
func DetectMode(query string, mode Mode) Mode {
	if mode == ModeTargeted || mode == ModeBroad {
		return mode
	}
	if len(query) < 40 || targetedRe.MatchString(query) {
		return ModeTargeted
	}
	return ModeBroad
}

// LocalEmbedder is what the dense-vector layer needs from an embedding
// client: query embedding for search, passage embedding plus a model id
// for indexing. *embedclient.Client satisfies this.
type LocalEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedPassages(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// Dependencies are the resolved clients and settings an Engine dispatches
// against. Fields left zero disable the layer they back, per spec.md
// §4.9's dispatch rules — there is no separate "enabled" flag for the
// dense-vector or remote-curated layers beyond their dependencies being
// present.
type Dependencies struct {
	Workspace *workspace.Workspace

	LocalEmbedder LocalEmbedder

	RemoteEmbedder        cloudstore.Embedder
	RemoteStore           *cloudstore.Store
	RemoteNamespace       string
	RemoteFallbackEnabled bool
}

// Engine dispatches one query across every configured retrieval layer
// and fuses the results.
type Engine struct {
	deps Dependencies
}

// New builds an Engine from deps. Deps are captured by reference; the
// caller owns the lifetime of any long-lived client inside it
// (LocalEmbedder, RemoteEmbedder, RemoteStore) and must close them.
func New(deps Dependencies) *Engine {
	return &Engine{deps: deps}
}

// Search dispatches query across FTS, BM25, and (per mode/config) the
// entity, dense-vector, and remote-curated layers concurrently, then
// fuses the results with reciprocal rank fusion. Every layer's stores
// are opened fresh and closed within this call, per spec.md §5 — only
// the injected network clients (LocalEmbedder, RemoteEmbedder,
// RemoteStore) are long-lived. A single layer's failure is logged and
// that layer is simply absent from the fusion input; it never fails the
// whole query.
func (e *Engine) Search(ctx context.Context, query string, mode Mode, limit int) ([]*search.FusedHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	resolved := DetectMode(query, mode)

	layers := map[string][]search.LayerHit{}
	var mu sync.Mutex
	record := func(name string, hits []search.LayerHit) {
		if len(hits) == 0 {
			return
		}
		mu.Lock()
		layers[name] = hits
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := e.searchFTS(gctx, query)
		if err != nil {
			slog.Warn("engine_layer_failed", slog.String("layer", "fts"), slog.String("error", err.Error()))
			return nil
		}
		record("fts", hits)
		return nil
	})

	g.Go(func() error {
		hits, err := e.searchBM25(gctx, query)
		if err != nil {
			slog.Warn("engine_layer_failed", slog.String("layer", "bm25"), slog.String("error", err.Error()))
			return nil
		}
		record("bm25", hits)
		return nil
	})

	if resolved == ModeTargeted {
		g.Go(func() error {
			hits, err := e.searchEntity(gctx, query)
			if err != nil {
				slog.Warn("engine_layer_failed", slog.String("layer", "entity"), slog.String("error", err.Error()))
				return nil
			}
			record("entity", hits)
			return nil
		})
	}

	if e.deps.LocalEmbedder != nil {
		g.Go(func() error {
			hits, err := e.searchVector(gctx, query)
			if err != nil {
				slog.Warn("engine_layer_failed", slog.String("layer", "vec"), slog.String("error", err.Error()))
				return nil
			}
			record("vec", hits)
			return nil
		})
	}

	if e.deps.RemoteStore != nil && e.deps.RemoteEmbedder != nil && e.deps.RemoteFallbackEnabled {
		g.Go(func() error {
			hits, err := e.searchCloud(gctx, query)
			if err != nil {
				slog.Warn("engine_layer_failed", slog.String("layer", "cloud"), slog.String("error", err.Error()))
				return nil
			}
			record("cloud", hits)
			return nil
		})
	}

	_ = g.Wait() // every goroutine swallows its own error; this only ever cancels on ctx

	fused := search.NewRRFFusion().Fuse(layers)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

func (e *Engine) searchFTS(ctx context.Context, query string) ([]search.LayerHit, error) {
	idx, err := store.OpenFTSIndex(e.deps.Workspace.FTSDBFile())
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	results, err := idx.Search(ctx, query, ftsLimit)
	if err != nil {
		return nil, err
	}
	hits := make([]search.LayerHit, len(results))
	for i, r := range results {
		hits[i] = search.LayerHit{
			Key:     fmt.Sprintf("fts:%s:%s#%d", r.Source, r.SourceKey, r.ChunkIx),
			Snippet: r.Snippet,
		}
	}
	return hits, nil
}

func (e *Engine) searchBM25(ctx context.Context, query string) ([]search.LayerHit, error) {
	results, err := store.BM25Search(ctx, e.deps.Workspace, query, bm25Limit)
	if err != nil {
		return nil, err
	}
	hits := make([]search.LayerHit, len(results))
	for i, r := range results {
		hits[i] = search.LayerHit{
			Key:     fmt.Sprintf("bm25:%s#%d", r.Path, i),
			Snippet: r.Snippet,
		}
	}
	return hits, nil
}

// searchEntity surfaces a single advisory hit instead of failing the
// query when the entity store hasn't been built yet, per spec.md §4.9's
// degraded-mode behavior.
func (e *Engine) searchEntity(ctx context.Context, query string) ([]search.LayerHit, error) {
	path := e.deps.Workspace.EntityDBFile()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return []search.LayerHit{{Key: "entity:missing", Snippet: "hint: rebuild the entity index"}}, nil
		}
		return nil, err
	}

	idx, err := store.OpenEntityIndex(path)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	results, err := idx.Search(ctx, query, entityLimit)
	if err != nil {
		return nil, err
	}
	hits := make([]search.LayerHit, len(results))
	for i, r := range results {
		hits[i] = search.LayerHit{
			Key:     fmt.Sprintf("entity:%d", i),
			Snippet: fmt.Sprintf("%s %s=%s", r.Entity, r.Attr, r.Value),
		}
	}
	return hits, nil
}

// searchVector is a no-op (not an error) when no dense-vector index has
// been built yet, so dispatch remains safe before the first `index` run.
func (e *Engine) searchVector(ctx context.Context, query string) ([]search.LayerHit, error) {
	dims, err := store.ReadHNSWStoreDimensions(e.deps.Workspace.VectorIndexFile())
	if err != nil {
		return nil, err
	}
	if dims == 0 {
		return nil, nil
	}

	vecStore, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return nil, err
	}
	defer vecStore.Close()
	if err := vecStore.Load(e.deps.Workspace.VectorIndexFile()); err != nil {
		return nil, err
	}

	qvec, err := e.deps.LocalEmbedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := vecStore.Search(ctx, qvec, vectorLimit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	metaStore, err := store.OpenVectorMetaStore(e.deps.Workspace.VectorMetaDBFile())
	if err != nil {
		return nil, err
	}
	defer metaStore.Close()

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	metas, err := metaStore.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]search.LayerHit, 0, len(results))
	for i, r := range results {
		snippet := metas[r.ID].Text
		hits = append(hits, search.LayerHit{Key: fmt.Sprintf("vec:%d", i), Snippet: snippet})
	}
	return hits, nil
}

func (e *Engine) searchCloud(ctx context.Context, query string) ([]search.LayerHit, error) {
	qvec, err := e.deps.RemoteEmbedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	items, err := e.deps.RemoteStore.SearchSimilar(ctx, e.deps.RemoteNamespace, e.deps.RemoteEmbedder.ModelID(), qvec, cloudLimit)
	if err != nil {
		return nil, err
	}
	hits := make([]search.LayerHit, len(items))
	for i, it := range items {
		hits[i] = search.LayerHit{Key: fmt.Sprintf("cloud:%d", i), Snippet: it.Content}
	}
	return hits, nil
}
