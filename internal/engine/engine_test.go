package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypermemory/hypermemory/internal/journal"
	"github.com/hypermemory/hypermemory/internal/model"
	"github.com/hypermemory/hypermemory/internal/store"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.EnsureDirs())
	return ws
}

func buildFTSAndEntity(t *testing.T, ws *workspace.Workspace) {
	t.Helper()
	fts, err := store.OpenFTSIndex(ws.FTSDBFile())
	require.NoError(t, err)
	defer fts.Close()
	_, err = fts.BuildIndex(ws, true)
	require.NoError(t, err)

	entity, err := store.OpenEntityIndex(ws.EntityDBFile())
	require.NoError(t, err)
	defer entity.Close()
	_, err = entity.Rebuild(ws, true)
	require.NoError(t, err)
}

// Scenario #1 (spec.md §8): append an event, rebuild projections, index
// it, then a targeted query finds it via the entity layer and either
// the FTS or BM25 layer.
func TestSearchFindsAppendedEventAcrossEntityAndTextLayers(t *testing.T) {
	ws := newTestWorkspace(t)
	j := journal.New(ws, journal.DefaultTailLimit)
	require.NoError(t, j.Append(model.Event{
		TsMs: time.Now().UnixMilli(), Channel: "cli", SessionKey: "s1",
		Role: "agent", Message: "foo.service runs on :9000",
	}))
	_, err := j.RebuildProjections()
	require.NoError(t, err)
	buildFTSAndEntity(t, ws)

	e := New(Dependencies{Workspace: ws})
	hits, err := e.Search(context.Background(), "what is the port for foo.service", ModeAuto, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	var sawEntity, sawText bool
	for _, h := range hits {
		if _, ok := h.Layers["entity"]; ok {
			sawEntity = true
		}
		if _, ok := h.Layers["fts"]; ok {
			sawText = true
		}
		if _, ok := h.Layers["bm25"]; ok {
			sawText = true
		}
	}
	assert.True(t, sawEntity, "expected an entity-layer hit for a targeted port query")
	assert.True(t, sawText, "expected an fts or bm25 hit for appended daily text")
}

// Scenario #2 (spec.md §8): MEMORY.md H2 headings and bullets are FTS
// indexed and retrievable by a broad query.
func TestSearchFindsCuratedMarkdownViaFTS(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte(
		"## Deployment\n- the staging cluster restarts the worker pool nightly\n"), 0o644))
	buildFTSAndEntity(t, ws)

	e := New(Dependencies{Workspace: ws})
	hits, err := e.Search(context.Background(), "what does the staging cluster restart nightly for maintenance purposes", ModeAuto, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Snippet, "worker pool")
}

func TestSearchEmptyQueryReturnsNoHits(t *testing.T) {
	ws := newTestWorkspace(t)
	e := New(Dependencies{Workspace: ws})
	hits, err := e.Search(context.Background(), "   ", ModeAuto, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// Degraded mode (spec.md §4.9): a targeted query against a workspace with
// no entity store yet gets an advisory hit instead of a failed query.
func TestSearchSurfacesAdvisoryHitWhenEntityStoreMissing(t *testing.T) {
	ws := newTestWorkspace(t)
	e := New(Dependencies{Workspace: ws})

	hits, err := e.Search(context.Background(), "what is the port", ModeTargeted, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	var sawAdvisory bool
	for _, h := range hits {
		if h.Key == "entity:missing" {
			sawAdvisory = true
		}
	}
	assert.True(t, sawAdvisory)
}

// A missing dense-vector index (no LocalEmbedder, or no index built yet)
// never fails the query — the layer is simply absent.
func TestSearchToleratesMissingVectorIndex(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- a note with no special tokens\n"), 0o644))
	buildFTSAndEntity(t, ws)

	e := New(Dependencies{Workspace: ws, LocalEmbedder: nil})
	hits, err := e.Search(context.Background(), "a note with no special tokens at all", ModeBroad, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestDetectModeShortQueryIsTargeted(t *testing.T) {
	assert.Equal(t, ModeTargeted, DetectMode("short query", ModeAuto))
}

func TestDetectModeLongQueryWithoutTargetedTermsIsBroad(t *testing.T) {
	q := "tell me everything you remember about how the onboarding process usually goes for new teammates"
	assert.Equal(t, ModeBroad, DetectMode(q, ModeAuto))
}

func TestDetectModeExplicitModePassesThrough(t *testing.T) {
	assert.Equal(t, ModeBroad, DetectMode("short", ModeBroad))
}

func TestDetectModeMatchesTargetedKeywordEvenWhenLong(t *testing.T) {
	q := "can you please remind me again where is the configuration file for the deploy pipeline located"
	assert.Equal(t, ModeTargeted, DetectMode(q, ModeAuto))
}

func TestBuildVectorIndexErrorsWithoutLocalEmbedder(t *testing.T) {
	ws := newTestWorkspace(t)
	e := New(Dependencies{Workspace: ws})
	_, err := e.BuildVectorIndex(context.Background(), false)
	assert.Error(t, err)
}

type fakeLocalEmbedder struct {
	dims int
}

func (f *fakeLocalEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	vec := make([]float32, f.dims)
	vec[0] = 1
	return vec, nil
}

func (f *fakeLocalEmbedder) EmbedPassages(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dims)
		vec[0] = float32(i + 1)
		out[i] = vec
	}
	return out, nil
}

func (f *fakeLocalEmbedder) ModelID() string { return "fake-model" }

func TestBuildVectorIndexThenSearchFindsCuratedChunkInVectorLayer(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte(
		"## Incidents\n- node-a ran out of disk space last night\n"), 0o644))

	embedder := &fakeLocalEmbedder{dims: 4}
	e := New(Dependencies{Workspace: ws, LocalEmbedder: embedder})

	result, err := e.BuildVectorIndex(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Embedded)

	second, err := e.BuildVectorIndex(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Embedded, "re-running the build should not re-embed unchanged chunks")

	hits, err := e.Search(context.Background(), "node-a disk space incident overnight", ModeBroad, 10)
	require.NoError(t, err)

	var sawVec bool
	for _, h := range hits {
		if _, ok := h.Layers["vec"]; ok {
			sawVec = true
		}
	}
	assert.True(t, sawVec, "expected a vec-layer hit after building the dense index")
}

func TestBuildVectorIndexPrunesStaleChunksOnRebuild(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte(
		"## Incidents\n- node-a ran out of disk space last night\n- node-b rebooted unexpectedly\n"), 0o644))

	embedder := &fakeLocalEmbedder{dims: 4}
	e := New(Dependencies{Workspace: ws, LocalEmbedder: embedder})

	result, err := e.BuildVectorIndex(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Embedded)

	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte(
		"## Incidents\n- node-a ran out of disk space last night\n"), 0o644))

	result, err = e.BuildVectorIndex(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Embedded, "the surviving chunk is already recorded")
	assert.Equal(t, 1, result.Total)

	metaStore, err := store.OpenVectorMetaStore(ws.VectorMetaDBFile())
	require.NoError(t, err)
	defer metaStore.Close()
	keys, err := metaStore.KeysForDoc("MEMORY.md", embedder.ModelID())
	require.NoError(t, err)
	assert.Len(t, keys, 1, "the dropped bullet's row should have been pruned")

	vecStore, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(4))
	require.NoError(t, err)
	defer vecStore.Close()
	require.NoError(t, vecStore.Load(ws.VectorIndexFile()))
	assert.Len(t, vecStore.AllIDs(), 1, "the dropped bullet's vector should have been removed from the graph")
}
