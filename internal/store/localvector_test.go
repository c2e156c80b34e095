package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypermemory/hypermemory/internal/model"
)

func newTestVectorMetaStore(t *testing.T) *VectorMetaStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local-embeddings.sqlite")
	s, err := OpenVectorMetaStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVectorKeyIsStableAndScopedByModel(t *testing.T) {
	a := VectorKey("MEMORY.md", "Services", 0, "model-a")
	b := VectorKey("MEMORY.md", "Services", 0, "model-b")
	assert.Equal(t, "MEMORY.md:Services:0:model-a", a)
	assert.NotEqual(t, a, b)
}

func TestUnembeddedReturnsOnlyChunksWithNoExistingRow(t *testing.T) {
	s := newTestVectorMetaStore(t)
	chunks := []model.Chunk{
		{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 0, Text: "foo runs on :9000"},
		{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 1, Text: "bar notes"},
	}

	pending, err := s.Unembedded(chunks, "model-a")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, s.Record(chunks[:1], "model-a"))

	pending, err = s.Unembedded(chunks, "model-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bar notes", pending[0].Text)
}

func TestRecordIsIdempotentOnUnchangedChunk(t *testing.T) {
	s := newTestVectorMetaStore(t)
	c := model.Chunk{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 0, Text: "foo runs on :9000"}

	require.NoError(t, s.Record([]model.Chunk{c}, "model-a"))
	require.NoError(t, s.Record([]model.Chunk{c}, "model-a"))

	metas, err := s.Lookup(context.Background(), []string{VectorKey(c.DocID, c.SourceKey, c.ChunkIx, "model-a")})
	require.NoError(t, err)
	require.Len(t, metas, 1)
}

func TestLookupResolvesVectorIDsToChunkMetadata(t *testing.T) {
	s := newTestVectorMetaStore(t)
	c := model.Chunk{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 2, Text: "node-a hosts the queue"}
	require.NoError(t, s.Record([]model.Chunk{c}, "model-a"))

	key := VectorKey(c.DocID, c.SourceKey, c.ChunkIx, "model-a")
	metas, err := s.Lookup(context.Background(), []string{key, "unknown:key:0:model-a"})
	require.NoError(t, err)

	require.Contains(t, metas, key)
	assert.Equal(t, "node-a hosts the queue", metas[key].Text)
	assert.Equal(t, "MEMORY.md", metas[key].DocID)
	assert.NotContains(t, metas, "unknown:key:0:model-a")
}

func TestKeysForDocReturnsOnlyThatDocAndModel(t *testing.T) {
	s := newTestVectorMetaStore(t)
	chunks := []model.Chunk{
		{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 0, Text: "a"},
		{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 1, Text: "b"},
	}
	require.NoError(t, s.Record(chunks, "model-a"))
	require.NoError(t, s.Record(chunks[:1], "model-b"))

	keys, err := s.KeysForDoc("MEMORY.md", "model-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		VectorKey("MEMORY.md", "Services", 0, "model-a"),
		VectorKey("MEMORY.md", "Services", 1, "model-a"),
	}, keys)
}

func TestDeleteKeysRemovesOnlyGivenRows(t *testing.T) {
	s := newTestVectorMetaStore(t)
	chunks := []model.Chunk{
		{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 0, Text: "a"},
		{DocID: "MEMORY.md", SourceKey: "Services", ChunkIx: 1, Text: "b"},
	}
	require.NoError(t, s.Record(chunks, "model-a"))

	stale := VectorKey("MEMORY.md", "Services", 0, "model-a")
	kept := VectorKey("MEMORY.md", "Services", 1, "model-a")
	require.NoError(t, s.DeleteKeys([]string{stale}))

	metas, err := s.Lookup(context.Background(), []string{stale, kept})
	require.NoError(t, err)
	assert.NotContains(t, metas, stale)
	assert.Contains(t, metas, kept)
}
