package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypermemory/hypermemory/internal/journal"
	"github.com/hypermemory/hypermemory/internal/model"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

func newTestEntityIndex(t *testing.T) (*EntityIndex, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.EnsureDirs())
	idx, err := OpenEntityIndex(ws.EntityDBFile())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, ws
}

func TestRebuildExtractsServicePortPair(t *testing.T) {
	idx, ws := newTestEntityIndex(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- foo.service runs on :9000\n"), 0o644))

	result, err := idx.Rebuild(ws, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)

	hits, err := idx.Search(context.Background(), "foo.service", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "foo.service", hits[0].Entity)
	assert.Equal(t, "port", hits[0].Attr)
	assert.Equal(t, ":9000", hits[0].Value)
	assert.Equal(t, 2.0, hits[0].Score)
}

func TestRebuildExtractsNodeAndPathTokens(t *testing.T) {
	idx, ws := newTestEntityIndex(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- node-7a crashed writing /var/log/app.log\n"), 0o644))

	_, err := idx.Rebuild(ws, false)
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "node-7a", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	hits, err = idx.Search(context.Background(), "/var/log/app.log", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestRebuildSkipsNumericAndKnownErrorTokens(t *testing.T) {
	idx, ws := newTestEntityIndex(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- status was OK not FAIL, code 12345\n"), 0o644))

	_, err := idx.Rebuild(ws, false)
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "OK", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRebuildIsDestructiveAcrossRuns(t *testing.T) {
	idx, ws := newTestEntityIndex(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- alpha.service on :1000\n"), 0o644))
	_, err := idx.Rebuild(ws, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- beta.service on :2000\n"), 0o644))
	result, err := idx.Rebuild(ws, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)

	hits, err := idx.Search(context.Background(), "alpha.service", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRebuildIncludesJournalEvents(t *testing.T) {
	idx, ws := newTestEntityIndex(t)
	j := journal.New(ws, journal.DefaultTailLimit)
	require.NoError(t, j.Append(model.Event{TsMs: 1, Channel: "cli", Role: "user", Message: "gamma.service on :3000"}))

	_, err := idx.Rebuild(ws, false)
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "gamma.service", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "journal:cli", hits[0].Source)
}

func TestEntitySearchEmptyQueryReturnsNoResults(t *testing.T) {
	idx, ws := newTestEntityIndex(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("- delta.service on :4000\n"), 0o644))
	_, err := idx.Rebuild(ws, false)
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
