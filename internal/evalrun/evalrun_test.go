package evalrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypermemory/hypermemory/internal/engine"
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

func TestLoadCasesSkipsBlankAndCommentLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval-queries.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		"# a comment\n\n"+
			`{"query":"where is the gid for node-a","expected":"node-a"}`+"\n"+
			`{"q":"short form field name","minHits":2}`+"\n"), 0o644))

	cases, err := LoadCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "where is the gid for node-a", cases[0].Query)
	assert.Equal(t, "node-a", cases[0].Expected)
	assert.Equal(t, "short form field name", cases[1].Query)
	assert.Equal(t, 2, cases[1].MinHits)
	assert.Equal(t, "unknown", cases[1].Category)
}

func TestLoadCasesMissingFileReturnsNoCases(t *testing.T) {
	cases, err := LoadCases(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestRunScoresFileMatchWithoutQueryingEngine(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("## Services\n- node-a hosts the queue\n"), 0o644))

	e := engine.New(engine.Dependencies{Workspace: ws})
	cases := []Case{{Query: "node-a", Expected: "node-a hosts the queue", MinHits: 1}}

	res, err := Run(context.Background(), e, ws, cases, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.PassByFile)
	assert.Equal(t, 0, res.PassByRetrieve)
	assert.Equal(t, 100, res.RecallPct)
}

func TestRunFallsBackToEngineRetrievalWhenFileMatchMisses(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("## Incidents\n- node-b ran low on memory overnight\n"), 0o644))

	fts, err := store.OpenFTSIndex(ws.FTSDBFile())
	require.NoError(t, err)
	_, err = fts.BuildIndex(ws, true)
	require.NoError(t, err)
	require.NoError(t, fts.Close())

	e := engine.New(engine.Dependencies{Workspace: ws})
	cases := []Case{{Query: "what happened to node-b overnight", Expected: "low on memory"}}

	res, err := Run(context.Background(), e, ws, cases, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.PassByRetrieve)
}

func TestRunMinRecallFailureIsCountedAsFailed(t *testing.T) {
	ws := newTestWorkspace(t)
	e := engine.New(engine.Dependencies{Workspace: ws})
	cases := []Case{{Query: "something nobody ever wrote down", Expected: "nonexistent text", MinHits: 1}}

	res, err := Run(context.Background(), e, ws, cases, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.RecallPct)
}

func TestRunMinHitsModeCountsRetrievedHits(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.CuratedFile(), []byte("## Notes\n- completely unrelated filler text\n"), 0o644))

	fts, err := store.OpenFTSIndex(ws.FTSDBFile())
	require.NoError(t, err)
	_, err = fts.BuildIndex(ws, true)
	require.NoError(t, err)
	require.NoError(t, fts.Close())

	e := engine.New(engine.Dependencies{Workspace: ws})
	cases := []Case{{Query: "completely unrelated filler text search", MinHits: 1}}

	res, err := Run(context.Background(), e, ws, cases, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.PassByRetrieve)
}
