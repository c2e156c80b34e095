package cloudstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypermemory/hypermemory/internal/workspace"
)

type fakeEmbedder struct {
	dims    int
	modelID string
	calls   int
}

func (f *fakeEmbedder) EmbedPassages(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dims)
		for j := range vec {
			vec[j] = float32(j + 1)
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	vec := make([]float32, f.dims)
	for j := range vec {
		vec[j] = float32(j + 1)
	}
	return vec, nil
}

func (f *fakeEmbedder) ModelID() string { return f.modelID }

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(t, err)
	require.NoError(t, ws.EnsureDirs())
	return ws
}

func writePending(t *testing.T, ws *workspace.Workspace, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(ws.PendingCuratedFile(), []byte(content), 0o644))
}

func TestParsePendingFiltersByThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MEMORY.pending.md")
	require.NoError(t, os.WriteFile(path, []byte(
		"- [M1] low score note\n- [M4] high score note\nnot a bullet\n- [M5] top note\n"), 0o644))

	items, err := ParsePending(path, 3)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 4, items[0].Score)
	assert.Equal(t, "high score note", items[0].Text)
	assert.Equal(t, 5, items[1].Score)
}

func TestParsePendingMissingFileReturnsNoItems(t *testing.T) {
	items, err := ParsePending(filepath.Join(t.TempDir(), "missing.md"), 3)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPreparePayloadWritesPayloadAndRedactionAudit(t *testing.T) {
	ws := newTestWorkspace(t)
	writePending(t, ws, "- [M4] the deploy script restarts the worker pool\n- [M2] skipped low score note\n")

	cfg := Config{Namespace: "default", Threshold: 3, Allowlist: true}
	embedder := &fakeEmbedder{dims: 3, modelID: "test-model"}

	path, err := PreparePayload(context.Background(), ws, cfg, embedder)
	require.NoError(t, err)
	assert.Equal(t, ws.CloudPushPayloadFile(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var payload Payload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "default", payload.Namespace)
	assert.Equal(t, 3, payload.Dims)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "the deploy script restarts the worker pool", payload.Items[0].Content)
	assert.NotEmpty(t, payload.Items[0].ContentSHA)

	auditData, err := os.ReadFile(ws.CloudRedactionAuditFile())
	require.NoError(t, err)
	assert.NotEmpty(t, auditData)
}

func TestPreparePayloadWritesZeroCountPayloadWhenEverySkipped(t *testing.T) {
	ws := newTestWorkspace(t)
	writePending(t, ws, "- [M4] cluster-a api-key=sk-abcdefghijklmnopqrst12\n")

	cfg := Config{Namespace: "default", Threshold: 3, Allowlist: true}
	embedder := &fakeEmbedder{dims: 2, modelID: "test-model"}

	path, err := PreparePayload(context.Background(), ws, cfg, embedder)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var payload Payload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 0, payload.Count)
	assert.Equal(t, 1, payload.Skipped)
	assert.Empty(t, payload.Items)

	auditData, err := os.ReadFile(ws.CloudRedactionAuditFile())
	require.NoError(t, err)
	assert.Contains(t, string(auditData), "openai_api_key")
	assert.Contains(t, string(auditData), "secret_assignment")
	assert.NotContains(t, string(auditData), "sk-abcdefghijklmnopqrst12")
}

func TestPreparePayloadReturnsNotFoundWhenNothingStaged(t *testing.T) {
	ws := newTestWorkspace(t)

	cfg := Config{Namespace: "default", Threshold: 3, Allowlist: true}
	embedder := &fakeEmbedder{dims: 2, modelID: "test-model"}

	_, err := PreparePayload(context.Background(), ws, cfg, embedder)
	assert.Error(t, err)
}

func TestFormatSearchLineMatchesFixedPrecisionShape(t *testing.T) {
	line := FormatSearchLine(CloudItem{ContentSHA: "abc123", Score: 4, Content: "a note", Similarity: 0.8234})
	assert.Equal(t, "[0.8234] sha=abc123 M4 a note", line)
}

func TestNewReviewLinesDedupesBySha(t *testing.T) {
	existing := "- [sha=abc] [M3] already pulled\n"
	items := []CloudItem{
		{ContentSHA: "abc", Score: 3, Content: "already pulled"},
		{ContentSHA: "def", Score: 5, Content: "new item"},
	}

	out := newReviewLines(existing, items)
	assert.NotContains(t, out, "already pulled")
	assert.Contains(t, out, "- [sha=def] [M5] new item\n")
}

func TestNewReviewLinesOnEmptyExistingContentIncludesAll(t *testing.T) {
	items := []CloudItem{{ContentSHA: "xyz", Score: 2, Content: "first pull"}}
	out := newReviewLines("", items)
	assert.Equal(t, "- [sha=xyz] [M2] first pull\n", out)
}
