package journal

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypermemory/hypermemory/internal/model"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

func newTestJournal(t *testing.T) (*Journal, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return New(ws, 200), ws
}

func TestAppendThenReadPreservesOrderAndContent(t *testing.T) {
	j, _ := newTestJournal(t)

	events := []model.Event{
		{TsMs: 2_000, Channel: "cli", Role: "user", Message: "second"},
		{TsMs: 1_000, Channel: "cli", Role: "user", Message: "first"},
	}
	for _, ev := range events {
		require.NoError(t, j.Append(ev))
	}

	read, err := j.Read()
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, "first", read[0].Message)
	assert.Equal(t, "second", read[1].Message)
}

func TestAppendUpdatesTailWindow(t *testing.T) {
	j, ws := newTestJournal(t)

	require.NoError(t, j.Append(model.Event{TsMs: 1, Channel: "cli", Role: "user", Message: "a"}))
	require.NoError(t, j.Append(model.Event{TsMs: 2, Channel: "cli", Role: "user", Message: "b"}))

	data, err := os.ReadFile(ws.LastMessagesFile())
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"message\":\"a\"")
	assert.Contains(t, string(data), "\"message\":\"b\"")
}

func TestTailWindowTrimsToLimit(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	j := New(ws, 2)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, j.Append(model.Event{TsMs: i, Channel: "cli", Role: "user", Message: "m"}))
	}

	events, err := readEvents(ws.LastMessagesFile())
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRebuildProjectionsCountsEventsPerDay(t *testing.T) {
	j, ws := newTestJournal(t)

	// 2024-01-01T00:00:00Z and 2024-01-02T00:00:00Z in ms
	require.NoError(t, j.Append(model.Event{TsMs: 1704067200000, Channel: "cli", Role: "user", Message: "day1-a"}))
	require.NoError(t, j.Append(model.Event{TsMs: 1704067200000 + 1000, Channel: "cli", Role: "user", Message: "day1-b"}))
	require.NoError(t, j.Append(model.Event{TsMs: 1704153600000, Channel: "cli", Role: "user", Message: "day2-a"}))

	counts, err := j.RebuildProjections()
	require.NoError(t, err)

	assert.Equal(t, 2, counts["2024-01-01"])
	assert.Equal(t, 1, counts["2024-01-02"])

	data, err := os.ReadFile(ws.RebuiltDailyFile("2024-01-01"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "day1-a")
	assert.Contains(t, string(data), "day1-b")

	// Original daily file (written incrementally by Append) is untouched.
	_, err = os.Stat(ws.DailyFile("2024-01-01"))
	assert.NoError(t, err)
}

func TestConcurrentAppendsBothSucceedIntact(t *testing.T) {
	j, _ := newTestJournal(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = j.Append(model.Event{TsMs: 1, Channel: "cli", Role: "user", Message: "A"})
	}()
	go func() {
		defer wg.Done()
		_ = j.Append(model.Event{TsMs: 2, Channel: "cli", Role: "user", Message: "B"})
	}()
	wg.Wait()

	events, err := j.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)

	messages := map[string]bool{events[0].Message: true, events[1].Message: true}
	assert.True(t, messages["A"])
	assert.True(t, messages["B"])
}

func TestReadMissingJournalReturnsEmpty(t *testing.T) {
	j, _ := newTestJournal(t)
	events, err := j.Read()
	require.NoError(t, err)
	assert.Empty(t, events)
}
