package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hypermemory/hypermemory/internal/search"
)

func newPlainPrinter(buf *bytes.Buffer) *Printer {
	return &Printer{out: buf, styles: NoColorStyles()}
}

func TestPrintHitsRendersRankKeyAndSnippet(t *testing.T) {
	var buf bytes.Buffer
	p := newPlainPrinter(&buf)

	p.PrintHits([]*search.FusedHit{
		{Key: "fts:memory:Services#0", RRFScore: 0.031, Snippet: "foo runs on :9000", Why: "fts, bm25"},
	})

	out := buf.String()
	assert.Contains(t, out, "fts:memory:Services#0")
	assert.Contains(t, out, "foo runs on :9000")
	assert.Contains(t, out, "fts, bm25")
}

func TestPrintHitsOnEmptyListPrintsNoResults(t *testing.T) {
	var buf bytes.Buffer
	p := newPlainPrinter(&buf)
	p.PrintHits(nil)
	assert.Contains(t, buf.String(), "no results")
}

func TestPrintStatusMarksFailuresDistinctly(t *testing.T) {
	var buf bytes.Buffer
	p := newPlainPrinter(&buf)
	p.PrintStatus("entity store", false, "memory/entity.sqlite missing")
	out := buf.String()
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "entity store")
	assert.Contains(t, out, "memory/entity.sqlite missing")
}

func TestPrintStatusOkHasNoDetailSuffixWhenEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := newPlainPrinter(&buf)
	p.PrintStatus("journal", true, "")
	assert.False(t, strings.Contains(buf.String(), ":"))
}

func TestTruncateAddsEllipsisPastLimit(t *testing.T) {
	assert.Equal(t, "hello…", truncate("hello world", 5))
	assert.Equal(t, "hi", truncate("hi", 5))
}
