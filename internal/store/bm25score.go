package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hypermemory/hypermemory/internal/workspace"
)

var bm25WordRe = regexp.MustCompile(`[A-Za-z0-9_:./-]{2,}`)

// BM25K1 and BM25B are the fixed Okapi BM25 tuning constants; identical
// inputs to Search must always produce identical output, so these are
// constants rather than configuration.
const (
	BM25K1 = 1.2
	BM25B  = 0.75
)

func bm25Tokenize(text string) []string {
	matches := bm25WordRe.FindAllString(strings.ToLower(text), -1)
	return matches
}

type bm25Doc struct {
	path string
	text string
}

func bm25IterDocs(ws *workspace.Workspace) []bm25Doc {
	var docs []bm25Doc

	if data, err := os.ReadFile(ws.CuratedFile()); err == nil {
		docs = append(docs, bm25Doc{path: "MEMORY.md", text: string(data)})
	}

	entries, err := os.ReadDir(ws.MemoryDir())
	if err == nil {
		var names []string
		for _, e := range entries {
			if !e.IsDir() && dailyNameRe.MatchString(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(ws.MemoryDir(), name))
			if err != nil {
				continue
			}
			docs = append(docs, bm25Doc{path: filepath.Join("memory", name), text: string(data)})
		}
	}

	return docs
}

// BM25Search is a pure function of (workspace contents, query, k1, b): it
// holds no index and opens no database, reading MEMORY.md and every daily
// file fresh on each call. Whole documents are the scoring unit, not
// individual chunks.
func BM25Search(_ context.Context, ws *workspace.Workspace, query string, limit int) ([]BM25Result, error) {
	qTerms := bm25Tokenize(query)
	if len(qTerms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	docs := bm25IterDocs(ws)
	if len(docs) == 0 {
		return nil, nil
	}

	docTF := make([]map[string]int, len(docs))
	lengths := make([]int, len(docs))
	df := map[string]int{}

	for i, d := range docs {
		toks := bm25Tokenize(d.text)
		tf := map[string]int{}
		seen := map[string]bool{}
		for _, t := range toks {
			tf[t]++
			seen[t] = true
		}
		docTF[i] = tf
		lengths[i] = len(toks)
		for t := range seen {
			df[t]++
		}
	}

	n := len(docs)
	totalLen := 0
	for _, l := range lengths {
		totalLen += l
	}
	denomN := n
	if denomN < 1 {
		denomN = 1
	}
	avgdl := float64(totalLen) / float64(denomN)

	idf := func(t string) float64 {
		d := df[t]
		return math.Log(1 + (float64(n-d)+0.5)/(float64(d)+0.5))
	}

	var results []BM25Result
	for i, d := range docs {
		tf := docTF[i]
		dl := float64(lengths[i])
		score := 0.0
		for _, t := range qTerms {
			f := tf[t]
			if f == 0 {
				continue
			}
			denom := float64(f) + BM25K1*(1-BM25B+BM25B*(dl/avgdl))
			score += idf(t) * (float64(f) * (BM25K1 + 1) / denom)
		}
		if score <= 0 {
			continue
		}

		snippet, line := bm25Snippet(d.text, qTerms)
		results = append(results, BM25Result{Path: d.path, Line: line, Score: score, Snippet: snippet})
	}

	sort.SliceStable(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// bm25Snippet returns the first query-matching line (and its 1-indexed
// line number) for display, or a collapsed lead-in with line 0 when no
// single line matches.
func bm25Snippet(text string, qTerms []string) (string, int) {
	for i, line := range strings.Split(text, "\n") {
		low := strings.ToLower(line)
		for _, t := range qTerms {
			if strings.Contains(low, t) {
				return truncate(strings.TrimSpace(line), 220), i + 1
			}
		}
	}
	collapsed := strings.Join(strings.Fields(text), " ")
	return truncate(truncate(collapsed, 180), 220), 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
