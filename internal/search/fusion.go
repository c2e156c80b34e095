// Package search fuses the ranked hit lists C4 through C8 each produce
// for one query into a single ordered list, using reciprocal-rank
// fusion generalized to an arbitrary number of heterogeneous layers.
package search

import (
	"sort"
	"strconv"
)

// DefaultRRFConstant is the standard RRF smoothing parameter, k=60,
// empirically validated across domains (Azure AI Search, OpenSearch).
const DefaultRRFConstant = 60

// LayerHit is one ranked result a single retrieval layer contributed,
// keyed so the same underlying item can be recognized across layers.
type LayerHit struct {
	Key     string
	Snippet string
}

// FusedHit is one item in the final fused result list.
type FusedHit struct {
	Key      string
	RRFScore float64
	Snippet  string
	Why      string
	Layers   map[string]int // layer name -> 1-indexed rank contributed
}

// RRFFusion combines any number of named layers' ranked hit lists using
// reciprocal rank fusion: RRFScore(d) = Σ 1/(k + rank_l) over layers l
// where d appears.
type RRFFusion struct {
	K int
}

// NewRRFFusion returns an RRFFusion with the default smoothing constant.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK returns an RRFFusion with a custom k (k<=0 resets to
// the default).
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges layers (one ranked hit slice per named layer, already
// ordered best-first) into a single descending-score list. A layer
// returning the same key twice keeps only its best (lowest) rank —
// fusion is idempotent under duplicate layer output. When a key appears
// in multiple layers the longest non-empty snippet wins for display.
func (f *RRFFusion) Fuse(layers map[string][]LayerHit) []*FusedHit {
	results := map[string]*FusedHit{}
	firstSeen := map[string]int{}
	order := 0

	layerNames := make([]string, 0, len(layers))
	for name := range layers {
		layerNames = append(layerNames, name)
	}
	sort.Strings(layerNames)

	for _, name := range layerNames {
		bestRank := map[string]int{}
		bestSnippet := map[string]string{}
		keyOrder := make([]string, 0, len(layers[name]))
		for i, hit := range layers[name] {
			rank := i + 1
			if existing, ok := bestRank[hit.Key]; !ok || rank < existing {
				if !ok {
					keyOrder = append(keyOrder, hit.Key)
				}
				bestRank[hit.Key] = rank
				bestSnippet[hit.Key] = hit.Snippet
			}
		}

		for _, key := range keyOrder {
			r, ok := results[key]
			if !ok {
				r = &FusedHit{Key: key, Layers: map[string]int{}}
				results[key] = r
				firstSeen[key] = order
				order++
			}
			r.RRFScore += 1.0 / float64(f.K+bestRank[key])
			r.Layers[name] = bestRank[key]
			if len(bestSnippet[key]) > len(r.Snippet) {
				r.Snippet = bestSnippet[key]
			}
		}
	}

	out := make([]*FusedHit, 0, len(results))
	for _, r := range results {
		r.Why = formatWhy(r.Layers)
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		return firstSeen[a.Key] < firstSeen[b.Key]
	})

	return out
}

// formatWhy renders "layer1:rank1 layer2:rank2 ..." sorted by layer
// name, the provenance annotation each fused hit carries.
func formatWhy(layers map[string]int) string {
	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	sort.Strings(names)

	why := ""
	for i, name := range names {
		if i > 0 {
			why += " "
		}
		why += name + ":" + strconv.Itoa(layers[name])
	}
	return why
}
