// Package model holds the data shapes shared across the journal, the
// derived indexes, and the fusion retriever.
package model

// Event is an immutable record appended to the journal. Ordered by TsMs
// ascending; ties broken by file offset.
type Event struct {
	TsMs       int64  `json:"ts_ms"`
	Channel    string `json:"channel"`
	SessionKey string `json:"session_key"`
	Role       string `json:"role"`
	Message    string `json:"message"`
}

// Chunk is a uniformly shaped unit produced from a markdown source file.
//
// Uniqueness: (Source, SourceKey, ChunkIx) is globally unique within the
// FTS store; (DocID, SourceKey, ChunkIx) is unique within the vector
// store.
type Chunk struct {
	DocID     string
	Source    string // "memory" | "daily" | "staging"
	SourceKey string
	ChunkIx   int
	Text      string
}

// DocState tracks the last-seen fingerprint of an indexed source file.
type DocState struct {
	DocID        string
	Fingerprint  string
	UpdatedAtMs  int64
}

// EntityFact is a single deterministic extraction keyed by its full tuple.
type EntityFact struct {
	Entity string
	Attr   string
	Value  string
	Source string
	TsMs   int64
	Raw    string
}

// CuratedItem is a cloud-layer item identified by its content hash.
type CuratedItem struct {
	Namespace    string
	ContentSHA   string
	Content      string
	Score        int
	SourceMeta   string
	CreatedAtMs  int64
}

// Embedding is a dense vector attached to a CuratedItem or local chunk.
type Embedding struct {
	Namespace   string // empty for local embeddings
	ContentSHA  string
	ModelID     string
	Dims        int
	Vector      []float32
	UpdatedAtMs int64
}

// RetrievalHit is a single fused result returned to the caller.
type RetrievalHit struct {
	Key     string
	Layer   string
	Score   float64
	Snippet string
	Why     string
}
