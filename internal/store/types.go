// Package store holds the embedded SQLite-backed indexes (FTS, entity,
// local dense-vector) the engine builds from workspace files.
package store

import (
	"context"
	"fmt"
)

// FTSResult is one row returned by the full-text index.
type FTSResult struct {
	Source    string
	SourceKey string
	ChunkIx   int
	Snippet   string
}

// EntityResult is one row returned by the entity index.
type EntityResult struct {
	Entity string
	Attr   string
	Value  string
	Source string
	TsMs   int64
	Score  float64
}

// BM25Result is one scored hit from the in-memory BM25 scorer.
type BM25Result struct {
	Path    string
	Line    int
	Score   float64
	Snippet string
}

// VectorResult is one hit from a VectorStore query.
type VectorResult struct {
	ID       string
	Distance float32
	Score    float32
}

// VectorStoreConfig configures an HNSW-backed VectorStore.
type VectorStoreConfig struct {
	Dimensions int
	Metric     string // "cos" | "l2"
	M          int
	EfSearch   int
}

// DefaultVectorStoreConfig returns the engine's default HNSW parameters
// for the given embedding dimension.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   20,
	}
}

// VectorStore is a keyed nearest-neighbor index.
type VectorStore interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	AllIDs() []string
	Contains(id string) bool
	Count() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch reports a vector whose length does not match the
// store's configured dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
