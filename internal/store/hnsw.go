package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"github.com/hypermemory/hypermemory/internal/herrors"
)

// HNSWStore is the local dense-vector index: one HNSW graph per workspace,
// keyed by an opaque string ID (doc_id:source_key:chunk_ix:model_id).
// Deletions are lazy (the graph node stays, its ID mapping is dropped) to
// avoid a known coder/hnsw panic when the last node is removed.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorStoreConfig
}

// NewHNSWStore builds an empty HNSWStore with the given configuration.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts or replaces vectors keyed by ids. A repeated id orphans its
// previous graph node rather than deleting it in place.
func (s *HNSWStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return herrors.New(herrors.InvariantViolation, "store.HNSWStore.Add",
			"ids and vectors length mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return herrors.New(herrors.InvariantViolation, "store.HNSWStore.Add", "store is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}

	return nil
}

// Search returns up to k nearest neighbors to query.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, herrors.New(herrors.InvariantViolation, "store.HNSWStore.Search", "store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	nodes := s.graph.Search(normalized, k)
	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue // orphaned (lazily deleted) node
		}
		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
	}
	return results, nil
}

// Delete orphans the graph nodes for ids; they remain in the underlying
// graph but are no longer reachable through idMap/keyMap.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return herrors.New(herrors.InvariantViolation, "store.HNSWStore.Delete", "store is closed")
	}
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	return nil
}

func (s *HNSWStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, ok := s.idMap[id]
	return ok
}

func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Save atomically persists the graph (temp file + rename) and its ID
// mapping metadata alongside it.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return herrors.New(herrors.InvariantViolation, "store.HNSWStore.Save", "store is closed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Save", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Save", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Save", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Save", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.saveMetadata", err)
	}

	meta := hnswMetadata{IDMap: s.idMap, NextKey: s.nextKey, Config: s.config}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmp)
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.saveMetadata", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.saveMetadata", err)
	}
	return os.Rename(tmp, path)
}

// Load reopens a graph and its metadata from disk.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return herrors.New(herrors.InvariantViolation, "store.HNSWStore.Load", "store is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Load", err)
	}
	defer file.Close()

	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.Load", err)
	}
	return nil
}

func (s *HNSWStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.loadMetadata", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("hnsw_metadata_close_failed", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "store.HNSWStore.loadMetadata", err)
	}

	s.idMap = meta.IDMap
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	s.nextKey = meta.NextKey
	s.config = meta.Config
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadHNSWStoreDimensions returns the dimensionality recorded in an
// existing store's metadata sidecar, or 0 if none exists yet.
func ReadHNSWStoreDimensions(vectorPath string) (int, error) {
	file, err := os.Open(vectorPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, herrors.Wrap(herrors.InvariantViolation, "store.ReadHNSWStoreDimensions", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return 0, herrors.Wrap(herrors.InvariantViolation, "store.ReadHNSWStoreDimensions", err)
	}
	return meta.Config.Dimensions, nil
}

var _ VectorStore = (*HNSWStore)(nil)

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a distance into a 0-1 similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
