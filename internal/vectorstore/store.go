// Package vectorstore provides the in-memory vector store and its on-disk
// snapshot protocol.
//
// The store holds text nodes plus their embeddings and performs exact
// nearest-neighbor search over a flat matrix. It is the unit of persistence:
// a snapshot is the complete serialized store state, published atomically so
// a reader never observes a half-written snapshot.
//
// The store itself is not synchronized. The index manager owns the single
// live instance and serializes writers; see internal/index.
package vectorstore

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for store and snapshot operations.
var (
	// ErrDimensionMismatch is returned when an embedding's length does not
	// match the store dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrDuplicateID is returned when inserting a node whose ID already exists.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrEmptyNodes indicates empty or mismatched node/embedding input.
	ErrEmptyNodes = errors.New("empty or mismatched nodes and embeddings")

	// ErrNoSnapshot is returned when no snapshot has ever been published.
	ErrNoSnapshot = errors.New("no snapshot present")

	// ErrCorruptSnapshot is returned when a persisted snapshot is missing
	// files, unparsable, or internally inconsistent.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// Node is an immutable text chunk owned by the store. Its embedding lives in
// the store's matrix at the node's insertion position.
type Node struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	DocumentID string            `json:"document_id"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is a single search hit.
type Result struct {
	Node Node
	// Distance is squared L2 distance to the query (lower is closer).
	Distance float32
	// Seq is the node's insertion position, used for deterministic
	// tie-breaking and stable across persistence round-trips.
	Seq int
}

// Store holds nodes and their embeddings in insertion order.
type Store struct {
	dimension  int
	nodes      []Node
	embeddings [][]float32
	byID       map[string]int
}

// New creates an empty store with the given embedding dimension.
func New(dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dimension)
	}
	return &Store{
		dimension: dimension,
		byID:      make(map[string]int),
	}, nil
}

// Dimension returns the embedding dimension.
func (s *Store) Dimension() int { return s.dimension }

// Len returns the number of nodes.
func (s *Store) Len() int { return len(s.nodes) }

// Add appends nodes with their embeddings. Existing nodes are never touched;
// the store is append-only. Embedding slices are copied so callers cannot
// mutate stored vectors. The operation is all-or-nothing: validation runs
// before any node is inserted.
func (s *Store) Add(nodes []Node, embeddings [][]float32) error {
	if len(nodes) == 0 || len(nodes) != len(embeddings) {
		return fmt.Errorf("%w: %d nodes, %d embeddings", ErrEmptyNodes, len(nodes), len(embeddings))
	}
	seen := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has empty id", ErrEmptyNodes, i)
		}
		if _, dup := s.byID[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		seen[n.ID] = struct{}{}
		if len(embeddings[i]) != s.dimension {
			return fmt.Errorf("%w: node %s has dimension %d, store has %d",
				ErrDimensionMismatch, n.ID, len(embeddings[i]), s.dimension)
		}
	}

	for i, n := range nodes {
		vec := make([]float32, s.dimension)
		copy(vec, embeddings[i])
		s.byID[n.ID] = len(s.nodes)
		s.nodes = append(s.nodes, n)
		s.embeddings = append(s.embeddings, vec)
	}
	return nil
}

// Search returns the k nodes closest to the query by squared L2 distance,
// ascending. Ties break by earliest insertion. An empty store returns nil;
// k larger than the node count returns all nodes, unpadded.
func (s *Store) Search(query []float32, k int) ([]Result, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, store has %d",
			ErrDimensionMismatch, len(query), s.dimension)
	}
	if k <= 0 || len(s.nodes) == 0 {
		return nil, nil
	}

	results := make([]Result, len(s.nodes))
	for i := range s.nodes {
		results[i] = Result{
			Node:     s.nodes[i],
			Distance: l2sq(query, s.embeddings[i]),
			Seq:      i,
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Seq < results[j].Seq
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// NodeAt returns the node at insertion position i.
func (s *Store) NodeAt(i int) Node { return s.nodes[i] }

// EmbeddingAt returns a copy of the embedding at insertion position i.
func (s *Store) EmbeddingAt(i int) []float32 {
	vec := make([]float32, s.dimension)
	copy(vec, s.embeddings[i])
	return vec
}

// Contains reports whether a node with the given ID exists.
func (s *Store) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// l2sq computes squared euclidean distance. Squared distance preserves the
// L2 ordering and skips the sqrt.
func l2sq(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}
