// Package index owns the single live vector store for the process.
//
// The Manager is the only component that touches the store directly. It
// loads or rebuilds the persisted snapshot at startup, serves searches to
// any number of concurrent readers, and serializes all writers (incremental
// learning inserts and full rebuilds) behind one writer mutex. The store
// lock is held only while memory state changes, never across disk writes,
// so readers keep serving the last consistent state while a snapshot
// persists. Persistence always goes through the snapshotter's
// staging-then-rename protocol, so an interrupted write can never corrupt
// the published snapshot.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/corpus"
	"github.com/ohmlabs/datasheetd/internal/embeddings"
	"github.com/ohmlabs/datasheetd/internal/vectorstore"
)

// ErrIndexUnavailable is returned when the index could not be built and no
// usable snapshot exists. It is fatal for the triggering request only.
var ErrIndexUnavailable = errors.New("index unavailable")

// placeholderText seeds an empty system so a build never fails for lack of
// documents.
const placeholderText = "The system has not yet learned anything."

// embedBatchSize bounds a single embedding request during builds.
const embedBatchSize = 64

// Config holds manager construction parameters.
type Config struct {
	// DatasheetDir is the reference corpus directory.
	DatasheetDir string
	// LearnedDir is the learned-interactions corpus directory.
	LearnedDir string
	// ChunkSize and ChunkOverlap configure the chunker, in characters.
	ChunkSize    int
	ChunkOverlap int
}

// snapshotter is the persistence surface the manager needs; satisfied by
// *vectorstore.Snapshotter.
type snapshotter interface {
	Save(*vectorstore.Store) error
	Load() (*vectorstore.Store, error)
}

// Manager orchestrates the index lifecycle and owns the live store.
type Manager struct {
	cfg       Config
	provider  embeddings.Provider
	loader    *corpus.Loader
	chunker   *corpus.Chunker
	snapshots snapshotter
	logger    *zap.Logger

	// wmu serializes writers (inserts, rebuilds) and their snapshot
	// writes. Lock order is wmu before mu.
	wmu sync.Mutex

	// mu guards the store pointer and contents for readers. Held only
	// while memory state changes, never across a snapshot write.
	mu    sync.RWMutex
	store *vectorstore.Store

	// drift is set when the in-memory index ran ahead of its snapshot
	// after a failed persist. Operator-visible via Drifted.
	drift atomic.Bool
}

// NewManager creates a manager. The corpus directories are created if
// missing so first runs start clean.
func NewManager(cfg Config, provider embeddings.Provider, snapshots *vectorstore.Snapshotter, logger *zap.Logger) (*Manager, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{cfg.DatasheetDir, cfg.LearnedDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating corpus directory %s: %w", dir, err)
		}
	}
	return &Manager{
		cfg:       cfg,
		provider:  provider,
		loader:    corpus.NewLoader(logger.Named("corpus")),
		chunker:   corpus.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		snapshots: snapshots,
		logger:    logger,
	}, nil
}

// LoadOrBuild returns the live store handle, loading the persisted snapshot
// on first call. A missing, corrupt, or dimension-incompatible snapshot is
// discarded and a fresh index is built from the corpora; load failures are
// never surfaced. Subsequent calls return the cached handle without disk
// reads.
func (m *Manager) LoadOrBuild(ctx context.Context) error {
	if m.ready() {
		return nil
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.ready() {
		return nil
	}

	store, err := m.snapshots.Load()
	switch {
	case err == nil:
		if store.Dimension() != m.provider.Dimension() {
			m.logger.Warn("snapshot dimension does not match embedding model, rebuilding",
				zap.Int("snapshot_dimension", store.Dimension()),
				zap.Int("model_dimension", m.provider.Dimension()))
		} else {
			m.publish(store)
			m.logger.Info("index loaded from snapshot", zap.Int("nodes", store.Len()))
			return nil
		}
	case errors.Is(err, vectorstore.ErrNoSnapshot):
		m.logger.Info("no snapshot found, building index")
	case errors.Is(err, vectorstore.ErrCorruptSnapshot):
		m.logger.Warn("snapshot is corrupt, rebuilding", zap.Error(err))
	default:
		m.logger.Warn("snapshot load failed, rebuilding", zap.Error(err))
	}

	return m.build(ctx)
}

// Rebuild discards the live store and rebuilds from the corpora. Searches
// keep serving the previous store until the new one is published.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.build(ctx)
}

func (m *Manager) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store != nil
}

// publish swaps the live store pointer.
func (m *Manager) publish(store *vectorstore.Store) {
	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
}

// build loads both corpora, chunks, embeds, constructs a fresh store,
// publishes it and persists it. Callers hold the writer mutex.
func (m *Manager) build(ctx context.Context) error {
	docs, err := m.loadDocuments()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	var nodes []vectorstore.Node
	var texts []string
	for _, doc := range docs {
		for _, chunk := range m.chunker.Chunk(doc) {
			nodes = append(nodes, chunkNode(doc, chunk))
			texts = append(texts, chunk.Text)
		}
	}
	if len(nodes) == 0 {
		// Unreachable given the placeholder, but never build a store
		// we cannot size.
		return fmt.Errorf("%w: no documents produced any chunks", ErrIndexUnavailable)
	}

	vectors, err := m.embedBatches(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	store, err := vectorstore.New(len(vectors[0]))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if err := store.Add(nodes, vectors); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	m.publish(store)
	m.persist(store)

	m.logger.Info("index built",
		zap.Int("documents", len(docs)),
		zap.Int("nodes", store.Len()),
		zap.Int("dimension", store.Dimension()))
	return nil
}

// loadDocuments reads both corpora, seeding a placeholder document when the
// system has nothing at all to index.
func (m *Manager) loadDocuments() ([]corpus.Document, error) {
	sheets, err := m.loader.LoadDir(m.cfg.DatasheetDir, "datasheets")
	if err != nil {
		return nil, err
	}
	learned, err := m.loader.LoadDir(m.cfg.LearnedDir, "learned")
	if err != nil {
		return nil, err
	}

	docs := append(sheets, learned...)
	if len(docs) == 0 {
		docs = append(docs, corpus.Document{
			ID:       uuid.NewString(),
			Text:     placeholderText,
			Metadata: map[string]string{"corpus": "placeholder"},
		})
	}
	return docs, nil
}

// embedBatches embeds texts in bounded batches.
func (m *Manager) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := m.provider.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// Search embeds the query and returns the k nearest nodes. Any number of
// searches may run concurrently; they observe a complete, consistent store.
func (m *Manager) Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error) {
	vector, err := m.provider.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, ErrIndexUnavailable
	}
	return m.store.Search(vector, k)
}

// Insert appends nodes to the live store and persists the result as one
// logically atomic unit with respect to other writers. The store lock is
// released before the snapshot write, so searches proceed against the
// updated store while it persists. A persist failure keeps the in-memory
// insertion (availability over durability), raises the drift flag and is
// logged, never returned.
func (m *Manager) Insert(nodes []vectorstore.Node, embeddings [][]float32) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	m.mu.Lock()
	store := m.store
	if store == nil {
		m.mu.Unlock()
		return ErrIndexUnavailable
	}
	err := store.Add(nodes, embeddings)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.persist(store)
	return nil
}

// Persist snapshots the current in-memory state.
func (m *Manager) Persist() error {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return ErrIndexUnavailable
	}
	if err := m.snapshots.Save(store); err != nil {
		return err
	}
	m.drift.Store(false)
	return nil
}

// persist saves under the writer mutex, absorbing failures into the drift
// flag. Save only reads the store, and the writer mutex excludes any
// concurrent mutation.
func (m *Manager) persist(store *vectorstore.Store) {
	if err := m.snapshots.Save(store); err != nil {
		m.drift.Store(true)
		m.logger.Error("index persist failed, in-memory state runs ahead of snapshot",
			zap.Error(err))
		return
	}
	m.drift.Store(false)
}

// Drifted reports whether the in-memory index is ahead of its snapshot.
func (m *Manager) Drifted() bool { return m.drift.Load() }

// NodeCount returns the number of indexed nodes, zero before LoadOrBuild.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return 0
	}
	return m.store.Len()
}

// Embedder exposes the manager's embedding provider to collaborators that
// must embed with the exact same model (the learner, the watcher).
func (m *Manager) Embedder() embeddings.Provider { return m.provider }

// IngestDocument chunks, embeds and inserts a document into the live index.
// Used for hot ingestion of new corpus files.
func (m *Manager) IngestDocument(ctx context.Context, doc corpus.Document) (int, error) {
	chunks := m.chunker.Chunk(doc)
	if len(chunks) == 0 {
		return 0, nil
	}

	nodes := make([]vectorstore.Node, len(chunks))
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		nodes[i] = chunkNode(doc, chunk)
		texts[i] = chunk.Text
	}

	vectors, err := m.embedBatches(ctx, texts)
	if err != nil {
		return 0, err
	}
	if err := m.Insert(nodes, vectors); err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// chunkNode builds the store node for a document chunk.
func chunkNode(doc corpus.Document, chunk corpus.Chunk) vectorstore.Node {
	return vectorstore.Node{
		ID:         uuid.NewString(),
		Text:       chunk.Text,
		DocumentID: doc.ID,
		Start:      chunk.Start,
		End:        chunk.End,
		Metadata:   doc.Metadata,
	}
}
