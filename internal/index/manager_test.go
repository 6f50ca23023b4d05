package index

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/corpus"
	"github.com/ohmlabs/datasheetd/internal/vectorstore"
)

// fakeEmbedder returns deterministic vectors derived from a text hash and
// counts embedding calls.
type fakeEmbedder struct {
	dim   int
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeEmbedder) embed(text string) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()
	vec := make([]float32, f.dim)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000) / 1000
	}
	return vec
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail.Load() {
		return nil, assert.AnError
	}
	f.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.embed(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.fail.Load() {
		return nil, assert.AnError
	}
	f.calls.Add(1)
	return f.embed(text), nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }
func (f *fakeEmbedder) Close() error { return nil }

type testEnv struct {
	manager  *Manager
	embedder *fakeEmbedder
	root     string
	sheets   string
	learned  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	env := &testEnv{
		embedder: &fakeEmbedder{dim: 4},
		root:     filepath.Join(base, "index"),
		sheets:   filepath.Join(base, "datasheets"),
		learned:  filepath.Join(base, "datasheets", "learned"),
	}
	env.manager = newManagerAt(t, env)
	return env
}

// newManagerAt builds a fresh Manager over the same directories, simulating
// a process restart.
func newManagerAt(t *testing.T, env *testEnv) *Manager {
	t.Helper()
	sn, err := vectorstore.NewSnapshotter(env.root, zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(Config{
		DatasheetDir: env.sheets,
		LearnedDir:   env.learned,
		ChunkSize:    512,
		ChunkOverlap: 20,
	}, env.embedder, sn, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestLoadOrBuildSeedsPlaceholderOnEmptySystem(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	assert.Equal(t, 1, env.manager.NodeCount())
	results, err := env.manager.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, placeholderText, results[0].Node.Text)
}

func TestLoadOrBuildCachesHandle(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))
	built := env.embedder.calls.Load()

	// Second call returns the cached handle: no embedding, no disk reads.
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))
	assert.Equal(t, built, env.embedder.calls.Load())
}

func TestLoadOrBuildIngestsBothCorpora(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.sheets, 0o755))
	require.NoError(t, os.MkdirAll(env.learned, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.sheets, "lm317.txt"),
		[]byte("The LM317 is an adjustable three-terminal regulator."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.learned, "interaction_1.txt"),
		[]byte("Q: what is a 555?\nA: A timer IC."), 0o644))

	require.NoError(t, env.manager.LoadOrBuild(context.Background()))
	assert.Equal(t, 2, env.manager.NodeCount())
}

func TestRestartLoadsIdenticalNodeSet(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(env.sheets, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.sheets, "a.txt"),
		[]byte("Alpha datasheet content."), 0o644))
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	firstResults, err := env.manager.Search(context.Background(), "alpha", 10)
	require.NoError(t, err)

	// Two restarts with no intervening writes load bit-identical state.
	for i := 0; i < 2; i++ {
		restarted := newManagerAt(t, env)
		require.NoError(t, restarted.LoadOrBuild(context.Background()))
		results, err := restarted.Search(context.Background(), "alpha", 10)
		require.NoError(t, err)
		assert.Equal(t, firstResults, results)
	}
}

func TestCorruptSnapshotTriggersRebuild(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	// Corrupt the published snapshot.
	raw, err := os.ReadFile(filepath.Join(env.root, "CURRENT"))
	require.NoError(t, err)
	dir := filepath.Join(env.root, string(raw[:len(raw)-1]))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("not json"), 0o644))

	restarted := newManagerAt(t, env)
	require.NoError(t, restarted.LoadOrBuild(context.Background()))
	assert.Equal(t, 1, restarted.NodeCount())
}

func TestInsertPersistsIncrementally(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	node := vectorstore.Node{ID: "learned-1", Text: "Q: hi\nA: hello"}
	vecs := [][]float32{env.embedder.embed(node.Text)}
	require.NoError(t, env.manager.Insert([]vectorstore.Node{node}, vecs))
	assert.False(t, env.manager.Drifted())

	restarted := newManagerAt(t, env)
	require.NoError(t, restarted.LoadOrBuild(context.Background()))
	assert.Equal(t, env.manager.NodeCount(), restarted.NodeCount())

	results, err := restarted.Search(context.Background(), "Q: hi\nA: hello", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "learned-1", results[0].Node.ID)
}

func TestInsertKeepsMemoryStateOnPersistFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))
	before := env.manager.NodeCount()

	// Break the snapshot root: replace it with a regular file so staging
	// creation fails regardless of process privileges.
	require.NoError(t, os.RemoveAll(env.root))
	require.NoError(t, os.WriteFile(env.root, []byte("not a directory"), 0o644))

	node := vectorstore.Node{ID: "learned-2", Text: "Q: x\nA: y"}
	err := env.manager.Insert([]vectorstore.Node{node}, [][]float32{env.embedder.embed(node.Text)})
	require.NoError(t, err, "persist failure must not surface to the caller")

	assert.Equal(t, before+1, env.manager.NodeCount())
	assert.True(t, env.manager.Drifted())
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	err := env.manager.Insert(
		[]vectorstore.Node{{ID: "bad", Text: "x"}},
		[][]float32{{1, 2}},
	)
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestSearchBeforeLoadOrBuild(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Search(context.Background(), "q", 5)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestBuildFailsWhenEmbedderUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.embedder.fail.Store(true)
	err := env.manager.LoadOrBuild(context.Background())
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestIngestDocument(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))
	before := env.manager.NodeCount()

	n, err := env.manager.IngestDocument(context.Background(), corpus.Document{
		ID:   "doc-hot",
		Text: "A freshly dropped datasheet about the NE555 timer.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, env.manager.NodeCount())
}

// blockingSnapshotter stalls Save until released, signalling when a writer
// has entered the persist.
type blockingSnapshotter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSnapshotter) Save(*vectorstore.Store) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingSnapshotter) Load() (*vectorstore.Store, error) {
	return nil, vectorstore.ErrNoSnapshot
}

func TestSearchProceedsWhilePersistInFlight(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	blocking := &blockingSnapshotter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	env.manager.snapshots = blocking

	node := vectorstore.Node{ID: "hot", Text: "hot inserted node"}
	inserted := make(chan error, 1)
	go func() {
		inserted <- env.manager.Insert(
			[]vectorstore.Node{node},
			[][]float32{env.embedder.embed(node.Text)},
		)
	}()

	<-blocking.entered

	searched := make(chan int, 1)
	go func() {
		results, err := env.manager.Search(context.Background(), "hot inserted node", 5)
		assert.NoError(t, err)
		searched <- len(results)
	}()

	select {
	case n := <-searched:
		assert.NotZero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("search stalled behind an in-flight snapshot write")
	}
	assert.Equal(t, 2, env.manager.NodeCount())

	close(blocking.release)
	require.NoError(t, <-inserted)
}

func TestConcurrentSearchesDuringInsert(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.LoadOrBuild(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				results, err := env.manager.Search(context.Background(), "concurrent", 3)
				assert.NoError(t, err)
				assert.NotEmpty(t, results)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		node := vectorstore.Node{ID: "c-" + string(rune('a'+i)), Text: "concurrent insert"}
		require.NoError(t, env.manager.Insert(
			[]vectorstore.Node{node},
			[][]float32{env.embedder.embed(node.Text)},
		))
	}
	wg.Wait()
}
