package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohmlabs/datasheetd/internal/index"
	"github.com/ohmlabs/datasheetd/internal/retriever"
	"github.com/ohmlabs/datasheetd/internal/synthesizer"
	"github.com/ohmlabs/datasheetd/internal/vectorstore"
)

type mockRetriever struct {
	hits  []retriever.Hit
	err   error
	calls int
}

func (m *mockRetriever) Retrieve(_ context.Context, _ string, _ retriever.Options) ([]retriever.Hit, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

type mockSynth struct {
	answer    string
	fragments []string
	err       error
	block     bool
	calls     int
}

func (m *mockSynth) Generate(ctx context.Context, _ string, _ []string) (string, error) {
	m.calls++
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

func (m *mockSynth) GenerateStream(ctx context.Context, _ string, _ []string, fn synthesizer.StreamFunc) error {
	m.calls++
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	for _, f := range m.fragments {
		if err := fn(ctx, []byte(f)); err != nil {
			return err
		}
	}
	return nil
}

type mockLearner struct {
	mu      sync.Mutex
	err     error
	queries []string
	answers []string
}

func (m *mockLearner) Learn(_ context.Context, query, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.queries = append(m.queries, query)
	m.answers = append(m.answers, answer)
	return nil
}

func (m *mockLearner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

type memCacheEntry struct {
	value   string
	expires time.Time
}

// memCache is a TTL-honoring in-memory cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memCacheEntry
	sets    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memCacheEntry)}
}

func (c *memCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

func (c *memCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[key] = memCacheEntry{value: value, expires: time.Now().Add(ttl)}
}

func (c *memCache) Status(context.Context) string { return "connected" }
func (c *memCache) Close() error { return nil }

func testHits() []retriever.Hit {
	return []retriever.Hit{
		{Node: vectorstore.Node{ID: "n1", Text: "max forward current 30mA"}, Score: 0.9},
		{Node: vectorstore.Node{ID: "n2", Text: "forward voltage 2.1V typical"}, Score: 0.7},
	}
}

func testConfig() Config {
	return Config{
		TopK:              5,
		Alpha:             0.8,
		CacheTTL:          time.Minute,
		GenerationTimeout: time.Second,
	}
}

func TestAskGeneratesLearnsAndCaches(t *testing.T) {
	r := &mockRetriever{hits: testHits()}
	s := &mockSynth{answer: "30mA"}
	c := newMemCache()
	l := &mockLearner{}
	e := New(testConfig(), r, s, c, l, nil, nil)

	first, err := e.Ask(context.Background(), "what is the max forward current?", "")
	require.NoError(t, err)
	assert.Equal(t, "30mA", first.Response)
	assert.False(t, first.Cached)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, 1, c.sets)

	second, err := e.Ask(context.Background(), "what is the max forward current?", "")
	require.NoError(t, err)
	assert.Equal(t, "30mA", second.Response)
	assert.True(t, second.Cached)

	// A hit short-circuits the pipeline entirely.
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, 1, c.sets)
}

func TestAskTrimsQueryBeforeCaching(t *testing.T) {
	r := &mockRetriever{hits: testHits()}
	s := &mockSynth{answer: "2.1V"}
	c := newMemCache()
	e := New(testConfig(), r, s, c, &mockLearner{}, nil, nil)

	_, err := e.Ask(context.Background(), "  forward voltage?  ", "")
	require.NoError(t, err)

	got, err := e.Ask(context.Background(), "forward voltage?", "")
	require.NoError(t, err)
	assert.True(t, got.Cached)
	assert.Equal(t, 1, s.calls)
}

func TestAskRejectsBlankQuery(t *testing.T) {
	e := New(testConfig(), &mockRetriever{}, &mockSynth{}, newMemCache(), &mockLearner{}, nil, nil)

	_, err := e.Ask(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestAskTruncatesOversizedQuery(t *testing.T) {
	r := &mockRetriever{hits: testHits()}
	s := &mockSynth{answer: "ok"}
	c := newMemCache()
	l := &mockLearner{}
	e := New(testConfig(), r, s, c, l, nil, nil)

	long := strings.Repeat("q", maxQueryLength+200)
	got, err := e.Ask(context.Background(), long, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Response)
	assert.False(t, got.Cached)

	// The pipeline sees the capped query, and the cache key is derived
	// from it: asking with exactly the first 1000 characters hits.
	require.Equal(t, 1, l.count())
	assert.Len(t, l.queries[0], maxQueryLength)

	capped, err := e.Ask(context.Background(), long[:maxQueryLength], "")
	require.NoError(t, err)
	assert.True(t, capped.Cached)
	assert.Equal(t, 1, s.calls)
}

func TestAskGenerationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond
	c := newMemCache()
	l := &mockLearner{}
	e := New(cfg, &mockRetriever{hits: testHits()}, &mockSynth{block: true}, c, l, nil, nil)

	_, err := e.Ask(context.Background(), "anything", "")
	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.Equal(t, 0, l.count())
	assert.Equal(t, 0, c.sets)
}

func TestAskGenerationFailure(t *testing.T) {
	s := &mockSynth{err: errors.New("backend down")}
	e := New(testConfig(), &mockRetriever{hits: testHits()}, s, newMemCache(), &mockLearner{}, nil, nil)

	_, err := e.Ask(context.Background(), "anything", "")
	assert.ErrorIs(t, err, ErrProcessingFailed)
	assert.NotErrorIs(t, err, ErrGenerationTimeout)
}

func TestAskIndexUnavailablePassesThrough(t *testing.T) {
	r := &mockRetriever{err: index.ErrIndexUnavailable}
	e := New(testConfig(), r, &mockSynth{}, newMemCache(), &mockLearner{}, nil, nil)

	_, err := e.Ask(context.Background(), "anything", "")
	assert.ErrorIs(t, err, index.ErrIndexUnavailable)
}

func TestAskLearnFailureIsAbsorbed(t *testing.T) {
	c := newMemCache()
	l := &mockLearner{err: errors.New("persist failed")}
	e := New(testConfig(), &mockRetriever{hits: testHits()}, &mockSynth{answer: "ok"}, c, l, nil, nil)

	got, err := e.Ask(context.Background(), "anything", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Response)
	assert.Equal(t, 1, c.sets, "answer still cached after learn failure")
}

func TestAskCacheEntryExpires(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTL = 20 * time.Millisecond
	s := &mockSynth{answer: "ok"}
	e := New(cfg, &mockRetriever{hits: testHits()}, s, newMemCache(), &mockLearner{}, nil, nil)

	_, err := e.Ask(context.Background(), "anything", "")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	got, err := e.Ask(context.Background(), "anything", "")
	require.NoError(t, err)
	assert.False(t, got.Cached)
	assert.Equal(t, 2, s.calls)
}

func TestAskDistinctContextsCacheSeparately(t *testing.T) {
	s := &mockSynth{answer: "ok"}
	e := New(testConfig(), &mockRetriever{hits: testHits()}, s, newMemCache(), &mockLearner{}, nil, nil)

	_, err := e.Ask(context.Background(), "anything", "board A")
	require.NoError(t, err)
	got, err := e.Ask(context.Background(), "anything", "board B")
	require.NoError(t, err)
	assert.False(t, got.Cached)
	assert.Equal(t, 2, s.calls)
}

func TestAskStreamForwardsFragmentsInOrderAndLearns(t *testing.T) {
	s := &mockSynth{fragments: []string{"The ", "answer ", "is 30mA."}}
	c := newMemCache()
	l := &mockLearner{}
	e := New(testConfig(), &mockRetriever{hits: testHits()}, s, c, l, nil, nil)

	var got []string
	err := e.AskStream(context.Background(), "max current?", "", func(_ context.Context, fragment []byte) error {
		got = append(got, string(fragment))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "answer ", "is 30mA."}, got)

	require.Equal(t, 1, l.count())
	assert.Equal(t, "The answer is 30mA.", l.answers[0])
	assert.Equal(t, 0, c.sets, "streamed answers are not cached")
}

func TestAskStreamTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond
	l := &mockLearner{}
	e := New(cfg, &mockRetriever{hits: testHits()}, &mockSynth{block: true}, newMemCache(), l, nil, nil)

	err := e.AskStream(context.Background(), "anything", "", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.Equal(t, 0, l.count())
}

func TestAskStreamConsumerErrorCancelsStream(t *testing.T) {
	s := &mockSynth{fragments: []string{"a", "b", "c"}}
	l := &mockLearner{}
	e := New(testConfig(), &mockRetriever{hits: testHits()}, s, newMemCache(), l, nil, nil)

	sentinel := errors.New("consumer gone")
	err := e.AskStream(context.Background(), "anything", "", func(context.Context, []byte) error {
		return sentinel
	})
	assert.ErrorIs(t, err, ErrProcessingFailed)
	assert.Equal(t, 0, l.count())
}
