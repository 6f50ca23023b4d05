// Package engine implements the query pipeline: cache lookup, retrieval,
// answer generation and learning from the served interaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/cache"
	"github.com/ohmlabs/datasheetd/internal/index"
	"github.com/ohmlabs/datasheetd/internal/retriever"
	"github.com/ohmlabs/datasheetd/internal/synthesizer"
)

// maxQueryLength caps accepted queries, in runes.
const maxQueryLength = 1000

// Retriever ranks indexed nodes against a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retriever.Options) ([]retriever.Hit, error)
}

// Learner records a served interaction into the index.
type Learner interface {
	Learn(ctx context.Context, query, answer string) error
}

// IndexStats exposes index health for metrics reporting.
type IndexStats interface {
	NodeCount() int
	Drifted() bool
}

// Config holds the engine's per-query parameters.
type Config struct {
	TopK  int
	Alpha float64
	// CacheTTL bounds how long a served answer stays cached.
	CacheTTL time.Duration
	// GenerationTimeout bounds a single generation call.
	GenerationTimeout time.Duration
}

// Answer is a served query result.
type Answer struct {
	Response  string    `json:"response"`
	Cached    bool      `json:"cached"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine executes the query pipeline.
type Engine struct {
	cfg       Config
	retriever Retriever
	synth     synthesizer.Synthesizer
	cache     cache.Cache
	learner   Learner
	stats     IndexStats
	logger    *zap.Logger
}

// New creates an engine. stats may be nil; every other dependency is
// required.
func New(cfg Config, r Retriever, s synthesizer.Synthesizer, c cache.Cache, l Learner, stats IndexStats, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		retriever: r,
		synth:     s,
		cache:     c,
		learner:   l,
		stats:     stats,
		logger:    logger,
	}
}

// Ask answers a query. Cache hits are returned verbatim and are not
// re-learned; misses run retrieval, generation, learning and cache
// population in that order. Learning failures are absorbed, never surfaced.
func (e *Engine) Ask(ctx context.Context, query, queryContext string) (Answer, error) {
	query, err := normalizeQuery(query)
	if err != nil {
		return Answer{}, err
	}

	key := cache.Key(query, queryContext)
	if cached, ok := e.cache.Get(ctx, key); ok {
		QueriesTotal.WithLabelValues("cached").Inc()
		e.logger.Debug("cache hit", zap.String("key", key))
		return Answer{Response: cached, Cached: true, Timestamp: time.Now().UTC()}, nil
	}

	passages, err := e.retrievePassages(ctx, query)
	if err != nil {
		QueriesTotal.WithLabelValues("error").Inc()
		return Answer{}, err
	}

	answer, err := e.generate(ctx, query, passages)
	if err != nil {
		QueriesTotal.WithLabelValues("error").Inc()
		return Answer{}, err
	}

	e.learn(ctx, query, answer)
	e.cache.Set(ctx, key, answer, e.cfg.CacheTTL)

	QueriesTotal.WithLabelValues("generated").Inc()
	return Answer{Response: answer, Cached: false, Timestamp: time.Now().UTC()}, nil
}

// AskStream answers a query, forwarding answer fragments to fn in
// production order. The completed answer is learned but never cached.
func (e *Engine) AskStream(ctx context.Context, query, queryContext string, fn synthesizer.StreamFunc) error {
	query, err := normalizeQuery(query)
	if err != nil {
		return err
	}

	passages, err := e.retrievePassages(ctx, query)
	if err != nil {
		QueriesTotal.WithLabelValues("error").Inc()
		return err
	}

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	var full strings.Builder
	start := time.Now()
	err = e.synth.GenerateStream(genCtx, query, passages, func(ctx context.Context, fragment []byte) error {
		full.Write(fragment)
		return fn(ctx, fragment)
	})
	GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		QueriesTotal.WithLabelValues("error").Inc()
		return e.mapGenerationError(genCtx, err)
	}

	e.learn(ctx, query, full.String())

	QueriesTotal.WithLabelValues("generated").Inc()
	return nil
}

// CacheStatus reports the query cache backend state for health checks.
func (e *Engine) CacheStatus(ctx context.Context) string {
	return e.cache.Status(ctx)
}

func (e *Engine) retrievePassages(ctx context.Context, query string) ([]string, error) {
	hits, err := e.retriever.Retrieve(ctx, query, retriever.Options{
		TopK:  e.cfg.TopK,
		Alpha: e.cfg.Alpha,
	})
	if err != nil {
		if errors.Is(err, index.ErrIndexUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessingFailed, err)
	}
	passages := make([]string, len(hits))
	for i, h := range hits {
		passages[i] = h.Node.Text
	}
	return passages, nil
}

func (e *Engine) generate(ctx context.Context, query string, passages []string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	answer, err := e.synth.Generate(genCtx, query, passages)
	GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", e.mapGenerationError(genCtx, err)
	}
	return answer, nil
}

// mapGenerationError distinguishes the per-query deadline from backend
// failure. The parent context's own cancellation passes through untouched.
func (e *Engine) mapGenerationError(genCtx context.Context, err error) error {
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("generation timed out")
		return ErrGenerationTimeout
	}
	e.logger.Error("generation failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrProcessingFailed, err)
}

func (e *Engine) learn(ctx context.Context, query, answer string) {
	if err := e.learner.Learn(ctx, query, answer); err != nil {
		LearnFailuresTotal.Inc()
		e.logger.Error("failed to learn interaction", zap.Error(err))
	}
	if e.stats != nil {
		IndexNodes.Set(float64(e.stats.NodeCount()))
		if e.stats.Drifted() {
			IndexDrift.Set(1)
		} else {
			IndexDrift.Set(0)
		}
	}
}

// normalizeQuery trims whitespace and truncates to the length limit, so an
// oversized query is answered from its leading text rather than rejected.
func normalizeQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if utf8.RuneCountInString(query) > maxQueryLength {
		runes := []rune(query)
		query = strings.TrimSpace(string(runes[:maxQueryLength]))
	}
	return query, nil
}
