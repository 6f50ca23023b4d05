// Package retriever ranks indexed nodes against a query.
//
// Ranking is dense-first: candidates come from nearest-neighbor search over
// the live index, then an optional sparse lexical signal is blended in with
// a configurable alpha weight. Ties always break by earliest insertion, so
// identical index state and query produce identical ordered results.
package retriever

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/index"
	"github.com/ohmlabs/datasheetd/internal/vectorstore"
)

// candidateFactor over-fetches dense candidates so the sparse signal can
// promote lexical matches that dense search ranked just below k.
const candidateFactor = 4

// Hit is a ranked retrieval result.
type Hit struct {
	Node vectorstore.Node
	// Score is the blended relevance in [0,1], higher is better.
	Score float64
	// Seq is the node's insertion position.
	Seq int
}

// Options control a single retrieval.
type Options struct {
	// TopK is the number of hits to return.
	TopK int
	// Alpha blends dense against sparse: final = alpha*dense +
	// (1-alpha)*sparse. Alpha 1 is pure dense ranking.
	Alpha float64
}

// Retriever executes top-K searches against the index manager.
type Retriever struct {
	manager *index.Manager
	scorer  *LexicalScorer
	logger  *zap.Logger
}

// New creates a retriever.
func New(manager *index.Manager, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		manager: manager,
		scorer:  NewLexicalScorer(),
		logger:  logger,
	}
}

// Retrieve returns the top-K nodes for the query. An empty index yields an
// empty result, not an error; K larger than the node count returns all
// nodes, unpadded.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Hit, error) {
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("top-k must be positive, got %d", opts.TopK)
	}
	if opts.Alpha < 0 || opts.Alpha > 1 {
		return nil, fmt.Errorf("alpha must be in [0,1], got %v", opts.Alpha)
	}

	fetch := opts.TopK
	if opts.Alpha < 1 {
		fetch = opts.TopK * candidateFactor
	}

	results, err := r.manager.Search(ctx, query, fetch)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	sparse := r.scorer.Scores(query, results)

	hits := make([]Hit, len(results))
	for i, res := range results {
		dense := denseSimilarity(res.Distance)
		hits[i] = Hit{
			Node:  res.Node,
			Score: opts.Alpha*dense + (1-opts.Alpha)*sparse[i],
			Seq:   res.Seq,
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq < hits[j].Seq
	})

	if opts.TopK < len(hits) {
		hits = hits[:opts.TopK]
	}

	r.logger.Debug("retrieved",
		zap.Int("candidates", len(results)),
		zap.Int("returned", len(hits)),
		zap.Float64("alpha", opts.Alpha))
	return hits, nil
}

// denseSimilarity maps squared L2 distance into (0,1], monotonically
// decreasing in distance.
func denseSimilarity(distance float32) float64 {
	return 1 / (1 + float64(distance))
}
