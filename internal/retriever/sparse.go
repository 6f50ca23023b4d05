package retriever

import (
	"math"
	"regexp"
	"strings"

	"github.com/ohmlabs/datasheetd/internal/vectorstore"
)

// tokenPattern matches word runs, including embedded apostrophes.
var tokenPattern = regexp.MustCompile(`\p{L}+(?:'\p{L}+)*|\p{N}+`)

// LexicalScorer computes a sparse relevance signal: IDF-weighted term
// overlap between the query and each candidate, normalized to [0,1] over
// the candidate set. IDF is computed over the candidates themselves, so
// terms every candidate shares contribute nothing to the ordering.
type LexicalScorer struct {
	stopwords map[string]struct{}
}

// NewLexicalScorer creates a scorer with a default English stopword list.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{stopwords: defaultStopwords()}
}

// Scores returns one sparse score per candidate, aligned by index.
func (s *LexicalScorer) Scores(query string, candidates []vectorstore.Result) []float64 {
	scores := make([]float64, len(candidates))
	queryTerms := s.terms(query)
	if len(queryTerms) == 0 || len(candidates) == 0 {
		return scores
	}

	// Document frequency of query terms across the candidate set.
	candidateTerms := make([]map[string]struct{}, len(candidates))
	df := make(map[string]int, len(queryTerms))
	for i, c := range candidates {
		candidateTerms[i] = s.terms(c.Node.Text)
		for term := range queryTerms {
			if _, ok := candidateTerms[i][term]; ok {
				df[term]++
			}
		}
	}

	n := float64(len(candidates))
	maxScore := 0.0
	for i := range candidates {
		var sum float64
		for term := range queryTerms {
			if _, ok := candidateTerms[i][term]; ok {
				// Smoothed IDF, as in scikit-style TF-IDF.
				sum += math.Log((1+n)/(1+float64(df[term]))) + 1
			}
		}
		scores[i] = sum
		if sum > maxScore {
			maxScore = sum
		}
	}

	if maxScore > 0 {
		for i := range scores {
			scores[i] /= maxScore
		}
	}
	return scores
}

// terms tokenizes text into a lowercase term set minus stopwords.
func (s *LexicalScorer) terms(text string) map[string]struct{} {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if _, stop := s.stopwords[tok]; stop {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
		"has", "how", "in", "is", "it", "its", "of", "on", "or", "that",
		"the", "to", "was", "what", "when", "where", "which", "who",
		"will", "with",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
