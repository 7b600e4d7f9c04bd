package reranker

import (
	"context"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/corpusd/internal/search"
)

// LocalReranker scores candidates by term overlap with the query, blended
// with the candidate's original retrieval score. It runs entirely
// in-process and is the fallback target for the paid providers.
type LocalReranker struct{}

// NewLocalReranker creates a local reranker.
func NewLocalReranker() *LocalReranker {
	return &LocalReranker{}
}

// Name implements Provider.
func (r *LocalReranker) Name() string { return ProviderLocal }

// Rerank blends each candidate's original score with the fraction of query
// terms its text contains, half weight each, then sorts descending.
func (r *LocalReranker) Rerank(_ context.Context, query string, candidates []search.Result, topK int) ([]search.Result, error) {
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	queryTokens := tokenize(query)

	out := make([]search.Result, len(candidates))
	copy(out, candidates)
	for i := range out {
		original := originalScore(out[i])
		if len(queryTokens) == 0 {
			out[i].RerankScore = original
			continue
		}
		overlap := termOverlap(queryTokens, tokenize(out[i].Text))
		out[i].RerankScore = 0.5*original + 0.5*overlap
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RerankScore > out[j].RerankScore
	})
	out = out[:topK]
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// Close implements Provider. The local reranker holds no resources.
func (r *LocalReranker) Close() error { return nil }

// tokenize splits text into lowercase terms, dropping stopwords and terms
// shorter than three characters.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isAlphanumeric(r)
	})
	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len(token) > 2 && !stopwords[token] {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "was": true, "are": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true,
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"why": true, "how": true, "not": true,
}

// termOverlap returns the fraction of unique query terms present in the
// document tokens, in [0, 1].
func termOverlap(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = true
	}
	matched := make(map[string]bool, len(queryTokens))
	unique := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		unique[t] = true
		if docSet[t] {
			matched[t] = true
		}
	}
	return float64(len(matched)) / float64(len(unique))
}
