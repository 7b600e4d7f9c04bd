// Package synthesis groups retrieval results into approaches, scores the
// consensus behind each, and optionally asks an LLM whether approaches
// contradict each other.
package synthesis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/search"
)

// Clustering and scoring defaults.
const (
	DefaultSimilarityThreshold = 0.75
	DefaultMinTopicalOverlap   = 0.3

	highSeverityPenalty = 0.2
	summaryMaxLen       = 240
)

// Conflict severities reported by the judge.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Approach is one cluster of mutually similar results.
type Approach struct {
	ID             int             `json:"id"`
	Summary        string          `json:"summary"`
	ConsensusScore float64         `json:"consensus_score"`
	Sources        []search.Result `json:"sources"`
}

// Conflict records a judged contradiction between two approaches.
type Conflict struct {
	ApproachA      int     `json:"approach_a"`
	ApproachB      int     `json:"approach_b"`
	Topic          string  `json:"topic"`
	Severity       string  `json:"severity"`
	Difference     string  `json:"difference"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

// Synthesis is the full multi-source answer.
type Synthesis struct {
	Approaches  []Approach `json:"approaches"`
	Conflicts   []Conflict `json:"conflicts"`
	Recommended *Approach  `json:"recommended,omitempty"`
}

// BudgetFlags exposes the budget override consulted before LLM calls.
type BudgetFlags interface {
	ContradictionsDisabled() bool
}

// BatchEmbedder embeds result texts for clustering.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string, opts embeddings.Options) ([]embeddings.Result, error)
}

// Config tunes the synthesis engine.
type Config struct {
	// SimilarityThreshold is the centroid cosine similarity a result must
	// exceed to join an existing cluster. Zero selects the default.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`

	// DetectContradictions enables the LLM conflict judge.
	DetectContradictions bool `koanf:"detect_contradictions"`

	// MinTopicalOverlap is the term overlap two approach summaries need
	// before a judge call is worth making. Zero selects the default.
	MinTopicalOverlap float64 `koanf:"min_topical_overlap"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.MinTopicalOverlap <= 0 {
		c.MinTopicalOverlap = DefaultMinTopicalOverlap
	}
}

// Engine synthesizes multi-source answers from retrieval results.
type Engine struct {
	embedder BatchEmbedder
	judge    Judge
	flags    BudgetFlags
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a synthesis engine. A nil judge disables contradiction
// detection regardless of configuration.
func NewEngine(embedder BatchEmbedder, judge Judge, flags BudgetFlags, cfg Config, logger *zap.Logger) *Engine {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		embedder: embedder,
		judge:    judge,
		flags:    flags,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Synthesize clusters the results into approaches, scores them, and judges
// cross-approach contradictions when enabled.
func (e *Engine) Synthesize(ctx context.Context, query string, results []search.Result) (*Synthesis, error) {
	if len(results) == 0 {
		return &Synthesis{Approaches: []Approach{}, Conflicts: []Conflict{}}, nil
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	embedded, err := e.embedder.EmbedBatch(ctx, texts, embeddings.Options{})
	if err != nil {
		return nil, fmt.Errorf("embedding results: %w", err)
	}
	if len(embedded) != len(results) {
		return nil, fmt.Errorf("embedding results: got %d vectors for %d results", len(embedded), len(results))
	}

	clusters := e.cluster(results, embedded)

	approaches := make([]Approach, len(clusters))
	for i, c := range clusters {
		approaches[i] = Approach{
			ID:             i,
			Summary:        summarize(c.members),
			ConsensusScore: e.consensus(c.members, len(results)),
			Sources:        c.members,
		}
	}

	conflicts := e.detectConflicts(ctx, query, approaches)

	for _, c := range conflicts {
		if c.Severity != SeverityHigh {
			continue
		}
		for i := range approaches {
			if approaches[i].ID == c.ApproachA || approaches[i].ID == c.ApproachB {
				approaches[i].ConsensusScore = math.Max(0, approaches[i].ConsensusScore-highSeverityPenalty)
			}
		}
	}

	sort.SliceStable(approaches, func(i, j int) bool {
		return approaches[i].ConsensusScore > approaches[j].ConsensusScore
	})

	out := &Synthesis{Approaches: approaches, Conflicts: conflicts}
	if len(approaches) > 0 && approaches[0].ConsensusScore > 0 {
		out.Recommended = &approaches[0]
	}

	e.logger.Debug("synthesis complete",
		zap.Int("results", len(results)),
		zap.Int("approaches", len(approaches)),
		zap.Int("conflicts", len(conflicts)))
	return out, nil
}

type cluster struct {
	members  []search.Result
	centroid []float32
}

// cluster assigns each result to the first cluster whose centroid it is
// similar enough to, otherwise starts a new one.
func (e *Engine) cluster(results []search.Result, embedded []embeddings.Result) []cluster {
	var clusters []cluster
	for i, r := range results {
		vec := embedded[i].Vector
		placed := false
		for ci := range clusters {
			if cosineSimilarity(vec, clusters[ci].centroid) > e.config.SimilarityThreshold {
				clusters[ci].members = append(clusters[ci].members, r)
				clusters[ci].centroid = meanVector(clusters[ci].centroid, vec, len(clusters[ci].members))
				placed = true
				break
			}
		}
		if !placed {
			centroid := make([]float32, len(vec))
			copy(centroid, vec)
			clusters = append(clusters, cluster{members: []search.Result{r}, centroid: centroid})
		}
	}
	return clusters
}

// consensus blends source quality, recency, and cluster size into [0, 1].
func (e *Engine) consensus(members []search.Result, total int) float64 {
	var quality, recency float64
	for _, m := range members {
		quality += sourceQuality(m)
		recency += e.recency(m)
	}
	quality /= float64(len(members))
	recency /= float64(len(members))
	size := float64(len(members)) / float64(total)

	return 0.4*quality + 0.3*recency + 0.3*size
}

// sourceQuality tiers a result by its origin. An explicit metadata tier
// wins over the URL heuristic.
func sourceQuality(r search.Result) float64 {
	if tier, ok := r.Metadata["source_quality"].(float64); ok && tier >= 0 && tier <= 1 {
		return tier
	}
	url := strings.ToLower(r.SourceURL)
	switch {
	case url == "":
		return 0.5
	case strings.Contains(url, "docs.") || strings.Contains(url, "/docs/"):
		return 1.0
	case strings.Contains(url, "github.com"):
		return 0.8
	case strings.Contains(url, "stackoverflow.com"):
		return 0.7
	default:
		return 0.5
	}
}

// recency decays linearly over two years from the result's updated_at or
// created_at metadata. Undated results score a neutral 0.5.
func (e *Engine) recency(r search.Result) float64 {
	raw, ok := r.Metadata["updated_at"].(string)
	if !ok {
		raw, ok = r.Metadata["created_at"].(string)
	}
	if !ok {
		return 0.5
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0.5
	}
	age := e.now().Sub(ts)
	if age < 0 {
		return 1.0
	}
	const horizon = 2 * 365 * 24 * time.Hour
	if age >= horizon {
		return 0.0
	}
	return 1.0 - float64(age)/float64(horizon)
}

// summarize extracts the opening sentences of the cluster's best-scored
// member.
func summarize(members []search.Result) string {
	best := members[0]
	for _, m := range members[1:] {
		if m.BestScore() > best.BestScore() {
			best = m
		}
	}

	text := strings.TrimSpace(best.Text)
	if len(text) <= summaryMaxLen {
		return text
	}
	cut := text[:summaryMaxLen]
	if i := strings.LastIndexAny(cut, ".!?"); i > summaryMaxLen/2 {
		return cut[:i+1]
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// meanVector folds vec into a running centroid that now covers n members.
func meanVector(centroid, vec []float32, n int) []float32 {
	out := make([]float32, len(centroid))
	for i := range centroid {
		out[i] = centroid[i] + (vec[i]-centroid[i])/float32(n)
	}
	return out
}
