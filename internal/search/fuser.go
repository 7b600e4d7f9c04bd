package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRRFK is the rank-smoothing constant in the RRF formula.
	DefaultRRFK = 60

	// oversampleFactor widens each searcher's candidate pool so the fused
	// list has enough distinct chunks to fill topK.
	oversampleFactor = 3
	maxCandidates    = 100
)

// FuserConfig tunes rank fusion.
type FuserConfig struct {
	// K is the RRF smoothing constant. Zero selects DefaultRRFK.
	K int

	// LexicalWeight and VectorWeight scale each source's RRF
	// contribution. Zero selects 1.0.
	LexicalWeight float64
	VectorWeight  float64
}

// ApplyDefaults sets default values for unset fields.
func (c *FuserConfig) ApplyDefaults() {
	if c.K <= 0 {
		c.K = DefaultRRFK
	}
	if c.LexicalWeight == 0 {
		c.LexicalWeight = 1.0
	}
	if c.VectorWeight == 0 {
		c.VectorWeight = 1.0
	}
}

// Fuser runs lexical and vector search in parallel and combines the two
// rankings with Reciprocal Rank Fusion.
type Fuser struct {
	lexical *LexicalSearcher
	vector  *VectorSearcher
	config  FuserConfig
	logger  *zap.Logger
}

// NewFuser creates a fuser over the two searchers.
func NewFuser(lexical *LexicalSearcher, vector *VectorSearcher, cfg FuserConfig, logger *zap.Logger) *Fuser {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fuser{lexical: lexical, vector: vector, config: cfg, logger: logger}
}

// Search returns topK results ranked by fused score. Chunks found by only
// one searcher keep that searcher's source tag; chunks found by both are
// tagged "both" and carry both component scores.
func (f *Fuser) Search(ctx context.Context, collectionID uuid.UUID, query string, topK int) ([]Result, error) {
	if err := validateQuery(query, topK); err != nil {
		return nil, err
	}

	candidates := topK * oversampleFactor
	if candidates > maxCandidates {
		candidates = maxCandidates
	}

	var lexHits, vecHits []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexHits, err = f.lexical.Search(gctx, collectionID, query, candidates)
		return err
	})
	g.Go(func() error {
		var err error
		vecHits, err = f.vector.Search(gctx, collectionID, query, candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}

	fused := f.fuse(lexHits, vecHits)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	for i := range fused {
		fused[i].Rank = i + 1
	}

	f.logger.Debug("search fused",
		zap.Int("lexical", len(lexHits)),
		zap.Int("vector", len(vecHits)),
		zap.Int("returned", len(fused)))
	return fused, nil
}

func (f *Fuser) fuse(lexical, vector []Result) []Result {
	byChunk := make(map[uuid.UUID]*Result, len(lexical)+len(vector))
	order := make([]uuid.UUID, 0, len(lexical)+len(vector))

	for _, r := range lexical {
		r := r
		r.FusedScore = f.config.LexicalWeight * rrf(f.config.K, r.Rank)
		byChunk[r.ChunkID] = &r
		order = append(order, r.ChunkID)
	}
	for _, r := range vector {
		if existing, ok := byChunk[r.ChunkID]; ok {
			existing.FusedScore += f.config.VectorWeight * rrf(f.config.K, r.Rank)
			existing.Similarity = r.Similarity
			existing.Source = SourceBoth
			continue
		}
		r := r
		r.FusedScore = f.config.VectorWeight * rrf(f.config.K, r.Rank)
		byChunk[r.ChunkID] = &r
		order = append(order, r.ChunkID)
	}

	fused := make([]Result, 0, len(order))
	for _, id := range order {
		fused = append(fused, *byChunk[id])
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].FusedScore > fused[j].FusedScore
	})
	return fused
}

func rrf(k, rank int) float64 {
	return 1.0 / float64(k+rank)
}
