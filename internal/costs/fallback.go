package costs

import "sync/atomic"

// FallbackState holds the process-wide budget override flags. It is
// constructed once at startup and injected into the embedding router, the
// reranker service, and the synthesis engine; crossing the hard budget
// threshold trips the flags for the remainder of the process lifetime.
// Recovery is a manual/operational action (restart with a raised budget).
type FallbackState struct {
	localEmbeddings atomic.Bool
	localRerank     atomic.Bool
	noContradiction atomic.Bool
}

// NewFallbackState returns cleared fallback flags.
func NewFallbackState() *FallbackState {
	return &FallbackState{}
}

// TripBudgetLimit forces all paid surfaces onto their free/local paths.
func (f *FallbackState) TripBudgetLimit() {
	f.localEmbeddings.Store(true)
	f.localRerank.Store(true)
	f.noContradiction.Store(true)
}

// ForceLocalEmbeddings reports whether the embedding router must use the
// local provider.
func (f *FallbackState) ForceLocalEmbeddings() bool {
	return f.localEmbeddings.Load()
}

// ForceLocalRerank reports whether the reranker must use the local provider.
func (f *FallbackState) ForceLocalRerank() bool {
	return f.localRerank.Load()
}

// ContradictionsDisabled reports whether the synthesis engine must skip
// LLM contradiction detection.
func (f *FallbackState) ContradictionsDisabled() bool {
	return f.noContradiction.Load()
}
