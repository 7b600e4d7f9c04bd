package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Judge decides whether two approaches contradict each other. A nil
// Conflict with a nil error means no contradiction was asserted.
type Judge interface {
	Judge(ctx context.Context, query string, a, b Approach) (*Conflict, error)
}

// LLMJudge asks a language model to compare two approaches and answer in
// strict JSON.
type LLMJudge struct {
	model   llms.Model
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLMJudge creates a judge over the given model. Calls are rate limited
// to one per second with a small burst.
func NewLLMJudge(model llms.Model, logger *zap.Logger) *LLMJudge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMJudge{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:  logger,
	}
}

const judgePrompt = `You compare two answers to the same question and decide whether they contradict each other.

Question: %s

Answer A:
%s

Answer B:
%s

Respond with ONLY a JSON object, no prose, in this exact shape:
{"contradicts": true|false, "topic": "...", "severity": "low"|"medium"|"high", "difference": "...", "recommendation": "...", "confidence": 0.0-1.0}

Two answers contradict only when they make incompatible factual or procedural claims. Different emphasis or scope is not a contradiction.`

type judgeResponse struct {
	Contradicts    bool    `json:"contradicts"`
	Topic          string  `json:"topic"`
	Severity       string  `json:"severity"`
	Difference     string  `json:"difference"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
}

// Judge implements Judge.
func (j *LLMJudge) Judge(ctx context.Context, query string, a, b Approach) (*Conflict, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(judgePrompt, query, a.Summary, b.Summary)
	raw, err := llms.GenerateFromSinglePrompt(ctx, j.model, prompt)
	if err != nil {
		return nil, fmt.Errorf("judging contradiction: %w", err)
	}

	parsed, err := parseJudgeResponse(raw)
	if err != nil {
		return nil, err
	}
	if !parsed.Contradicts {
		return nil, nil
	}

	severity := strings.ToLower(parsed.Severity)
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		severity = SeverityLow
	}

	return &Conflict{
		Topic:          parsed.Topic,
		Severity:       severity,
		Difference:     parsed.Difference,
		Recommendation: parsed.Recommendation,
		Confidence:     parsed.Confidence,
	}, nil
}

// parseJudgeResponse accepts only a parseable JSON object from the model,
// tolerating surrounding prose or code fences but nothing structurally
// loose.
func parseJudgeResponse(raw string) (*judgeResponse, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("judge response contains no JSON object: %q", truncate(raw, 120))
	}

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decoding judge response: %w", err)
	}
	return &parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// detectConflicts judges every sufficiently overlapping approach pair.
// Judge failures skip the pair; contradiction detection is an enhancement,
// never a reason to fail synthesis.
func (e *Engine) detectConflicts(ctx context.Context, query string, approaches []Approach) []Conflict {
	conflicts := []Conflict{}
	if e.judge == nil || !e.config.DetectContradictions {
		return conflicts
	}
	if e.flags != nil && e.flags.ContradictionsDisabled() {
		e.logger.Debug("contradiction detection disabled by budget override")
		return conflicts
	}

	for i := 0; i < len(approaches); i++ {
		for k := i + 1; k < len(approaches); k++ {
			overlap := topicalOverlap(approaches[i].Summary, approaches[k].Summary)
			if overlap < e.config.MinTopicalOverlap {
				continue
			}

			conflict, err := e.judge.Judge(ctx, query, approaches[i], approaches[k])
			if err != nil {
				e.logger.Warn("contradiction judge failed",
					zap.Int("approach_a", approaches[i].ID),
					zap.Int("approach_b", approaches[k].ID),
					zap.Error(err))
				continue
			}
			if conflict == nil {
				continue
			}
			conflict.ApproachA = approaches[i].ID
			conflict.ApproachB = approaches[k].ID
			conflicts = append(conflicts, *conflict)
		}
	}
	return conflicts
}

// topicalOverlap measures shared vocabulary between two summaries as the
// Jaccard index of their significant terms.
func topicalOverlap(a, b string) float64 {
	setA := termSet(a)
	setB := termSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for t := range setA {
		if setB[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(setA)+len(setB)-shared)
}

func termSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(t) > 3 {
			out[t] = true
		}
	}
	return out
}
