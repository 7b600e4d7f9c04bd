package synthesis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeModel) Call(_ context.Context, prompt string, _ ...llms.CallOption) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		for _, p := range m.Parts {
			if text, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, text.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func TestLLMJudgeContradiction(t *testing.T) {
	model := &fakeModel{response: `{"contradicts": true, "topic": "pooling", "severity": "HIGH", "difference": "opposite advice", "recommendation": "prefer A", "confidence": 0.85}`}
	j := NewLLMJudge(model, nil)

	a := Approach{ID: 0, Summary: "enable pooling"}
	b := Approach{ID: 1, Summary: "disable pooling"}
	conflict, err := j.Judge(context.Background(), "should I pool?", a, b)
	require.NoError(t, err)
	require.NotNil(t, conflict)

	assert.Equal(t, "pooling", conflict.Topic)
	assert.Equal(t, SeverityHigh, conflict.Severity, "severity is normalized")
	assert.Equal(t, "opposite advice", conflict.Difference)
	assert.InDelta(t, 0.85, conflict.Confidence, 1e-9)

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "should I pool?")
	assert.Contains(t, model.prompts[0], "enable pooling")
}

func TestLLMJudgeNoContradiction(t *testing.T) {
	model := &fakeModel{response: `{"contradicts": false, "confidence": 0.9}`}
	j := NewLLMJudge(model, nil)

	conflict, err := j.Judge(context.Background(), "q", Approach{}, Approach{})
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestLLMJudgeErrors(t *testing.T) {
	j := NewLLMJudge(&fakeModel{err: errors.New("rate limited")}, nil)
	_, err := j.Judge(context.Background(), "q", Approach{}, Approach{})
	assert.ErrorContains(t, err, "judging contradiction")

	j = NewLLMJudge(&fakeModel{response: "I think they agree"}, nil)
	_, err = j.Judge(context.Background(), "q", Approach{}, Approach{})
	assert.ErrorContains(t, err, "no JSON object")

	j = NewLLMJudge(&fakeModel{response: `{"contradicts": "maybe"}`}, nil)
	_, err = j.Judge(context.Background(), "q", Approach{}, Approach{})
	assert.ErrorContains(t, err, "decoding judge response")

	j = NewLLMJudge(&fakeModel{response: `{"contradicts": true, "severity": "catastrophic"}`}, nil)
	conflict, err := j.Judge(context.Background(), "q", Approach{}, Approach{})
	require.NoError(t, err)
	assert.Equal(t, SeverityLow, conflict.Severity, "unknown severities downgrade to low")
}
