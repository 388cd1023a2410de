package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/orders"
)

type fakeLLM struct {
	resp CompletionResult
	err  error
	reqs []CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req CompletionRequest) (CompletionResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return CompletionResult{}, f.err
	}
	return f.resp, nil
}

type fakeAnalysisLog struct {
	records []*AnalysisRecord
	err     error
}

func (f *fakeAnalysisLog) Record(_ context.Context, rec *AnalysisRecord) error {
	f.records = append(f.records, rec)
	return f.err
}

func analysisPromptSelector() *PromptSelector {
	return NewPromptSelector(&fakePromptSource{templates: []Template{{
		ID:        "p1",
		Key:       "order_analysis.v2",
		Text:      "Analyze: {{order_description}} / CPT {{cpt_code}} / claustrophobic {{claustrophobic}}",
		Model:     "us.anthropic.claude-sonnet-4-20250514-v1:0",
		MaxTokens: 1024,
	}}})
}

func testOrder() orders.Order {
	return orders.Order{
		OrderID:     "ord-1",
		Modality:    orders.ModalityMRI,
		Description: "MRI Brain without contrast",
	}
}

func TestAnalyzeLLMSuccess(t *testing.T) {
	llm := &fakeLLM{resp: CompletionResult{
		Text:  goodAnalysisJSON,
		Usage: TokenUsage{InputTokens: 210, OutputTokens: 96},
	}}
	logs := &fakeAnalysisLog{}
	a := NewAnalyzer(analysisPromptSelector(), llm, logs, nil, nil)

	patient := &clinical.PatientContext{PatientID: "pat-9", Claustrophobic: true}
	got := a.Analyze(context.Background(), "acme", "sess-1", testOrder(), patient, nil)

	assert.Equal(t, EngineLLM, got.Engine)
	assert.False(t, got.FallbackToRules)
	assert.Equal(t, 60, got.TotalDurationMinutes)
	assert.Equal(t, "p1", got.PromptID)

	require.Len(t, llm.reqs, 1)
	req := llm.reqs[0]
	assert.Equal(t, "us.anthropic.claude-sonnet-4-20250514-v1:0", req.Model)
	assert.Equal(t, int32(1024), req.MaxTokens)
	assert.Contains(t, req.System, "JSON", "system preamble pins the output contract")
	assert.Contains(t, req.Prompt, "MRI Brain without contrast")
	assert.Contains(t, req.Prompt, "CPT Not provided")
	assert.NotContains(t, req.Prompt, "pat-9", "prompts carry no identifiers")

	require.Len(t, logs.records, 1)
	rec := logs.records[0]
	assert.True(t, rec.Success)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, "p1", rec.PromptID)
	assert.Equal(t, int32(210), rec.PromptTokens)
	assert.Equal(t, int32(96), rec.CompletionTokens)
	assert.NotContains(t, string(rec.Input), "pat-9")
}

func TestAnalyzeLLMErrorFallsBackToRules(t *testing.T) {
	llm := &fakeLLM{err: errors.New("bedrock throttled")}
	logs := &fakeAnalysisLog{}
	a := NewAnalyzer(analysisPromptSelector(), llm, logs, nil, nil)

	got := a.Analyze(context.Background(), "acme", "sess-1", testOrder(), nil, nil)

	assert.Equal(t, EngineRules, got.Engine)
	assert.True(t, got.FallbackToRules)
	assert.Equal(t, 45, got.TotalDurationMinutes, "MRI base duration")

	require.Len(t, logs.records, 1)
	assert.False(t, logs.records[0].Success)
	assert.Contains(t, logs.records[0].ErrorMessage, "throttled")
}

func TestAnalyzeUnparseableOutputFallsBack(t *testing.T) {
	llm := &fakeLLM{resp: CompletionResult{Text: "I am sorry, I cannot help with that."}}
	logs := &fakeAnalysisLog{}
	a := NewAnalyzer(analysisPromptSelector(), llm, logs, nil, nil)

	got := a.Analyze(context.Background(), "acme", "", testOrder(), nil, nil)
	assert.True(t, got.FallbackToRules)
	require.Len(t, logs.records, 1)
	assert.False(t, logs.records[0].Success)
}

func TestAnalyzeNoActivePromptFallsBack(t *testing.T) {
	selector := NewPromptSelector(&fakePromptSource{})
	llm := &fakeLLM{}
	logs := &fakeAnalysisLog{}
	a := NewAnalyzer(selector, llm, logs, nil, nil)

	got := a.Analyze(context.Background(), "acme", "", testOrder(), nil, nil)
	assert.True(t, got.FallbackToRules)
	assert.Empty(t, llm.reqs, "no completion without a template")
	require.Len(t, logs.records, 1)
	assert.False(t, logs.records[0].Success)
	assert.Empty(t, logs.records[0].PromptID)
}

func TestAnalyzeRulesOnlyWhenNoLLMConfigured(t *testing.T) {
	logs := &fakeAnalysisLog{}
	a := NewAnalyzer(nil, nil, logs, nil, nil)

	got := a.Analyze(context.Background(), "acme", "", testOrder(), nil, nil)
	assert.Equal(t, EngineRules, got.Engine)
	assert.False(t, got.FallbackToRules, "rules-only mode is deliberate, not a fallback")
	assert.Empty(t, logs.records)
}

func TestAnalyzeShapeAlwaysPopulated(t *testing.T) {
	llm := &fakeLLM{err: errors.New("down")}
	a := NewAnalyzer(analysisPromptSelector(), llm, &fakeAnalysisLog{}, nil, nil)

	got := a.Analyze(context.Background(), "acme", "", orders.Order{
		Modality:    orders.ModalityCT,
		Description: "CT Chest with Contrast",
	}, nil, nil)

	assert.Positive(t, got.TotalDurationMinutes)
	assert.NotEmpty(t, got.ContrastType)
	assert.True(t, got.ContrastRequired)
	assert.NotEmpty(t, got.EquipmentNeeds)
}

func TestAnalyzeLogWriteFailureDoesNotBreakAnalysis(t *testing.T) {
	llm := &fakeLLM{resp: CompletionResult{Text: goodAnalysisJSON}}
	logs := &fakeAnalysisLog{err: errors.New("sink down")}
	a := NewAnalyzer(analysisPromptSelector(), llm, logs, nil, nil)

	got := a.Analyze(context.Background(), "acme", "", testOrder(), nil, nil)
	assert.Equal(t, EngineLLM, got.Engine)
}
