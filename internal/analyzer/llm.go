package analyzer

import "context"

// CompletionRequest is one single-shot completion. The analyzer holds no
// chat history: every order is analyzed in isolation, so the surface is a
// prompt plus an optional system preamble rather than a message list.
type CompletionRequest struct {
	Model  string
	System string
	Prompt string

	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// TokenUsage carries provider-reported token counts for the invocation log.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// CompletionResult is the provider-agnostic completion outcome.
type CompletionResult struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient is the completion surface the analyzer depends on. Bedrock is
// the primary implementation, Gemini the failover; FallbackClient chains
// the two.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
