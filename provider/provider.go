// Package provider declares the model-completion collaborator the core
// consumes but never implements (spec.md §1 "the core does not itself
// call language models"). Grounded on the teacher's ai.Client /
// core.AIOptions / core.AIResponse shape in
// itsneelabh-gomind/core/interfaces.go and ai/provider.go, trimmed to the
// handful of fields Autonomy and Vidhi actually touch.
package provider

import "context"

// Options tunes a single completion call.
type Options struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// Usage reports token accounting for one completion, the same shape
// TurnMetrics needs for tokensBefore/tokensAfter bookkeeping.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is one completion result.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is the abstract model-completion capability. Hosts wire a
// concrete adapter (OpenAI, Anthropic, Bedrock, ...); the core only calls
// Complete and classifies whatever error comes back.
type Provider interface {
	Complete(ctx context.Context, prompt string, opts *Options) (*Response, error)
}
