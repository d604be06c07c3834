// Package provider provides the LLM provider abstraction using the Eino
// framework. The scheduler only sees CompletionRequest/CompletionStream and
// the error taxonomy in errors.go; everything vendor-specific lives in the
// adapters.
package provider

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider represents an LLM provider with an Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// Model describes one model offered by a provider.
type Model struct {
	ID                string `json:"id"`
	ProviderID        string `json:"providerID"`
	Name              string `json:"name"`
	ContextWindow     int    `json:"contextWindow"`
	MaxOutputTokens   int    `json:"maxOutputTokens"`
	SupportsTools     bool   `json:"supportsTools"`
	SupportsReasoning bool   `json:"supportsReasoning,omitempty"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	// ThinkingLevel is advisory: off, low, medium, high. Adapters apply it
	// when the target model supports reasoning and ignore it otherwise.
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}
