package kiln

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a model conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completion is a model's response to a prompt, with token accounting.
// Executors charge TokensUsed against the run budget.
type Completion struct {
	Content          string `json:"content"`
	TokensUsed       int64  `json:"tokens_used"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Provider abstracts the language model backend. The kernel never talks
// to a model API directly; executors accept any Provider.
type Provider interface {
	// Name returns the provider name (e.g. "fake", "anthropic").
	Name() string
	// Complete sends the conversation and returns the model's reply.
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

// StructuredProvider is an optional extension for backends that can be
// steered toward schema-conforming output. Executors probe for it with a
// type assertion and fall back to Complete when absent.
type StructuredProvider interface {
	Provider
	// GenerateStructured asks for output conforming to schema, with the
	// given tool specs visible to the model.
	GenerateStructured(ctx context.Context, messages []Message, schema *Schema, tools []ToolSpec) (Completion, error)
}
