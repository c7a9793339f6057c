package engine

import "context"

// Message roles used in conversation prefixes. The core only ever appends
// role-tagged entries; it never rewrites history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is a complete non-streaming inference result. Content is an opaque
// token stream joined into a string; the core never interprets it.
type Reply struct {
	Content string `json:"content"`
}

// Engine is the local on-device inference engine the core delegates to.
// Implementations live outside this module (the app shell wires one in).
type Engine interface {
	// Chat runs a blocking completion over the messages.
	Chat(ctx context.Context, messages []Message) (*Reply, error)

	// ChatStream runs a streaming completion. The returned channel yields
	// tokens in order and is closed when the stream ends; the error (if
	// any) is delivered through the stream's final state, so callers must
	// also honour ctx cancellation.
	ChatStream(ctx context.Context, messages []Message) (<-chan string, error)
}

// Chunk is one retrievable unit in the RAG store.
type Chunk struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Score     float64   `json:"score,omitempty"`
}

// RAGStore is the retrieval collaborator. Retrieved chunk ids feed the
// co-occurrence tracker.
type RAGStore interface {
	Retrieve(ctx context.Context, query string) ([]Chunk, error)
	Insert(ctx context.Context, chunk Chunk) error
}
