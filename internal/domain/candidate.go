package domain

import "context"

// Candidate is a single ranked hit from one collection.
type Candidate struct {
	ID          string
	Score       float64
	RerankScore float64
	Collection  string
	Content     string
	Payload     map[string]string
}

// EmbeddingResult is the outcome of vectorizing one text.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// Embedder vectorizes text into embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}
