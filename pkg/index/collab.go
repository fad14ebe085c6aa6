package index

import "context"

// Tokenizer segments text for the full-text index. Implementations are
// expected to over-segment in search mode to raise recall; the engine
// treats the output as an opaque token stream. A nil Tokenizer means
// raw text is indexed as-is.
type Tokenizer interface {
	Segment(ctx context.Context, text string) (string, error)
}

// Embedder converts text into a vector. Returning a nil vector with a
// nil error signals that no embedding is available for this text; the
// engine then degrades that content to full-text-only search. The core
// never assumes a specific model or language, only the configured
// dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TokenizerFunc adapts a function to the Tokenizer interface.
type TokenizerFunc func(ctx context.Context, text string) (string, error)

// Segment implements Tokenizer.
func (f TokenizerFunc) Segment(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed implements Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
