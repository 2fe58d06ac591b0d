// Package embedder converts text into dense vector embeddings. Each
// implementation talks to a different backend (OpenAI-compatible, Ollama)
// via plain HTTP, without additional SDK dependencies. Backends
// must distinguish an unreachable server from an unknown model so callers
// can tell a transient outage from a misconfigured knowledge base.
package embedder

import (
	"context"
	"errors"
	"fmt"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// Error kinds. Both wrap kb.ErrExternalService so facade-level handling
// stays uniform while call sites can still branch on the specific cause.
var (
	// ErrBackendUnreachable means the embedding server could not be
	// reached at all (connection refused, DNS failure, timeout).
	ErrBackendUnreachable = fmt.Errorf("embedding backend unreachable: %w", kb.ErrExternalService)

	// ErrModelUnavailable means the server answered but does not serve
	// the requested model.
	ErrModelUnavailable = fmt.Errorf("embedding model unavailable: %w", kb.ErrExternalService)
)

// Service converts text into embeddings. Implementations must be safe for
// concurrent use.
type Service interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds a batch of document chunks. The returned slice
	// is parallel to the input slice.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// embedQueryViaBatch implements EmbedQuery on top of a batch call; both
// concrete backends share it.
func embedQueryViaBatch(ctx context.Context, s Service, text string) ([]float32, error) {
	vecs, err := s.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder: expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// IsUnreachable reports whether err is the unreachable-backend kind.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}

// IsModelUnavailable reports whether err is the unknown-model kind.
func IsModelUnavailable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}
