// Package embedder produces embedding vectors for chunks and queries.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrEmbeddingUnavailable means the embedding model could not be reached or
// initialised. Callers fall back to lexical search.
var ErrEmbeddingUnavailable = errors.New("embedding model unavailable")

// Embedder defines the interface for embedding providers.
type Embedder interface {
	// Embed converts text into a vector embedding
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into vector embeddings
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension size
	Dimensions() int

	// Ping checks that the model is ready, fetching it if needed
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// Init readies e within timeout. Any failure, including the timeout, is
// reported as ErrEmbeddingUnavailable.
func Init(ctx context.Context, e Embedder, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := e.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return nil
}

// Prepare trims text and caps it at maxChars runes. It reports false when the
// remaining text is shorter than minChars and is not worth embedding.
func Prepare(text string, minChars, maxChars int) (string, bool) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minChars {
		return "", false
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		n := 0
		for i := range text {
			if n == maxChars {
				text = text[:i]
				break
			}
			n++
		}
	}
	return text, true
}
