package embedder

import (
	"context"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/yoanbernabeu/codegrep/tokenizer"
)

const defaultHashDims = 384

// HashEmbedder is an offline embedder that hashes words and character
// trigrams into a fixed number of buckets. Texts sharing vocabulary end up
// close to each other regardless of word order. It needs no model download.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hashing embedder with the given dimension.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = defaultHashDims
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *HashEmbedder) Ping(context.Context) error {
	return nil
}

func (e *HashEmbedder) Close() error {
	return nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.dimensions)
	for _, term := range tokenizer.Terms(text) {
		for _, word := range splitWord(term) {
			e.add(vec, "w:"+word, 1)
			padded := "^" + word + "$"
			for i := 0; i+3 <= len(padded); i++ {
				e.add(vec, "t:"+padded[i:i+3], 0.25)
			}
		}
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// An empty text still needs a valid direction.
		vec[0] = 1
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func (e *HashEmbedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	bucket := h % uint64(e.dimensions)
	if h&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

// splitWord breaks snake_case, kebab-case and sigil-prefixed terms into words.
func splitWord(term string) []string {
	return strings.FieldsFunc(term, func(r rune) bool {
		return r == '_' || r == '-' || r == '$' || r == '@' || r == '#'
	})
}
