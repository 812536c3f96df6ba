package embedder

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yoanbernabeu/codegrep/config"
)

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

// NewFromConfig creates an Embedder based on the provided configuration.
// When cacheDir is not empty the embedder is wrapped in a CachedEmbedder
// persisted under cacheDir, shared by every workspace using the same model.
func NewFromConfig(cfg config.EmbedderConfig, cacheDir string) (Embedder, error) {
	var emb Embedder
	switch cfg.Provider {
	case ProviderOllama:
		opts := []OllamaOption{
			WithOllamaEndpoint(cfg.Endpoint),
			WithOllamaModel(cfg.Model),
			WithOllamaBatchSize(cfg.BatchSize),
			WithOllamaRateLimit(cfg.RequestsPerSecond),
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, WithOllamaDimensions(cfg.Dimensions))
		}
		emb = NewOllamaEmbedder(opts...)

	case ProviderHash:
		emb = NewHashEmbedder(cfg.Dimensions)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	if cacheDir == "" {
		return emb, nil
	}
	model := ModelName(cfg)
	return NewCachedEmbedder(emb, model, cfg.CacheEntries, CachePath(cacheDir, model))
}

// ModelName identifies the vectors a configuration produces. Vectors from
// different model names are never mixed in one index.
func ModelName(cfg config.EmbedderConfig) string {
	if cfg.Provider == ProviderHash {
		dims := cfg.Dimensions
		if dims <= 0 {
			dims = defaultHashDims
		}
		return fmt.Sprintf("%s:%d", ProviderHash, dims)
	}
	return cfg.Provider + ":" + cfg.Model
}

// CachePath returns the cache file of model under dir.
func CachePath(dir, model string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, model)
	return filepath.Join(dir, name+".cache.gob")
}
