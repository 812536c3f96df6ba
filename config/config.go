package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	AppName             = "codegrep"
	ProjectFileName     = ".codegrep.yaml"
	UserConfigFileName  = "config.toml"
	ProjectIgnoreFile   = ".codegrepignore"
	DataDirEnv          = "CODEGREP_DATA_DIR"
	defaultMaxFileSize  = 10 * 1024 * 1024
	defaultChunkLines   = 50
	defaultChunkMaxSize = 16 * 1024
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Version  int            `yaml:"version" toml:"version"`
	DataDir  string         `yaml:"data_dir,omitempty" toml:"data_dir"`
	Indexer  IndexerConfig  `yaml:"indexer" toml:"indexer"`
	Search   SearchConfig   `yaml:"search" toml:"search"`
	Embedder EmbedderConfig `yaml:"embedder" toml:"embedder"`
	Vector   VectorConfig   `yaml:"vector" toml:"vector"`
	Watch    WatchConfig    `yaml:"watch" toml:"watch"`
}

type IndexerConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size" toml:"max_file_size"`
	ChunkLines        int      `yaml:"chunk_lines" toml:"chunk_lines"`
	ChunkMaxBytes     int      `yaml:"chunk_max_bytes" toml:"chunk_max_bytes"`
	Workers           int      `yaml:"workers" toml:"workers"`
	FollowSymlinks    *bool    `yaml:"follow_symlinks,omitempty" toml:"follow_symlinks"`
	RespectGitignore  *bool    `yaml:"respect_gitignore,omitempty" toml:"respect_gitignore"`
	IncludeHidden     bool     `yaml:"include_hidden" toml:"include_hidden"`
	IncludeExtensions []string `yaml:"include_extensions,omitempty" toml:"include_extensions"`
	Ignore            []string `yaml:"ignore" toml:"ignore"`
}

// Follow reports whether symbolic links are followed.
func (c IndexerConfig) Follow() bool {
	return c.FollowSymlinks == nil || *c.FollowSymlinks
}

// Gitignore reports whether .gitignore files are honoured.
func (c IndexerConfig) Gitignore() bool {
	return c.RespectGitignore == nil || *c.RespectGitignore
}

type SearchConfig struct {
	DefaultLimit int          `yaml:"default_limit" toml:"default_limit"`
	MaxLimit     int          `yaml:"max_limit" toml:"max_limit"`
	BM25         BM25Config   `yaml:"bm25" toml:"bm25"`
	Hybrid       HybridConfig `yaml:"hybrid" toml:"hybrid"`
	SnippetLines int          `yaml:"snippet_lines" toml:"snippet_lines"`
	ContextLines int          `yaml:"context_lines" toml:"context_lines"`
}

type BM25Config struct {
	K1 float64 `yaml:"k1" toml:"k1"`
	B  float64 `yaml:"b" toml:"b"`
}

type HybridConfig struct {
	K             float64 `yaml:"k" toml:"k"` // RRF constant (default: 60)
	LexicalWeight float64 `yaml:"lexical_weight" toml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight" toml:"vector_weight"`
}

type EmbedderConfig struct {
	Provider          string        `yaml:"provider" toml:"provider"` // ollama | hash
	Model             string        `yaml:"model" toml:"model"`
	Endpoint          string        `yaml:"endpoint,omitempty" toml:"endpoint"`
	Dimensions        int           `yaml:"dimensions" toml:"dimensions"`
	InitTimeout       time.Duration `yaml:"init_timeout" toml:"init_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	BatchSize         int           `yaml:"batch_size" toml:"batch_size"`
	CacheEntries      int           `yaml:"cache_entries" toml:"cache_entries"`
	MinChars          int           `yaml:"min_chars" toml:"min_chars"`
	MaxChars          int           `yaml:"max_chars" toml:"max_chars"`
}

type VectorConfig struct {
	Backend        string `yaml:"backend" toml:"backend"` // auto | hnsw | bruteforce
	M              int    `yaml:"m" toml:"m"`
	EfConstruction int    `yaml:"ef_construction" toml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search" toml:"ef_search"`
	ExactThreshold int    `yaml:"exact_threshold" toml:"exact_threshold"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms" toml:"debounce_ms"`
}

// Debounce returns the debounce window as a duration.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Indexer: IndexerConfig{
			MaxFileSize:   defaultMaxFileSize,
			ChunkLines:    defaultChunkLines,
			ChunkMaxBytes: defaultChunkMaxSize,
			Workers:       min(4, runtime.NumCPU()),
			Ignore:        DefaultIgnore(),
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			MaxLimit:     100,
			BM25:         BM25Config{K1: 1.2, B: 0.75},
			Hybrid: HybridConfig{
				K:             60,
				LexicalWeight: 0.5,
				VectorWeight:  0.5,
			},
			SnippetLines: 10,
			ContextLines: 2,
		},
		Embedder: EmbedderConfig{
			Provider:          "ollama",
			Model:             "nomic-embed-text",
			Endpoint:          "http://localhost:11434",
			Dimensions:        768,
			InitTimeout:       30 * time.Second,
			RequestsPerSecond: 20,
			BatchSize:         32,
			CacheEntries:      10000,
			MinChars:          50,
			MaxChars:          8192,
		},
		Vector: VectorConfig{
			Backend:        "auto",
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
			ExactThreshold: 2000,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
	}
}

// DefaultIgnore returns the built-in exclusion patterns in gitignore syntax.
func DefaultIgnore() []string {
	return []string{
		// Dependencies
		"node_modules/", "vendor/", ".venv/", "venv/", "bower_components/",
		// Build outputs
		"target/", "dist/", "build/", "out/", "_build/", "bin/", "obj/",
		".zig-cache/", "zig-out/",
		// Caches
		"cache/", ".cache/", "caches/", "__pycache__/", ".pytest_cache/",
		".mypy_cache/", ".ruff_cache/", ".phpunit.cache/",
		// Logs and temp
		"logs/", "*.log", "tmp/", "temp/", ".tmp/",
		// Version control and editors
		".git/", ".svn/", ".hg/", ".idea/", ".vscode/", ".vs/", "*.swp", "*.swo",
		// Lock files
		"Cargo.lock", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
		"composer.lock", "Gemfile.lock", "poetry.lock", "go.sum",
		// Compiled artifacts
		"*.pyc", "*.pyo", "*.class", "*.o", "*.so", "*.dylib", "*.dll", "*.exe",
		"*.a", "*.wasm",
		// Data
		"*.sqlite", "*.sqlite3", "*.db",
		// Coverage
		"coverage/", ".coverage/", "htmlcov/", ".nyc_output/",
		// Media
		"*.svg", "*.png", "*.jpg", "*.jpeg", "*.gif", "*.ico", "*.webp", "*.bmp",
		"*.tiff", "*.psd", "*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot",
		"*.mp3", "*.mp4", "*.wav", "*.ogg", "*.webm", "*.avi", "*.mov",
		// Archives and documents
		"*.zip", "*.tar", "*.gz", "*.rar", "*.7z",
		"*.pdf", "*.doc", "*.docx", "*.xls", "*.xlsx", "*.ppt", "*.pptx",
		// Bundles
		"*.min.js", "*.min.css", "*.map",
	}
}

// DefaultDataDir returns the per-user data root.
//
// Platform-specific defaults:
//   - Linux:   $XDG_DATA_HOME/codegrep or ~/.local/share/codegrep
//   - macOS:   ~/Library/Application Support/codegrep
//   - Windows: %LOCALAPPDATA%\codegrep
//
// CODEGREP_DATA_DIR overrides all of them.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return filepath.Abs(dir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", AppName), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, AppName), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", AppName), nil
	default:
		if base := os.Getenv("XDG_DATA_HOME"); base != "" {
			return filepath.Join(base, AppName), nil
		}
		return filepath.Join(homeDir, ".local", "share", AppName), nil
	}
}

// UserConfigPath returns the location of the per-user TOML file.
func UserConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName, UserConfigFileName), nil
}

// ProjectConfigPath returns the location of the per-project YAML file.
func ProjectConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ProjectFileName)
}

// Load builds the effective configuration for a workspace: built-in defaults,
// then the user TOML file, then the project YAML file. Missing files are
// skipped. projectRoot may be empty when no workspace is involved.
func Load(projectRoot string) (*Config, error) {
	cfg := DefaultConfig()

	if userPath, err := UserConfigPath(); err == nil {
		if err := cfg.mergeTOML(userPath); err != nil {
			return nil, err
		}
	}

	if projectRoot != "" {
		if err := cfg.mergeYAML(ProjectConfigPath(projectRoot)); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeTOML(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills in values a config file left empty or zeroed.
func (c *Config) applyDefaults() error {
	defaults := DefaultConfig()

	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("failed to determine data directory: %w", err)
		}
		c.DataDir = dir
	}

	// Indexer defaults
	if c.Indexer.MaxFileSize <= 0 {
		c.Indexer.MaxFileSize = defaults.Indexer.MaxFileSize
	}
	if c.Indexer.ChunkLines <= 0 {
		c.Indexer.ChunkLines = defaults.Indexer.ChunkLines
	}
	if c.Indexer.ChunkMaxBytes <= 0 {
		c.Indexer.ChunkMaxBytes = defaults.Indexer.ChunkMaxBytes
	}
	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = defaults.Indexer.Workers
	}
	for i, ext := range c.Indexer.IncludeExtensions {
		c.Indexer.IncludeExtensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}

	// Search defaults
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = defaults.Search.DefaultLimit
	}
	if c.Search.MaxLimit <= 0 {
		c.Search.MaxLimit = defaults.Search.MaxLimit
	}
	if c.Search.BM25.K1 == 0 {
		c.Search.BM25.K1 = defaults.Search.BM25.K1
	}
	if c.Search.Hybrid.K == 0 {
		c.Search.Hybrid.K = defaults.Search.Hybrid.K
	}
	if c.Search.Hybrid.LexicalWeight == 0 && c.Search.Hybrid.VectorWeight == 0 {
		c.Search.Hybrid.LexicalWeight = defaults.Search.Hybrid.LexicalWeight
		c.Search.Hybrid.VectorWeight = defaults.Search.Hybrid.VectorWeight
	}
	if c.Search.SnippetLines <= 0 {
		c.Search.SnippetLines = defaults.Search.SnippetLines
	}

	// Embedder defaults
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = defaults.Embedder.Provider
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = defaults.Embedder.Model
	}
	if c.Embedder.Endpoint == "" && c.Embedder.Provider == "ollama" {
		c.Embedder.Endpoint = defaults.Embedder.Endpoint
	}
	if c.Embedder.Dimensions <= 0 {
		c.Embedder.Dimensions = defaults.Embedder.Dimensions
	}
	if c.Embedder.InitTimeout <= 0 {
		c.Embedder.InitTimeout = defaults.Embedder.InitTimeout
	}
	if c.Embedder.BatchSize <= 0 {
		c.Embedder.BatchSize = defaults.Embedder.BatchSize
	}
	if c.Embedder.CacheEntries <= 0 {
		c.Embedder.CacheEntries = defaults.Embedder.CacheEntries
	}
	if c.Embedder.MaxChars <= 0 {
		c.Embedder.MaxChars = defaults.Embedder.MaxChars
	}

	// Vector defaults
	if c.Vector.Backend == "" {
		c.Vector.Backend = defaults.Vector.Backend
	}
	if c.Vector.M <= 0 {
		c.Vector.M = defaults.Vector.M
	}
	if c.Vector.EfConstruction <= 0 {
		c.Vector.EfConstruction = defaults.Vector.EfConstruction
	}
	if c.Vector.EfSearch <= 0 {
		c.Vector.EfSearch = defaults.Vector.EfSearch
	}
	if c.Vector.ExactThreshold <= 0 {
		c.Vector.ExactThreshold = defaults.Vector.ExactThreshold
	}

	// Watch defaults
	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	return nil
}

// Validate rejects values outside their meaningful range.
func (c *Config) Validate() error {
	switch {
	case c.Search.BM25.K1 < 0:
		return fmt.Errorf("%w: search.bm25.k1 must be positive", ErrInvalid)
	case c.Search.BM25.B < 0 || c.Search.BM25.B > 1:
		return fmt.Errorf("%w: search.bm25.b must be within [0, 1]", ErrInvalid)
	case c.Search.DefaultLimit > c.Search.MaxLimit:
		return fmt.Errorf("%w: search.default_limit exceeds search.max_limit", ErrInvalid)
	case c.Search.Hybrid.LexicalWeight < 0 || c.Search.Hybrid.VectorWeight < 0:
		return fmt.Errorf("%w: hybrid weights must not be negative", ErrInvalid)
	case c.Search.ContextLines < 0:
		return fmt.Errorf("%w: search.context_lines must not be negative", ErrInvalid)
	}

	switch c.Embedder.Provider {
	case "ollama", "hash":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalid, c.Embedder.Provider)
	}

	switch c.Vector.Backend {
	case "auto", "hnsw", "bruteforce":
	default:
		return fmt.Errorf("%w: unknown vector backend %q", ErrInvalid, c.Vector.Backend)
	}
	return nil
}

// Save writes the configuration as the project file of projectRoot. The data
// root is machine specific and is left out.
func (c *Config) Save(projectRoot string) error {
	cp := *c
	cp.DataDir = ""
	data, err := yaml.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(ProjectConfigPath(projectRoot), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists reports whether projectRoot has a project configuration file.
func Exists(projectRoot string) bool {
	_, err := os.Stat(ProjectConfigPath(projectRoot))
	return err == nil
}
