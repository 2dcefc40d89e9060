// Package config loads and validates the fotopoisk configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults (NewConfig)
//  2. YAML config file (~/.fotopoisk/config.yaml or --config)
//  3. Environment variables (FOTOPOISK_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete fotopoisk configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Models    ModelsConfig    `yaml:"models" json:"models"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Training  TrainingConfig  `yaml:"training" json:"training"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// StorageConfig locates the on-disk stores.
// Empty paths are derived from DataDir when the config is loaded.
type StorageConfig struct {
	CatalogPath   string `yaml:"catalog_path" json:"catalog_path"`
	FeedbackPath  string `yaml:"feedback_path" json:"feedback_path"`
	TelemetryPath string `yaml:"telemetry_path" json:"telemetry_path"`
	TextIndexPath string `yaml:"text_index_path" json:"text_index_path"`
	// PhotosDir keeps a copy of each query photo so feedback can become
	// a training example after the upload itself is gone.
	PhotosDir string `yaml:"photos_dir" json:"photos_dir"`
}

// ModelsConfig configures the model registry.
type ModelsConfig struct {
	// Dir is the registry root (fine_tuned/, backups/, active pointer).
	Dir string `yaml:"dir" json:"dir"`
	// BackupRetention keeps the N most recent backups on cleanup.
	BackupRetention int `yaml:"backup_retention" json:"backup_retention"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	// Provider selects the backend: clipserver (HTTP sidecar), onnx
	// (local ONNX Runtime), or static (deterministic hash, tests only).
	Provider string `yaml:"provider" json:"provider"`

	// Dim is the embedding dimension D. CLIP ViT-B/32 produces 512.
	Dim int `yaml:"dim" json:"dim"`

	// Endpoint is the clipserver base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Passes is the number of averaged forward passes per image.
	Passes int `yaml:"passes" json:"passes"`

	// CacheSize is the LRU capacity of the embedding cache (entries).
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// ImageMaxBytes caps downloaded image size.
	ImageMaxBytes int64 `yaml:"image_max_bytes" json:"image_max_bytes"`

	// FetchTimeoutSeconds bounds a single image download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// SidecarCommand launches the clipserver process when serve is asked
	// to manage it. Empty means the sidecar is started externally.
	SidecarCommand string `yaml:"sidecar_command" json:"sidecar_command"`

	// ONNX settings (used when provider is "onnx").
	ONNX ONNXConfig `yaml:"onnx" json:"onnx"`
}

// ONNXConfig locates the ONNX Runtime artifacts for local inference.
type ONNXConfig struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default name resolved from the loader path.
	LibraryPath string `yaml:"library_path" json:"library_path"`
	// VisionModelPath is the exported CLIP vision encoder.
	VisionModelPath string `yaml:"vision_model_path" json:"vision_model_path"`
	// TextModelPath is the exported CLIP text encoder.
	TextModelPath string `yaml:"text_model_path" json:"text_model_path"`
	// TokenizerPath is the HuggingFace tokenizer.json.
	TokenizerPath string `yaml:"tokenizer_path" json:"tokenizer_path"`
	// IntraOpThreads caps ONNX intra-op parallelism. 0 uses the runtime default.
	IntraOpThreads int `yaml:"intra_op_threads" json:"intra_op_threads"`
}

// SearchConfig configures the retrieval engine.
type SearchConfig struct {
	// SimilarityThreshold is the lowest similarity reported to the user.
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	// TopNResults is the maximum results per search.
	TopNResults int `yaml:"top_n_results" json:"top_n_results"`
	// StabilityPasses repeats the search to dampen near-threshold jitter.
	StabilityPasses int `yaml:"stability_passes" json:"stability_passes"`
	// Index selects the searcher: "scan" streams catalog rows,
	// "hnsw" keeps an in-memory graph.
	Index string `yaml:"index" json:"index"`
	// Aggressive skips thresholding entirely. Diagnostic fallback only.
	Aggressive bool `yaml:"aggressive" json:"aggressive"`
}

// RateConfig is a token bucket of capacity Tokens that refills one token
// every Seconds seconds.
type RateConfig struct {
	Tokens  int `yaml:"tokens" json:"tokens"`
	Seconds int `yaml:"seconds" json:"seconds"`
}

// PipelineConfig configures request admission and scheduling.
type PipelineConfig struct {
	GeneralRate RateConfig `yaml:"general_rate" json:"general_rate"`
	PhotoRate   RateConfig `yaml:"photo_rate" json:"photo_rate"`

	// Workers bounds concurrent embedding calls. 0 picks
	// min(NumCPU+4, 32) for CPU inference, or 2 when GPU is set.
	Workers int  `yaml:"workers" json:"workers"`
	GPU     bool `yaml:"gpu" json:"gpu"`

	// QueueCeiling is the hard cap on requests waiting for a worker.
	QueueCeiling int `yaml:"queue_ceiling" json:"queue_ceiling"`

	RequestTimeoutSeconds  int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
	FetchTimeoutSeconds    int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	EmbedTimeoutSeconds    int `yaml:"embed_timeout_seconds" json:"embed_timeout_seconds"`
	RetrieveTimeoutSeconds int `yaml:"retrieve_timeout_seconds" json:"retrieve_timeout_seconds"`

	// SessionTTLMinutes bounds how long feedback can reference a search.
	SessionTTLMinutes int `yaml:"session_ttl_minutes" json:"session_ttl_minutes"`

	// AdminPrincipals lists user ids exempt from the photo rate bucket.
	AdminPrincipals []string `yaml:"admin_principals" json:"admin_principals,omitempty"`
}

// TrainingConfig configures the fine-tuning job.
type TrainingConfig struct {
	MinExamplesAuto   int     `yaml:"min_examples_auto" json:"min_examples_auto"`
	MinExamplesManual int     `yaml:"min_examples_manual" json:"min_examples_manual"`
	Epochs            int     `yaml:"epochs" json:"epochs"`
	BatchSize         int     `yaml:"batch_size" json:"batch_size"`
	LearningRate      float64 `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay       float64 `yaml:"weight_decay" json:"weight_decay"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// AdminToken, when set, is required in X-Admin-Token on admin routes.
	// Empty leaves admin routes open for deployments that gate them at the
	// network layer.
	AdminToken string `yaml:"admin_token" json:"admin_token"`
}

// NewConfig creates a Config with defaults. Storage paths stay empty here
// and are derived from DataDir in Load so that a DataDir override in the
// file or the environment moves every store with it.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Models: ModelsConfig{
			BackupRetention: 10,
		},
		Embedding: EmbeddingConfig{
			Provider:            "clipserver",
			Dim:                 512,
			Endpoint:            "http://localhost:8093",
			Passes:              3,
			CacheSize:           2048,
			ImageMaxBytes:       10 << 20,
			FetchTimeoutSeconds: 15,
		},
		Search: SearchConfig{
			SimilarityThreshold: 0.2,
			TopNResults:         5,
			StabilityPasses:     3,
			Index:               "scan",
			Aggressive:          false,
		},
		Pipeline: PipelineConfig{
			GeneralRate:            RateConfig{Tokens: 5, Seconds: 1},
			PhotoRate:              RateConfig{Tokens: 3, Seconds: 10},
			Workers:                0, // auto
			QueueCeiling:           64,
			RequestTimeoutSeconds:  30,
			FetchTimeoutSeconds:    15,
			EmbedTimeoutSeconds:    10,
			RetrieveTimeoutSeconds: 5,
			SessionTTLMinutes:      30,
		},
		Training: TrainingConfig{
			MinExamplesAuto:   50,
			MinExamplesManual: 10,
			Epochs:            3,
			BatchSize:         8,
			LearningRate:      1e-5,
			WeightDecay:       0.01,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
			Stderr:    true,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// defaultDataDir returns ~/.fotopoisk, falling back to temp.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".fotopoisk")
	}
	return filepath.Join(home, ".fotopoisk")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load builds the effective configuration.
// path may be empty, in which case only the default location is tried;
// a missing file is fine, a present-but-broken file is an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	cfg.applyEnvOverrides()
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// derivePaths fills empty storage, model, and log paths from DataDir.
func (c *Config) derivePaths() {
	if c.Storage.CatalogPath == "" {
		c.Storage.CatalogPath = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Storage.FeedbackPath == "" {
		c.Storage.FeedbackPath = filepath.Join(c.DataDir, "feedback.db")
	}
	if c.Storage.TelemetryPath == "" {
		c.Storage.TelemetryPath = filepath.Join(c.DataDir, "telemetry.db")
	}
	if c.Storage.TextIndexPath == "" {
		c.Storage.TextIndexPath = filepath.Join(c.DataDir, "products.bleve")
	}
	if c.Storage.PhotosDir == "" {
		c.Storage.PhotosDir = filepath.Join(c.DataDir, "photos")
	}
	if c.Models.Dir == "" {
		c.Models.Dir = filepath.Join(c.DataDir, "models")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.DataDir, "logs", "service.log")
	}
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	// Storage
	if other.Storage.CatalogPath != "" {
		c.Storage.CatalogPath = other.Storage.CatalogPath
	}
	if other.Storage.FeedbackPath != "" {
		c.Storage.FeedbackPath = other.Storage.FeedbackPath
	}
	if other.Storage.TelemetryPath != "" {
		c.Storage.TelemetryPath = other.Storage.TelemetryPath
	}
	if other.Storage.TextIndexPath != "" {
		c.Storage.TextIndexPath = other.Storage.TextIndexPath
	}
	if other.Storage.PhotosDir != "" {
		c.Storage.PhotosDir = other.Storage.PhotosDir
	}

	// Models
	if other.Models.Dir != "" {
		c.Models.Dir = other.Models.Dir
	}
	if other.Models.BackupRetention != 0 {
		c.Models.BackupRetention = other.Models.BackupRetention
	}

	// Embedding
	if other.Embedding.Provider != "" {
		c.Embedding.Provider = other.Embedding.Provider
	}
	if other.Embedding.Dim != 0 {
		c.Embedding.Dim = other.Embedding.Dim
	}
	if other.Embedding.Endpoint != "" {
		c.Embedding.Endpoint = other.Embedding.Endpoint
	}
	if other.Embedding.Passes != 0 {
		c.Embedding.Passes = other.Embedding.Passes
	}
	if other.Embedding.CacheSize != 0 {
		c.Embedding.CacheSize = other.Embedding.CacheSize
	}
	if other.Embedding.ImageMaxBytes != 0 {
		c.Embedding.ImageMaxBytes = other.Embedding.ImageMaxBytes
	}
	if other.Embedding.FetchTimeoutSeconds != 0 {
		c.Embedding.FetchTimeoutSeconds = other.Embedding.FetchTimeoutSeconds
	}
	if other.Embedding.SidecarCommand != "" {
		c.Embedding.SidecarCommand = other.Embedding.SidecarCommand
	}
	if other.Embedding.ONNX.LibraryPath != "" {
		c.Embedding.ONNX.LibraryPath = other.Embedding.ONNX.LibraryPath
	}
	if other.Embedding.ONNX.VisionModelPath != "" {
		c.Embedding.ONNX.VisionModelPath = other.Embedding.ONNX.VisionModelPath
	}
	if other.Embedding.ONNX.TextModelPath != "" {
		c.Embedding.ONNX.TextModelPath = other.Embedding.ONNX.TextModelPath
	}
	if other.Embedding.ONNX.TokenizerPath != "" {
		c.Embedding.ONNX.TokenizerPath = other.Embedding.ONNX.TokenizerPath
	}
	if other.Embedding.ONNX.IntraOpThreads != 0 {
		c.Embedding.ONNX.IntraOpThreads = other.Embedding.ONNX.IntraOpThreads
	}

	// Search. Zero is not a practical value for any of these, so
	// non-zero merging cannot mask an explicit setting.
	if other.Search.SimilarityThreshold != 0 {
		c.Search.SimilarityThreshold = other.Search.SimilarityThreshold
	}
	if other.Search.TopNResults != 0 {
		c.Search.TopNResults = other.Search.TopNResults
	}
	if other.Search.StabilityPasses != 0 {
		c.Search.StabilityPasses = other.Search.StabilityPasses
	}
	if other.Search.Index != "" {
		c.Search.Index = other.Search.Index
	}
	if other.Search.Aggressive {
		c.Search.Aggressive = true
	}

	// Pipeline
	if other.Pipeline.GeneralRate.Tokens != 0 {
		c.Pipeline.GeneralRate = other.Pipeline.GeneralRate
	}
	if other.Pipeline.PhotoRate.Tokens != 0 {
		c.Pipeline.PhotoRate = other.Pipeline.PhotoRate
	}
	if other.Pipeline.Workers != 0 {
		c.Pipeline.Workers = other.Pipeline.Workers
	}
	if other.Pipeline.GPU {
		c.Pipeline.GPU = true
	}
	if other.Pipeline.QueueCeiling != 0 {
		c.Pipeline.QueueCeiling = other.Pipeline.QueueCeiling
	}
	if other.Pipeline.RequestTimeoutSeconds != 0 {
		c.Pipeline.RequestTimeoutSeconds = other.Pipeline.RequestTimeoutSeconds
	}
	if other.Pipeline.FetchTimeoutSeconds != 0 {
		c.Pipeline.FetchTimeoutSeconds = other.Pipeline.FetchTimeoutSeconds
	}
	if other.Pipeline.EmbedTimeoutSeconds != 0 {
		c.Pipeline.EmbedTimeoutSeconds = other.Pipeline.EmbedTimeoutSeconds
	}
	if other.Pipeline.RetrieveTimeoutSeconds != 0 {
		c.Pipeline.RetrieveTimeoutSeconds = other.Pipeline.RetrieveTimeoutSeconds
	}
	if other.Pipeline.SessionTTLMinutes != 0 {
		c.Pipeline.SessionTTLMinutes = other.Pipeline.SessionTTLMinutes
	}
	if len(other.Pipeline.AdminPrincipals) > 0 {
		c.Pipeline.AdminPrincipals = other.Pipeline.AdminPrincipals
	}

	// Training
	if other.Training.MinExamplesAuto != 0 {
		c.Training.MinExamplesAuto = other.Training.MinExamplesAuto
	}
	if other.Training.MinExamplesManual != 0 {
		c.Training.MinExamplesManual = other.Training.MinExamplesManual
	}
	if other.Training.Epochs != 0 {
		c.Training.Epochs = other.Training.Epochs
	}
	if other.Training.BatchSize != 0 {
		c.Training.BatchSize = other.Training.BatchSize
	}
	if other.Training.LearningRate != 0 {
		c.Training.LearningRate = other.Training.LearningRate
	}
	if other.Training.WeightDecay != 0 {
		c.Training.WeightDecay = other.Training.WeightDecay
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.AdminToken != "" {
		c.Server.AdminToken = other.Server.AdminToken
	}
}

// applyEnvOverrides applies FOTOPOISK_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FOTOPOISK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FOTOPOISK_EMBEDDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("FOTOPOISK_EMBED_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("FOTOPOISK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FOTOPOISK_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FOTOPOISK_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("FOTOPOISK_SEARCH_INDEX"); v != "" {
		c.Search.Index = v
	}
	if v := os.Getenv("FOTOPOISK_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 && f <= 1 {
			c.Search.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("FOTOPOISK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Pipeline.Workers = n
		}
	}
}

// EffectiveWorkers resolves the worker pool size.
func (c *Config) EffectiveWorkers() int {
	return c.Pipeline.EffectiveWorkers()
}

// EffectiveWorkers resolves the worker pool size.
// GPU inference keeps concurrency at 2 to avoid device OOM; CPU inference
// scales with cores, capped at 32.
func (p PipelineConfig) EffectiveWorkers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	if p.GPU {
		return 2
	}
	w := runtime.NumCPU() + 4
	if w > 32 {
		w = 32
	}
	return w
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	validProviders := map[string]bool{"clipserver": true, "onnx": true, "static": true}
	if !validProviders[strings.ToLower(c.Embedding.Provider)] {
		return fmt.Errorf("embedding.provider must be 'clipserver', 'onnx', or 'static', got %s", c.Embedding.Provider)
	}

	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be positive, got %d", c.Embedding.Dim)
	}
	if c.Embedding.Passes <= 0 {
		return fmt.Errorf("embedding.passes must be positive, got %d", c.Embedding.Passes)
	}

	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("search.similarity_threshold must be between 0 and 1, got %f", c.Search.SimilarityThreshold)
	}
	if c.Search.TopNResults < 0 {
		return fmt.Errorf("search.top_n_results must be non-negative, got %d", c.Search.TopNResults)
	}
	validIndexes := map[string]bool{"scan": true, "hnsw": true}
	if !validIndexes[strings.ToLower(c.Search.Index)] {
		return fmt.Errorf("search.index must be 'scan' or 'hnsw', got %s", c.Search.Index)
	}

	if c.Pipeline.GeneralRate.Tokens <= 0 || c.Pipeline.GeneralRate.Seconds <= 0 {
		return fmt.Errorf("pipeline.general_rate must have positive tokens and seconds")
	}
	if c.Pipeline.PhotoRate.Tokens <= 0 || c.Pipeline.PhotoRate.Seconds <= 0 {
		return fmt.Errorf("pipeline.photo_rate must have positive tokens and seconds")
	}
	if c.Pipeline.QueueCeiling <= 0 {
		return fmt.Errorf("pipeline.queue_ceiling must be positive, got %d", c.Pipeline.QueueCeiling)
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must be non-negative, got %d", c.Pipeline.Workers)
	}

	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be positive, got %g", c.Training.LearningRate)
	}
	if c.Training.MinExamplesManual > c.Training.MinExamplesAuto {
		return fmt.Errorf("training.min_examples_manual (%d) must not exceed min_examples_auto (%d)",
			c.Training.MinExamplesManual, c.Training.MinExamplesAuto)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
