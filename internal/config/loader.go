package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"localllm/internal/hwprobe"
)

// Defaults applied by ApplyDefaults when the corresponding field is unset.
const (
	DefaultAddr          = ":8080"
	DefaultModelsDir     = "~/models/llm"
	DefaultBackend       = "toy"
	DefaultContextLength = 2048
	DefaultMaxBodyBytes  = 1 << 20
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
)

// CORS configures cross-origin access to the HTTP API.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// Model is a registry id or path loaded at startup. Empty starts unloaded.
	Model string `json:"model" yaml:"model" toml:"model"`
	// Backend selects the runtime: toy, llama, yzma.
	Backend       string `json:"backend" yaml:"backend" toml:"backend"`
	ContextLength int    `json:"context_length" yaml:"context_length" toml:"context_length"`
	Threads       int    `json:"n_threads" yaml:"n_threads" toml:"n_threads"`
	GPULayers     int    `json:"n_gpu_layers" yaml:"n_gpu_layers" toml:"n_gpu_layers"`
	// PromptFormat forces a chat template instead of detecting it from the model family.
	PromptFormat string `json:"prompt_format" yaml:"prompt_format" toml:"prompt_format"`
	// JournalPath enables the SQLite generation journal when set.
	JournalPath  string `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORS   `json:"cors" yaml:"cors" toml:"cors"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. Threads default to the hardware
// recommendation; negative GPU layers become 0.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.ContextLength <= 0 {
		c.ContextLength = DefaultContextLength
	}
	if c.Threads <= 0 {
		c.Threads = hwprobe.RecommendedThreads()
	}
	if c.GPULayers < 0 {
		c.GPULayers = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}
