// Package config loads and validates the markdown-qa configuration.
//
// Configuration is resolved from four layers in order of increasing
// precedence: hardcoded defaults, MARKDOWN_QA_* environment variables, the
// YAML config file (~/.md-qa/config.yaml), and CLI flags. A resolved Config
// is an immutable snapshot; reconfiguration produces a new value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for optional fields.
const (
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultLLMModel       = "qwen-flash"
	DefaultPort           = 8765
	DefaultReloadInterval = 300
	DefaultIndexName      = "default"
	DefaultTopK           = 5
)

// Config is the resolved configuration snapshot.
type Config struct {
	API    APIConfig    `yaml:"api"`
	Server ServerConfig `yaml:"server"`
}

// APIConfig configures the OpenAI-compatible endpoint.
type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
	LLMModel       string `yaml:"llm_model"`
}

// ServerConfig configures the WebSocket server and indexing behavior.
type ServerConfig struct {
	Port           int        `yaml:"port"`
	Directories    StringList `yaml:"directories"`
	ReloadInterval int        `yaml:"reload_interval"`
	IndexName      string     `yaml:"index_name"`
	LogLevel       string     `yaml:"log_level"`

	// TopK is the number of chunks retrieved per query.
	TopK int `yaml:"top_k"`
	// MaxDistance filters retrieved chunks by distance. 0 disables the filter.
	MaxDistance float64 `yaml:"max_distance"`
}

// StringList accepts either a YAML sequence of strings or a single
// comma-separated string, normalized to a list.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*s = normalize(items)
		return nil
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*s = SplitList(raw)
		return nil
	default:
		return fmt.Errorf("directories must be a list or a comma-separated string")
	}
}

// SplitList splits a comma-separated string into a normalized list.
func SplitList(raw string) StringList {
	return normalize(strings.Split(raw, ","))
}

func normalize(items []string) StringList {
	out := make(StringList, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// NewConfig creates a Config with defaults applied.
func NewConfig() *Config {
	return &Config{
		API: APIConfig{
			EmbeddingModel: DefaultEmbeddingModel,
			LLMModel:       DefaultLLMModel,
		},
		Server: ServerConfig{
			Port:           DefaultPort,
			ReloadInterval: DefaultReloadInterval,
			IndexName:      DefaultIndexName,
			LogLevel:       "info",
			TopK:           DefaultTopK,
		},
	}
}

// BaseDir returns the markdown-qa home directory (~/.md-qa).
func BaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".md-qa")
	}
	return filepath.Join(home, ".md-qa")
}

// DefaultConfigPath returns the path to the configuration file.
func DefaultConfigPath() string {
	return filepath.Join(BaseDir(), "config.yaml")
}

// DefaultCacheDir returns the index cache directory.
func DefaultCacheDir() string {
	return filepath.Join(BaseDir(), "cache")
}

// Load resolves the configuration from defaults, environment, and the YAML
// file at path. An empty path uses DefaultConfigPath; a missing file is fine.
// CLI flag overrides are applied afterwards by the caller via ApplyFlags.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	// Env sits below the file in precedence, so apply it first.
	cfg.applyEnvOverrides()

	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
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

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.API.BaseURL != "" {
		c.API.BaseURL = other.API.BaseURL
	}
	if other.API.APIKey != "" {
		c.API.APIKey = other.API.APIKey
	}
	if other.API.EmbeddingModel != "" {
		c.API.EmbeddingModel = other.API.EmbeddingModel
	}
	if other.API.LLMModel != "" {
		c.API.LLMModel = other.API.LLMModel
	}

	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if len(other.Server.Directories) > 0 {
		c.Server.Directories = other.Server.Directories
	}
	if other.Server.ReloadInterval != 0 {
		c.Server.ReloadInterval = other.Server.ReloadInterval
	}
	if other.Server.IndexName != "" {
		c.Server.IndexName = other.Server.IndexName
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.TopK != 0 {
		c.Server.TopK = other.Server.TopK
	}
	if other.Server.MaxDistance != 0 {
		c.Server.MaxDistance = other.Server.MaxDistance
	}
}

// applyEnvOverrides applies MARKDOWN_QA_* environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MARKDOWN_QA_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("MARKDOWN_QA_API_KEY"); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv("MARKDOWN_QA_EMBEDDING_MODEL"); v != "" {
		c.API.EmbeddingModel = v
	}
	if v := os.Getenv("MARKDOWN_QA_LLM_MODEL"); v != "" {
		c.API.LLMModel = v
	}
}

// Flags carries CLI flag overrides, the highest-precedence layer.
type Flags struct {
	Port           int
	Directories    string
	ReloadInterval int
	IndexName      string
}

// ApplyFlags applies set (non-zero) flag values onto the configuration.
func (c *Config) ApplyFlags(f Flags) {
	if f.Port != 0 {
		c.Server.Port = f.Port
	}
	if f.Directories != "" {
		c.Server.Directories = SplitList(f.Directories)
	}
	if f.ReloadInterval != 0 {
		c.Server.ReloadInterval = f.ReloadInterval
	}
	if f.IndexName != "" {
		c.Server.IndexName = f.IndexName
	}
}

// Validate checks the resolved configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (set MARKDOWN_QA_API_BASE_URL or the config file)")
	}
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (set MARKDOWN_QA_API_KEY or the config file)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.ReloadInterval <= 0 {
		return fmt.Errorf("server.reload_interval must be a positive number of seconds, got %d", c.Server.ReloadInterval)
	}
	if c.Server.IndexName == "" {
		return fmt.Errorf("server.index_name must not be empty")
	}
	if c.Server.TopK <= 0 {
		return fmt.Errorf("server.top_k must be positive, got %d", c.Server.TopK)
	}
	if c.Server.MaxDistance < 0 {
		return fmt.Errorf("server.max_distance must be non-negative, got %f", c.Server.MaxDistance)
	}
	return nil
}

// RequiresFullRebuild reports whether switching from old to c invalidates the
// current index: directory set, index name, or API fields changed.
func (c *Config) RequiresFullRebuild(old *Config) bool {
	if old == nil {
		return true
	}
	if c.Server.IndexName != old.Server.IndexName {
		return true
	}
	if c.API != old.API {
		return true
	}
	if len(c.Server.Directories) != len(old.Server.Directories) {
		return true
	}
	for i, dir := range c.Server.Directories {
		if old.Server.Directories[i] != dir {
			return true
		}
	}
	return false
}
