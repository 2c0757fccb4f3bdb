// Package config loads distill settings from defaults, a YAML file, a .env
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/metcalfc/distill/internal/distill"
	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/state"
)

// Config holds all distill configuration.
type Config struct {
	// Provider is one of gemini, openai or ollama.
	Provider string `yaml:"provider" validate:"oneof=gemini openai ollama"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// BaseURL overrides the provider endpoint; for ollama it is the host.
	BaseURL       string `yaml:"base_url" validate:"omitempty,url"`
	Timeout       string `yaml:"timeout"`
	MaxInputChars int    `yaml:"max_input_chars" validate:"gte=0"`

	PagesPerSegment int  `yaml:"pages_per_segment" validate:"gte=1,lte=500"`
	Prefetch        bool `yaml:"prefetch"`

	Filters FilterConfig `yaml:"filters"`
	// Pricing overrides the built-in rate card for the model.
	Pricing *distill.Pricing `yaml:"pricing"`

	State   StateConfig   `yaml:"state"`
	Logging LoggingConfig `yaml:"logging"`
}

// FilterConfig sets the extraction filters a session starts with.
type FilterConfig struct {
	IncludeBackMatter  bool     `yaml:"include_back_matter"`
	IncludeFrontMatter bool     `yaml:"include_front_matter"`
	Types              []string `yaml:"types" validate:"dive,oneof=quote learning insight"`
}

// StateConfig selects where sessions are persisted.
type StateConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig configures the log file.
type LoggingConfig struct {
	File    string `yaml:"file"`
	Verbose bool   `yaml:"verbose"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:        "gemini",
		Timeout:         distill.DefaultTimeout.String(),
		PagesPerSegment: 8,
		Prefetch:        true,
		Filters: FilterConfig{
			Types: []string{"quote", "learning", "insight"},
		},
		State: StateConfig{
			Backend: "file",
		},
	}
}

// DefaultPath returns XDG_CONFIG_HOME/distill/config.yaml or
// ~/.config/distill/config.yaml
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "distill", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "distill", "config.yaml")
}

// Load reads the YAML file at path (the default path when empty), then a
// .env file in the working directory, then environment overrides. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DISTILL_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("DISTILL_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("DISTILL_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("DISTILL_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("DISTILL_TIMEOUT"); v != "" {
		c.Timeout = v
	}
	if v := os.Getenv("DISTILL_PAGES_PER_SEGMENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PagesPerSegment = n
		}
	}
	if v := os.Getenv("DISTILL_PREFETCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Prefetch = b
		}
	}
	if v := os.Getenv("DISTILL_STATE_BACKEND"); v != "" {
		c.State.Backend = v
	}
	if v := os.Getenv("DISTILL_STATE_DIR"); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv("DISTILL_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

// ResolvedAPIKey returns the configured key, falling back to the provider's
// conventional environment variable.
func (c *Config) ResolvedAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch c.Provider {
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// TimeoutDuration parses Timeout, falling back to the default.
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return distill.DefaultTimeout
	}
	return d
}

// ExtractFilters converts the filter settings. An empty type list is kept
// empty: segments are classified but no nuggets are requested.
func (c *Config) ExtractFilters() extract.Filters {
	f := extract.Filters{
		IncludeBackMatter:  c.Filters.IncludeBackMatter,
		IncludeFrontMatter: c.Filters.IncludeFrontMatter,
	}
	for _, s := range c.Filters.Types {
		if t, ok := extract.ParseNuggetType(s); ok {
			f.Types = f.Types.With(t)
		}
	}
	return f
}

// ModelName returns the configured model or the provider default.
func (c *Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	switch c.Provider {
	case "openai":
		return extract.DefaultOpenAIModel
	case "ollama":
		return extract.DefaultOllamaModel
	default:
		return extract.DefaultGeminiModel
	}
}

// PricingTable returns the pricing override or the built-in rates for the model.
func (c *Config) PricingTable() distill.Pricing {
	if c.Pricing != nil {
		return *c.Pricing
	}
	return distill.PricingFor(c.ModelName())
}

// StateDir returns the session store directory.
func (c *Config) StateDir() string {
	if c.State.Dir != "" {
		return c.State.Dir
	}
	return state.StateDir()
}

// LogPath returns the log file path.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.StateDir(), "distill.log")
}

var validate = validator.New()

// ErrNoAPIKey is returned by Validate when a hosted provider has no key.
var ErrNoAPIKey = errors.New("API key not configured")

// Validate checks field constraints and that a key is available for hosted
// providers.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.ParseDuration(c.Timeout); err != nil {
		return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if c.Provider != "ollama" && c.ResolvedAPIKey() == "" {
		switch c.Provider {
		case "openai":
			return fmt.Errorf("%w (set OPENAI_API_KEY or DISTILL_API_KEY)", ErrNoAPIKey)
		default:
			return fmt.Errorf("%w (set GEMINI_API_KEY, GOOGLE_API_KEY or DISTILL_API_KEY)", ErrNoAPIKey)
		}
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
