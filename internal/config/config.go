// Package config handles pacer configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/pacer/config.yaml,
// /etc/pacer/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pacer", "config.yaml"))
	}

	paths = append(paths, "/etc/pacer/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all pacer configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Strava     StravaConfig     `yaml:"strava"`
	Quota      QuotaConfig      `yaml:"quota"`
	Cache      CacheConfig      `yaml:"cache"`
	Hydration  HydrationConfig  `yaml:"hydration"`
	Agent      AgentConfig      `yaml:"agent"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // default "" = all interfaces
	Port    int    `yaml:"port"`
}

// StravaConfig defines the upstream activity API.
type StravaConfig struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`

	// With a refresh token the access token is minted and rotated
	// automatically; AccessToken is then ignored.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`

	// PerPage is the list page size. The API caps it at 200.
	PerPage int `yaml:"per_page"`

	// TimeoutSec bounds a single upstream request.
	TimeoutSec int `yaml:"timeout_sec"`
}

// QuotaConfig mirrors the provider's rate limits.
type QuotaConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
	WindowLimit   int `yaml:"window_limit"`
	DayLimit      int `yaml:"day_limit"`

	// Timezone is the IANA zone the day counter resets in. The provider
	// resets at UTC midnight.
	Timezone string `yaml:"timezone"`
}

// CacheConfig controls freshness of list pages.
type CacheConfig struct {
	SummaryTTLMinutes int `yaml:"summary_ttl_minutes"`
}

// HydrationConfig bounds per-query detail fetching and retry behavior.
type HydrationConfig struct {
	// Cap is the maximum number of detail fetches a single hydration
	// pass may spend.
	Cap int `yaml:"cap"`

	// MaxPages bounds list paging in one search.
	MaxPages int `yaml:"max_pages"`

	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	MaxRetries       int     `yaml:"max_retries"`

	// MaxQuotaWaits is how many times one query may sleep on a quota
	// rejection before giving up with a partial result.
	MaxQuotaWaits int `yaml:"max_quota_waits"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	MaxTurns       int    `yaml:"max_turns"`
	QueryBudgetSec int    `yaml:"query_budget_sec"`
	SystemPrompt   string `yaml:"system_prompt"` // overrides the built-in prompt when set
}

// RankingConfig is the superlative phrase policy. Empty lists keep the
// built-in vocabulary.
type RankingConfig struct {
	// DurationTerms switch "longest" from distance to moving time.
	DurationTerms []string `yaml:"duration_terms"`

	Longest  []string `yaml:"longest"`
	Fastest  []string `yaml:"fastest"`
	Recent   []string `yaml:"recent"`
	Earliest []string `yaml:"earliest"`
	Climbing []string `yaml:"climbing"`
}

// ModelsConfig selects the answering model and declares where each model
// is served.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig routes one model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // anthropic, openrouter

	// Prices in USD per million tokens, for the usage ledger.
	InputPrice  float64 `yaml:"input_price"`
	OutputPrice float64 `yaml:"output_price"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default https://api.anthropic.com
}

// OpenRouterConfig defines an OpenAI-compatible endpoint (OpenRouter,
// DeepSeek, a local gateway).
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Load reads configuration from a YAML file. A .env file beside the
// config is loaded first, without overriding variables already set, so
// ${STRAVA_ACCESS_TOKEN}-style references can be kept out of the YAML.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with the provider's published limits.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Strava: StravaConfig{
			BaseURL:    "https://www.strava.com/api/v3",
			PerPage:    100,
			TimeoutSec: 20,
		},
		Quota: QuotaConfig{
			WindowMinutes: 15,
			WindowLimit:   100,
			DayLimit:      1000,
			Timezone:      "UTC",
		},
		Cache: CacheConfig{SummaryTTLMinutes: 5},
		Hydration: HydrationConfig{
			Cap:              5,
			MaxPages:         10,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     8000,
			BackoffFactor:    2,
			MaxRetries:       3,
			MaxQuotaWaits:    1,
		},
		Agent: AgentConfig{
			MaxTurns:       6,
			QueryBudgetSec: 90,
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
			Available: []ModelConfig{
				{Name: "claude-sonnet-4-20250514", Provider: "anthropic", InputPrice: 3, OutputPrice: 15},
			},
		},
		OpenRouter: OpenRouterConfig{BaseURL: "https://openrouter.ai/api/v1"},
		DataDir:    "./data",
	}
}

// applyDefaults fills fields a partial YAML file zeroed out.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Quota.Timezone == "" {
		c.Quota.Timezone = def.Quota.Timezone
	}
	if c.Strava.BaseURL == "" {
		c.Strava.BaseURL = def.Strava.BaseURL
	}
	if c.Strava.PerPage == 0 {
		c.Strava.PerPage = def.Strava.PerPage
	}
	if c.Hydration.BackoffFactor == 0 {
		c.Hydration.BackoffFactor = def.Hydration.BackoffFactor
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = def.Agent.MaxTurns
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Quota.WindowLimit <= 0 || c.Quota.DayLimit <= 0 {
		errs = append(errs, errors.New("quota limits must be positive"))
	}
	if c.Quota.WindowLimit > c.Quota.DayLimit {
		errs = append(errs, fmt.Errorf("quota.window_limit %d exceeds quota.day_limit %d", c.Quota.WindowLimit, c.Quota.DayLimit))
	}
	if c.Quota.WindowMinutes <= 0 {
		errs = append(errs, errors.New("quota.window_minutes must be positive"))
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("quota.timezone: %w", err))
	}
	if c.Strava.PerPage < 1 || c.Strava.PerPage > 200 {
		errs = append(errs, fmt.Errorf("strava.per_page %d outside 1..200", c.Strava.PerPage))
	}
	if c.Hydration.Cap < 0 || c.Hydration.MaxRetries < 0 || c.Hydration.MaxQuotaWaits < 0 {
		errs = append(errs, errors.New("hydration limits must not be negative"))
	}
	if c.Hydration.BackoffFactor < 1 {
		errs = append(errs, errors.New("hydration.backoff_factor must be at least 1"))
	}
	if c.Agent.MaxTurns < 1 {
		errs = append(errs, errors.New("agent.max_turns must be at least 1"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	for _, m := range c.Models.Available {
		if m.Provider != "anthropic" && m.Provider != "openrouter" {
			errs = append(errs, fmt.Errorf("model %s: unknown provider %q (valid: anthropic, openrouter)", m.Name, m.Provider))
		}
	}
	if c.Models.Default != "" && c.Provider(c.Models.Default) == "" {
		errs = append(errs, fmt.Errorf("models.default %q is not in models.available", c.Models.Default))
	}
	return errors.Join(errs...)
}

// Location returns the quota reference timezone. Validate has already
// checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Provider returns the configured provider for a model name, or "" when
// the model is not declared.
func (c *Config) Provider(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}

// Seconds converts an integer config field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts an integer config field to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
