package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/PostPilot/internal/logging"
	"github.com/TobiSchelling/PostPilot/internal/models"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Platforms  []string       `yaml:"platforms"`
	DataDir    string         `yaml:"data_dir"`
	Index      Index          `yaml:"index"`
	Generation Generation     `yaml:"generation"`
	RateLimit  RateLimit      `yaml:"rate_limit"`
	Poller     Poller         `yaml:"poller"`
	Feeds      []Feed         `yaml:"feeds"`
	Server     Server         `yaml:"server"`
	Logging    logging.Config `yaml:"logging"`
}

type Index struct {
	// Backend is "sqlite" (local documents table) or "postgres" (shared pgvector table).
	Backend           string        `yaml:"backend"`
	ResultsPerAccount int           `yaml:"results_per_account"`
	PostgresDSNEnv    string        `yaml:"postgres_dsn_env"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	OllamaURL         string        `yaml:"ollama_url"`
	BreakerFailures   uint          `yaml:"breaker_failures"`
	BreakerDelay      time.Duration `yaml:"breaker_delay"`
}

type Model struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	// APIKeyEnv defaults to the provider's usual variable, e.g. GEMINI_API_KEY.
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Enabled reports whether a model is configured.
func (m Model) Enabled() bool {
	return m.Model != ""
}

type Generation struct {
	Primary     Model         `yaml:"primary"`
	Secondary   Model         `yaml:"secondary"`
	MaxTokens   int           `yaml:"max_tokens"`
	MaxAttempts int           `yaml:"max_attempts"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
}

type RateLimit struct {
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	SuccessFactor   float64       `yaml:"success_factor"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	QuotaMargin     time.Duration `yaml:"quota_margin"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`
	DailyCeiling    int64         `yaml:"daily_ceiling"`
	HourlyCeiling   int64         `yaml:"hourly_ceiling"`
	QuotaTimezone   string        `yaml:"quota_timezone"`
	// RedisURLEnv names the variable holding a Redis URL for shared quota
	// counters. Counters stay in process when it is unset.
	RedisURLEnv string `yaml:"redis_url_env"`
}

// Location resolves QuotaTimezone.
func (r RateLimit) Location() (*time.Location, error) {
	if r.QuotaTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.QuotaTimezone)
	if err != nil {
		return nil, fmt.Errorf("quota_timezone: %w", err)
	}
	return loc, nil
}

type Poller struct {
	Interval time.Duration `yaml:"interval"`
}

// Feed is an account feed ingested into the content index.
type Feed struct {
	URL          string   `yaml:"url"`
	Owner        string   `yaml:"owner"`
	Platform     string   `yaml:"platform"`
	CompetitorOf []string `yaml:"competitor_of"`
}

type Server struct {
	Port int `yaml:"port"`
}

// ConfigDir returns the XDG config directory for postpilot.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "postpilot")
}

// DataDir returns the XDG data directory for postpilot.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "postpilot")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/postpilot/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'postpilot init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Platforms: []string{"instagram", "twitter", "facebook"},
		Index: Index{
			Backend:           "sqlite",
			ResultsPerAccount: 10,
			PostgresDSNEnv:    "POSTPILOT_POSTGRES_DSN",
			EmbeddingModel:    "nomic-embed-text",
			OllamaURL:         "http://localhost:11434",
			BreakerFailures:   3,
			BreakerDelay:      30 * time.Second,
		},
		Generation: Generation{
			Primary: Model{
				Provider: "gemini",
				Model:    "gemini-2.0-flash",
				Timeout:  2 * time.Minute,
			},
			MaxTokens:   4096,
			MaxAttempts: 3,
			JobTimeout:  10 * time.Minute,
		},
		RateLimit: RateLimit{
			MinDelay:        12 * time.Second,
			MaxDelay:        180 * time.Second,
			InitialDelay:    12 * time.Second,
			SuccessFactor:   0.9,
			BackoffFactor:   1.5,
			QuotaMargin:     5 * time.Second,
			CacheTTL:        time.Hour,
			CacheMaxEntries: 256,
			DailyCeiling:    1200,
			HourlyCeiling:   250,
			QuotaTimezone:   "America/Los_Angeles",
		},
		Poller:  Poller{Interval: time.Minute},
		Server:  Server{Port: 8000},
		Logging: logging.Config{Level: "info", Format: "console"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if _, err := cfg.PlatformList(); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	switch cfg.Index.Backend {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("parsing config: unknown index backend %q", cfg.Index.Backend)
	}

	return cfg, nil
}

// PlatformList returns the configured platforms in polling order.
func (c *Config) PlatformList() ([]models.Platform, error) {
	var out []models.Platform
	seen := make(map[models.Platform]bool)
	for _, s := range c.Platforms {
		p, err := models.ParsePlatform(s)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
