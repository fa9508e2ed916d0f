package main

import (
	"context"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

//go:embed default_config.yaml
var defaultConfigFS embed.FS

// Duration is a time.Duration that also accepts "Nd" day syntax in YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// LegacyConfig controls the legacy curated-entries policy
type LegacyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Cutoff       string `yaml:"cutoff"`
	FixedMetaKey string `yaml:"fixed_meta_key"`
}

// CacheConfig selects and configures the object cache
type CacheConfig struct {
	Driver        string   `yaml:"driver"`
	Bucket        string   `yaml:"bucket"`
	TTL           Duration `yaml:"ttl"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisDB       int      `yaml:"redis_db"`
	RedisPassword string   `yaml:"redis_password"`
}

// ParselyConfig configures the Parse.ly related-content lookup
type ParselyConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIURL  string   `yaml:"api_url"`
	APIKey  string   `yaml:"api_key"`
	Bucket  string   `yaml:"bucket"`
	TTL     Duration `yaml:"ttl"`
	Timeout Duration `yaml:"timeout"`
}

// DatabaseConfig selects the content database
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig configures the HTTP service
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the complete runtime configuration
type Config struct {
	Taxonomy              string         `yaml:"taxonomy"`
	EnabledPostTypes      []string       `yaml:"enabled_post_types"`
	DiscoveryPostTypes    []string       `yaml:"discovery_post_types"`
	MetaKey               string         `yaml:"meta_key"`
	PrimaryTermMetaPrefix string         `yaml:"primary_term_meta_prefix"`
	FormatTaxonomy        string         `yaml:"format_taxonomy"`
	DefaultLabel          string         `yaml:"default_label"`
	Limit                 int            `yaml:"limit"`
	Legacy                LegacyConfig   `yaml:"legacy"`
	Cache                 CacheConfig    `yaml:"cache"`
	Parsely               ParselyConfig  `yaml:"parsely"`
	Database              DatabaseConfig `yaml:"database"`
	Server                ServerConfig   `yaml:"server"`
}

// PostTypeEnabled reports whether related posts are computed for postType
func (c *Config) PostTypeEnabled(postType string) bool {
	return slices.Contains(c.EnabledPostTypes, postType)
}

// PrimaryTermMetaKey returns the meta key holding the primary term of taxonomy
func (c *Config) PrimaryTermMetaKey(taxonomy string) string {
	return c.PrimaryTermMetaPrefix + taxonomy
}

// LegacyPolicy returns the configured legacy curated-entries policy
func (c *Config) LegacyPolicy() (LegacyPolicy, error) {
	cutoff, err := time.Parse(time.DateOnly, c.Legacy.Cutoff)
	if err != nil {
		return LegacyPolicy{}, fmt.Errorf("invalid legacy cutoff %q: %w", c.Legacy.Cutoff, err)
	}
	return LegacyPolicy{
		Enabled:      c.Legacy.Enabled,
		Cutoff:       cutoff,
		FixedMetaKey: c.Legacy.FixedMetaKey,
	}, nil
}

// DefaultDatabasePath returns the default SQLite location
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, "related-posts", "content.db")
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "related-posts", "config.yaml")
}

func loadDefaults() (*Config, error) {
	data, err := defaultConfigFS.ReadFile("default_config.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading embedded config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded config: %w", err)
	}
	return &cfg, nil
}

// loadConfigFromURL fetches a YAML config from a remote URL with timeout
func loadConfigFromURL(base *Config, configURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", configURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := yaml.Unmarshal(body, base); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadConfigFromFile overlays a local YAML file onto base
func loadConfigFromFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// LoadConfig loads configuration with fallback priority:
// 1. Local file (if specified, or the default path if it exists)
// 2. Remote URL (if specified)
// 3. Embedded defaults
// Values from the file or URL are overlaid onto the embedded defaults.
func LoadConfig(configPath, configURL string) (*Config, error) {
	cfg, err := loadDefaults()
	if err != nil {
		return nil, err
	}

	loaded := false
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath()); err == nil {
			configPath = DefaultConfigPath()
		}
	}
	if configPath != "" {
		slog.Debug("Loading config from local file", "path", configPath)
		if err := loadConfigFromFile(cfg, configPath); err != nil {
			slog.Warn("Failed to load local config, trying remote", "error", err)
		} else {
			slog.Info("Successfully loaded config from local file", "path", configPath)
			loaded = true
		}
	}

	if !loaded && configURL != "" {
		slog.Debug("Loading config from remote URL", "url", configURL)
		if err := loadConfigFromURL(cfg, configURL); err != nil {
			slog.Warn("Failed to load remote config, using defaults", "error", err)
		} else {
			slog.Info("Successfully loaded config from remote URL", "url", configURL)
		}
	}

	applyEnv(cfg)
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = DefaultDatabasePath()
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELATED_POSTS_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RELATED_POSTS_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("PARSELY_API_KEY"); v != "" {
		cfg.Parsely.APIKey = v
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("database: unknown driver %q (valid: sqlite, pgx)", cfg.Database.Driver)
	}
	switch cfg.Cache.Driver {
	case "sql", "redis":
	default:
		return fmt.Errorf("cache: unknown driver %q (valid: sql, redis)", cfg.Cache.Driver)
	}
	if cfg.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Taxonomy == "" {
		return fmt.Errorf("taxonomy is required")
	}
	if _, err := cfg.LegacyPolicy(); err != nil {
		return err
	}
	if cfg.Parsely.Enabled {
		u, err := url.Parse(cfg.Parsely.APIURL)
		if err != nil {
			return fmt.Errorf("parsely: invalid api_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("parsely: api_url scheme must be http or https, got %q", u.Scheme)
		}
	}
	return nil
}
