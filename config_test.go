package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadDefaults()
	require.NoError(t, err)

	assert.Equal(t, "category", cfg.Taxonomy)
	assert.Equal(t, []string{"post"}, cfg.EnabledPostTypes)
	assert.Equal(t, []string{"post", "short-read", "feature", "fact-sheet"}, cfg.DiscoveryPostTypes)
	assert.Equal(t, "relatedPosts", cfg.MetaKey)
	assert.Equal(t, "_yoast_wpseo_primary_category", cfg.PrimaryTermMetaKey(cfg.Taxonomy))
	assert.Equal(t, "Report", cfg.DefaultLabel)
	assert.Equal(t, 5, cfg.Limit)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, "relatedPosts", cfg.Cache.Bucket)
	assert.Equal(t, 24*time.Hour, cfg.Parsely.TTL.Std())
	assert.Equal(t, "parsely_related_posts", cfg.Parsely.Bucket)
	assert.False(t, cfg.Parsely.Enabled)
	assert.True(t, cfg.Legacy.Enabled)

	policy, err := cfg.LegacyPolicy()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 18, 0, 0, 0, 0, time.UTC), policy.Cutoff)

	assert.True(t, cfg.PostTypeEnabled("post"))
	assert.False(t, cfg.PostTypeEnabled("page"))
	require.NoError(t, validateConfig(cfg))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1h", time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"3600", time.Hour, false},
		{" 10s ", 10 * time.Second, false},
		{"soon", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	t.Setenv("RELATED_POSTS_DSN", "")
	t.Setenv("RELATED_POSTS_REDIS_ADDR", "")
	t.Setenv("PARSELY_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limit: 3
enabled_post_types: [post, feature]
cache:
  ttl: 30m
database:
  dsn: /tmp/related-test.db
`), 0o600))

	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Limit)
	assert.Equal(t, []string{"post", "feature"}, cfg.EnabledPostTypes)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, "/tmp/related-test.db", cfg.Database.DSN)
	// Untouched keys keep their defaults
	assert.Equal(t, "category", cfg.Taxonomy)
	assert.Equal(t, "relatedPosts", cfg.Cache.Bucket)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("RELATED_POSTS_DSN", "/tmp/from-env.db")
	t.Setenv("RELATED_POSTS_REDIS_ADDR", "redis:6380")
	t.Setenv("PARSELY_API_KEY", "example.org")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env.db", cfg.Database.DSN)
	assert.Equal(t, "redis:6380", cfg.Cache.RedisAddr)
	assert.Equal(t, "example.org", cfg.Parsely.APIKey)
}

func TestLoadConfig_RemoteURL(t *testing.T) {
	t.Setenv("RELATED_POSTS_DSN", "/tmp/remote.db")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("default_label: Analysis\nparsely:\n  enabled: true\n"))
	}))
	defer server.Close()

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Analysis", cfg.DefaultLabel)
	assert.True(t, cfg.Parsely.Enabled)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown database driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"zero limit", func(c *Config) { c.Limit = 0 }},
		{"missing taxonomy", func(c *Config) { c.Taxonomy = "" }},
		{"bad cutoff", func(c *Config) { c.Legacy.Cutoff = "April 18" }},
		{"bad parsely scheme", func(c *Config) {
			c.Parsely.Enabled = true
			c.Parsely.APIURL = "ftp://api.parsely.com/v2/related"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}
