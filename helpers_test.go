package main

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	termEconomy  int64 = 10
	termPolitics int64 = 20
	termReport   int64 = 100
	termShort    int64 = 101
)

// testEnv is a resolver over an in-memory SQLite database
type testEnv struct {
	cfg      *Config
	content  *SQLContent
	cache    *countingCache
	sqlCache *sqlCache
	resolver *Resolver
	queries  *countingContent
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := loadDefaults()
	require.NoError(t, err)
	cfg.Database.DSN = ":memory:"
	return cfg
}

func newTestEnv(t *testing.T, opts ...ResolverOption) *testEnv {
	t.Helper()
	cfg := testConfig(t)

	db, err := openDB("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	content := NewSQLContent(db, "sqlite")
	sc := newSQLCache(db, "sqlite")
	cache := &countingCache{CacheStore: sc}
	queries := &countingContent{ContentBackend: content}

	resolver, err := NewResolver(queries, cache, cfg, opts...)
	require.NoError(t, err)

	env := &testEnv{
		cfg:      cfg,
		content:  content,
		cache:    cache,
		sqlCache: sc,
		resolver: resolver,
		queries:  queries,
	}
	env.seedTerms(t)
	return env
}

func (e *testEnv) seedTerms(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, term := range []Term{
		{ID: termEconomy, Taxonomy: "category", Slug: "economy", Name: "Economy"},
		{ID: termPolitics, Taxonomy: "category", Slug: "politics", Name: "Politics"},
		{ID: termReport, Taxonomy: "formats", Slug: "fact-sheet", Name: "fact-sheet"},
		{ID: termShort, Taxonomy: "formats", Slug: "short-read", Name: "short-read"},
	} {
		require.NoError(t, e.content.UpsertTerm(ctx, term))
	}
}

// addPost stores a post. primary is written as the primary-term meta when
// non-zero; terms are assigned in order.
func (e *testEnv) addPost(t *testing.T, p Post, primary int64, terms ...int64) {
	t.Helper()
	ctx := context.Background()
	if p.PostType == "" {
		p.PostType = "post"
	}
	if p.Permalink == "" {
		p.Permalink = "https://example.org/posts/" + strconv.FormatInt(p.ID, 10) + "/"
	}
	if p.Title == "" {
		p.Title = "Post " + strconv.FormatInt(p.ID, 10)
	}
	require.NoError(t, e.content.UpsertPost(ctx, p))
	if primary != 0 {
		require.NoError(t, e.content.SetMeta(ctx, p.ID, "_yoast_wpseo_primary_category", strconv.FormatInt(primary, 10)))
	}
	if len(terms) > 0 {
		require.NoError(t, e.content.AssignTerms(ctx, p.ID, terms...))
	}
}

func (e *testEnv) setMeta(t *testing.T, postID int64, key, value string) {
	t.Helper()
	require.NoError(t, e.content.SetMeta(context.Background(), postID, key, value))
}

func (e *testEnv) run(t *testing.T, postID int64, rc RequestContext) []RelatedItem {
	t.Helper()
	items, err := e.resolver.Process(context.Background(), postID, QueryArgs{}, rc)
	require.NoError(t, err)
	return items
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 12, 0, 0, 0, time.UTC)
}

func postIDs(items []RelatedItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.PostID
	}
	return ids
}

// countingCache records cache traffic
type countingCache struct {
	CacheStore
	mu               sync.Mutex
	gets, sets, dels int
}

func (c *countingCache) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.CacheStore.Get(ctx, bucket, key)
}

func (c *countingCache) Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.CacheStore.Set(ctx, bucket, key, value, ttl)
}

func (c *countingCache) Delete(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	c.dels++
	c.mu.Unlock()
	return c.CacheStore.Delete(ctx, bucket, key)
}

func (c *countingCache) counts() (gets, sets, dels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.sets, c.dels
}

// countingContent records discovery queries
type countingContent struct {
	ContentBackend
	mu          sync.Mutex
	postQueries []PostQuery
}

func (c *countingContent) QueryPosts(ctx context.Context, q PostQuery) ([]Post, error) {
	c.mu.Lock()
	c.postQueries = append(c.postQueries, q)
	c.mu.Unlock()
	return c.ContentBackend.QueryPosts(ctx, q)
}

func (c *countingContent) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.postQueries)
}

// gatedContent holds discovery queries until release is closed, then fails
// them if their context was cancelled in the meantime
type gatedContent struct {
	ContentBackend
	entered     chan struct{}
	release     chan struct{}
	enteredOnce sync.Once
}

func newGatedContent(backend ContentBackend) *gatedContent {
	return &gatedContent{
		ContentBackend: backend,
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (g *gatedContent) QueryPosts(ctx context.Context, q PostQuery) ([]Post, error) {
	g.enteredOnce.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.ContentBackend.QueryPosts(ctx, q)
}
