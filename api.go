package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ParselyClient looks related posts up in the Parse.ly related endpoint.
// Results are cached per post; every failure degrades to an empty list.
type ParselyClient struct {
	client  *http.Client
	apiURL  string
	apiKey  string
	bucket  string
	ttl     time.Duration
	content ContentBackend
	cache   CacheStore
	cfg     *Config
}

// NewParselyClient creates a Parse.ly client from configuration
func NewParselyClient(cfg *Config, content ContentBackend, cache CacheStore) *ParselyClient {
	timeout := cfg.Parsely.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ParselyClient{
		client:  &http.Client{Timeout: timeout},
		apiURL:  cfg.Parsely.APIURL,
		apiKey:  cfg.Parsely.APIKey,
		bucket:  cfg.Parsely.Bucket,
		ttl:     cfg.Parsely.TTL.Std(),
		content: content,
		cache:   cache,
		cfg:     cfg,
	}
}

// Related returns Parse.ly's related posts for the query's post
func (c *ParselyClient) Related(ctx context.Context, q *Query) []RelatedItem {
	logger := q.logger(ctx).With("source", "parsely")
	key := postCacheKey(q.ID)

	if data, ok, err := c.cache.Get(ctx, c.bucket, key); err != nil {
		logger.Warn("Failed to read Parse.ly cache", "error", err)
	} else if ok {
		var items []RelatedItem
		if err := json.Unmarshal(data, &items); err == nil {
			if items == nil {
				items = []RelatedItem{}
			}
			return items
		}
	}

	section := ""
	term, err := q.primaryTerm(ctx, c.cfg.Taxonomy)
	if err != nil {
		logger.Warn("Failed to resolve primary term for Parse.ly lookup", "error", err)
		return []RelatedItem{}
	}
	if term != nil {
		section = term.Name
	}

	hits, err := c.fetchRelated(ctx, section, q.Post().Permalink)
	if err != nil {
		logger.Warn("Parse.ly lookup failed", "error", err)
		return []RelatedItem{}
	}

	items := make([]RelatedItem, 0, len(hits))
	for _, hit := range hits {
		item, ok, err := c.mapHit(ctx, hit)
		if err != nil {
			logger.Warn("Failed to map Parse.ly result", "error", err, "url", hit.URL)
			return []RelatedItem{}
		}
		if ok {
			items = append(items, item)
		}
	}

	// An empty answer is often transient and is not worth pinning for a day
	if len(items) == 0 {
		logger.Debug("Parse.ly returned no related posts", "section", section)
		return items
	}

	data, err := json.Marshal(items)
	if err == nil {
		if err := c.cache.Set(ctx, c.bucket, key, data, c.ttl); err != nil {
			logger.Warn("Failed to write Parse.ly cache", "error", err)
		}
	}
	logger.Debug("Fetched related posts from Parse.ly", "section", section, "count", len(items))
	return items
}

// relatedURL builds the lookup URL for a section and canonical post URL
func (c *ParselyClient) relatedURL(section, canonical string) (string, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	params := u.Query()
	params.Set("apikey", c.apiKey)
	params.Set("section", section)
	params.Set("url", canonical)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// fetchRelated retrieves and decodes the candidate list
func (c *ParselyClient) fetchRelated(ctx context.Context, section, canonical string) ([]ParselyHit, error) {
	endpoint, err := c.relatedURL(section, canonical)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d", res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeParselyHits(body)
}

// decodeParselyHits accepts both the {"data": [...]} envelope and a bare array
func decodeParselyHits(body []byte) ([]ParselyHit, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if body[0] == '[' {
		var hits []ParselyHit
		if err := dec.Decode(&hits); err != nil {
			return nil, fmt.Errorf("failed to decode JSON: %w", err)
		}
		return hits, nil
	}

	var resp ParselyResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return resp.Data, nil
}

// mapHit converts a Parse.ly hit; ok is false when the hit names no known post
func (c *ParselyClient) mapHit(ctx context.Context, hit ParselyHit) (RelatedItem, bool, error) {
	var postID int64
	if hit.PostID != "" {
		id, err := hit.PostID.Int64()
		if err == nil {
			postID = id
		}
	}
	if postID == 0 && hit.URL != "" {
		id, err := c.content.URLToPostID(ctx, strings.TrimSpace(hit.URL))
		if err != nil {
			return RelatedItem{}, false, err
		}
		postID = id
	}
	if postID == 0 {
		return RelatedItem{}, false, nil
	}

	p, err := c.content.Post(ctx, postID)
	if err != nil {
		return RelatedItem{}, false, err
	}

	item := RelatedItem{
		PostID: postID,
		Title:  stringPtr(hit.Title),
		Date:   stringPtr(hit.PubDate),
		Label:  labelForPost(ctx, c.content, c.cfg, postID),
	}
	if p != nil {
		item.PostType = p.PostType
		item.URL = stringPtr(p.Permalink)
	}
	if hit.Excerpt != nil {
		item.Excerpt = Excerpt{Text: *hit.Excerpt, Valid: true}
	}
	return item, true, nil
}
