package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ImportResult summarises a feed import
type ImportResult struct {
	Posts  int
	Terms  int
	Errors []error
}

// importFeed seeds the content store from a CMS RSS feed: one post per item,
// its categories as terms with the first category as primary term
func importFeed(ctx context.Context, writer ContentWriter, cfg *Config, feedURL string) (ImportResult, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("fetching %s: %w", feedURL, err)
	}
	return importItems(ctx, writer, cfg, feed.Items), nil
}

func importItems(ctx context.Context, writer ContentWriter, cfg *Config, items []*gofeed.Item) ImportResult {
	var result ImportResult
	seenTerms := make(map[int64]bool)
	now := time.Now()

	for _, item := range items {
		p := Post{
			ID:        feedItemPostID(item),
			PostType:  "post",
			Status:    "publish",
			Title:     item.Title,
			Excerpt:   plainText(item.Description),
			Permalink: item.Link,
			Date:      now,
		}
		if item.PublishedParsed != nil {
			p.Date = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			p.Date = *item.UpdatedParsed
		}

		if err := writer.UpsertPost(ctx, p); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Posts++

		var termIDs []int64
		for _, name := range item.Categories {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			term := Term{
				ID:       stableID(cfg.Taxonomy + "/" + slugify(name)),
				Taxonomy: cfg.Taxonomy,
				Slug:     slugify(name),
				Name:     name,
			}
			if !seenTerms[term.ID] {
				if err := writer.UpsertTerm(ctx, term); err != nil {
					result.Errors = append(result.Errors, err)
					continue
				}
				seenTerms[term.ID] = true
				result.Terms++
			}
			termIDs = append(termIDs, term.ID)
		}
		if len(termIDs) == 0 {
			continue
		}
		if err := writer.AssignTerms(ctx, p.ID, termIDs...); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		primary := strconv.FormatInt(termIDs[0], 10)
		if err := writer.SetMeta(ctx, p.ID, cfg.PrimaryTermMetaKey(cfg.Taxonomy), primary); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	slog.Info("Imported feed items", "posts", result.Posts, "terms", result.Terms, "errors", len(result.Errors))
	return result
}

// feedItemPostID takes the ID from a ?p=123 GUID, else derives one from the link
func feedItemPostID(item *gofeed.Item) int64 {
	if id := queryPostID(item.GUID); id != 0 {
		return id
	}
	if id := queryPostID(item.Link); id != 0 {
		return id
	}
	key := item.GUID
	if key == "" {
		key = item.Link
	}
	return stableID(key)
}

// stableID hashes s into a positive 53-bit ID that survives JSON round trips
func stableID(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64()&(1<<53-1)) | 1<<52
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
