package main

import (
	"context"
	"net/url"
	"strconv"
)

// ContentBackend is the read side of the CMS the resolver queries.
// Lookups of missing records return nil / ok=false, never an error.
type ContentBackend interface {
	Post(ctx context.Context, id int64) (*Post, error)
	Meta(ctx context.Context, postID int64, key string) (string, bool, error)
	Term(ctx context.Context, taxonomy string, termID int64) (*Term, error)
	PostTerms(ctx context.Context, postID int64, taxonomy string) ([]Term, error)
	QueryPosts(ctx context.Context, q PostQuery) ([]Post, error)
	URLToPostID(ctx context.Context, rawURL string) (int64, error)
}

// ContentWriter is the write side used by editors and the feed importer
type ContentWriter interface {
	SetMeta(ctx context.Context, postID int64, key, value string) error
	UpsertPost(ctx context.Context, p Post) error
	UpsertTerm(ctx context.Context, t Term) error
	AssignTerms(ctx context.Context, postID int64, termIDs ...int64) error
}

var (
	_ ContentBackend = (*SQLContent)(nil)
	_ ContentWriter  = (*SQLContent)(nil)
)

// postType returns the type of a post, or "" if it does not exist
func postType(ctx context.Context, content ContentBackend, id int64) (string, error) {
	p, err := content.Post(ctx, id)
	if err != nil || p == nil {
		return "", err
	}
	return p.PostType, nil
}

// queryPostID extracts the ID of plain ?p=123 or ?page_id=123 permalinks
func queryPostID(rawURL string) int64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	for _, key := range []string{"p", "page_id"} {
		if v := u.Query().Get(key); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
				return id
			}
		}
	}
	return 0
}
