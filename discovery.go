package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// primaryTerm returns the post's primary term in taxonomy: the explicit
// primary-term assignment if it names an existing term, else the first
// assigned term. Returns nil when the post has neither.
func (q *Query) primaryTerm(ctx context.Context, taxonomy string) (*Term, error) {
	r := q.resolver
	value, ok, err := r.content.Meta(ctx, q.ID, r.cfg.PrimaryTermMetaKey(taxonomy))
	if err != nil {
		return nil, err
	}
	if ok {
		if termID := termIDFromMeta(value); termID != 0 {
			term, err := r.content.Term(ctx, taxonomy, termID)
			if err != nil {
				return nil, err
			}
			if term != nil {
				return term, nil
			}
		}
	}

	terms, err := r.content.PostTerms(ctx, q.ID, taxonomy)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, nil
	}
	return &terms[0], nil
}

// discover finds up to n posts sharing the post's primary term. The exact
// mode matches other posts' primary-term assignment; the fallback mode
// matches plain taxonomy membership.
func (q *Query) discover(ctx context.Context, n int, fallbackToTaxonomy bool) ([]RelatedItem, error) {
	r := q.resolver
	logger := q.logger(ctx)

	term, err := q.primaryTerm(ctx, q.Taxonomy)
	if err != nil {
		return nil, err
	}
	if term == nil {
		logger.Debug("No primary term, skipping discovery", "taxonomy", q.Taxonomy)
		return []RelatedItem{}, nil
	}

	pq := PostQuery{
		PostTypes: r.cfg.DiscoveryPostTypes,
		ExcludeID: q.ID,
		Limit:     n,
	}
	if fallbackToTaxonomy {
		pq.Taxonomy = q.Taxonomy
		pq.TermID = term.ID
	} else {
		pq.MetaKey = r.cfg.PrimaryTermMetaKey(q.Taxonomy)
		pq.MetaValue = strconv.FormatInt(term.ID, 10)
	}

	posts, err := r.content.QueryPosts(ctx, pq)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered related posts", "term", term.Name, "fallback", fallbackToTaxonomy, "count", len(posts))

	items := make([]RelatedItem, 0, len(posts))
	for _, p := range posts {
		items = append(items, RelatedItem{
			PostID:   p.ID,
			PostType: p.PostType,
			URL:      stringPtr(p.Permalink),
			Title:    stringPtr(plainText(p.Title)),
			Date:     stringPtr(p.Date.Format(displayDateLayout)),
			Excerpt:  Excerpt{},
			Label:    labelForPost(ctx, r.content, r.cfg, p.ID),
		})
	}
	return items, nil
}

// plainText strips markup and decodes entities from a stored title
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}
