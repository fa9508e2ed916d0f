package main

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"
)

// displayDateLayout matches the CMS default date format used for discovered posts
const displayDateLayout = "January 2, 2006"

// dateLayouts are tried in order when a related item's date is parsed for sorting
var dateLayouts = []string{
	time.DateTime,
	time.RFC3339,
	"2006-01-02T15:04:05",
	time.DateOnly,
	displayDateLayout,
	"Jan 2, 2006",
}

// formatLabel turns a format term name into a display label: hyphens become
// spaces and every word gets an upper-case first letter
func formatLabel(name string) string {
	name = strings.ReplaceAll(name, "-", " ")
	var b strings.Builder
	b.Grow(len(name))
	upperNext := true
	for _, r := range name {
		if upperNext {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(r)
		}
		upperNext = r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
	}
	return b.String()
}

// labelForPost derives a post's label from its first format term
func labelForPost(ctx context.Context, content ContentBackend, cfg *Config, postID int64) string {
	terms, err := content.PostTerms(ctx, postID, cfg.FormatTaxonomy)
	if err != nil || len(terms) == 0 || terms[0].Name == "" {
		return formatLabel(cfg.DefaultLabel)
	}
	return formatLabel(terms[0].Name)
}

// parseItemDate parses a related item's date; ok is false when no layout matches
func parseItemDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// itemTimestamp returns the sort key of an item; missing or unparsable dates sort oldest
func itemTimestamp(item RelatedItem) int64 {
	if item.Date == nil {
		return math.MinInt64
	}
	t, ok := parseItemDate(*item.Date)
	if !ok {
		return math.MinInt64
	}
	return t.Unix()
}

// stripSlashes removes backslash escaping the way the CMS does on stored strings
func stripSlashes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			break
		}
		i++
		if s[i] == '0' {
			b.WriteByte(0)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
